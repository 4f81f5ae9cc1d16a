package ldquic

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/march-github/LogDevice/ldcert"
	"github.com/quic-go/quic-go"
)

// DefaultConfig is the QUIC configuration used when none is given.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		// Defaults to 5s otherwise, which is far longer than a cluster peer needs.
		HandshakeIdleTimeout: 2 * time.Second,

		// The connection layer has its own health checks,
		// but idle sockets between servers are common,
		// so keep NATs and middleboxes from dropping them.
		KeepAlivePeriod: 15 * time.Second,

		InitialStreamReceiveWindow: 512 * 1024,
		MaxStreamReceiveWindow:     16 * 1024 * 1024,

		// There is only ever one stream per connection.
		InitialConnectionReceiveWindow: 512 * 1024,
		MaxConnectionReceiveWindow:     16 * 1024 * 1024,

		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// MakeTransport returns a [*quic.Transport] over conn.
// The caller still owns conn and must close it
// after closing the returned transport.
func MakeTransport(conn *net.UDPConn) *quic.Transport {
	return &quic.Transport{
		Conn: conn,

		// Skip: StatelessResetKey: peers reconnect through the
		// connection layer's retry policy after a restart anyway.
	}
}

// StartListener starts accepting QUIC connections on qt,
// authenticating clients with tlsProvider.
func StartListener(
	tlsProvider ldcert.Provider, quicConf *quic.Config, qt *quic.Transport,
) (*quic.Listener, error) {
	if quicConf == nil {
		quicConf = DefaultConfig()
	}

	ln, err := qt.Listen(serverTLSConfig(tlsProvider), quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC listener: %w", err)
	}
	return ln, nil
}

func serverTLSConfig(p ldcert.Provider) *tls.Config {
	conf := p.ServerConfig().Clone()
	conf.NextProtos = []string{NextProto}

	if gcfc := conf.GetConfigForClient; gcfc != nil {
		conf.GetConfigForClient = func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			c, err := gcfc(chi)
			if err != nil || c == nil {
				return c, err
			}
			c = c.Clone()
			c.NextProtos = []string{NextProto}
			return c, nil
		}
	}
	return conf
}

func clientTLSConfig(p ldcert.Provider, serverName string) *tls.Config {
	conf := p.ClientConfig(serverName).Clone()
	conf.NextProtos = []string{NextProto}
	return conf
}
