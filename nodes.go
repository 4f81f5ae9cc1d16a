package logdevice

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/march-github/LogDevice/ldcert"
	"github.com/march-github/LogDevice/ldconn"
	"github.com/march-github/LogDevice/ldloop"
	"github.com/march-github/LogDevice/ldtransport"
	"github.com/march-github/LogDevice/ldtransport/ldquic"
	"github.com/march-github/LogDevice/ldtransport/ldtcp"
)

// NodeDirectory resolves server node names
// to the transports that reach them.
type NodeDirectory interface {
	// TransportFactory returns a factory for fresh, unconnected transports
	// to the named node, or an error wrapping [ErrUnknownNode].
	TransportFactory(log *slog.Logger, ex ldloop.Executor, name string) (ldconn.TransportFactory, error)
}

// TCPNodes is a static [NodeDirectory] of TCP addresses.
type TCPNodes struct {
	// Node name to host:port.
	Addrs map[string]string

	// If set, connections use TLS,
	// verifying each server's certificate against its node name
	// unless ServerNames overrides it.
	TLS         ldcert.Provider
	ServerNames map[string]string

	ReadBufferSize int
}

func (d TCPNodes) TransportFactory(
	log *slog.Logger, ex ldloop.Executor, name string,
) (ldconn.TransportFactory, error) {
	addr, ok := d.Addrs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}

	cfg := ldtcp.Config{
		Addr:           addr,
		TLS:            d.TLS,
		ReadBufferSize: d.ReadBufferSize,
	}
	if d.TLS != nil {
		cfg.ServerName = name
		if sn, ok := d.ServerNames[name]; ok {
			cfg.ServerName = sn
		}
	}

	return func() ldtransport.Transport {
		return ldtcp.New(log, ex, cfg)
	}, nil
}

// QUICNodes is a static [NodeDirectory] of QUIC addresses.
// Every connection dials through the same [ldquic.Dialer].
type QUICNodes struct {
	Addrs map[string]net.Addr

	// Name to verify each server certificate against,
	// if different from the node name.
	ServerNames map[string]string

	Dialer ldquic.Dialer

	ReadBufferSize int
}

func (d QUICNodes) TransportFactory(
	log *slog.Logger, ex ldloop.Executor, name string,
) (ldconn.TransportFactory, error) {
	addr, ok := d.Addrs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}

	serverName := name
	if sn, ok := d.ServerNames[name]; ok {
		serverName = sn
	}

	cfg := ldquic.Config{
		Addr:           addr,
		ServerName:     serverName,
		Dialer:         d.Dialer,
		ReadBufferSize: d.ReadBufferSize,
	}
	return func() ldtransport.Transport {
		return ldquic.New(log, ex, cfg)
	}, nil
}
