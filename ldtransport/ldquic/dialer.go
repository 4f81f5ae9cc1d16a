package ldquic

import (
	"context"
	"fmt"
	"net"

	"github.com/march-github/LogDevice/ldcert"
	"github.com/quic-go/quic-go"
)

// Dialer establishes QUIC connections with remote peers.
type Dialer struct {
	TLS ldcert.Provider

	QUICTransport *quic.Transport
	QUICConfig    *quic.Config
}

// DialResult is the return type for [Dialer.Dial].
type DialResult struct {
	Conn Conn

	Chain ldcert.Chain

	// Closed when the peer's CA is removed from the trusted pool.
	// It is the caller's responsibility to close Conn when that happens.
	NotifyCARemoved <-chan struct{}
}

// Dial opens a QUIC connection to addr, verifying it as serverName.
func (d Dialer) Dial(ctx context.Context, addr net.Addr, serverName string) (DialResult, error) {
	qconf := d.QUICConfig
	if qconf == nil {
		qconf = DefaultConfig()
	}

	rawQC, err := d.QUICTransport.Dial(ctx, addr, clientTLSConfig(d.TLS, serverName), qconf)
	if err != nil {
		return DialResult{}, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	qc := WrapConn(rawQC)

	chain, err := ldcert.NewChainFromTLSConnectionState(qc.TLSConnectionState())
	if err != nil {
		_ = qc.CloseWithError(ClosedByApplication, "")
		return DialResult{}, fmt.Errorf("failed to build peer chain for %s: %w", addr, err)
	}

	return DialResult{
		Conn:            qc,
		Chain:           chain,
		NotifyCARemoved: d.TLS.WatchPeer(chain),
	}, nil
}
