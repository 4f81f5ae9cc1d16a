// Package ldquic is the QUIC backend for [ldtransport.Transport].
//
// Each logical connection is one QUIC connection
// carrying exactly one bidirectional stream,
// opened by the dialing side.
package ldquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol negotiated on every QUIC connection.
const NextProto = "logdevice/1"

// ApplicationErrorCode is used for [Conn.CloseWithError].
type ApplicationErrorCode uint64

const (
	// Orderly close by the application.
	// The peer observes it as end of stream.
	ClosedByApplication ApplicationErrorCode = 0

	// The peer's CA was removed from the trusted pool.
	CARemoved ApplicationErrorCode = 0x10
)

// CARemovedMessage accompanies [CARemoved].
const CARemovedMessage = "CA removed from trusted pool"

// Stream is the subset of a QUIC stream used by the transport.
type Stream interface {
	io.ReadWriteCloser

	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
}

// Conn is the subset of [*quic.Conn] used by the transport.
type Conn interface {
	AcceptStream(context.Context) (Stream, error)
	OpenStreamSync(context.Context) (Stream, error)

	CloseWithError(code ApplicationErrorCode, msg string) error

	// Only the TLS part of the connection state is exposed.
	TLSConnectionState() tls.ConnectionState

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

var _ Conn = ConnAdapter{}

// ConnAdapter wraps a [*quic.Conn], implementing [Conn].
// Create one with [WrapConn].
type ConnAdapter struct {
	qc *quic.Conn
}

// WrapConn wraps qc as a [Conn].
func WrapConn(qc *quic.Conn) ConnAdapter {
	return ConnAdapter{qc: qc}
}

func (c ConnAdapter) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.qc.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c ConnAdapter) OpenStreamSync(ctx context.Context) (Stream, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c ConnAdapter) CloseWithError(code ApplicationErrorCode, msg string) error {
	if (code >> 62) > 0 {
		panic(fmt.Errorf(
			"BUG: application error code must fit in 62 bits (got 0x%x)", code,
		))
	}
	return c.qc.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

func (c ConnAdapter) TLSConnectionState() tls.ConnectionState {
	return c.qc.ConnectionState().TLS
}

func (c ConnAdapter) LocalAddr() net.Addr { return c.qc.LocalAddr() }

func (c ConnAdapter) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }
