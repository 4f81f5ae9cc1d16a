// Package ldtransport defines the byte-stream capability
// that a connection is built on.
//
// The connection state machine only ever talks to a [Transport],
// and learns about progress through a closed set of [Event] values
// delivered on its executor.
// Backends live in subpackages: ldtcp for TCP and TLS over TCP,
// and ldquic for a single bidirectional QUIC stream.
package ldtransport

import (
	"context"
	"crypto/x509"
	"net"
	"time"
)

// Transport is a full-duplex byte stream to one peer.
//
// Methods other than the constructors' results are called
// from the owning connection's executor.
// Implementations report all asynchronous outcomes
// by posting events to that same executor.
type Transport interface {
	// Connect begins establishing an outgoing transport.
	// The outcome is reported as [Connected] or [Failed].
	// Cancelling ctx, or calling Close, abandons the attempt.
	Connect(ctx context.Context, h Handler)

	// Attach starts I/O on a transport that is already established,
	// such as one produced by a listener.
	// No [Connected] event is delivered.
	Attach(h Handler)

	// Write queues bufs for transmission after everything queued earlier.
	// Progress is reported through [Written] events, in order.
	// The transport takes ownership of bufs.
	Write(bufs [][]byte)

	// SetReadEnabled suspends or resumes delivery of [DataReceived].
	// While suspended, the transport stops reading from the network,
	// so the peer observes back-pressure.
	SetReadEnabled(enabled bool)

	// Close tears the transport down.
	// No events are delivered after Close returns,
	// other than ones already posted.
	Close() error

	// PeerCertificates returns the peer's certificate chain,
	// or nil for an unencrypted transport.
	PeerCertificates() []*x509.Certificate

	// Encrypted reports whether the transport uses TLS.
	Encrypted() bool

	// CongestionInfo returns cumulative kernel congestion counters,
	// if the backend can provide them.
	CongestionInfo() (CongestionInfo, bool)

	RemoteAddr() net.Addr

	// Kind is a short name for logs and debug output, such as "tcp".
	Kind() string
}

// CongestionInfo holds cumulative counters of why the sender was limited.
// The connection compares successive snapshots to classify slow sockets.
type CongestionInfo struct {
	// Time during which the sender had data to send.
	BusyTime time.Duration

	// Portion of BusyTime limited by the receiver's window.
	RwndLimited time.Duration

	// Portion of BusyTime limited by the local send buffer.
	SndbufLimited time.Duration
}

// Sub returns the difference between two snapshots.
func (c CongestionInfo) Sub(prev CongestionInfo) CongestionInfo {
	return CongestionInfo{
		BusyTime:      c.BusyTime - prev.BusyTime,
		RwndLimited:   c.RwndLimited - prev.RwndLimited,
		SndbufLimited: c.SndbufLimited - prev.SndbufLimited,
	}
}

// NetworkLimited is the part of BusyTime not explained
// by either the receive window or the send buffer.
func (c CongestionInfo) NetworkLimited() time.Duration {
	return max(0, c.BusyTime-c.RwndLimited-c.SndbufLimited)
}
