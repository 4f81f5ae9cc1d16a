// Package ldtransporttest provides a scriptable [ldtransport.Transport]
// for driving connection tests deterministically.
package ldtransporttest

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"net/netip"

	"github.com/march-github/LogDevice/ldloop"
	"github.com/march-github/LogDevice/ldtransport"
)

// Fake is an [ldtransport.Transport] whose network side is the test.
//
// Methods of the Transport interface only record what the connection did.
// The test then plays the network with [*Fake.CompleteConnect],
// [*Fake.Deliver], [*Fake.AckWritten] and friends,
// each of which posts the corresponding event to the executor.
type Fake struct {
	ex ldloop.Executor
	h  ldtransport.Handler

	ConnectCalls int
	Attached     bool

	// Every byte passed to Write, in order.
	Written []byte
	// Bytes of Written for which a Written event has been posted.
	Acked int

	ReadEnabled bool
	Closed      bool

	Certs []*x509.Certificate
	TLS   bool

	Congestion    ldtransport.CongestionInfo
	HasCongestion bool

	Addr net.Addr
}

var _ ldtransport.Transport = (*Fake)(nil)

// New returns a Fake posting events to ex.
func New(ex ldloop.Executor) *Fake {
	return &Fake{
		ex:          ex,
		ReadEnabled: true,
		Addr:        net.TCPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:4440")),
	}
}

func (f *Fake) Connect(_ context.Context, h ldtransport.Handler) {
	f.ConnectCalls++
	f.h = h
}

func (f *Fake) Attach(h ldtransport.Handler) {
	if f.Attached {
		panic(errors.New("BUG: Attach called twice"))
	}
	f.Attached = true
	f.h = h
}

func (f *Fake) Write(bufs [][]byte) {
	if f.Closed {
		panic(errors.New("BUG: Write after Close"))
	}
	for _, b := range bufs {
		f.Written = append(f.Written, b...)
	}
}

func (f *Fake) SetReadEnabled(enabled bool) { f.ReadEnabled = enabled }

func (f *Fake) Close() error {
	f.Closed = true
	return nil
}

func (f *Fake) PeerCertificates() []*x509.Certificate { return f.Certs }

func (f *Fake) Encrypted() bool { return f.TLS }

func (f *Fake) CongestionInfo() (ldtransport.CongestionInfo, bool) {
	return f.Congestion, f.HasCongestion
}

func (f *Fake) RemoteAddr() net.Addr { return f.Addr }

func (f *Fake) Kind() string { return "fake" }

func (f *Fake) post(ev ldtransport.Event) {
	h := f.h
	if h == nil {
		panic(errors.New("BUG: event posted before Connect or Attach"))
	}
	f.ex.Post(func() {
		if f.Closed {
			return
		}
		h(ev)
	})
}

// CompleteConnect reports a successful connect.
func (f *Fake) CompleteConnect() { f.post(ldtransport.Connected{}) }

// Deliver hands b to the connection as received data.
func (f *Fake) Deliver(b []byte) {
	f.post(ldtransport.DataReceived{Data: append([]byte(nil), b...)})
}

// AckWritten reports n more written bytes as sent.
func (f *Fake) AckWritten(n int) {
	if f.Acked+n > len(f.Written) {
		panic(errors.New("BUG: acknowledging more bytes than were written"))
	}
	f.Acked += n
	f.post(ldtransport.Written{N: n})
}

// AckAll reports every written byte as sent.
func (f *Fake) AckAll() {
	if n := len(f.Written) - f.Acked; n > 0 {
		f.AckWritten(n)
	}
}

// Unacked returns the written bytes not yet acknowledged.
func (f *Fake) Unacked() []byte {
	return f.Written[f.Acked:]
}

// Fail reports a transport failure.
func (f *Fake) Fail(err error) { f.post(ldtransport.Failed{Err: err}) }

// PeerClose reports end of stream.
func (f *Fake) PeerClose() { f.post(ldtransport.EOF{}) }
