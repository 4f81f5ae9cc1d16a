package ldconn_test

import (
	"testing"

	"github.com/march-github/LogDevice/internal/ldtest"
	"github.com/march-github/LogDevice/ldbudget"
	"github.com/march-github/LogDevice/ldconn"
	"github.com/march-github/LogDevice/ldloop/ldlooptest"
	"github.com/march-github/LogDevice/ldmsg"
	"github.com/march-github/LogDevice/ldproto"
	"github.com/march-github/LogDevice/ldstats"
	"github.com/march-github/LogDevice/ldtransport"
	"github.com/march-github/LogDevice/ldtransport/ldtransporttest"
	"github.com/stretchr/testify/require"
)

// handler records everything a connection reports.
type handler struct {
	sent     []ldconn.Completion
	received []ldproto.Message

	onSent     func(ldconn.Completion)
	onReceived func(ldproto.Message, *ldbudget.Token) (ldconn.Disposition, error)
}

func (h *handler) OnReceived(_ ldconn.Peer, msg ldproto.Message, tok *ldbudget.Token) (ldconn.Disposition, error) {
	h.received = append(h.received, msg)
	if h.onReceived != nil {
		return h.onReceived(msg, tok)
	}
	return ldconn.DispositionNormal, nil
}

func (h *handler) OnSent(c ldconn.Completion) {
	h.sent = append(h.sent, c)
	if h.onSent != nil {
		h.onSent(c)
	}
}

// appSent returns the completions of non-handshake messages.
func (h *handler) appSent() []ldconn.Completion {
	var out []ldconn.Completion
	for _, c := range h.sent {
		if !c.Msg.Type().IsHandshake() {
			out = append(out, c)
		}
	}
	return out
}

// sentIDs returns the request IDs of completed appends, in completion order.
func (h *handler) sentIDs() []uint64 {
	var out []uint64
	for _, c := range h.appSent() {
		if a, ok := c.Msg.(*ldmsg.Append); ok {
			out = append(out, a.RequestID)
		}
	}
	return out
}

type fixture struct {
	t *testing.T

	Ex *ldlooptest.Executor
	H  *handler

	Deps     ldconn.Deps
	Settings ldconn.Settings

	SocketType ldconn.SocketType
	Throttle   ldconn.ConnectThrottle

	// Whether dialed transports report themselves as encrypted.
	TLS bool

	// Every transport created for outgoing connections, in order.
	Transports []*ldtransporttest.Fake

	// Recorded by watch.
	closeReasons []error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ex := ldlooptest.New()
	h := new(handler)
	return &fixture{
		t:  t,
		Ex: ex,
		H:  h,

		Deps: ldconn.Deps{
			Log:      ldtest.NewLogger(t),
			Executor: ex,
			Handler:  h,
		},
		Settings: ldconn.DefaultSettings(),
	}
}

func (f *fixture) dial() ldtransport.Transport {
	tr := ldtransporttest.New(f.Ex)
	tr.TLS = f.TLS
	f.Transports = append(f.Transports, tr)
	return tr
}

// Transport returns the most recently dialed transport.
func (f *fixture) Transport() *ldtransporttest.Fake {
	f.t.Helper()
	require.NotEmpty(f.t, f.Transports)
	return f.Transports[len(f.Transports)-1]
}

// NewOutgoing returns an unconnected connection to server "N1".
// Its close reasons are recorded for [*fixture.CloseReason].
func (f *fixture) NewOutgoing() *ldconn.Connection {
	c := ldconn.NewOutgoing(f.t.Context(), f.Deps, ldconn.OutgoingConfig{
		Peer:       ldconn.Peer{Name: "N1"},
		SocketType: f.SocketType,
		Settings:   f.Settings,
		Dial:       f.dial,
		Throttle:   f.Throttle,
	})
	f.watch(c)
	return c
}

// Connected returns an outgoing connection whose transport connected
// and which wrote its HELLO.
func (f *fixture) Connected() (*ldconn.Connection, *ldtransporttest.Fake) {
	f.t.Helper()

	c := f.NewOutgoing()
	require.NoError(f.t, c.Connect())
	tr := f.Transport()
	tr.CompleteConnect()
	f.Ex.RunPending()
	require.Equal(f.t, ldconn.StateConnected, c.State())
	return c, tr
}

// Handshaken returns an outgoing connection that completed its handshake
// at the highest protocol, with the HELLO fully written.
func (f *fixture) Handshaken() (*ldconn.Connection, *ldtransporttest.Fake) {
	f.t.Helper()

	c, tr := f.Connected()
	tr.Deliver(encode(f.t, &ldmsg.Ack{
		Proto:     f.Settings.MaxProtocol,
		Status:    ldmsg.AckOK,
		ClientIdx: 7,
	}, f.Settings.MaxProtocol))
	tr.AckAll()
	f.Ex.RunPending()
	require.Equal(f.t, ldconn.StateHandshaken, c.State())
	require.Zero(f.t, c.BufferedBytes())
	return c, tr
}

// NewIncoming returns a connection wrapping a freshly accepted transport.
func (f *fixture) NewIncoming() (*ldconn.Connection, *ldtransporttest.Fake) {
	tr := ldtransporttest.New(f.Ex)
	c := ldconn.NewIncoming(f.t.Context(), f.Deps, ldconn.IncomingConfig{
		Peer:       ldconn.Peer{Name: "C1"},
		SocketType: f.SocketType,
		Settings:   f.Settings,
		Transport:  tr,
		ClientIdx:  1,
	})
	f.watch(c)
	return c, tr
}

func (f *fixture) watch(c *ldconn.Connection) {
	var watch func()
	watch = func() {
		c.OnClose(func(reason error, _ ldconn.Peer) {
			f.closeReasons = append(f.closeReasons, reason)
			// Reconnects close again.
			watch()
		})
	}
	watch()
}

// CloseReason returns the reason of the only close so far.
func (f *fixture) CloseReason() error {
	f.t.Helper()
	require.Len(f.t, f.closeReasons, 1)
	return f.closeReasons[0]
}

func encode(t *testing.T, m ldproto.Message, proto ldproto.ProtocolVersion) []byte {
	t.Helper()
	b, err := ldproto.AppendFrame(nil, m, proto, true)
	require.NoError(t, err)
	return b
}

// decodeAll decodes every frame in b.
func decodeAll(t *testing.T, b []byte, proto ldproto.ProtocolVersion) []ldproto.Message {
	t.Helper()

	reg := ldmsg.NewRegistry()
	var out []ldproto.Message
	for len(b) > 0 {
		m, n, err := ldproto.DecodeFrame(b, proto, reg, true)
		require.NoError(t, err)
		out = append(out, m)
		b = b[n:]
	}
	return out
}

// appendOfSize returns an APPEND whose frame is exactly frameLen bytes
// under a protocol with checksummed headers.
func appendOfSize(t *testing.T, reqID uint64, frameLen int) *ldmsg.Append {
	t.Helper()

	n := frameLen - ldproto.FrameSize(new(ldmsg.Append), ldproto.MaxSupportedProtocol)
	require.GreaterOrEqual(t, n, 0)

	a := &ldmsg.Append{
		LogID:     1,
		RequestID: reqID,
		Payload:   make([]byte, n),
		Pri:       ldproto.PriorityClientNormal,
	}
	require.Equal(t, frameLen, ldproto.FrameSize(a, ldproto.MaxSupportedProtocol))
	return a
}

type accountant struct {
	queued, drained int
}

func (a *accountant) NoteBytesQueued(n int)  { a.queued += n }
func (a *accountant) NoteBytesDrained(n int) { a.drained += n }

// countingSink tracks the connection gauges a [ldstats.Sink] is told about.
type countingSink struct {
	ldstats.Nop

	opened, closed int
	pending        int
}

func (s *countingSink) ConnectionOpened(string, bool)         { s.opened++ }
func (s *countingSink) ConnectionClosed(string, bool, string) { s.closed++ }
func (s *countingSink) BytesPending(delta int)                { s.pending += delta }
