package ldconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/march-github/LogDevice/ldbudget"
	"github.com/march-github/LogDevice/ldmsg"
	"github.com/march-github/LogDevice/ldproto"
	"golang.org/x/time/rate"
)

var readErrLogLimit = rate.Sometimes{First: 10, Interval: 10 * time.Second}

// errStopReading ends the current read loop without closing.
// The code returning it has already arranged
// for whatever happens to the connection next.
var errStopReading = errors.New("stop reading")

// inputState is the receive side of the stream.
type inputState struct {
	buf []byte

	// Set once a header was consumed and its body is awaited.
	hdr        ldproto.Header
	expectBody bool

	// A complete message that could not get receive budget.
	// Reading is suspended while it is set.
	stalled *stalledReceipt
}

type stalledReceipt struct {
	hdr  ldproto.Header
	body []byte
}

func (in *inputState) reset() { *in = inputState{} }

// bytesExpected is how many buffered bytes the next step of
// processInput needs.
func (in *inputState) bytesExpected(proto ldproto.ProtocolVersion) int {
	if in.expectBody {
		return in.hdr.BodyLen(proto)
	}
	t, ok := ldproto.PeekType(in.buf)
	if !ok {
		return ldproto.MinHeaderSize
	}
	return ldproto.HeaderSize(t, proto)
}

func (c *Connection) onDataReceived(b []byte) {
	if c.IsClosed() {
		return
	}
	c.in.buf = append(c.in.buf, b...)
	c.processInput()
}

// processInput decodes and dispatches buffered messages,
// yielding to the executor after IncomingMessagesMaxPerSocket of them.
func (c *Connection) processInput() {
	if c.IsClosed() || c.in.stalled != nil || c.closeReason != nil {
		return
	}

	limit := c.settings.IncomingMessagesMaxPerSocket
	for step := 0; ; step++ {
		if c.IsClosed() || c.closeReason != nil {
			// Closed or flushing because of the last message.
			return
		}
		if len(c.in.buf) < c.in.bytesExpected(c.proto) {
			c.readMore.Cancel()
			return
		}

		// Every message takes two steps, header and body.
		if step/2 >= limit {
			c.readMore.Schedule(0)
			return
		}

		var err error
		if c.in.expectBody {
			err = c.readBody()
		} else {
			err = c.readHeader()
		}
		if err != nil {
			c.onReadError(err)
			return
		}
	}
}

func (c *Connection) readHeader() error {
	h, n, err := ldproto.DecodeHeader(c.in.buf, c.proto)
	if err != nil {
		// The length check in processInput
		// rules out an incomplete header.
		return err
	}

	if c.state != StateHandshaken && !h.Type.IsHandshake() {
		return &ProtocolError{Type: h.Type, Reason: "received before handshake"}
	}

	c.in.buf = c.in.buf[n:]
	c.in.hdr = h
	c.in.expectBody = true
	return nil
}

func (c *Connection) readBody() error {
	h := c.in.hdr
	n := h.BodyLen(c.proto)

	// Decoders may keep references into the body.
	body := make([]byte, n)
	copy(body, c.in.buf[:n])
	c.in.buf = c.in.buf[n:]
	c.in.expectBody = false

	tok, ok := c.acquireReceiveBudget(h, body)
	if !ok {
		return errStopReading
	}
	return c.dispatchBody(h, body, tok)
}

// acquireReceiveBudget reserves budget for a body about to be dispatched.
// On failure the body is held and reading is suspended
// until the budget has room again.
func (c *Connection) acquireReceiveBudget(h ldproto.Header, body []byte) (*ldbudget.Token, bool) {
	b := c.deps.ReceiveBudget
	if b == nil || h.Type.IsHandshake() {
		return nil, true
	}

	if tok := b.TryAcquire(int64(len(body))); tok != nil {
		return tok, true
	}

	c.deps.Stats.ReadNoBufs()
	s := &stalledReceipt{hdr: h, body: body}
	c.in.stalled = s
	c.transport.SetReadEnabled(false)
	c.waitForReceiveBudget(s)
	return nil, false
}

func (c *Connection) waitForReceiveBudget(s *stalledReceipt) {
	b := c.deps.ReceiveBudget
	retry := func() {
		c.ex.Post(func() { c.retryStalled(s) })
	}
	b.NotifyAvailable(retry)

	// Capacity may have been returned between the failed acquire
	// and the registration above.
	if b.Available() >= min(int64(len(s.body)), b.Capacity()) {
		retry()
	}
}

func (c *Connection) retryStalled(s *stalledReceipt) {
	if c.in.stalled != s || c.IsClosed() {
		return
	}

	tok := c.deps.ReceiveBudget.TryAcquire(int64(len(s.body)))
	if tok == nil {
		c.waitForReceiveBudget(s)
		return
	}

	c.in.stalled = nil
	if err := c.dispatchBody(s.hdr, s.body, tok); err != nil {
		c.onReadError(err)
		return
	}
	if c.IsClosed() || c.closeReason != nil {
		return
	}

	c.transport.SetReadEnabled(true)
	c.processInput()
}

func (c *Connection) onReadError(err error) {
	if errors.Is(err, errStopReading) {
		return
	}

	c.deps.Stats.ProtocolError(reasonLabel(err))
	readErrLogLimit.Do(func() {
		c.log.Warn("Closing connection after receive error", "err", err)
	})
	c.Close(err)
}

// dispatchBody verifies and decodes one message and hands it on.
// tok is the receive budget held for it, if any.
func (c *Connection) dispatchBody(h ldproto.Header, body []byte, tok *ldbudget.Token) error {
	keep := false
	defer func() {
		if tok != nil && !keep {
			tok.Release()
		}
	}()

	c.numMessagesReceived++
	c.numBytesReceived += uint64(h.Len)

	if c.settings.checksummed(h.Type) && ldproto.NeedsChecksum(h.Type, c.proto) && h.Checksum != 0 {
		if err := ldproto.VerifyChecksum(h, c.proto, body); err != nil {
			c.deps.Stats.ChecksumMismatch()
			return err
		}
		c.deps.Stats.ChecksumVerified()
	}

	msg, err := c.deps.Registry.Decode(h.Type, body, c.proto)
	if err != nil {
		switch {
		case errors.Is(err, ldproto.ErrBadMessage):
			return err
		case errors.Is(err, ldproto.ErrTooBig):
			return fmt.Errorf("%w: %w", ErrBadMessage, err)
		case errors.Is(err, ldproto.ErrNotSupported):
			c.log.Error("Received message that cannot be handled", "type", h.Type, "err", err)
			return fmt.Errorf("%w: %w", ErrInternal, err)
		default:
			c.log.Error("Dropping message after decoder failure", "type", h.Type, "err", err)
			return nil
		}
	}

	if err := c.validateReceived(msg); err != nil {
		return err
	}

	switch m := msg.(type) {
	case *ldmsg.Hello:
		return c.onHello(m)
	case *ldmsg.Ack:
		return c.onAck(m)
	case *ldmsg.Shutdown:
		c.onShutdown(m)
		c.deps.Stats.MessageReceived(h.Type, int(h.Len))
		return nil
	}

	c.deps.Stats.MessageReceived(h.Type, int(h.Len))

	disp, err := c.deps.Handler.OnReceived(c.peer, msg, tok)
	switch disp {
	case DispositionNormal:
		return nil
	case DispositionKeep:
		keep = true
		return nil
	case DispositionError:
		if err == nil {
			err = fmt.Errorf("%w: handler rejected %s without a reason", ErrInternal, h.Type)
		}
		return err
	default:
		panic(fmt.Errorf("BUG: invalid disposition %d", disp))
	}
}

func (c *Connection) validateReceived(msg ldproto.Message) error {
	t := msg.Type()

	if t.IsHandshake() && c.state == StateHandshaken {
		return &ProtocolError{Type: t, Reason: "duplicate handshake"}
	}

	if c.sockType == SocketGossip && !ldmsg.GossipAllowed.Contains(t) {
		return fmt.Errorf("%w: %s message on gossip connection", ErrBadMessage, t)
	}
	return nil
}

func (c *Connection) onShutdown(m *ldmsg.Shutdown) {
	if c.peer.Client {
		// Only servers announce shutdown.
		c.log.Debug("Ignoring SHUTDOWN from client")
		return
	}
	c.log.Info("Peer is shutting down", "server_instance_id", m.ServerInstanceID)
	c.peerShuttingDown = true
}
