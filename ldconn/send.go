package ldconn

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/march-github/LogDevice/ldmsg"
	"github.com/march-github/LogDevice/ldproto"
	"golang.org/x/time/rate"
)

var (
	noBufsLogLimit = rate.Sometimes{First: 10, Interval: time.Second}
	injectLogLimit = rate.Sometimes{First: 5, Interval: 10 * time.Second}
)

// SendMessage registers msg and releases it
// as soon as the flow group allows.
//
// On error the message was not registered
// and no completion will be reported for it.
func (c *Connection) SendMessage(msg ldproto.Message) error {
	e, err := c.RegisterMessage(msg)
	if err != nil {
		return err
	}

	if c.deps.Flow == nil {
		c.ReleaseMessage(e)
		return nil
	}
	c.deps.Flow.Request(e)
	return nil
}

// RegisterMessage admits msg to the connection's pending queue.
//
// From here on the connection owns the message
// and reports its outcome exactly once through [Handler.OnSent],
// unless the envelope is taken back with [*Connection.DiscardEnvelope].
func (c *Connection) RegisterMessage(msg ldproto.Message) (*Envelope, error) {
	if msg == nil {
		panic("BUG: RegisterMessage with nil message")
	}
	if p := msg.Priority(); !p.Valid() {
		panic(fmt.Errorf("BUG: %s message has invalid priority %d", msg.Type(), p))
	}

	if err := c.preSendCheck(msg); err != nil {
		return nil, err
	}

	if !msg.Type().IsHandshake() && c.sizeLimitsExceeded() {
		noBufsLogLimit.Do(func() {
			c.log.Warn(
				"Output buffer full, refusing message",
				"type", msg.Type(),
				"pending_bytes", c.BytesPending(),
				"limit", c.settings.OutbufOverflowBytes,
			)
		})
		return nil, ErrNoBufs
	}

	e := &Envelope{
		conn:  c,
		msg:   msg,
		cost:  ldproto.FrameSize(msg, c.proto),
		birth: c.ex.Now(),
	}
	c.pendingq.Push(e)
	c.noteBytesQueued(e.cost)
	return e, nil
}

// ReleaseMessage moves a registered envelope towards the transport.
// If the handshake has not completed yet,
// the message waits in the serialize queue until it does.
func (c *Connection) ReleaseMessage(e *Envelope) {
	if e.conn != c || e.q != inPendingQueue {
		c.log.Error(
			"Releasing an envelope that is not pending on this connection",
			"type", e.msg.Type(),
		)
		return
	}

	if c.deps.Flow != nil {
		c.deps.Flow.Withdraw(e)
	}
	c.pendingq.Remove(e)
	c.send(e)
}

// DiscardEnvelope takes back a registered envelope that was never released.
// No completion is reported for it.
func (c *Connection) DiscardEnvelope(e *Envelope) ldproto.Message {
	if e.conn != c || e.q != inPendingQueue {
		panic(errors.New("BUG: discarding an envelope that is not pending on this connection"))
	}

	if c.deps.Flow != nil {
		c.deps.Flow.Withdraw(e)
	}
	c.pendingq.Remove(e)
	c.noteBytesDrained(e.cost)
	return e.msg
}

// SendShutdown tells the peer that this process is going away.
// The message is not subject to the flow group.
func (c *Connection) SendShutdown(serverInstanceID uuid.UUID) error {
	e, err := c.RegisterMessage(&ldmsg.Shutdown{ServerInstanceID: serverInstanceID})
	if err != nil {
		return err
	}
	c.ReleaseMessage(e)
	return nil
}

// preSendCheck reports whether msg may be sent on the connection right now.
func (c *Connection) preSendCheck(msg ldproto.Message) error {
	if c.IsClosed() {
		return ErrNotConnected
	}

	t := msg.Type()
	if c.state != StateHandshaken {
		if c.peer.Client && t != ldproto.AckType {
			return ErrUnreachable
		}
		return nil
	}

	if need := msg.MinProtocol(); need > c.proto {
		if t.IsHandshake() {
			c.log.Error(
				"Handshake message needs a newer protocol than was negotiated",
				"type", t, "min_proto", need, "proto", c.proto,
			)
			c.Close(fmt.Errorf("%w: %s needs protocol %d", ErrInternal, t, need))
			return ErrInternal
		}
		return fmt.Errorf(
			"%w: %s needs protocol %d, connection uses %d",
			ErrProtoNoSupport, t, need, c.proto,
		)
	}
	return nil
}

func (c *Connection) send(e *Envelope) {
	if err := c.preSendCheck(e.msg); err != nil {
		c.complete(e, err)
		return
	}

	if cm, ok := e.msg.(ldproto.Canceller); ok && cm.Cancelled() {
		c.complete(e, ErrCancelled)
		return
	}

	t := e.msg.Type()
	if c.state != StateHandshaken && !(c.state == StateConnected && t.IsHandshake()) {
		c.serializeq.Push(e)
		return
	}

	if sz := ldproto.FrameSize(e.msg, c.proto); sz > ldproto.MaxFrameLen {
		c.log.Warn("Refusing oversized message", "type", t, "size", sz)
		c.complete(e, fmt.Errorf("%w: %s frame is %d bytes", ErrTooBig, t, sz))
		return
	}

	if c.injectError(e) {
		return
	}

	c.serialize(e)
}

func (c *Connection) serialize(e *Envelope) {
	t := e.msg.Type()

	if t.IsHandshake() && c.nextPos != 0 {
		c.log.Error("Handshake message is not first on the stream", "type", t, "pos", c.nextPos)
		c.Close(fmt.Errorf("%w: %s at stream offset %d", ErrInternal, t, c.nextPos))
		c.complete(e, ErrInternal)
		return
	}

	buf, err := ldproto.AppendFrame(nil, e.msg, c.proto, c.settings.checksummed(t))
	if err != nil {
		if errors.Is(err, ldproto.ErrTooBig) {
			c.complete(e, fmt.Errorf("%w: %w", ErrTooBig, err))
			return
		}
		c.log.Error("Failed to serialize message", "type", t, "err", err)
		c.Close(fmt.Errorf("%w: serializing %s: %w", ErrInternal, t, err))
		c.complete(e, ErrInternal)
		return
	}

	n := len(buf)
	c.transport.Write([][]byte{buf})
	c.noteBytesQueued(n)

	c.nextPos += uint64(n)
	e.drainPos = c.nextPos
	e.enqueued = c.ex.Now()
	c.sendq.Push(e)

	c.deps.Stats.MessageSent(t, n)
	c.health.noteQueued(c.ex.Now(), c.BufferedBytes(), c.settings.SocketIdleThreshold)
}

// onBytesWritten completes every message whose last byte
// the transport has now accepted.
func (c *Connection) onBytesWritten(n int) {
	next := c.drainPos + uint64(n)
	if next > c.nextPos {
		c.log.Error(
			"Transport reported more bytes written than were queued",
			"n", n, "drain_pos", c.drainPos, "next_pos", c.nextPos,
		)
		c.Close(fmt.Errorf("%w: write progress past end of stream", ErrInternal))
		return
	}
	c.drainPos = next

	c.health.noteDrained(c.ex.Now(), n, c.BufferedBytes(), c.settings.SocketIdleThreshold)
	c.noteBytesDrained(n)

	for e := c.sendq.Front(); e != nil && e.drainPos <= next; e = c.sendq.Front() {
		c.sendq.PopFront()
		c.numMessagesSent++
		c.complete(e, nil)

		if c.IsClosed() {
			// Closed from the completion callback.
			return
		}
	}

	if c.closeReason != nil && c.BufferedBytes() == 0 {
		c.Close(c.closeReason)
	}
}

// complete reports the outcome of e, which must not be queued anywhere.
func (c *Connection) complete(e *Envelope, err error) {
	if e.q != inNoQueue {
		panic(fmt.Errorf("BUG: completing %s message that is still queued", e.msg.Type()))
	}

	if err != nil {
		c.deps.Stats.MessageFailed(e.msg.Type(), reasonLabel(err))
	}
	c.noteBytesDrained(e.cost)

	c.deps.Handler.OnSent(Completion{
		Msg:      e.msg,
		Peer:     c.peer,
		Err:      err,
		Birth:    e.birth,
		Enqueued: e.enqueued,
	})
}

func (c *Connection) sendHello() {
	hello := &ldmsg.Hello{
		ProtoMin:        ldproto.MinSupportedProtocol,
		ProtoMax:        c.settings.MaxProtocol,
		ClusterName:     c.settings.ClusterName,
		DestinationNode: c.peer.Name,
		Credentials:     c.settings.Credentials,
		SessionID:       uuid.New(),
	}
	c.sendHandshake(hello)
}

// sendHandshake registers and releases m without consulting the flow group.
func (c *Connection) sendHandshake(m ldproto.Message) {
	e, err := c.RegisterMessage(m)
	if err != nil {
		c.log.Error("Failed to register handshake message", "type", m.Type(), "err", err)
		c.Close(fmt.Errorf("%w: registering %s: %w", ErrInternal, m.Type(), err))
		return
	}
	c.ReleaseMessage(e)
}

// injectionState tracks artificial send failures.
//
// A failure starts a rewind: it and every message released
// until the executor's current turn ends complete with the injected status,
// as if the stream had been cut mid-batch.
type injectionState struct {
	rewinding bool

	passCount, rewoundCount uint64

	// Completions waiting for a later turn.
	queued []*Envelope
}

func (c *Connection) injectError(e *Envelope) bool {
	inj := c.settings.ErrorInjection
	t := e.msg.Type()

	if inj.ChancePercent == 0 || t.IsHandshake() || c.closing {
		return false
	}

	if !c.inj.rewinding && c.deps.Rand.Float64()*100 <= inj.ChancePercent {
		injectLogLimit.Do(func() {
			c.log.Info(
				"Injecting send failures",
				"status", inj.Status,
				"passed_since_last", c.inj.passCount,
			)
		})
		c.inj.rewinding = true
		c.inj.passCount = 0
		c.endRewind.Schedule(0)
	}

	if !c.inj.rewinding {
		c.inj.passCount++
		return false
	}

	c.inj.rewoundCount++
	c.inj.queued = append(c.inj.queued, e)
	if !c.injectedTimer.IsScheduled() {
		c.injectedTimer.Schedule(0)
	}
	return true
}

func (c *Connection) endStreamRewind() {
	if !c.inj.rewinding {
		return
	}
	c.log.Debug("Ending stream rewind", "rewound", c.inj.rewoundCount)
	c.inj.rewinding = false
	c.inj.rewoundCount = 0
	c.endRewind.Cancel()
}

func (c *Connection) completeInjected() {
	for len(c.inj.queued) > 0 {
		q := c.inj.queued
		c.inj.queued = nil
		for _, e := range q {
			c.complete(e, c.settings.ErrorInjection.Status)
		}
	}
	c.injectedTimer.Cancel()
}
