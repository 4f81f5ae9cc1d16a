package ldconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/march-github/LogDevice/internal/ldtrace"
	"github.com/march-github/LogDevice/ldbudget"
	"github.com/march-github/LogDevice/ldloop"
	"github.com/march-github/LogDevice/ldproto"
	"github.com/march-github/LogDevice/ldtransport"
	"golang.org/x/time/rate"
)

// Connection is one protocol session with a peer.
//
// All methods must be called from the executor in [Deps].
// Transport events are delivered there too,
// so no method needs its own locking.
type Connection struct {
	log *slog.Logger

	ex       ldloop.Executor
	deps     Deps
	settings Settings

	peer     Peer
	sockType SocketType

	// Outgoing connections only.
	ctx      context.Context
	dial     TransportFactory
	throttle ConnectThrottle

	transport  ldtransport.Transport
	cancelDial context.CancelFunc
	kind       string
	encrypted  bool

	state State

	// Set for the duration of close.
	closing bool

	// Whether ConnectionOpened was reported and not yet balanced.
	opened bool

	// No handshake has ever completed on this connection.
	firstAttempt bool

	// The peer sent SHUTDOWN since the transport connected.
	peerShuttingDown bool

	proto ldproto.ProtocolVersion

	// The name the server gave this client, learned from ACK.
	ourName    uint32
	hasOurName bool

	// Incoming connections only: the name given to the client in ACK.
	clientIdx uint32

	incomingToken, clientToken *ldbudget.Token

	pendingq   pendingQueue
	serializeq envelopeQueue
	sendq      envelopeQueue

	// Stream offsets. nextPos is the offset just past
	// everything written to the transport,
	// and drainPos just past everything the transport accepted.
	nextPos, drainPos uint64

	// While non-nil, the connection closes with this reason
	// once everything buffered has drained.
	closeReason error

	in inputState

	onClose   []*closeCallback
	bwWaiters []*bwWaiter

	// Encrypted transports only: failures waiting for the next turn.
	deferredEvents []ldtransport.Event

	retries int

	connectTimer   *ldloop.Event
	handshakeTimer *ldloop.Event
	readMore       *ldloop.Event
	deferredTimer  *ldloop.Event
	endRewind      *ldloop.Event
	injectedTimer  *ldloop.Event

	inj injectionState

	health healthState

	numMessagesSent     uint64
	numMessagesReceived uint64
	numBytesReceived    uint64

	tracer ldtrace.Tracer
	span   ldtrace.Span
}

var (
	closeLogLimit   = rate.Sometimes{First: 10, Interval: 10 * time.Second}
	connectLogLimit = rate.Sometimes{First: 10, Interval: 10 * time.Second}
)

// OutgoingConfig is the configuration for [NewOutgoing].
type OutgoingConfig struct {
	Peer       Peer
	SocketType SocketType

	Settings Settings

	// Creates the transport for each connect attempt.
	Dial TransportFactory

	// If nil, connect attempts are never vetoed.
	Throttle ConnectThrottle
}

// IncomingConfig is the configuration for [NewIncoming].
type IncomingConfig struct {
	Peer       Peer
	SocketType SocketType

	Settings Settings

	// An established transport, typically from a listener.
	Transport ldtransport.Transport

	// The name given to the client in the ACK.
	ClientIdx uint32

	// Reservation held for as long as the connection is open.
	// It may be nil.
	Token *ldbudget.Token
}

// NewOutgoing returns an unconnected connection to a server.
// Call [*Connection.Connect] to start the first connect attempt.
//
// ctx bounds every connect attempt the connection makes.
func NewOutgoing(ctx context.Context, deps Deps, cfg OutgoingConfig) *Connection {
	if cfg.Dial == nil {
		panic("BUG: OutgoingConfig.Dial must not be nil")
	}
	if cfg.Peer.Client {
		panic("BUG: outgoing connections are made to servers, not clients")
	}

	c := newConnection(deps, cfg.Settings, cfg.Peer, cfg.SocketType)
	c.ctx = ctx
	c.dial = cfg.Dial
	if cfg.Throttle != nil {
		c.throttle = cfg.Throttle
	}
	return c
}

// NewIncoming wraps a transport accepted from a client.
// The connection starts reading immediately and expects a HELLO
// within the handshake timeout.
func NewIncoming(ctx context.Context, deps Deps, cfg IncomingConfig) *Connection {
	if cfg.Transport == nil {
		panic("BUG: IncomingConfig.Transport must not be nil")
	}

	peer := cfg.Peer
	peer.Client = true
	if peer.Addr == nil {
		peer.Addr = cfg.Transport.RemoteAddr()
	}

	c := newConnection(deps, cfg.Settings, peer, cfg.SocketType)
	c.ctx = ctx
	c.clientIdx = cfg.ClientIdx
	c.incomingToken = cfg.Token

	_, c.span = c.tracer.Start(
		ctx, "incoming connection",
		ldtrace.WithAttributes(
			ldtrace.PeerAttr(peer.Addr),
			ldtrace.StringerAttr("socket_type", c.sockType),
		),
	)

	c.setTransport(cfg.Transport)
	c.state = StateConnected
	c.noteOpened()
	c.armHandshakeTimeout()
	cfg.Transport.Attach(c.handlerFor(cfg.Transport))

	return c
}

func newConnection(deps Deps, s Settings, peer Peer, st SocketType) *Connection {
	deps.setDefaults()
	deps.validate()
	s.validate()

	c := &Connection{
		log: deps.Log.With(
			"peer", peer.String(),
			"socket_type", st.String(),
		),

		ex:       deps.Executor,
		deps:     deps,
		settings: s,

		peer:     peer,
		sockType: st,

		firstAttempt: true,

		proto: s.MaxProtocol,

		throttle: neverThrottle{},

		pendingq:   newPendingQueue(),
		serializeq: newEnvelopeQueue(inSerializeQueue),
		sendq:      newEnvelopeQueue(inSendQueue),

		tracer: deps.TracerProvider.Tracer(ldtrace.TracerName),
		span:   ldtrace.NopSpan(),
	}

	c.connectTimer = ldloop.NewEvent(c.ex, c.onConnectAttemptTimeout)
	c.handshakeTimer = ldloop.NewEvent(c.ex, c.onHandshakeTimeout)
	c.readMore = ldloop.NewEvent(c.ex, c.processInput)
	c.deferredTimer = ldloop.NewEvent(c.ex, c.processDeferredEvents)
	c.endRewind = ldloop.NewEvent(c.ex, c.endStreamRewind)
	c.injectedTimer = ldloop.NewEvent(c.ex, c.completeInjected)

	return c
}

// Peer returns the identity of the other end.
func (c *Connection) Peer() Peer { return c.peer }

func (c *Connection) SocketType() SocketType { return c.sockType }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	if c.closing {
		return StateClosing
	}
	return c.state
}

// IsClosed reports whether the connection has no live transport,
// either because it was never connected or because it was closed.
func (c *Connection) IsClosed() bool {
	return c.state == StateUnconnected || c.state == StateClosed
}

// Handshaken reports whether the handshake has completed
// and the connection has not been closed since.
func (c *Connection) Handshaken() bool { return c.state == StateHandshaken }

// Proto returns the negotiated protocol version.
// Before the handshake it is the highest version this side offers.
func (c *Connection) Proto() ldproto.ProtocolVersion { return c.proto }

// Connect starts connecting a new or closed outgoing connection
// and queues a HELLO behind the transport connect.
func (c *Connection) Connect() error {
	if err := c.preConnectAttempt(); err != nil {
		return err
	}

	c.retries = 0
	c.nextPos = 0
	c.drainPos = 0
	c.proto = c.settings.MaxProtocol
	c.in.reset()
	c.health.reset()

	c.state = StateConnecting

	_, c.span = c.tracer.Start(
		c.ctx, "connect",
		ldtrace.WithAttributes(
			ldtrace.StringAttr("peer", c.peer.Name),
			ldtrace.StringerAttr("socket_type", c.sockType),
		),
	)

	c.deps.Stats.ConnectAttempt()
	c.startConnectAttempt()
	c.noteOpened()

	c.sendHello()
	return nil
}

func (c *Connection) preConnectAttempt() error {
	if c.peer.Client {
		if !c.IsClosed() {
			return ErrIsConn
		}
		return ErrUnreachable
	}

	if !c.IsClosed() {
		if c.state == StateConnecting {
			return ErrAlready
		}
		return ErrIsConn
	}

	if !c.throttle.MayConnect() {
		return ErrDisabled
	}
	return nil
}

func (c *Connection) startConnectAttempt() {
	t := c.dial()
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelDial = cancel
	c.setTransport(t)

	t.Connect(ctx, c.handlerFor(t))

	if c.settings.ConnectTimeout > 0 {
		c.connectTimer.Schedule(c.connectAttemptTimeout())
	}
}

// connectAttemptTimeout is the timeout of the current attempt,
// growing geometrically with each retry.
func (c *Connection) connectAttemptTimeout() time.Duration {
	mult := math.Pow(c.settings.ConnectTimeoutRetryMultiplier, float64(c.retries))
	return time.Duration(float64(c.settings.ConnectTimeout) * mult)
}

func (c *Connection) onConnectAttemptTimeout() {
	if c.state != StateConnecting {
		return
	}

	if c.retries >= c.settings.ConnectionRetries {
		c.deps.Stats.ConnectTimeout()
		connectLogLimit.Do(func() {
			c.log.Info(
				"Connect attempts timed out",
				"attempts", c.retries+1,
				"last_timeout", c.connectAttemptTimeout(),
			)
		})
		c.Close(fmt.Errorf("%w: connect after %d attempts", ErrTimedOut, c.retries+1))
		return
	}

	// Nothing was written to the abandoned transport,
	// so the HELLO stays at the front of the serialize queue.
	c.dropTransport()

	c.retries++
	c.deps.Stats.ConnectRetry()
	c.log.Debug(
		"Retrying connect",
		"retry", c.retries,
		"timeout", c.connectAttemptTimeout(),
	)
	c.startConnectAttempt()
}

func (c *Connection) armHandshakeTimeout() {
	if c.settings.HandshakeTimeout > 0 {
		c.handshakeTimer.Schedule(c.settings.HandshakeTimeout)
	}
}

func (c *Connection) onHandshakeTimeout() {
	if c.IsClosed() || c.state == StateHandshaken {
		return
	}
	c.deps.Stats.HandshakeTimeout()
	c.Close(fmt.Errorf("%w: no handshake within %s", ErrTimedOut, c.settings.HandshakeTimeout))
}

func (c *Connection) setTransport(t ldtransport.Transport) {
	c.transport = t
	c.kind = t.Kind()
	c.encrypted = t.Encrypted()
	if c.peer.Addr == nil {
		c.peer.Addr = t.RemoteAddr()
	}
}

// dropTransport closes the current transport
// and forgets it, so that its late events are ignored.
func (c *Connection) dropTransport() {
	t := c.transport
	if t == nil {
		return
	}
	c.transport = nil
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if err := t.Close(); err != nil {
		c.log.Debug("Error closing transport", "err", err)
	}
}

// handlerFor returns the event handler for t.
// Events from a transport the connection no longer uses are dropped.
func (c *Connection) handlerFor(t ldtransport.Transport) ldtransport.Handler {
	return func(ev ldtransport.Event) {
		if c.transport != t {
			return
		}

		switch ev := ev.(type) {
		case ldtransport.Connected:
			c.onConnected()
		case ldtransport.DataReceived:
			c.onDataReceived(ev.Data)
		case ldtransport.Written:
			c.onBytesWritten(ev.N)
		default:
			if c.encrypted {
				// The TLS layer can report a failure in the same turn
				// as write progress made just before it.
				// Handling failures one turn later lets that progress
				// complete the messages it covers first.
				c.deferredEvents = append(c.deferredEvents, ev)
				if !c.deferredTimer.IsScheduled() {
					c.deferredTimer.Schedule(0)
				}
				return
			}
			c.dispatchFailure(ev)
		}
	}
}

func (c *Connection) processDeferredEvents() {
	for len(c.deferredEvents) > 0 && !c.IsClosed() {
		ev := c.deferredEvents[0]
		c.deferredEvents = c.deferredEvents[1:]
		c.dispatchFailure(ev)
	}
	c.deferredEvents = nil
}

func (c *Connection) dispatchFailure(ev ldtransport.Event) {
	switch ev := ev.(type) {
	case ldtransport.Failed:
		c.onTransportError(ev.Err)
	case ldtransport.EOF:
		c.onPeerClosed()
	default:
		panic(fmt.Errorf("BUG: unhandled transport event %T", ev))
	}
}

func (c *Connection) onConnected() {
	if c.state != StateConnecting {
		c.log.Error("Connected event in unexpected state", "state", c.state)
		c.Close(fmt.Errorf("%w: connected while %s", ErrInternal, c.state))
		return
	}

	c.connectTimer.Cancel()
	c.armHandshakeTimeout()

	c.state = StateConnected
	c.peerShuttingDown = false

	c.span.AddEvent("transport connected", ldtrace.WithAttributes(
		ldtrace.IntAttr("retries", c.retries),
	))

	// The only thing that can be queued here is the HELLO.
	e := c.serializeq.PopFront()
	if e == nil || !e.msg.Type().IsHandshake() {
		c.log.Error("Serialize queue does not start with a handshake message after connect")
		if e != nil {
			c.complete(e, ErrInternal)
		}
		c.Close(fmt.Errorf("%w: no HELLO queued at connect", ErrInternal))
		return
	}
	c.send(e)
}

func (c *Connection) onTransportError(err error) {
	if c.closing || c.IsClosed() {
		return
	}

	if c.state == StateConnecting {
		connectLogLimit.Do(func() {
			c.log.Debug("Failed to connect", "err", err)
		})
	} else {
		c.log.Info("Transport failed", "err", err)
	}
	c.Close(fmt.Errorf("%w: %w", ErrConnFailed, err))
}

func (c *Connection) onPeerClosed() {
	if c.closing || c.IsClosed() {
		return
	}

	reason := ErrPeerClosed
	if !c.peer.Client && c.peerShuttingDown {
		reason = ErrShutdown
	}
	c.Close(reason)
}

// FlushOutputAndClose stops reading and closes the connection
// with reason once everything already written has drained.
func (c *Connection) FlushOutputAndClose(reason error) {
	if c.IsClosed() {
		return
	}
	if c.BufferedBytes() == 0 {
		c.Close(reason)
		return
	}

	c.closeReason = reason
	c.transport.SetReadEnabled(false)
	c.readMore.Cancel()
}

// Close tears the connection down.
//
// Every message still owned by the connection completes with reason,
// serialized and in-flight messages first, then pending messages by priority.
// Close callbacks run last, once the connection reports [StateClosed],
// and may reconnect it.
//
// Calling Close on a closed connection, or from a completion made by Close,
// does nothing.
func (c *Connection) Close(reason error) {
	if reason == nil {
		panic("BUG: Close requires a reason")
	}
	if c.closing || c.IsClosed() {
		return
	}

	c.closing = true

	prev := c.state
	c.state = StateClosed

	closeLogLimit.Do(func() {
		lvl := slog.LevelInfo
		if errors.Is(reason, ErrConnFailed) || errors.Is(reason, ErrTimedOut) {
			lvl = slog.LevelDebug
		}
		c.log.Log(
			context.Background(), lvl, "Closing connection",
			"reason", reason,
			"prev_state", prev,
			"pending_bytes", c.BytesPending(),
			"buffered_bytes", c.BufferedBytes(),
		)
	})

	c.endStreamRewind()

	if c.peerShuttingDown || !errors.Is(reason, ErrShutdown) {
		c.throttle.ConnectFailed()
	}

	// Failures queued behind write progress are moot now.
	c.deferredEvents = nil

	c.noteBytesDrained(c.BufferedBytes())
	c.dropTransport()

	c.markDisconnected()
	c.clearConnQueues(reason)

	if c.opened {
		c.opened = false
		c.deps.Stats.ConnectionClosed(c.kind, c.encrypted, reasonLabel(reason))
	}

	c.span.AddEvent("closed", ldtrace.WithAttributes(ldtrace.ErrorAttr(reason)))
	if !errors.Is(reason, ErrShutdown) {
		ldtrace.SpanError(c.span, reason)
	}
	c.span.End()

	// Close observers may reconnect, so everything belonging to
	// this attempt must be settled before they run.
	c.closing = false
	c.runCloseCallbacks(reason)
}

func (c *Connection) markDisconnected() {
	if c.incomingToken != nil {
		c.incomingToken.Release()
		c.incomingToken = nil
	}
	if c.clientToken != nil {
		c.clientToken.Release()
		c.clientToken = nil
	}

	c.hasOurName = false
	c.closeReason = nil

	c.connectTimer.Cancel()
	c.handshakeTimer.Cancel()
	c.readMore.Cancel()
	c.deferredTimer.Cancel()
	c.endRewind.Cancel()
	c.injectedTimer.Cancel()

	c.in.reset()
}

// clearConnQueues completes every owned message with reason.
//
// Serialized messages complete before in-flight ones,
// although the in-flight ones were released earlier.
func (c *Connection) clearConnQueues(reason error) {
	serializeq := c.serializeq.Take()
	sendq := c.sendq.Take()
	var pendingq pendingQueue
	pendingq, c.pendingq = c.pendingq, newPendingQueue()

	for e := serializeq.PopFront(); e != nil; e = serializeq.PopFront() {
		c.complete(e, reason)
	}
	for e := sendq.PopFront(); e != nil; e = sendq.PopFront() {
		c.complete(e, reason)
	}

	// Highest priority first, matching the order they would have been sent.
	for p := range pendingq {
		q := &pendingq[p]
		for e := q.PopFront(); e != nil; e = q.PopFront() {
			if c.deps.Flow != nil {
				c.deps.Flow.Withdraw(e)
			}
			c.complete(e, reason)
		}
	}

	c.completeInjected()

	c.drainPos = c.nextPos

	waiters := c.bwWaiters
	c.bwWaiters = nil
	for _, w := range waiters {
		if c.deps.Flow != nil {
			c.deps.Flow.Withdraw(w)
		}
		w.cb.Cancelled(reason)
	}
}

func (c *Connection) runCloseCallbacks(reason error) {
	callbacks := c.onClose
	c.onClose = nil
	for _, cb := range callbacks {
		if cb.active {
			cb.active = false
			cb.fn(reason, c.peer)
		}
	}
}

type closeCallback struct {
	fn     func(reason error, peer Peer)
	active bool
}

// OnClose registers fn to run once, at the end of the next close.
// The returned function unregisters it.
func (c *Connection) OnClose(fn func(reason error, peer Peer)) (unregister func()) {
	cb := &closeCallback{fn: fn, active: true}
	c.onClose = append(c.onClose, cb)
	return func() { cb.active = false }
}

// CheckConnection reports the name this side was given by the server,
// or why there is none.
func (c *Connection) CheckConnection() (uint32, error) {
	if c.hasOurName {
		return c.ourName, nil
	}

	switch {
	case !c.peer.Client && !c.throttle.MayConnect():
		return 0, ErrDisabled
	case c.peer.Client:
		return 0, ErrInvalidParam
	case !c.IsClosed():
		return 0, ErrAlready
	case c.firstAttempt:
		return 0, ErrNeverConnected
	default:
		return 0, ErrNotConnected
	}
}

// BufferedBytes is the number of bytes written to the transport
// that it has not yet accepted.
func (c *Connection) BufferedBytes() int {
	return int(c.nextPos - c.drainPos)
}

// BytesPending is the total cost of every message the connection owns,
// plus whatever is buffered in the transport.
func (c *Connection) BytesPending() int {
	return c.pendingq.Cost() + c.serializeq.Cost() + c.sendq.Cost() + c.BufferedBytes()
}

func (c *Connection) sizeLimitsExceeded() bool {
	return c.BytesPending() >= c.settings.OutbufOverflowBytes
}

func (c *Connection) noteOpened() {
	c.opened = true
	c.deps.Stats.ConnectionOpened(c.kind, c.encrypted)
}

func (c *Connection) noteBytesQueued(n int) {
	if n == 0 {
		return
	}
	c.deps.Stats.BytesPending(n)
	if c.deps.Accounting != nil {
		c.deps.Accounting.NoteBytesQueued(n)
	}
}

// noteBytesDrained always updates the stats gauge,
// but the accountant is left alone once the process is shutting down.
func (c *Connection) noteBytesDrained(n int) {
	if n == 0 {
		return
	}
	c.deps.Stats.BytesPending(-n)
	if c.deps.Accounting != nil && !c.deps.ShuttingDown() {
		c.deps.Accounting.NoteBytesDrained(n)
	}
}
