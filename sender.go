package logdevice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/march-github/LogDevice/internal/ldtrace"
	"github.com/march-github/LogDevice/ldbudget"
	"github.com/march-github/LogDevice/ldcert"
	"github.com/march-github/LogDevice/ldconn"
	"github.com/march-github/LogDevice/ldflow"
	"github.com/march-github/LogDevice/ldloop"
	"github.com/march-github/LogDevice/ldproto"
	"github.com/march-github/LogDevice/ldpubsub"
	"github.com/march-github/LogDevice/ldstats"
	"github.com/march-github/LogDevice/ldtransport"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Sender owns every connection of one worker:
// outgoing connections to server nodes, created on demand,
// and incoming connections from clients, accepted from listeners.
//
// All methods except [*Sender.Wait], [*Sender.Changes]
// and [*Sender.Post] must be called on the Sender's executor.
// Handler callbacks are made on it too,
// so handlers may call back into the Sender directly.
type Sender struct {
	log *slog.Logger

	ex ldloop.Executor

	// Set when the Sender started its own executor.
	loop *ldloop.Loop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cfg SenderConfig

	deps ldconn.Deps

	servers map[string]*serverConn
	clients map[ClientID]*ldconn.Connection

	nextClientIdx uint32

	// Limits incoming connections that are open but not yet closed.
	incoming *ldbudget.Budget

	// Sum of pending bytes over all connections.
	pendingBytes int

	health        *ldloop.Event
	slowCloseRate *rate.Limiter

	shutdown         bool
	shutdownFinished bool
	shutdownDone     chan struct{}
	shutdownTimer    *ldloop.Event

	instanceID uuid.UUID

	changes *ldpubsub.Publisher[ConnChange]
}

type serverConn struct {
	conn     *ldconn.Connection
	throttle *ldconn.BackoffThrottle
}

// ClientID identifies an incoming connection within its Sender.
type ClientID uint32

func (id ClientID) String() string { return fmt.Sprintf("C%d", uint32(id)) }

// SenderConfig is the configuration for a [Sender].
type SenderConfig struct {
	// This node's name, checked against the destination of incoming HELLOs.
	// Empty disables the check.
	Name string

	// Resolves server node names for outgoing connections.
	// If nil, the Sender only serves incoming connections.
	Nodes NodeDirectory

	// Receives every message and completion on every connection.
	Handler ldconn.Handler

	// Applied to every connection.
	// If MaxProtocol is zero, [ldconn.DefaultSettings] is used.
	Settings ldconn.Settings

	// If nil, the Sender starts its own [ldloop.Loop].
	Executor ldloop.Executor

	// Clock for the Sender's own loop and connect throttles.
	// If nil, the wall clock is used.
	Clock clock.Clock

	// Incoming connections are accepted from whichever listeners are set.
	Listeners Listeners

	// Presented to and used to verify clients on TLS and QUIC listeners.
	TLS ldcert.Provider

	// Checks incoming HELLOs. If nil, all are accepted.
	Authorize ldconn.Authorizer

	// Maximum incoming connections open at once, handshaken or not.
	// If zero, a reasonable default is used.
	MaxIncomingConnections int

	// Maximum handshaken incoming connections.
	// If zero, only MaxIncomingConnections applies.
	MaxClients int

	// Bytes of received message bodies being processed at once,
	// across all connections. Zero means unlimited.
	ReceiveBudgetBytes int64

	// Sender-wide pending byte limit. Once exceeded,
	// only connections below [ldconn.Settings.OutbufSocketMinBytes]
	// accept new messages. Zero means unlimited.
	OutbufTotalBytes int

	// Bandwidth shaping per priority. If nil, messages are never shaped.
	Flow *ldflow.Config

	// Backoff after a failed connection to a server.
	// If zero, reasonable defaults are used.
	ConnectThrottleInitial, ConnectThrottleMax time.Duration

	// Whether the health check closes connections classified NET_SLOW,
	// at most one per SlowCloseInterval.
	CloseSlowConnections bool
	SlowCloseInterval    time.Duration

	// How long [*Sender.Shutdown] waits for buffered output to drain
	// before closing the remaining connections anyway.
	// If zero, 10 seconds.
	ShutdownTimeout time.Duration

	// If set, connection metrics are registered here.
	Metrics prometheus.Registerer

	// If nil, tracing is disabled.
	TracerProvider ldtrace.TracerProvider
}

// validate panics if there are any illegal settings in the configuration.
func (c SenderConfig) validate() {
	var err error

	if c.Handler == nil {
		err = errors.Join(err, errors.New("SenderConfig.Handler must not be nil"))
	}

	if c.MaxIncomingConnections < 0 || c.MaxClients < 0 {
		err = errors.Join(err, errors.New("connection limits must not be negative"))
	}
	if c.MaxClients > 0 && c.MaxIncomingConnections > 0 && c.MaxClients > c.MaxIncomingConnections {
		err = errors.Join(err, fmt.Errorf(
			"MaxClients (%d) cannot exceed MaxIncomingConnections (%d)",
			c.MaxClients, c.MaxIncomingConnections,
		))
	}

	if c.ShutdownTimeout < 0 {
		err = errors.Join(err, errors.New("ShutdownTimeout must not be negative"))
	}

	if c.ReceiveBudgetBytes < 0 || c.OutbufTotalBytes < 0 {
		err = errors.Join(err, errors.New("byte limits must not be negative"))
	}

	if c.CloseSlowConnections && c.SlowCloseInterval <= 0 {
		err = errors.Join(err, errors.New(
			"SlowCloseInterval must be positive when CloseSlowConnections is set",
		))
	}

	if (c.Listeners.TLS || c.Listeners.UDP != nil) && c.TLS == nil {
		err = errors.Join(err, errors.New("TLS and QUIC listeners require SenderConfig.TLS"))
	}

	if err != nil {
		panic(err)
	}
}

// ConnChange is published whenever the Sender gains or loses a connection.
type ConnChange struct {
	Peer ldconn.Peer

	// Nil when the connection was added.
	Closed error
}

// NewSender returns a Sender with the given configuration.
// The ctx parameter controls the lifecycle of the Sender;
// cancel the context to stop it,
// and then use [*Sender.Wait] to block until all background work has completed.
//
// NewSender returns runtime errors that happen during initialization,
// such as failing to start a listener.
// Configuration errors cause a panic.
func NewSender(ctx context.Context, log *slog.Logger, cfg SenderConfig) (*Sender, error) {
	cfg.validate()
	if cfg.Settings.MaxProtocol == 0 {
		cfg.Settings = ldconn.DefaultSettings()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)

	s := &Sender{
		log: log,

		ctx:    ctx,
		cancel: cancel,

		cfg: cfg,

		servers: make(map[string]*serverConn),
		clients: make(map[ClientID]*ldconn.Connection),

		shutdownDone: make(chan struct{}),

		instanceID: uuid.New(),

		changes: ldpubsub.NewPublisher[ConnChange](),
	}

	s.ex = cfg.Executor
	if s.ex == nil {
		s.loop = ldloop.NewLoop(ctx, log.With("sender_sys", "loop"), cfg.Clock)
		s.ex = s.loop
	}

	maxIncoming := cfg.MaxIncomingConnections
	if maxIncoming == 0 {
		maxIncoming = 1024
	}
	s.incoming = ldbudget.New("incoming_connections", int64(maxIncoming))

	var stats ldstats.Sink = ldstats.Nop{}
	if cfg.Metrics != nil {
		stats = ldstats.NewPrometheus(cfg.Metrics)
	}

	s.deps = ldconn.Deps{
		Log:            log,
		Executor:       s.ex,
		Handler:        cfg.Handler,
		Stats:          stats,
		LocalName:      cfg.Name,
		Authorize:      cfg.Authorize,
		Accounting:     s,
		ShuttingDown:   func() bool { return s.ctx.Err() != nil },
		TracerProvider: cfg.TracerProvider,
	}
	if cfg.MaxClients > 0 {
		s.deps.ClientBudget = ldbudget.New("clients", int64(cfg.MaxClients))
	}
	if cfg.ReceiveBudgetBytes > 0 {
		s.deps.ReceiveBudget = ldbudget.New("receive_bytes", cfg.ReceiveBudgetBytes)
	}
	if cfg.Flow != nil {
		s.deps.Flow = ldflow.NewGroup(log.With("sender_sys", "flow"), s.ex, *cfg.Flow)
	}

	if cfg.CloseSlowConnections {
		s.slowCloseRate = rate.NewLimiter(rate.Every(cfg.SlowCloseInterval), 1)
	}

	s.health = ldloop.NewEvent(s.ex, s.checkHealth)
	s.shutdownTimer = ldloop.NewEvent(s.ex, s.abandonShutdownFlush)
	if p := cfg.Settings.SocketHealthCheckPeriod; p > 0 {
		// Scheduling must happen on the executor like every other Event use.
		s.ex.Post(func() { s.health.Schedule(p) })
	}

	if err := s.startListeners(); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

// Wait blocks until the Sender has finished all background work.
// The Sender's context must be cancelled first.
//
// If the Sender started its own executor, Wait also closes
// every connection that is still open.
// With an external executor, that is left to the caller.
func (s *Sender) Wait() {
	s.wg.Wait()
	if s.loop == nil {
		return
	}

	s.loop.Wait()

	// The loop has stopped, so nothing else touches the connections.
	s.CloseAll(ldconn.ErrShutdown)
}

// Post runs fn on the Sender's executor.
// It reports false if the executor has stopped.
func (s *Sender) Post(fn func()) bool {
	return s.ex.Post(fn)
}

// Changes returns the point in the change stream
// from which a new subscriber observes connection changes.
func (s *Sender) Changes() *ldpubsub.Stream[ConnChange] {
	return s.changes.Tail()
}

// InstanceID distinguishes this Sender from earlier ones on the same node.
// It is announced to clients on shutdown.
func (s *Sender) InstanceID() uuid.UUID { return s.instanceID }

// SendToServer sends msg to the named server node,
// connecting first if there is no open connection.
//
// A nil error means msg was registered,
// and its outcome will be reported through [ldconn.Handler.OnSent].
func (s *Sender) SendToServer(name string, msg ldproto.Message) error {
	if s.shutdown {
		return ErrShuttingDown
	}

	sc, err := s.serverConnection(name)
	if err != nil {
		return err
	}

	if err := sc.conn.Connect(); err != nil &&
		!errors.Is(err, ldconn.ErrIsConn) && !errors.Is(err, ldconn.ErrAlready) {
		return err
	}

	return s.send(sc.conn, msg)
}

// SendToClient sends msg on an incoming connection.
func (s *Sender) SendToClient(id ClientID, msg ldproto.Message) error {
	c, ok := s.clients[id]
	if !ok {
		return ldconn.ErrNotConnected
	}
	return s.send(c, msg)
}

func (s *Sender) send(c *ldconn.Connection, msg ldproto.Message) error {
	if s.cfg.OutbufTotalBytes > 0 &&
		s.pendingBytes >= s.cfg.OutbufTotalBytes &&
		c.BytesPending() >= s.cfg.Settings.OutbufSocketMinBytes {
		return ldconn.ErrNoBufs
	}
	return c.SendMessage(msg)
}

// Connect starts connecting to the named server without sending anything.
func (s *Sender) Connect(name string) error {
	if s.shutdown {
		return ErrShuttingDown
	}
	sc, err := s.serverConnection(name)
	if err != nil {
		return err
	}
	return sc.conn.Connect()
}

// CheckServerConnection reports the client index the named server gave us,
// or why there is none.
func (s *Sender) CheckServerConnection(name string) (uint32, error) {
	sc, ok := s.servers[name]
	if !ok {
		return 0, ldconn.ErrNeverConnected
	}
	return sc.conn.CheckConnection()
}

// WaitForBandwidth registers cb to be told when the connection to name
// may send at priority p.
func (s *Sender) WaitForBandwidth(name string, p ldproto.Priority, cb ldconn.BWAvailableCallback) error {
	sc, ok := s.servers[name]
	if !ok {
		return ldconn.ErrNotConnected
	}
	return sc.conn.WaitForBandwidth(p, cb)
}

// CloseServer closes the connection to the named server, if any.
// It reports whether there was an open connection.
func (s *Sender) CloseServer(name string, reason error) bool {
	sc, ok := s.servers[name]
	if !ok || sc.conn.IsClosed() {
		return false
	}
	sc.conn.Close(reason)
	return true
}

// CloseClient closes an incoming connection.
// It reports whether the connection was open.
func (s *Sender) CloseClient(id ClientID, reason error) bool {
	c, ok := s.clients[id]
	if !ok {
		return false
	}
	c.Close(reason)
	return true
}

// CloseAll closes every connection with reason.
func (s *Sender) CloseAll(reason error) {
	for _, sc := range s.servers {
		if !sc.conn.IsClosed() {
			sc.conn.Close(reason)
		}
	}
	for _, c := range s.clients {
		c.Close(reason)
	}
}

// Client returns the incoming connection with the given ID.
func (s *Sender) Client(id ClientID) (*ldconn.Connection, bool) {
	c, ok := s.clients[id]
	return c, ok
}

// Server returns the connection to the named server, open or not.
func (s *Sender) Server(name string) (*ldconn.Connection, bool) {
	sc, ok := s.servers[name]
	if !ok {
		return nil, false
	}
	return sc.conn, true
}

// BytesPending is the sum of pending bytes over all connections.
func (s *Sender) BytesPending() int { return s.pendingBytes }

// NoteBytesQueued implements [ldconn.BytesAccountant].
func (s *Sender) NoteBytesQueued(n int) { s.pendingBytes += n }

// NoteBytesDrained implements [ldconn.BytesAccountant].
func (s *Sender) NoteBytesDrained(n int) {
	s.pendingBytes -= n
	if s.pendingBytes < 0 {
		s.log.Error("Pending byte count went negative", "pending_bytes", s.pendingBytes)
		s.pendingBytes = 0
	}
}

// DebugInfo returns a snapshot of every connection.
func (s *Sender) DebugInfo() []ldconn.DebugInfo {
	out := make([]ldconn.DebugInfo, 0, len(s.servers)+len(s.clients))
	for _, sc := range s.servers {
		out = append(out, sc.conn.DebugInfo())
	}
	for _, c := range s.clients {
		out = append(out, c.DebugInfo())
	}
	return out
}

// serverConnection returns the connection to name,
// creating an unconnected one if there is none.
func (s *Sender) serverConnection(name string) (*serverConn, error) {
	if sc, ok := s.servers[name]; ok {
		return sc, nil
	}

	if s.cfg.Nodes == nil {
		return nil, fmt.Errorf("%w: %q (no node directory)", ErrUnknownNode, name)
	}
	dial, err := s.cfg.Nodes.TransportFactory(s.log.With("peer", name), s.ex, name)
	if err != nil {
		return nil, err
	}

	initial, maxBackoff := s.cfg.ConnectThrottleInitial, s.cfg.ConnectThrottleMax
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if maxBackoff < initial {
		maxBackoff = max(10*time.Second, initial)
	}
	th := ldconn.NewBackoffThrottle(s.cfg.Clock, initial, maxBackoff)

	c := ldconn.NewOutgoing(s.ctx, s.deps, ldconn.OutgoingConfig{
		Peer:     ldconn.Peer{Name: name},
		Settings: s.cfg.Settings,
		Dial:     dial,
		Throttle: th,
	})

	sc := &serverConn{conn: c, throttle: th}
	s.servers[name] = sc
	s.watchServer(sc)

	s.changes.Publish(ConnChange{Peer: c.Peer()})
	return sc, nil
}

// watchServer reports every close of sc.
// A server connection is kept after it closes
// so that its throttle survives until the next attempt.
func (s *Sender) watchServer(sc *serverConn) {
	sc.conn.OnClose(func(reason error, peer ldconn.Peer) {
		s.log.Debug("Server connection closed", "peer", peer, "reason", reason)
		s.changes.Publish(ConnChange{Peer: peer, Closed: reason})
		s.maybeFinishShutdown()
		if !s.shutdown {
			s.watchServer(sc)
		}
	})
}

// AddClient takes ownership of an accepted transport
// and starts waiting for its HELLO.
//
// If too many incoming connections are open,
// the transport is closed and [ldconn.ErrTooMany] returned.
func (s *Sender) AddClient(t ldtransport.Transport) (ClientID, error) {
	if s.shutdown {
		_ = t.Close()
		return 0, ErrShuttingDown
	}

	tok := s.incoming.TryAcquire(1)
	if tok == nil {
		s.log.Info(
			"Rejecting incoming connection over the limit",
			"remote_addr", t.RemoteAddr(),
			"limit", s.incoming.Capacity(),
		)
		_ = t.Close()
		return 0, ldconn.ErrTooMany
	}

	s.nextClientIdx++
	id := ClientID(s.nextClientIdx)

	c := ldconn.NewIncoming(s.ctx, s.deps, ldconn.IncomingConfig{
		Peer:      ldconn.Peer{Name: id.String()},
		Settings:  s.cfg.Settings,
		Transport: t,
		ClientIdx: uint32(id),
		Token:     tok,
	})
	s.clients[id] = c

	c.OnClose(func(reason error, peer ldconn.Peer) {
		delete(s.clients, id)
		s.log.Debug("Client connection closed", "peer", peer, "reason", reason)
		s.changes.Publish(ConnChange{Peer: peer, Closed: reason})
		s.maybeFinishShutdown()
	})

	s.changes.Publish(ConnChange{Peer: c.Peer()})
	return id, nil
}
