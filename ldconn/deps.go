package ldconn

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/march-github/LogDevice/internal/ldtrace"
	"github.com/march-github/LogDevice/ldbudget"
	"github.com/march-github/LogDevice/ldflow"
	"github.com/march-github/LogDevice/ldloop"
	"github.com/march-github/LogDevice/ldmsg"
	"github.com/march-github/LogDevice/ldproto"
	"github.com/march-github/LogDevice/ldstats"
	"github.com/march-github/LogDevice/ldtransport"
)

// Handler is the application side of a connection.
type Handler interface {
	// OnReceived is called for every message other than
	// HELLO, ACK and SHUTDOWN, which the connection handles itself.
	//
	// token is the receive budget reservation for msg, or nil.
	// Unless the result is [DispositionKeep],
	// the connection releases it after OnReceived returns.
	//
	// A [DispositionError] result closes the connection with err.
	OnReceived(peer Peer, msg ldproto.Message, token *ldbudget.Token) (Disposition, error)

	// OnSent is called exactly once for every registered message.
	OnSent(c Completion)
}

// Disposition is what the application did with a received message.
type Disposition uint8

const (
	DispositionNormal Disposition = iota

	// The application took ownership of the message and its token.
	DispositionKeep

	DispositionError
)

// Completion describes the outcome of one outgoing message.
type Completion struct {
	Msg  ldproto.Message
	Peer Peer

	// Nil if the message was written into the transport.
	Err error

	// When the message was registered.
	Birth time.Time

	// When the message was handed to the transport;
	// zero if it never was.
	Enqueued time.Time
}

// Authorizer decides whether an incoming HELLO may proceed.
// principal is the identity from the peer's certificate,
// or empty for a plaintext connection.
// It returns [ldmsg.AckOK], or the status to reject with.
type Authorizer func(hello *ldmsg.Hello, principal string) ldmsg.AckStatus

// BytesAccountant tracks pending bytes across all connections of a sender.
type BytesAccountant interface {
	NoteBytesQueued(n int)
	NoteBytesDrained(n int)
}

// BWAvailableCallback is a request to be told when the flow group
// next has bandwidth for the connection.
type BWAvailableCallback interface {
	// Called on the executor once bandwidth is available.
	BandwidthAvailable()

	// Called instead if the connection closes first.
	Cancelled(reason error)
}

// TransportFactory returns a fresh, unconnected transport.
// An outgoing connection calls it for every connect attempt.
type TransportFactory func() ldtransport.Transport

// Deps are the collaborators shared by connections on one executor.
type Deps struct {
	Log *slog.Logger

	Executor ldloop.Executor

	Handler Handler

	// Decoders for received messages.
	// If nil, [ldmsg.NewRegistry] is used.
	Registry *ldproto.Registry

	// Gates released messages. If nil, messages are never shaped.
	Flow *ldflow.Group

	// If nil, [ldstats.Nop] is used.
	Stats ldstats.Sink

	// Receive budget, in bytes of message bodies being processed.
	// If nil, received messages are never deferred.
	ReceiveBudget *ldbudget.Budget

	// Incoming connections acquire a token from here when their HELLO
	// is accepted. If nil, the number of handshaken clients is unlimited.
	ClientBudget *ldbudget.Budget

	// This node's name. An incoming HELLO naming a different destination
	// is rejected. If empty, the destination is not checked.
	LocalName string

	// Checks HELLOs on incoming connections. If nil, all are accepted.
	Authorize Authorizer

	// If nil, pending bytes are not reported beyond the connection.
	Accounting BytesAccountant

	// Reports whether the whole process is shutting down,
	// in which case teardown skips work that only matters to the future.
	ShuttingDown func() bool

	// If nil, the no-op provider is used.
	TracerProvider ldtrace.TracerProvider

	// Decides when injected send failures start.
	// It is only used from the executor.
	// If nil, a randomly seeded source is used.
	Rand *rand.Rand
}

func (d *Deps) setDefaults() {
	if d.Registry == nil {
		d.Registry = ldmsg.NewRegistry()
	}
	if d.Stats == nil {
		d.Stats = ldstats.Nop{}
	}
	if d.ShuttingDown == nil {
		d.ShuttingDown = func() bool { return false }
	}
	if d.TracerProvider == nil {
		d.TracerProvider = ldtrace.NopTracerProvider()
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
}

func (d *Deps) validate() {
	if d.Log == nil {
		panic("BUG: Deps.Log must not be nil")
	}
	if d.Executor == nil {
		panic("BUG: Deps.Executor must not be nil")
	}
	if d.Handler == nil {
		panic("BUG: Deps.Handler must not be nil")
	}
}
