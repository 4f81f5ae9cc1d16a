package ldconn

import (
	"time"

	"github.com/benbjohnson/clock"
)

// ConnectThrottle decides whether an outgoing connection
// may start a connect attempt.
type ConnectThrottle interface {
	MayConnect() bool

	// Called when a handshake completes.
	ConnectSucceeded()

	// Called when a connection closes for any reason
	// other than a clean local shutdown.
	ConnectFailed()
}

type neverThrottle struct{}

func (neverThrottle) MayConnect() bool  { return true }
func (neverThrottle) ConnectSucceeded() {}
func (neverThrottle) ConnectFailed()    {}

// BackoffThrottle vetoes connect attempts for a period after a failure.
// The period doubles with each consecutive failure, up to a maximum,
// and a successful handshake resets it.
//
// BackoffThrottle is not safe for concurrent use;
// like the connection it throttles, it belongs to one executor.
type BackoffThrottle struct {
	clock clock.Clock

	initial, max time.Duration

	// Backoff that the next failure will impose.
	next time.Duration

	until time.Time
}

// NewBackoffThrottle returns a throttle whose first backoff is initial
// and whose backoff never exceeds maxBackoff.
// A nil clk means the wall clock.
func NewBackoffThrottle(clk clock.Clock, initial, maxBackoff time.Duration) *BackoffThrottle {
	if initial <= 0 || maxBackoff < initial {
		panic("BUG: NewBackoffThrottle requires 0 < initial <= max")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &BackoffThrottle{
		clock:   clk,
		initial: initial,
		max:     maxBackoff,
		next:    initial,
	}
}

func (t *BackoffThrottle) MayConnect() bool {
	return !t.clock.Now().Before(t.until)
}

func (t *BackoffThrottle) ConnectSucceeded() {
	t.next = t.initial
	t.until = time.Time{}
}

func (t *BackoffThrottle) ConnectFailed() {
	t.until = t.clock.Now().Add(t.next)
	t.next = min(2*t.next, t.max)
}

// Until returns when the current backoff ends.
// It is the zero time if there is no backoff.
func (t *BackoffThrottle) Until() time.Time { return t.until }
