// Package ldbudget implements shared capacity pools
// from which connections acquire capability tokens.
//
// A [Budget] is owned outside of any single connection,
// for example one per worker for incoming connection slots
// and one for bytes of received messages being processed.
// Connections hold [*Token] values and release each exactly once.
package ldbudget

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Budget is a fixed-capacity pool of units.
// It is safe for concurrent use.
type Budget struct {
	name string
	cap  int64

	sem *semaphore.Weighted

	used atomic.Int64

	mu      sync.Mutex
	waiters []func()
}

// New returns a Budget with the given capacity.
// The name is only used in error messages and metrics.
func New(name string, capacity int64) *Budget {
	if capacity <= 0 {
		panic(fmt.Errorf("BUG: budget %q capacity must be positive (got %d)", name, capacity))
	}
	return &Budget{
		name: name,
		cap:  capacity,
		sem:  semaphore.NewWeighted(capacity),
	}
}

// Name returns the name given to [New].
func (b *Budget) Name() string { return b.name }

// Capacity returns the total number of units.
func (b *Budget) Capacity() int64 { return b.cap }

// Used returns the number of units currently held by tokens.
func (b *Budget) Used() int64 { return b.used.Load() }

// Available returns the number of units not currently held.
func (b *Budget) Available() int64 { return b.cap - b.used.Load() }

// TryAcquire reserves n units without blocking.
// It returns nil if the units are not available.
//
// Requests larger than the whole capacity are clamped to the capacity,
// so a single oversized request can still proceed
// when nothing else holds the budget.
func (b *Budget) TryAcquire(n int64) *Token {
	if n < 0 {
		panic(fmt.Errorf("BUG: cannot acquire negative amount %d from budget %q", n, b.name))
	}
	n = min(n, b.cap)

	if !b.sem.TryAcquire(n) {
		return nil
	}
	b.used.Add(n)
	return &Token{b: b, n: n}
}

// NotifyAvailable registers fn to be called once,
// the next time any token is released.
// fn is called on the releasing goroutine, so it should
// only hand off work (for example, post to an executor).
func (b *Budget) NotifyAvailable(fn func()) {
	b.mu.Lock()
	b.waiters = append(b.waiters, fn)
	b.mu.Unlock()
}

func (b *Budget) release(n int64) {
	b.used.Add(-n)
	b.sem.Release(n)

	b.mu.Lock()
	ws := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	for _, fn := range ws {
		fn()
	}
}

// Token is a reservation of units from a [Budget].
type Token struct {
	b *Budget
	n int64

	released atomic.Bool
}

// Amount returns the number of units the token holds.
func (t *Token) Amount() int64 {
	if t == nil {
		return 0
	}
	return t.n
}

// Release returns the token's units to its budget.
// Only the first call has any effect,
// and calling Release on a nil token is a no-op.
func (t *Token) Release() {
	if t == nil {
		return
	}
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	t.b.release(t.n)
}

// Released reports whether Release has been called.
func (t *Token) Released() bool {
	return t == nil || t.released.Load()
}
