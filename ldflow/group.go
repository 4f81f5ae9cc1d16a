// Package ldflow implements the traffic shaper that decides
// when an admitted message may proceed to the wire.
//
// A [Group] is shared by every connection on one executor.
// Each priority class has its own token bucket,
// and requests within a class are granted strictly in arrival order.
package ldflow

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/march-github/LogDevice/ldloop"
	"github.com/march-github/LogDevice/ldproto"
	"golang.org/x/time/rate"
)

// Waiter is a request for transmission rights.
type Waiter interface {
	// Cost in bytes charged against the priority's bucket.
	Cost() int

	Priority() ldproto.Priority

	// BandwidthAvailable is called on the executor
	// once the request has been granted.
	BandwidthAvailable()
}

// Rate configures one priority's token bucket.
type Rate struct {
	// Refill rate. Zero means the priority is not shaped.
	BytesPerSecond float64

	// Bucket size. A request costing more than Burst
	// is charged Burst, so that it can still be granted.
	// If zero, one second's worth of BytesPerSecond is used.
	Burst int
}

// Config is the configuration for a [Group].
type Config struct {
	Rates [ldproto.NumPriorities]Rate
}

// Unlimited returns a config that never delays any request.
func Unlimited() Config {
	return Config{}
}

// Group shapes traffic for all connections on one executor.
// It must only be used from that executor.
type Group struct {
	log *slog.Logger

	ex ldloop.Executor

	limiters [ldproto.NumPriorities]*rate.Limiter
	queues   [ldproto.NumPriorities][]Waiter

	retry *ldloop.Event

	granted [ldproto.NumPriorities]uint64
	delayed [ldproto.NumPriorities]uint64
}

// NewGroup returns a Group that schedules its retries on ex.
func NewGroup(log *slog.Logger, ex ldloop.Executor, cfg Config) *Group {
	g := &Group{
		log: log,
		ex:  ex,
	}

	now := ex.Now()
	for p, r := range cfg.Rates {
		if r.BytesPerSecond < 0 || r.Burst < 0 {
			panic(fmt.Errorf(
				"BUG: negative rate for priority %s: %+v", ldproto.Priority(p), r,
			))
		}
		if r.BytesPerSecond == 0 {
			continue
		}

		burst := r.Burst
		if burst == 0 {
			burst = int(math.Ceil(r.BytesPerSecond))
		}
		lim := rate.NewLimiter(rate.Limit(r.BytesPerSecond), burst)
		// Start with a full bucket, measured against the executor's clock.
		lim.SetBurstAt(now, burst)
		g.limiters[p] = lim
	}

	g.retry = ldloop.NewEvent(ex, g.drain)

	return g
}

// Request asks for transmission rights for w.
// If the rights are available and nothing is queued ahead of w,
// w.BandwidthAvailable is called before Request returns.
// Otherwise w is queued and granted later, in arrival order.
func (g *Group) Request(w Waiter) {
	p := w.Priority()
	if !p.Valid() {
		panic(fmt.Errorf("BUG: request with invalid priority %d", p))
	}

	if len(g.queues[p]) == 0 && g.allow(p, w.Cost()) {
		g.granted[p]++
		w.BandwidthAvailable()
		return
	}

	g.delayed[p]++
	g.queues[p] = append(g.queues[p], w)
	g.scheduleRetry()
}

// Withdraw removes a queued request.
// It reports whether w was queued.
func (g *Group) Withdraw(w Waiter) bool {
	p := w.Priority()
	if !p.Valid() {
		return false
	}

	q := g.queues[p]
	i := slices.Index(q, w)
	if i < 0 {
		return false
	}

	// Clear the tail slot so the removed waiter can be collected.
	copy(q[i:], q[i+1:])
	q[len(q)-1] = nil
	g.queues[p] = q[:len(q)-1]

	if g.Queued() == 0 {
		g.retry.Cancel()
	}
	return true
}

// Queued returns the number of requests waiting across all priorities.
func (g *Group) Queued() int {
	n := 0
	for _, q := range g.queues {
		n += len(q)
	}
	return n
}

// QueuedAt returns the number of requests waiting at priority p.
func (g *Group) QueuedAt(p ldproto.Priority) int {
	return len(g.queues[p])
}

// Stats returns the number of requests granted immediately
// and the number that had to wait, for priority p.
func (g *Group) Stats(p ldproto.Priority) (granted, delayed uint64) {
	return g.granted[p], g.delayed[p]
}

func (g *Group) allow(p ldproto.Priority, cost int) bool {
	lim := g.limiters[p]
	if lim == nil {
		return true
	}
	return lim.AllowN(g.ex.Now(), min(cost, lim.Burst()))
}

// drain grants as many queued requests as the buckets allow,
// most urgent priority first.
func (g *Group) drain() {
	for p := range g.queues {
		for len(g.queues[p]) > 0 {
			w := g.queues[p][0]
			if !g.allow(ldproto.Priority(p), w.Cost()) {
				break
			}

			g.queues[p][0] = nil
			g.queues[p] = g.queues[p][1:]

			// The callback may re-enter Request or Withdraw,
			// which only ever append to or remove from the queues.
			w.BandwidthAvailable()
		}
	}

	g.scheduleRetry()
}

func (g *Group) scheduleRetry() {
	if g.retry.IsScheduled() {
		return
	}

	var (
		next  time.Duration
		found bool
	)
	now := g.ex.Now()
	for p, q := range g.queues {
		if len(q) == 0 {
			continue
		}

		d := g.waitFor(ldproto.Priority(p), q[0].Cost(), now)
		if !found || d < next {
			next = d
			found = true
		}
	}

	if found {
		g.retry.Schedule(next)
	}
}

// waitFor estimates how long until cost bytes are available at priority p.
func (g *Group) waitFor(p ldproto.Priority, cost int, now time.Time) time.Duration {
	lim := g.limiters[p]
	if lim == nil {
		return 0
	}

	need := float64(min(cost, lim.Burst())) - lim.TokensAt(now)
	if need <= 0 {
		return 0
	}

	d := time.Duration(need / float64(lim.Limit()) * float64(time.Second))
	// Round up to a millisecond so that the retry does not
	// land a hair before the tokens are there.
	return d.Truncate(time.Millisecond) + time.Millisecond
}
