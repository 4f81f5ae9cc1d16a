// Package ldlooptest provides a deterministic [ldloop.Executor] for tests.
package ldlooptest

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/march-github/LogDevice/ldloop"
)

// Executor is an [ldloop.Executor] that only runs tasks
// when the test asks it to, and whose clock only moves
// when the test advances it.
//
// Tests typically drive a connection by calling its methods,
// then calling [*Executor.RunPending] to let posted work complete.
type Executor struct {
	mu sync.Mutex

	now   time.Time
	queue []func()

	timers []*timer
	seq    uint64
}

var _ ldloop.Executor = (*Executor)(nil)

// Epoch is the starting time of every new Executor.
var Epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// New returns an Executor whose clock reads [Epoch].
func New() *Executor {
	return &Executor{now: Epoch}
}

func (e *Executor) Post(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, fn)
	return true
}

func (e *Executor) AfterFunc(d time.Duration, fn func()) ldloop.Timer {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	t := &timer{
		e:        e,
		deadline: e.now.Add(d),
		seq:      e.seq,
		fn:       fn,
	}
	e.timers = append(e.timers, t)
	return t
}

func (e *Executor) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// RunPending runs queued tasks, including any they post,
// until the queue is empty. It returns the number of tasks run.
func (e *Executor) RunPending() int {
	n := 0
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return n
		}
		fn := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		fn()
		n++
	}
}

// RunOne runs only the first queued task.
// It reports whether there was a task to run.
func (e *Executor) RunOne() bool {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return false
	}
	fn := e.queue[0]
	e.queue = e.queue[1:]
	e.mu.Unlock()

	fn()
	return true
}

// Queued returns the number of tasks waiting to run.
func (e *Executor) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// PendingTimers returns the number of timers that have not fired or been stopped.
func (e *Executor) PendingTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Advance moves the clock forward by d.
// Timers that come due are posted in deadline order,
// and then all pending tasks are run.
func (e *Executor) Advance(d time.Duration) {
	e.mu.Lock()
	target := e.now.Add(d)
	e.mu.Unlock()

	for {
		e.mu.Lock()
		slices.SortFunc(e.timers, func(a, b *timer) int {
			if c := a.deadline.Compare(b.deadline); c != 0 {
				return c
			}
			return cmp.Compare(a.seq, b.seq)
		})
		if len(e.timers) == 0 || e.timers[0].deadline.After(target) {
			e.now = target
			e.mu.Unlock()
			break
		}

		t := e.timers[0]
		e.timers = e.timers[1:]
		if t.deadline.After(e.now) {
			e.now = t.deadline
		}
		e.queue = append(e.queue, t.fn)
		e.mu.Unlock()

		// Let the timer's task, and anything it posts,
		// finish before the next timer is considered.
		e.RunPending()
	}

	e.RunPending()
}

type timer struct {
	e        *Executor
	deadline time.Time
	seq      uint64
	fn       func()
}

func (t *timer) Stop() bool {
	t.e.mu.Lock()
	defer t.e.mu.Unlock()

	i := slices.Index(t.e.timers, t)
	if i < 0 {
		return false
	}
	t.e.timers = slices.Delete(t.e.timers, i, i+1)
	return true
}
