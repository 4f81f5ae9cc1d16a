package ldloop

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Loop is an [Executor] backed by a single goroutine.
type Loop struct {
	log *slog.Logger

	clk clock.Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop starts a Loop that runs until ctx is cancelled.
// If clk is nil, the wall clock is used.
// Use [*Loop.Wait] to block until the goroutine has exited.
func NewLoop(ctx context.Context, log *slog.Logger, clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}

	l := &Loop{
		log: log,
		clk: clk,

		// Buffered so Post never blocks;
		// one pending signal is enough to drain everything queued.
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go l.run(ctx)

	return l
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range tasks {
			fn()
		}
		if len(tasks) > 0 && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			dropped := len(l.queue)
			l.queue = nil
			l.mu.Unlock()

			if dropped > 0 {
				l.log.Debug("Loop stopped with tasks still queued", "dropped", dropped)
			}
			return

		case <-l.wake:
		}
	}
}

// Wait blocks until the loop goroutine has returned.
func (l *Loop) Wait() {
	<-l.done
}

func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := new(loopTimer)
	t.t = l.clk.AfterFunc(d, func() {
		l.Post(func() {
			if t.state.CompareAndSwap(timerPending, timerFired) {
				fn()
			}
		})
	})
	return t
}

func (l *Loop) Now() time.Time {
	return l.clk.Now()
}

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

type loopTimer struct {
	t     *clock.Timer
	state atomic.Int32
}

func (t *loopTimer) Stop() bool {
	if !t.state.CompareAndSwap(timerPending, timerStopped) {
		return false
	}
	t.t.Stop()
	return true
}
