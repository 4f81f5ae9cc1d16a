package ldloop

import "time"

// Event is a re-armable timer bound to one callback.
// Scheduling an already scheduled Event replaces the earlier deadline.
//
// An Event must only be used from its executor.
type Event struct {
	ex Executor
	fn func()

	t   Timer
	gen uint64

	scheduled bool
}

// NewEvent returns an unscheduled Event that runs fn on ex.
func NewEvent(ex Executor, fn func()) *Event {
	return &Event{ex: ex, fn: fn}
}

// Schedule arranges for the callback to run after d.
// A non-positive d posts the callback behind whatever is already queued,
// which is how work yields back to the executor.
func (e *Event) Schedule(d time.Duration) {
	e.Cancel()

	e.gen++
	gen := e.gen
	e.scheduled = true

	run := func() {
		if gen != e.gen || !e.scheduled {
			return
		}
		e.scheduled = false
		e.t = nil
		e.fn()
	}

	if d <= 0 {
		if !e.ex.Post(run) {
			e.scheduled = false
		}
		return
	}
	e.t = e.ex.AfterFunc(d, run)
}

// Cancel unschedules the Event if it is scheduled.
func (e *Event) Cancel() {
	if !e.scheduled {
		return
	}
	e.scheduled = false
	e.gen++
	if e.t != nil {
		e.t.Stop()
		e.t = nil
	}
}

// IsScheduled reports whether the callback is pending.
func (e *Event) IsScheduled() bool {
	return e.scheduled
}
