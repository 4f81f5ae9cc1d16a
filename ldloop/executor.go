package ldloop

import "time"

// Executor runs tasks one at a time, in the order they were posted.
//
// Implementations must never run two tasks concurrently,
// and must never run a task from inside Post or AfterFunc.
type Executor interface {
	// Post schedules fn to run on the executor.
	// It reports false if the executor has stopped,
	// in which case fn will never run.
	Post(fn func()) bool

	// AfterFunc schedules fn to run on the executor once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer

	// Now returns the executor's notion of the current time.
	Now() time.Time
}

// Timer is a handle to a task scheduled with [Executor.AfterFunc].
type Timer interface {
	// Stop prevents the task from running.
	// It reports whether the call stopped the task,
	// which is false if the task already ran or was already stopped.
	//
	// Stop must be called from the executor
	// for the guarantee to hold.
	Stop() bool
}
