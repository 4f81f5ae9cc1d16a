// Package ldloop provides the cooperative execution context
// that every connection runs on.
//
// All callbacks for a connection, including transport events and timers,
// are delivered through a single [Executor],
// so connection state never needs locking.
// Work that must happen "later" is posted back to the same executor
// instead of being run re-entrantly.
package ldloop
