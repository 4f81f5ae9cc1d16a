package ldtest

import (
	"testing"
	"time"
)

// ScheduleJitter is how long the channel helpers wait
// before deciding that a value is not going to arrive.
// It is generous because CI machines are frequently oversubscribed.
const ScheduleJitter = 250 * time.Millisecond

// ReceiveSoon receives from ch within [ScheduleJitter],
// failing the test otherwise.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()
	return ReceiveWithin(t, ch, ScheduleJitter)
}

// ReceiveWithin is like [ReceiveSoon] with an explicit deadline,
// for values that wait on real network round trips.
func ReceiveWithin[T any](t testing.TB, ch <-chan T, d time.Duration) T {
	t.Helper()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("did not receive value within %s", d)
	}

	var zero T
	return zero
}

// SendSoon sends v on ch within [ScheduleJitter],
// failing the test otherwise.
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScheduleJitter)
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("could not send value within %s", ScheduleJitter)
	}
}

// IsSending asserts that a receive from ch succeeds immediately.
// It is typically used with channels that are closed to signal readiness.
func IsSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
	default:
		t.Fatal("channel was not sending")
	}
}

// NotSending asserts that a receive from ch would block.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case v := <-ch:
		t.Fatalf("channel should not have been sending, but received %v", v)
	default:
	}
}
