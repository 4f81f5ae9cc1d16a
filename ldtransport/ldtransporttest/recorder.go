package ldtransporttest

import (
	"testing"
	"time"

	"github.com/march-github/LogDevice/ldtransport"
)

// RecorderTimeout bounds every wait in [*Recorder].
// Real handshakes are involved, so it is far longer than a scheduling delay.
const RecorderTimeout = 5 * time.Second

// Recorder is an [ldtransport.Handler] that buffers events for a test
// running on another goroutine than the executor.
type Recorder struct {
	data    chan []byte
	written chan int
	events  chan ldtransport.Event
}

func NewRecorder() *Recorder {
	return &Recorder{
		data:    make(chan []byte, 256),
		written: make(chan int, 256),
		events:  make(chan ldtransport.Event, 16),
	}
}

// Handle is the [ldtransport.Handler].
func (r *Recorder) Handle(ev ldtransport.Event) {
	switch e := ev.(type) {
	case ldtransport.DataReceived:
		r.data <- e.Data
	case ldtransport.Written:
		r.written <- e.N
	default:
		r.events <- ev
	}
}

// Next returns the next event other than data or write progress.
func (r *Recorder) Next(t testing.TB) ldtransport.Event {
	t.Helper()

	select {
	case ev := <-r.events:
		return ev
	case <-time.After(RecorderTimeout):
		t.Fatalf("no transport event within %s", RecorderTimeout)
		return nil
	}
}

// ReadN collects received data until exactly n bytes have arrived.
func (r *Recorder) ReadN(t testing.TB, n int) []byte {
	t.Helper()

	var out []byte
	deadline := time.After(RecorderTimeout)
	for len(out) < n {
		select {
		case b := <-r.data:
			out = append(out, b...)
		case <-deadline:
			t.Fatalf("received %d of %d bytes within %s", len(out), n, RecorderTimeout)
		}
	}
	if len(out) > n {
		t.Fatalf("received %d bytes, more than the expected %d", len(out), n)
	}
	return out
}

// WaitWritten blocks until write progress totalling n bytes is reported.
func (r *Recorder) WaitWritten(t testing.TB, n int) {
	t.Helper()

	got := 0
	deadline := time.After(RecorderTimeout)
	for got < n {
		select {
		case w := <-r.written:
			got += w
		case <-deadline:
			t.Fatalf("%d of %d bytes reported written within %s", got, n, RecorderTimeout)
		}
	}
}

// NoData asserts that no received data is buffered.
func (r *Recorder) NoData(t testing.TB) {
	t.Helper()

	select {
	case b := <-r.data:
		t.Fatalf("unexpected %d bytes received", len(b))
	default:
	}
}
