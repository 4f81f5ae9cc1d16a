package ldtransport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/march-github/LogDevice/ldloop"
)

// DefaultReadBufferSize is used when a backend is given no read buffer size.
const DefaultReadBufferSize = 64 << 10

// How many DataReceived events may be posted but not yet handled.
// This bounds memory when the executor falls behind the network.
const maxOutstandingReads = 4

// Pump moves bytes between an [io.ReadWriteCloser] and a [Handler],
// using one goroutine for each direction.
// Both backends build their [Transport] on a Pump,
// which keeps their observable behavior identical.
//
// Writes may be queued before the stream exists;
// they are flushed once [*Pump.Start] is called.
type Pump struct {
	log *slog.Logger

	ex ldloop.Executor
	h  Handler

	readBufSize int

	mu   sync.Mutex
	cond *sync.Cond

	rwc     io.ReadWriteCloser
	pending [][]byte

	readEnabled bool
	outstanding int

	closed bool

	wg sync.WaitGroup
}

// NewPump returns a Pump that has not started any goroutines.
func NewPump(log *slog.Logger, ex ldloop.Executor, h Handler, readBufSize int) *Pump {
	if readBufSize <= 0 {
		readBufSize = DefaultReadBufferSize
	}
	p := &Pump{
		log: log,
		ex:  ex,
		h:   h,

		readBufSize: readBufSize,
		readEnabled: true,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start begins reading from and writing to rwc.
// If the Pump was already closed, rwc is closed immediately.
func (p *Pump) Start(rwc io.ReadWriteCloser) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = rwc.Close()
		return
	}
	if p.rwc != nil {
		p.mu.Unlock()
		panic(errors.New("BUG: Pump started twice"))
	}
	p.rwc = rwc
	p.mu.Unlock()

	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()
}

// Write queues bufs behind any earlier writes.
func (p *Pump) Write(bufs [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pending = append(p.pending, bufs...)
	p.cond.Broadcast()
}

// SetReadEnabled pauses or resumes the read goroutine.
func (p *Pump) SetReadEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readEnabled = enabled
	p.cond.Broadcast()
}

// Close stops both goroutines and closes the stream.
// It does not wait for the goroutines to exit; use [*Pump.Wait] for that.
func (p *Pump) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	rwc := p.rwc
	p.pending = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if rwc == nil {
		return nil
	}
	return rwc.Close()
}

// Wait blocks until the pump goroutines have exited.
func (p *Pump) Wait() {
	p.wg.Wait()
}

// post delivers ev unless the pump has been closed.
func (p *Pump) post(ev Event, onDone func()) {
	p.ex.Post(func() {
		if onDone != nil {
			defer onDone()
		}

		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		p.h(ev)
	})
}

func (p *Pump) readLoop() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for !p.closed && (!p.readEnabled || p.outstanding >= maxOutstandingReads) {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.outstanding++
		p.mu.Unlock()

		buf := make([]byte, p.readBufSize)
		n, err := p.rwc.Read(buf)
		if n > 0 {
			p.post(DataReceived{Data: buf[:n]}, p.readDone)
		} else {
			p.readDone()
		}

		if err != nil {
			if p.isClosed() {
				return
			}
			if errors.Is(err, io.EOF) {
				p.post(EOF{}, nil)
			} else {
				p.post(Failed{Err: err}, nil)
			}
			return
		}
	}
}

func (p *Pump) readDone() {
	p.mu.Lock()
	p.outstanding--
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pump) writeLoop() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for !p.closed && len(p.pending) == 0 {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		bufs := p.pending
		p.pending = nil
		p.mu.Unlock()

		nb := net.Buffers(bufs)
		n, err := nb.WriteTo(p.rwc)
		if n > 0 {
			p.post(Written{N: int(n)}, nil)
		}
		if err != nil {
			if !p.isClosed() {
				p.post(Failed{Err: err}, nil)
			}
			return
		}
	}
}

func (p *Pump) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
