package ldconn

import (
	"time"

	"github.com/march-github/LogDevice/ldflow"
	"github.com/march-github/LogDevice/ldproto"
)

// queueID names the queue currently holding an [Envelope].
type queueID uint8

const (
	inNoQueue queueID = iota
	inPendingQueue
	inSerializeQueue
	inSendQueue
)

// Envelope is the control block of one outgoing message,
// from registration until its completion callback.
//
// Envelopes are created by [*Connection.RegisterMessage]
// and are only valid until the message completes.
type Envelope struct {
	conn *Connection
	msg  ldproto.Message

	cost int

	birth, enqueued time.Time

	// Stream offset just past this message's last byte.
	// Valid once the message is in the send queue.
	drainPos uint64

	q queueID
}

var _ ldflow.Waiter = (*Envelope)(nil)

// Message returns the enclosed message.
func (e *Envelope) Message() ldproto.Message { return e.msg }

// Cost is the number of bytes charged against the connection's limits.
func (e *Envelope) Cost() int { return e.cost }

func (e *Envelope) Priority() ldproto.Priority { return e.msg.Priority() }

// BandwidthAvailable releases the envelope once the flow group grants it.
func (e *Envelope) BandwidthAvailable() {
	e.conn.ReleaseMessage(e)
}

// Age is the time since registration.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.birth)
}

// envelopeQueue is a FIFO of envelopes tracking their total cost.
// Membership is recorded on the envelope,
// so "is this envelope queued here" never needs a search.
type envelopeQueue struct {
	id queueID

	items []*Envelope
	head  int

	cost int
}

func newEnvelopeQueue(id queueID) envelopeQueue {
	return envelopeQueue{id: id}
}

func (q *envelopeQueue) Len() int { return len(q.items) - q.head }

func (q *envelopeQueue) Cost() int { return q.cost }

func (q *envelopeQueue) Push(e *Envelope) {
	if e.q != inNoQueue {
		panic("BUG: pushing an envelope that is already queued")
	}
	e.q = q.id
	q.items = append(q.items, e)
	q.cost += e.cost
}

// Front returns the oldest envelope, or nil.
func (q *envelopeQueue) Front() *Envelope {
	if q.Len() == 0 {
		return nil
	}
	return q.items[q.head]
}

func (q *envelopeQueue) PopFront() *Envelope {
	if q.Len() == 0 {
		return nil
	}
	e := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}

	e.q = inNoQueue
	q.cost -= e.cost
	return e
}

// Remove takes e out of the queue wherever it is.
// It reports false if e was not in this queue.
func (q *envelopeQueue) Remove(e *Envelope) bool {
	if e.q != q.id {
		return false
	}
	for i := q.head; i < len(q.items); i++ {
		if q.items[i] != e {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = nil
		q.items = q.items[:len(q.items)-1]

		e.q = inNoQueue
		q.cost -= e.cost
		return true
	}
	panic("BUG: envelope marked as queued but not found in queue")
}

// Take moves everything out of q into a new queue,
// leaving q empty.
func (q *envelopeQueue) Take() envelopeQueue {
	out := *q
	*q = newEnvelopeQueue(q.id)
	return out
}

// pendingQueue is the admission queue: one FIFO per priority.
type pendingQueue [ldproto.NumPriorities]envelopeQueue

func newPendingQueue() pendingQueue {
	var pq pendingQueue
	for i := range pq {
		pq[i] = newEnvelopeQueue(inPendingQueue)
	}
	return pq
}

func (pq *pendingQueue) Push(e *Envelope) {
	pq[e.Priority()].Push(e)
}

func (pq *pendingQueue) Remove(e *Envelope) bool {
	return pq[e.Priority()].Remove(e)
}

func (pq *pendingQueue) Len() int {
	n := 0
	for i := range pq {
		n += pq[i].Len()
	}
	return n
}

func (pq *pendingQueue) Cost() int {
	n := 0
	for i := range pq {
		n += pq[i].Cost()
	}
	return n
}
