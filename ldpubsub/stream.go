package ldpubsub

import (
	"context"
	"sync/atomic"
)

// Stream is one node of a linked list of published values.
//
// Ready is closed once Val and Next are set.
// Readers hold on to the node they will read next;
// a reader that stops advancing keeps every later node reachable,
// so abandoned readers must drop their reference.
type Stream[T any] struct {
	Ready chan struct{}
	Next  *Stream[T]
	Val   T
}

// NewStream returns an unpublished node.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{Ready: make(chan struct{})}
}

// Publish sets s's value, links a fresh node after it,
// and then closes s.Ready.
//
// Publish panics if s was already published.
func (s *Stream[T]) Publish(v T) {
	s.Val = v
	s.Next = NewStream[T]()
	close(s.Ready)
}

// Wait blocks until s is published or ctx is done.
// On success it returns s's value and the node to wait on next.
func (s *Stream[T]) Wait(ctx context.Context) (T, *Stream[T], error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, s, context.Cause(ctx)
	case <-s.Ready:
		return s.Val, s.Next, nil
	}
}

// Publisher tracks the unpublished tail of a [Stream].
//
// Publish must only be called from one goroutine at a time.
// Tail is safe to call concurrently with Publish.
type Publisher[T any] struct {
	tail atomic.Pointer[Stream[T]]
}

// NewPublisher returns a Publisher with an empty stream.
func NewPublisher[T any]() *Publisher[T] {
	p := new(Publisher[T])
	p.tail.Store(NewStream[T]())
	return p
}

// Publish appends v to the stream.
func (p *Publisher[T]) Publish(v T) {
	s := p.tail.Load()
	s.Publish(v)
	p.tail.Store(s.Next)
}

// Tail returns the node the next value will be published to.
// A subscriber starting here observes every value published
// after the call, and none before it.
func (p *Publisher[T]) Tail() *Stream[T] {
	return p.tail.Load()
}
