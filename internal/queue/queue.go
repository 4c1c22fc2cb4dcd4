// Package queue provides an unbounded FIFO with a single consumer.
package queue

import "sync"

// Queue never blocks producers; Pop blocks the consumer until an item
// arrives or the queue is closed. Items still queued at Close are dropped.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push reports false once the queue is closed
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	q.wake()
	return true
}

// Pop returns the oldest item, or false once the queue is closed
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, false
		}
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		q.mu.Unlock()
		<-q.notify
	}
}

// Close wakes the consumer and rejects further pushes. It is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	q.wake()
}

// Drain calls fn for each item in order until the queue is closed
func (q *Queue[T]) Drain(fn func(T)) {
	for {
		v, ok := q.Pop()
		if !ok {
			return
		}
		fn(v)
	}
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
