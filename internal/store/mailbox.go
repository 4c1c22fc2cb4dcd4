package store

import "github.com/mossy-p/call-signaling/internal/queue"

// mailbox delivers values to fn one at a time, in push order, on its own
// goroutine. Push never blocks.
type mailbox[T any] struct {
	q *queue.Queue[T]
}

func newMailbox[T any](fn func(T)) *mailbox[T] {
	m := &mailbox[T]{q: queue.New[T]()}
	go m.q.Drain(fn)
	return m
}

func (m *mailbox[T]) push(v T) { m.q.Push(v) }

func (m *mailbox[T]) close() { m.q.Close() }
