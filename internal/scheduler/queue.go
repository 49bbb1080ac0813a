package scheduler

import "github.com/eapache/queue"

// Queue is a typed FIFO over a ring-buffer queue. It is not safe for
// concurrent use.
type Queue[T any] struct {
	q *queue.Queue
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{q: queue.New()}
}

// Push appends v.
func (q *Queue[T]) Push(v T) {
	q.q.Add(v)
}

// Peek returns the oldest element without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if q.q.Length() == 0 {
		return zero, false
	}
	return q.q.Peek().(T), true
}

// Pop removes and returns the oldest element.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.q.Length() == 0 {
		return zero, false
	}
	return q.q.Remove().(T), true
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return q.q.Length()
}
