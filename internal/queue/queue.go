// Package queue provides a bounded, blocking FIFO used to hand raw packet
// buffers from the network producer to the decoding consumer.
package queue

import (
	"errors"
	"sync"
)

// DefaultCapacity is the queue depth used when none is configured.
const DefaultCapacity = 20

// ErrClosed is returned by Push once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Queue is a fixed-capacity ring buffer. Push blocks while the queue is full
// and Pop blocks while it is empty. After Close, Pop keeps returning the
// remaining items and reports ok=false once the queue is drained.
type Queue[T any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	items  []T
	head   int
	size   int
	closed bool
}

// New creates a queue holding at most capacity items. A capacity below 1
// falls back to DefaultCapacity.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	q := &Queue[T]{items: make([]T, capacity)}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends item, waiting for free space. It returns ErrClosed if the
// queue is closed before or while waiting.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	for q.size == len(q.items) && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
	q.mu.Unlock()

	q.notEmpty.Signal()
	return nil
}

// Pop removes and returns the oldest item, waiting until one is available.
// ok is false only when the queue is closed and empty.
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	for q.size == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.size == 0 {
		q.mu.Unlock()
		return item, false
	}
	var zero T
	item = q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	q.mu.Unlock()

	q.notFull.Signal()
	return item, true
}

// Close marks the queue closed and wakes every waiter. It is safe to call
// more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the fixed capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}
