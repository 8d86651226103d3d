package util

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"
)

// ErrQueueClosed is returned by Pop once the queue has been closed and
// drained.
var ErrQueueClosed = errors.New("queue closed")

// RingQueue is a bounded multi-producer/single-consumer queue with an
// overwrite-on-full policy: pushing into a full queue discards the oldest
// unread item. Push never blocks, so it is safe to call from driver
// callbacks running on foreign threads.
type RingQueue[T any] struct {
	mu       sync.Mutex
	items    deque.Deque[T]
	capacity int
	dropped  int
	closed   bool
	notify   chan struct{} // Buffered channel of size 1 for notification
}

// NewRingQueue creates a queue holding at most capacity items. A capacity
// below 1 is treated as 1.
func NewRingQueue[T any](capacity int) *RingQueue[T] {
	capacity = max(capacity, 1)
	q := &RingQueue[T]{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
	q.items.Grow(capacity)
	return q
}

// Push appends item, discarding the oldest item when the queue is full. It
// reports false if the queue is closed.
func (q *RingQueue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.items.Len() == q.capacity {
		q.items.PopFront()
		q.dropped++
	}
	q.items.PushBack(item)

	select {
	case q.notify <- struct{}{}:
	default:
		// notification already pending
	}
	return true
}

// TryPop returns the oldest item without waiting.
func (q *RingQueue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.items.PopFront(), true
}

// Pop waits for the oldest item. It returns ErrQueueClosed when the queue
// is closed and empty, or the context error.
func (q *RingQueue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := q.items.PopFront()
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		var zero T
		if closed {
			return zero, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.notify:
		}
	}
}

// Close wakes up a waiting consumer. Items already queued can still be
// popped; further pushes are rejected.
func (q *RingQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of unread items.
func (q *RingQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Dropped returns how many items have been overwritten so far.
func (q *RingQueue[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Snapshot returns a copy of the unread items in arrival order.
func (q *RingQueue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	ret := make([]T, q.items.Len())
	for i := range ret {
		ret[i] = q.items.At(i)
	}
	return ret
}
