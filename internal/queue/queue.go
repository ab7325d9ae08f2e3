// Package queue provides the bounded hand-off queues between the ingestion callback and
// the writers. Push never blocks: when the queue is full the oldest item is discarded.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// Queue is a bounded multi-producer, single-consumer FIFO with drop-oldest overflow.
type Queue[T any] struct {
	mu       sync.Mutex
	items    *queue.Queue
	capacity int
	notify   chan struct{}
	dropped  atomic.Uint64
	onDrop   func(T)
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithDropHook registers fn to be called with every item discarded on overflow. fn runs
// with the queue locked and must not touch the queue.
func WithDropHook[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) { q.onDrop = fn }
}

// New creates a queue holding at most capacity items. A capacity below 1 is raised to 1.
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		items:    queue.New(),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push appends item, discarding the oldest item first if the queue is full. It reports
// whether an item was discarded.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	dropped := false
	if q.items.Length() >= q.capacity {
		old := q.items.Remove().(T)
		dropped = true
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop(old)
		}
	}
	q.items.Add(item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryPop removes the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.items.Length() == 0 {
		return zero, false
	}
	return q.items.Remove().(T), true
}

// Pop waits up to timeout for an item. It returns false on timeout or when ctx is done.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (T, bool) {
	if item, ok := q.TryPop(); ok {
		return item, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-q.notify:
			if item, ok := q.TryPop(); ok {
				return item, true
			}
		case <-timer.C:
			return q.TryPop()
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Drain removes up to max items (all items when max <= 0) without waiting.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.items.Length()
	if max > 0 && n > max {
		n = max
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, q.items.Remove().(T))
	}
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return q.capacity }

// Dropped returns how many items were discarded on overflow since creation.
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
