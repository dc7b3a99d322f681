package buffer

import (
	"sync"
)

// Queue is a thread-safe bounded ring buffer. It backs the connector
// pending-delivery buffer and the RL experience replay buffer, both of
// which drop the oldest entry when full.
type Queue[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
	dropped  uint64
}

// New creates a new Queue with the specified capacity.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		data:     make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push adds an item to the queue. If the queue is full, the oldest item is
// dropped. Returns true if an item was dropped to make room.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.data) >= q.capacity {
		q.data = q.data[1:]
		q.dropped++
		evicted = true
	}
	q.data = append(q.data, item)
	return evicted
}

// Pop removes and returns the oldest item from the queue.
// Returns zero value and false if empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.data) == 0 {
		var zero T
		return zero, false
	}

	item := q.data[0]
	q.data = q.data[1:]
	return item, true
}

// Drain removes and returns all queued items, oldest first.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.data
	q.data = make([]T, 0, q.capacity)
	return out
}

// Snapshot returns a copy of the queued items, oldest first, without
// removing them. Used by the replay trainer to sample batches.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.data))
	copy(out, q.data)
	return out
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Dropped returns the total number of items evicted due to overflow.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// IsEmpty returns true if the queue is empty.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}
