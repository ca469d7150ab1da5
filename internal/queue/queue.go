// Package queue provides the bounded hand-off between dispatcher workers
// and storage workers.
package queue

import (
	"sync"
	"sync/atomic"
)

// Queue is a thread-safe bounded FIFO.
// Producers never block: Push drops the item when the queue is full.
// Consumers poll with TryPop.
type Queue[T any] struct {
	mu       sync.Mutex
	data     []T
	head     int // next write position
	tail     int // oldest item position
	count    int
	capacity int

	// Statistics
	pushCount atomic.Int64
	popCount  atomic.Int64
	dropCount atomic.Int64
}

// New creates a Queue with the given capacity.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item.
// Returns false if the queue is full and the item was dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.capacity {
		q.dropCount.Add(1)
		return false
	}

	q.data[q.head] = item
	q.head = (q.head + 1) % q.capacity
	q.count++
	q.pushCount.Add(1)

	return true
}

// TryPop removes and returns the oldest item.
// Returns false if the queue is empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.count == 0 {
		return zero, false
	}

	item := q.data[q.tail]
	q.data[q.tail] = zero // release for GC
	q.tail = (q.tail + 1) % q.capacity
	q.count--
	q.popCount.Add(1)

	return item, true
}

// PopN removes and returns up to n oldest items.
func (q *Queue[T]) PopN(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 || n <= 0 {
		return nil
	}
	n = min(n, q.count)

	var zero T
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = q.data[q.tail]
		q.data[q.tail] = zero
		q.tail = (q.tail + 1) % q.capacity
	}
	q.count -= n
	q.popCount.Add(int64(n))

	return out
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the capacity of the queue.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// UsageRatio returns the current usage as a ratio (0.0 - 1.0).
func (q *Queue[T]) UsageRatio() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(q.count) / float64(q.capacity)
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	count := q.count
	q.mu.Unlock()

	return Stats{
		Capacity:   q.capacity,
		Count:      count,
		UsageRatio: float64(count) / float64(q.capacity),
		PushCount:  q.pushCount.Load(),
		PopCount:   q.popCount.Load(),
		DropCount:  q.dropCount.Load(),
	}
}

// Stats holds queue statistics.
type Stats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	PopCount   int64
	DropCount  int64
}
