package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe generic circular buffer. It backs the
// metrics push queue (drained with GetAllAndClear), which the diagnostics
// API also peeks without draining (GetAll).
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int
	logger   *zap.Logger
}

// New creates a RingBuffer with the specified capacity.
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add inserts a new item, overwriting the oldest entry when full.
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == rb.capacity {
		rb.logger.Debug("ring buffer full, overwriting oldest entry",
			zap.Int("capacity", rb.capacity))
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
}

// GetAll returns a copy of the buffered items, oldest first, without
// draining the buffer.
func (rb *RingBuffer[T]) GetAll() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.snapshot()
}

// GetAllAndClear atomically retrieves all buffered items and clears the
// buffer. The returned slice is a copy.
func (rb *RingBuffer[T]) GetAllAndClear() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	results := rb.snapshot()
	rb.size = 0
	rb.head = 0
	return results
}

// snapshot copies the entries in order. Callers hold the lock.
func (rb *RingBuffer[T]) snapshot() []T {
	if rb.size == 0 {
		return nil
	}

	results := make([]T, rb.size)
	if rb.size < rb.capacity {
		copy(results, rb.data[:rb.size])
	} else {
		// Buffer is full: oldest at head, newest at head-1.
		for i := 0; i < rb.size; i++ {
			results[i] = rb.data[(rb.head+i)%rb.capacity]
		}
	}
	return results
}

// Size returns the current number of entries.
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity.
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}
