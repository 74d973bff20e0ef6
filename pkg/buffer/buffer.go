// Package buffer provides a generic, thread-safe circular buffer with configurable overflow
// policies.
//
// Writers never block: when the buffer is full the policy decides whether the oldest
// queued item or the incoming item is discarded. Drops are counted and optionally reported
// through a callback, which runs after the buffer lock is released.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/c360/dataflow/errors"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with every item discarded due to overflow.
type DropCallback[T any] func(item T)

// Option configures a CircularBuffer.
type Option[T any] func(*CircularBuffer[T])

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(cb *CircularBuffer[T]) {
		cb.policy = policy
	}
}

// WithDropCallback registers a callback for dropped items.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(cb *CircularBuffer[T]) {
		cb.onDrop = callback
	}
}

// CircularBuffer is a fixed-size FIFO.
type CircularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	policy OverflowPolicy
	onDrop DropCallback[T]

	writes  atomic.Int64
	drops   atomic.Int64
	pending atomic.Int64 // drops not yet collected by TakeDropped
}

// NewCircularBuffer creates a buffer holding at most capacity items (minimum 1).
func NewCircularBuffer[T any](capacity int, options ...Option[T]) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	cb := &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		policy:   DropOldest,
	}
	for _, opt := range options {
		if opt != nil {
			opt(cb)
		}
	}
	return cb
}

// Write adds an item according to the overflow policy. It reports whether an item was
// dropped to make the write fit (or, for DropNewest, whether item itself was dropped).
func (cb *CircularBuffer[T]) Write(item T) (bool, error) {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return false, errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	var (
		dropped     bool
		droppedItem T
	)
	if cb.size == cb.capacity {
		dropped = true
		cb.drops.Add(1)
		cb.pending.Add(1)
		if cb.policy == DropNewest {
			cb.mu.Unlock()
			if cb.onDrop != nil {
				cb.onDrop(item)
			}
			return true, nil
		}
		var zero T
		droppedItem = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.size--
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.writes.Add(1)
	cb.mu.Unlock()

	if dropped && cb.onDrop != nil {
		cb.onDrop(droppedItem)
	}
	return dropped, nil
}

// Read removes and returns the oldest item.
func (cb *CircularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	return item, true
}

// ReadBatch removes up to max items in FIFO order.
func (cb *CircularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}
	n := max
	if n > cb.size {
		n = cb.size
	}
	var zero T
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
	}
	cb.size -= n
	return out
}

// Size returns the number of queued items.
func (cb *CircularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the maximum number of items.
func (cb *CircularBuffer[T]) Capacity() int { return cb.capacity }

// Writes returns the number of accepted writes.
func (cb *CircularBuffer[T]) Writes() int64 { return cb.writes.Load() }

// Drops returns the total number of dropped items.
func (cb *CircularBuffer[T]) Drops() int64 { return cb.drops.Load() }

// TakeDropped returns the drops since the previous call and resets the counter.
func (cb *CircularBuffer[T]) TakeDropped() int64 { return cb.pending.Swap(0) }

// Clear discards all queued items.
func (cb *CircularBuffer[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	var zero T
	for i := range cb.items {
		cb.items[i] = zero
	}
	cb.size, cb.head, cb.tail = 0, 0, 0
}

// Close rejects further writes. Queued items stay readable.
func (cb *CircularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}
