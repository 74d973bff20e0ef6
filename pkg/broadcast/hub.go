// Package broadcast implements a lossy multi-subscriber channel.
//
// Every Subscription owns a bounded backlog. Publish never blocks: a subscriber that falls
// behind loses its oldest unread items and can observe how many through Lagged. New
// subscribers only see items published after they subscribed.
package broadcast

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/c360/dataflow/pkg/buffer"
)

// ErrClosed is returned by Recv once the subscription or its hub is closed and the backlog
// is drained.
var ErrClosed = stderrors.New("broadcast: closed")

// DefaultCapacity is the per-subscriber backlog used when none is given.
const DefaultCapacity = 256

// Hub fans published items out to subscribers.
type Hub[T any] struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription[T]
	nextID   uint64
	capacity int
	closed   bool
}

// NewHub creates a hub whose subscribers buffer up to capacity items each.
func NewHub[T any](capacity int) *Hub[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub[T]{
		subs:     make(map[uint64]*Subscription[T]),
		capacity: capacity,
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed hub returns a subscription
// that is already closed.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		hub:    h,
		buf:    buffer.NewCircularBuffer[T](h.capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closeOnce.Do(func() { close(s.done) })
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	return s
}

// Publish delivers item to every current subscriber and returns how many received it.
func (h *Hub[T]) Publish(item T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	n := 0
	for _, s := range h.subs {
		if _, err := s.buf.Write(item); err != nil {
			continue
		}
		select {
		case s.notify <- struct{}{}:
		default:
		}
		n++
	}
	return n
}

// Subscribers returns the number of live subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes the hub and every subscription. Buffered items remain receivable.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*Subscription[T])
	h.mu.Unlock()

	for _, s := range subs {
		s.shut()
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Subscription is one receiver of a Hub.
type Subscription[T any] struct {
	hub       *Hub[T]
	id        uint64
	buf       *buffer.CircularBuffer[T]
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Recv waits for the next item. It returns ctx.Err() when ctx ends first and ErrClosed
// once the subscription is closed and drained.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		if item, ok := s.buf.Read(); ok {
			return item, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if item, ok := s.buf.Read(); ok {
				return item, nil
			}
			return zero, ErrClosed
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// TryRecv returns the next buffered item without waiting.
func (s *Subscription[T]) TryRecv() (T, bool) {
	return s.buf.Read()
}

// Ready is signalled when new items may be available.
func (s *Subscription[T]) Ready() <-chan struct{} { return s.notify }

// Done is closed when the subscription is closed.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Lagged returns how many items were lost to overflow since the previous call.
func (s *Subscription[T]) Lagged() int64 { return s.buf.TakeDropped() }

// Close detaches the subscription from its hub.
func (s *Subscription[T]) Close() {
	if s.id != 0 {
		s.hub.remove(s.id)
	}
	s.shut()
}

func (s *Subscription[T]) shut() {
	s.closeOnce.Do(func() {
		_ = s.buf.Close()
		close(s.done)
	})
}
