// Package notification provides subscription hubs for broadcasting engine events.
package notification

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultBuffer is the channel buffer size used when a hub is created with a non-positive size.
const DefaultBuffer = 64

// subscription represents a subscriber's subscription.
type subscription[E any] struct {
	id string
	ch chan E
}

// Hub manages event subscriptions and broadcasting.
// Delivery never blocks: a subscriber whose buffer is full misses the event.
type Hub[E any] struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription[E]
	buffer        int
	closed        bool
}

// NewHub creates a new hub whose subscriber channels hold up to buffer events.
func NewHub[E any](buffer int) *Hub[E] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[E]{
		subscriptions: make(map[string]*subscription[E]),
		buffer:        buffer,
	}
}

// Subscribe adds a new subscription and returns the subscription ID with its channel.
// Subscribing to a closed hub returns an already closed channel.
func (h *Hub[E]) Subscribe() (string, <-chan E) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan E, h.buffer)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscriptions[id] = &subscription[E]{id: id, ch: ch}
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
// Unknown IDs are ignored.
func (h *Hub[E]) Unsubscribe(subscriptionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscriptions[subscriptionID]
	if !ok {
		return
	}
	delete(h.subscriptions, subscriptionID)
	close(sub.ch)
}

// Publish sends an event to all subscribers without blocking.
// It returns the number of subscribers that received the event.
func (h *Hub[E]) Publish(event E) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.subscriptions {
		select {
		case sub.ch <- event:
			delivered++
		default:
		}
	}
	return delivered
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub[E]) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close closes every subscriber channel and rejects later subscriptions.
func (h *Hub[E]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscriptions {
		close(sub.ch)
		delete(h.subscriptions, id)
	}
}
