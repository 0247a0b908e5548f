// Package hub fans state-change events out to any number of subscribers.
// It carries no control authority; a gone or slow listener is dropped
// rather than ever stalling a publisher.
package hub

import (
	"log/slog"
	"sync"

	"github.com/hackerspacegent/canvasd/internal/domain"
)

const subscriberBuffer = 16

type Hub struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[chan domain.Event]struct{}
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger,
		subscribers: map[chan domain.Event]struct{}{},
	}
}

// Subscribe registers a new listener and returns its event channel. The
// caller must Unsubscribe when done.
func (h *Hub) Subscribe() chan domain.Event {
	ch := make(chan domain.Event, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug("hub_subscribed", "subscribers", count)
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(ch chan domain.Event) {
	h.mu.Lock()
	_, ok := h.subscribers[ch]
	if ok {
		delete(h.subscribers, ch)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		close(ch)
		h.logger.Debug("hub_unsubscribed", "subscribers", count)
	}
}

// Publish delivers the event to every subscriber without blocking. A
// subscriber whose buffer is full is dropped so it cannot hold up the rest.
func (h *Hub) Publish(eventType string, payload any) {
	event := domain.Event{Type: eventType, Payload: payload}

	h.mu.Lock()
	var dropped []chan domain.Event
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			dropped = append(dropped, ch)
			delete(h.subscribers, ch)
		}
	}
	h.mu.Unlock()

	for _, ch := range dropped {
		close(ch)
		h.logger.Warn("hub_subscriber_dropped", "event", eventType)
	}
}

// SubscriberCount reports the current number of listeners.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close drops every subscriber, for daemon shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
	h.mu.Unlock()
}
