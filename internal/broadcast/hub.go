// Package broadcast fans events out to any number of subscribers without ever
// blocking the publisher. Each subscriber has a bounded queue; a subscriber
// whose queue overflows is cut off and its channel closed.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/flowstt/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	buffer  int
	closed  bool
	log     *slog.Logger
	dropped metric.Int64Counter
}

// Subscription is one subscriber's queue.
type Subscription struct {
	id      uint64
	name    string
	hub     *Hub
	ch      chan protocol.Event
	dropped atomic.Bool
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	h := &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		log:    logger.With(slog.String("component", "broadcast")),
	}
	meter := otel.Meter("github.com/loqalabs/flowstt/internal/broadcast")
	if counter, err := meter.Int64Counter("flowstt.subscribers.dropped", metric.WithDescription("Subscribers cut off for falling behind")); err == nil {
		h.dropped = counter
	}
	return h
}

// Subscribe registers a subscriber. On a closed hub the returned
// subscription's channel is already closed.
func (h *Hub) Subscribe(name string) *Subscription {
	return h.SubscribeBuffered(name, h.buffer)
}

// SubscribeBuffered is Subscribe with an explicit queue size.
func (h *Hub) SubscribeBuffered(name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = h.buffer
	}
	// One spare slot is kept for the terminal event delivered by Close.
	sub := &Subscription{name: name, hub: h, ch: make(chan protocol.Event, buffer+1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers evt to every subscriber in publish order. It never blocks.
func (h *Hub) Publish(evt protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, sub := range h.subs {
		if len(sub.ch) >= cap(sub.ch)-1 {
			delete(h.subs, id)
			sub.dropped.Store(true)
			close(sub.ch)
			if h.dropped != nil {
				h.dropped.Add(context.Background(), 1)
			}
			h.log.Warn("dropping slow subscriber", slog.String("subscriber", sub.name), slog.Int("buffer", cap(sub.ch)-1))
			continue
		}
		sub.ch <- evt
	}
}

// Close delivers final (when non-nil) to every subscriber, then closes all
// subscriber channels. Later publishes are ignored.
func (h *Hub) Close(final *protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		if final != nil {
			sub.ch <- *final
		}
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Len is the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Events yields queued events; it is closed on unsubscribe, overflow or hub close.
func (s *Subscription) Events() <-chan protocol.Event { return s.ch }

// Dropped reports whether the subscriber was cut off for falling behind.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Close unsubscribes. Queued events remain readable until the channel drains.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.ch)
}
