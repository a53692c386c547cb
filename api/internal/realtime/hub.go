package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"raffle-market-platform/shared/events"
	"raffle-market-platform/shared/logx"
	"raffle-market-platform/shared/metricsx"
)

// ErrCapacityExceeded rejects registration once the hub is at its connection
// limit; callers surface it to the client instead of queueing.
var ErrCapacityExceeded = errors.New("hub at connection capacity")

var ErrHubClosed = errors.New("hub closed")

// Subscriber is one attached client. Enqueue must not block: it reports false
// when the subscriber's buffer is full, which the hub treats as a slow
// consumer and evicts.
type Subscriber interface {
	ID() string
	Enqueue(frame []byte) bool
	CloseSlow()
}

// Hub fans events out to all registered subscribers. Publish is called from a
// single coordinator goroutine per stream, so each subscriber observes events
// in publish order; a subscriber attached mid-stream receives only events
// published after registration.
type Hub struct {
	capacity int
	logger   logx.Logger

	mu     sync.RWMutex
	subs   map[string]Subscriber
	closed bool
}

func NewHub(capacity int, logger logx.Logger) *Hub {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Hub{
		capacity: capacity,
		logger:   logger,
		subs:     make(map[string]Subscriber),
	}
}

func (h *Hub) Register(sub Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if len(h.subs) >= h.capacity {
		metricsx.IncRegisterRejected()
		return ErrCapacityExceeded
	}
	h.subs[sub.ID()] = sub
	metricsx.SetWSConnections(len(h.subs))
	return nil
}

// Unregister is idempotent: departures race with slow-consumer evictions, so
// both paths may call it for the same subscriber.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	metricsx.SetWSConnections(len(h.subs))
}

// Publish encodes the event once and offers the frame to every subscriber
// registered at call time. Subscribers whose buffers are full are evicted
// rather than allowed to stall the rest.
func (h *Hub) Publish(ctx context.Context, event events.Event) error {
	frame, err := event.Encode()
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	targets := make([]Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	metricsx.IncEventPublished(string(event.Type))

	delivered := 0
	var slow []Subscriber
	for _, sub := range targets {
		if sub.Enqueue(frame) {
			delivered++
			continue
		}
		slow = append(slow, sub)
	}
	metricsx.AddEventsDelivered(delivered)

	for _, sub := range slow {
		metricsx.IncSlowConsumerEviction()
		h.logger.Warn(ctx, "ws.slow_consumer", "evicting slow subscriber",
			slog.String("subscriber_id", sub.ID()),
			slog.String("event_type", string(event.Type)))
		h.Unregister(sub.ID())
		sub.CloseSlow()
	}
	return nil
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches every subscriber and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]Subscriber)
	h.mu.Unlock()

	metricsx.SetWSConnections(0)
	for _, sub := range subs {
		sub.CloseSlow()
	}
}
