// Package stream fans execution status transitions out to WebSocket subscribers.
package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

// Event is the wire shape pushed to subscribers.
type Event struct {
	ExecutionID string           `json:"execution_id"`
	Status      contracts.Status `json:"status"`
	At          string           `json:"at"`
}

// Subscription receives the events visible to one caller.
type Subscription struct {
	C       chan Event
	ownerID string
	all     bool
	dropped atomic.Uint64
}

// Dropped is the number of events discarded because the subscriber lagged.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Hub is an in-process broadcaster. Publish never blocks: slow subscribers
// lose events instead of stalling the dispatcher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		logger: slog.Default().With("component", "stream"),
	}
}

// Subscribe registers a subscriber. With all set it sees every execution,
// otherwise only those owned by ownerID.
func (h *Hub) Subscribe(ownerID string, all bool, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{C: make(chan Event, buffer), ownerID: ownerID, all: all}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.C)
	}
}

// Publish delivers t to every subscriber allowed to see it.
func (h *Hub) Publish(t contracts.Transition) {
	evt := Event{
		ExecutionID: t.ExecutionID,
		Status:      t.To,
		At:          t.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.all && s.ownerID != t.OwnerID {
			continue
		}
		select {
		case s.C <- evt:
		default:
			s.dropped.Add(1)
			h.logger.Warn("stream subscriber lagging, event dropped",
				"execution_id", t.ExecutionID, "status", t.To)
		}
	}
}

// Subscribers is the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
