// Package statusstream relays run status transitions to live subscribers.
// Workers publish through a Notifier; API processes feed a Hub from the
// Postgres notification channel and fan events out to websocket clients.
package statusstream

import (
	"context"
	"sync"
	"time"

	"github.com/querystudio/querystudio/internal/observability"
	"github.com/querystudio/querystudio/internal/run"
)

type Event struct {
	RunID        string     `json:"run_id"`
	TenantID     string     `json:"tenant_id"`
	MemberID     string     `json:"member_id"`
	Status       run.Status `json:"status"`
	Message      string     `json:"message"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// EventFor builds the event describing the current state of r.
func EventFor(r run.Run) Event {
	return Event{
		RunID:        r.RunID,
		TenantID:     r.TenantID,
		MemberID:     r.MemberID,
		Status:       r.Status,
		Message:      r.StatusMessage,
		ErrorMessage: r.ErrorMessage,
		Timestamp:    r.UpdatedAt,
	}
}

// Notifier announces a transition. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

type Hub struct {
	mu     sync.Mutex
	buffer int
	subs   map[string]map[*Subscription]struct{}
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[*Subscription]struct{})}
}

type Subscription struct {
	hub    *Hub
	runID  string
	events chan Event
	closed bool
}

// Events is closed after a terminal event or Close.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

func (h *Hub) Subscribe(runID string) *Subscription {
	sub := &Subscription{hub: h, runID: runID, events: make(chan Event, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[runID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[runID] = set
	}
	set[sub] = struct{}{}
	observability.AddStreamSubscribers(1)
	return sub
}

// Publish delivers event to every subscriber of its run without blocking.
// A full subscriber loses its oldest queued event. Subscribers are closed
// after a terminal status.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[event.RunID] {
		deliver(sub.events, event)
		if event.Status.Terminal() {
			h.removeLocked(sub)
		}
	}
}

// Notify lets a Hub serve as an in-process Notifier.
func (h *Hub) Notify(_ context.Context, event Event) error {
	h.Publish(event)
	return nil
}

// Subscribers reports how many subscriptions runID has.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)
	if set, ok := h.subs[sub.runID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.runID)
		}
	}
	observability.AddStreamSubscribers(-1)
}

func deliver(ch chan Event, event Event) {
	for {
		select {
		case ch <- event:
			return
		default:
		}
		select {
		case <-ch:
			observability.IncrementStreamEventDropped()
		default:
		}
	}
}
