// Package notify is an in-process per-session publish/subscribe hub that wakes the waiting
// device when the acting device finishes a ceremony. Events are not persisted: a subscriber
// only sees events published after it subscribed.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType names what happened to a session.
type EventType string

const (
	EventContextVerified EventType = "context-verified"
	EventChallengeIssued EventType = "challenge-issued"
	EventAuthenticated   EventType = "authenticated"
	EventSignupComplete  EventType = "signup-complete"
	EventRejected        EventType = "rejected"
)

// Terminal reports whether a waiting device should stop listening after t.
func (t EventType) Terminal() bool {
	return t == EventAuthenticated || t == EventSignupComplete
}

// Event is delivered to subscribers of one session id.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	At        time.Time `json:"at"`
}

// bufferSize bounds each subscriber's backlog. A subscriber that falls this far behind misses
// progress events; terminal events evict the oldest queued event instead of being dropped.
const bufferSize = 8

type subscriber struct {
	ch chan Event
}

// Hub fans events out to the current subscribers of each session id.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe registers for events on sessionID. The returned channel is closed when cancel is
// called or ctx ends; cancel is safe to call more than once.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, bufferSize)}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			h.mu.Lock()
			if set, ok := h.subs[sessionID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
			close(s.ch)
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return s.ch, cancel
}

// Publish delivers ev to every current subscriber of sessionID without blocking.
// It returns the number of subscribers that received it. Terminal events always reach every
// current subscriber.
func (h *Hub) Publish(sessionID string, ev Event) int {
	ev.SessionID = sessionID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.subs[sessionID] {
		if s.offer(ev, ev.Type.Terminal()) {
			n++
		}
	}
	return n
}

// offer queues ev. With evict set, a full backlog gives up its oldest event to make room.
// Callers hold h.mu, so no other publisher can refill the slot.
func (s *subscriber) offer(ev Event, evict bool) bool {
	for {
		select {
		case s.ch <- ev:
			return true
		default:
		}
		if !evict {
			return false
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Subscribers returns how many subscribers sessionID currently has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
