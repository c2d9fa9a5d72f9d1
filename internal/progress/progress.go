// Package progress fans out per-document pipeline events to subscribers.
// Delivery is best-effort and ordered; a slow subscriber loses events and
// learns how many through a missed-events marker rather than blocking the
// pipeline. Durable state lives in the registry, not here.
package progress

import (
	"sync"
)

// Counts carries the entity/relationship tallies once the bridge has run.
type Counts struct {
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
}

// Event is one progress update for a document.
type Event struct {
	ProcessID string `json:"process_id"`
	Stage     string `json:"stage"`
	Percent   int    `json:"percent"`
	Message   string `json:"message,omitempty"`
	Counts    Counts `json:"counts"`
	Error     string `json:"error,omitempty"`
	// Missed is non-zero on a synthetic marker event emitted after this
	// subscriber's buffer overflowed, counting the events it lost.
	Missed int `json:"missed,omitempty"`
}

const subscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	missed int
}

// deliver keeps ordering: a pending missed-marker goes out before the new
// event, and the new event is counted as missed when there is no room.
func (s *subscriber) deliver(ev Event) {
	if s.missed > 0 {
		marker := Event{ProcessID: ev.ProcessID, Stage: ev.Stage, Missed: s.missed}
		select {
		case s.ch <- marker:
			s.missed = 0
		default:
			s.missed++
			return
		}
	}
	select {
	case s.ch <- ev:
	default:
		s.missed++
	}
}

// Hub routes events by process id.
type Hub struct {
	mu     sync.Mutex
	latest map[string]Event
	subs   map[string]map[uint64]*subscriber
	nextID uint64
}

func NewHub() *Hub {
	return &Hub{
		latest: map[string]Event{},
		subs:   map[string]map[uint64]*subscriber{},
	}
}

// Publish records the event as the latest snapshot and fans it out.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[ev.ProcessID] = ev
	for _, s := range h.subs[ev.ProcessID] {
		s.deliver(ev)
	}
}

// Snapshot returns the latest event for a process.
func (h *Hub) Snapshot(processID string) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev, ok := h.latest[processID]
	return ev, ok
}

// Subscribe returns a stream of future events for a process and an
// unsubscribe function. The latest event, when one exists, is replayed first.
func (h *Hub) Subscribe(processID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if ev, ok := h.latest[processID]; ok {
		s.ch <- ev
	}
	if h.subs[processID] == nil {
		h.subs[processID] = map[uint64]*subscriber{}
	}
	id := h.nextID
	h.nextID++
	h.subs[processID][id] = s

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.subs[processID][id]; ok {
			delete(h.subs[processID], id)
			close(cur.ch)
		}
	}
	return s.ch, unsub
}

// Finish closes all subscriptions for a process once it reaches a terminal
// state. The latest snapshot stays queryable.
func (h *Hub) Finish(processID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs[processID] {
		close(s.ch)
		delete(h.subs[processID], id)
	}
	delete(h.subs, processID)
}
