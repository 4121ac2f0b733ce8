package orchestrator

import (
	"log/slog"
	"sync"
	"time"
)

// EventType distinguishes phase changes from unit completions.
type EventType string

const (
	EventPhase EventType = "phase"
	EventUnit  EventType = "unit"
)

// Event is published for every state change and finished unit.
type Event struct {
	RunID    string    `json:"run_id"`
	Type     EventType `json:"type"`
	State    State     `json:"state,omitempty"`
	UnitKind string    `json:"unit_kind,omitempty"`
	Key      string    `json:"key,omitempty"`
	Status   string    `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`
	Duration float64   `json:"duration_s,omitempty"`
	Time     time.Time `json:"time"`
}

// Hub fans events out to subscribers. Slow subscribers miss events rather
// than stall the run.
type Hub struct {
	log       *slog.Logger
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

// Publish delivers e to every subscriber without blocking.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.Warn("event channel full", "subscriber", id, "run_id", e.RunID)
		}
	}
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
