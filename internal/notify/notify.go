// Package notify fans out change events to subscribers so presentation
// layers can refresh without the core knowing about them.
package notify

import (
	"sync"
	"time"
)

// Kind names what changed.
type Kind string

const (
	GuestAdded      Kind = "guest.added"
	GuestUpdated    Kind = "guest.updated"
	CodesChanged    Kind = "codes.changed"
	AttemptSettled  Kind = "dispatch.attempt_settled"
	BatchFinished   Kind = "dispatch.batch_finished"
	ReminderChanged Kind = "reminder.changed"
	ReminderRan     Kind = "reminder.executed"
)

// Event describes one change. Subject is the id of the affected entity.
type Event struct {
	Kind    Kind      `json:"kind"`
	Subject string    `json:"subject,omitempty"`
	At      time.Time `json:"at"`
}

// Hub is a non-blocking fan-out. A nil *Hub drops everything.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given buffer. The returned func
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers an event to every subscriber with room in its buffer; slow
// subscribers miss events rather than block the publisher.
func (h *Hub) Publish(kind Kind, subject string) {
	if h == nil {
		return
	}
	e := Event{Kind: kind, Subject: subject, At: time.Now()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
