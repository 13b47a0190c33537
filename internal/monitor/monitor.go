// Package monitor keeps a bounded record of bridge activity and fans it
// out to live observers (the /ws/events socket).
package monitor

import (
	"sync"
	"time"
)

// EventKind classifies a bridge activity event.
type EventKind string

const (
	// EventMessageReceived is an inbound Matrix message accepted for relay.
	EventMessageReceived EventKind = "message_received"
	// EventTicketCreated is a new helpdesk ticket opened for a room.
	EventTicketCreated EventKind = "ticket_created"
	// EventTicketUpdated is a message appended to an existing ticket.
	EventTicketUpdated EventKind = "ticket_updated"
	// EventReplyEnqueued is a CRM reply queued for Matrix delivery.
	EventReplyEnqueued EventKind = "reply_enqueued"
	// EventReplyDelivered is a CRM reply delivered into its Matrix room.
	EventReplyDelivered EventKind = "reply_delivered"
	// EventReplyFailed is a CRM reply that exhausted its delivery attempts.
	EventReplyFailed EventKind = "reply_failed"
)

// Event describes one observed bridge action.
type Event struct {
	Kind      EventKind `json:"kind"`
	RoomID    string    `json:"room_id,omitempty"`
	TicketID  int64     `json:"ticket_id,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Body      string    `json:"body,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Monitor retains the most recent events in a fixed-capacity ring and
// broadcasts new events to subscribers. Slow subscribers have events
// dropped rather than blocking the publisher.
type Monitor struct {
	mu       sync.Mutex
	capacity int
	events   []Event
	start    int // index of oldest event when the ring is full
	subs     map[chan Event]struct{}
}

// New constructs a monitor retaining up to capacity events.
func New(capacity int) *Monitor {
	if capacity <= 0 {
		capacity = 100
	}
	return &Monitor{
		capacity: capacity,
		events:   make([]Event, 0, capacity),
		subs:     make(map[chan Event]struct{}),
	}
}

// Publish records an event and notifies subscribers.
func (m *Monitor) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	if len(m.events) < m.capacity {
		m.events = append(m.events, event)
	} else {
		m.events[m.start] = event
		m.start = (m.start + 1) % m.capacity
	}
	for sub := range m.subs {
		select {
		case sub <- event:
		default:
			// Drop if slow consumer.
		}
	}
	m.mu.Unlock()
}

// Recent returns the retained events, oldest first.
func (m *Monitor) Recent() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentLocked()
}

func (m *Monitor) recentLocked() []Event {
	out := make([]Event, 0, len(m.events))
	for i := range m.events {
		out = append(out, m.events[(m.start+i)%len(m.events)])
	}
	return out
}

// Subscribe registers a live event channel. The returned cancel func
// must be called to release the subscription.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	_, ch, cancel := m.subscribe(false)
	return ch, cancel
}

// SubscribeWithReplay registers a live event channel and returns the
// retained events as of registration, oldest first. The snapshot and
// the registration happen atomically, so an event is either in the
// replay slice or delivered on the channel, never both.
func (m *Monitor) SubscribeWithReplay() ([]Event, <-chan Event, func()) {
	return m.subscribe(true)
}

func (m *Monitor) subscribe(replay bool) ([]Event, <-chan Event, func()) {
	ch := make(chan Event, 16)

	m.mu.Lock()
	var recent []Event
	if replay {
		recent = m.recentLocked()
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
	return recent, ch, cancel
}
