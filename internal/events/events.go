package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventSessionStateChanged = "session_state_changed"
	EventSessionRemoved      = "session_removed"
	EventMessageOutcome      = "message_outcome"
	EventSyncOutcome         = "sync_outcome"
)

// SessionEventPayload describes a vendor session transition.
type SessionEventPayload struct {
	VendorID  int64     `json:"vendor_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Failures  int       `json:"consecutive_failures"`
	ChangedAt time.Time `json:"changed_at"`
}

// JobEventPayload describes the outcome of one message or sync attempt.
type JobEventPayload struct {
	JobID       string     `json:"job_id"`
	VendorID    int64      `json:"vendor_id"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
	Processed bool
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	wildcard := append([]EventHandler(nil), b.subscribers[AllEvents]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
	for _, handler := range wildcard {
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
