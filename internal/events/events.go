package events

import (
	"encoding/json"
	"sync"
	"time"

	"fieldbook/internal/models"

	"github.com/rs/zerolog"
)

const (
	EventAvailabilityDeclared = "availability_declared"
	EventReservationCreated   = "reservation_created"
	EventReservationCancelled = "reservation_cancelled"
)

// LedgerEventTypes lists every event the ledger publishes.
var LedgerEventTypes = []string{
	EventAvailabilityDeclared,
	EventReservationCreated,
	EventReservationCancelled,
}

// AvailabilityEventPayload describes a committed availability declaration.
type AvailabilityEventPayload struct {
	FieldID    string          `json:"field_id"`
	HostID     string          `json:"host_id"`
	Dates      []string        `json:"dates"`
	Start      models.TimeMark `json:"start"`
	End        models.TimeMark `json:"end"`
	DeclaredAt time.Time       `json:"declared_at"`
}

// ReservationEventPayload is the reservation snapshot for event consumers.
type ReservationEventPayload struct {
	Reservation models.Reservation `json:"reservation"`
	FieldName   string             `json:"field_name,omitempty"`
	HostID      string             `json:"host_id,omitempty"`
	ChangedBy   string             `json:"changed_by,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
	logger      *zerolog.Logger
}

// NewEventBus constructs an empty bus. Handler errors are logged when logger is set.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: logger}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers handler for every ledger event.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	for _, t := range LedgerEventTypes {
		b.Subscribe(t, handler)
	}
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		if err := handler(event); err != nil && b.logger != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
		}
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}

	b.Publish(&event)
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
