package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"fieldbook/internal/models"

	"github.com/rs/zerolog"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus(nil)

	var received *Event
	var callCount int

	handler := func(event *Event) error {
		received = event
		callCount++
		return nil
	}

	bus.Subscribe("test_event", handler)

	payload := map[string]string{"foo": "bar"}
	err := bus.PublishJSON("test_event", payload)
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}

	if received.Type != "test_event" {
		t.Errorf("expected type test_event, got %s", received.Type)
	}

	var decoded map[string]string
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}

	if decoded["foo"] != "bar" {
		t.Errorf("expected foo=bar, got %s", decoded["foo"])
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusSubscribeAll(t *testing.T) {
	bus := NewEventBus(nil)
	seen := map[string]int{}
	bus.SubscribeAll(func(e *Event) error { seen[e.Type]++; return nil })

	for _, typ := range LedgerEventTypes {
		if err := bus.PublishJSON(typ, struct{}{}); err != nil {
			t.Fatalf("PublishJSON failed: %v", err)
		}
	}
	bus.Publish(&Event{Type: "other"})

	if len(seen) != 3 {
		t.Errorf("expected 3 event types, got %v", seen)
	}
}

func TestEventBusHandlerErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	bus := NewEventBus(&logger)

	second := false
	bus.Subscribe("event", func(_ *Event) error { return errors.New("sink down") })
	bus.Subscribe("event", func(_ *Event) error { second = true; return nil })
	bus.Publish(&Event{Type: "event"})

	if !second {
		t.Errorf("expected later handlers to run after a failing one")
	}
	if !bytes.Contains(buf.Bytes(), []byte("sink down")) {
		t.Errorf("expected handler error in log, got %s", buf.String())
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	err := bus.PublishJSON("unknown", nil)
	if err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("nil bus should ignore events: %v", err)
	}
}

func TestNewJSONEvent(t *testing.T) {
	payload := ReservationEventPayload{
		Reservation: models.Reservation{ID: "r-1", Start: models.MustTimeMark("10:00"), End: models.MustTimeMark("11:00")},
	}
	event, err := NewJSONEvent("type", payload)
	if err != nil {
		t.Fatalf("NewJSONEvent failed: %v", err)
	}

	if event.Type != "type" {
		t.Errorf("expected type, got %s", event.Type)
	}

	if event.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded ReservationEventPayload
	if err := json.Unmarshal(event.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.Reservation.ID != "r-1" || decoded.Reservation.End != models.MustTimeMark("11:00") {
		t.Errorf("unexpected reservation %+v", decoded.Reservation)
	}
}
