package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fieldbook/internal/events"
	"fieldbook/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialField(t *testing.T, hub *Hub, fieldID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, fieldID)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Clients(fieldID) == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func TestHub_BroadcastsToFieldSubscribers(t *testing.T) {
	hub := NewHub(nil, nil)
	bus := events.NewEventBus(nil)
	hub.Subscribe(bus)

	conn := dialField(t, hub, "f-1")

	// событие другого поля не доставляется
	require.NoError(t, bus.PublishJSON(events.EventReservationCreated, events.ReservationEventPayload{
		Reservation: models.Reservation{ID: "r-0", FieldID: "f-2"},
	}))
	require.NoError(t, bus.PublishJSON(events.EventReservationCreated, events.ReservationEventPayload{
		Reservation: models.Reservation{ID: "r-1", FieldID: "f-1", Date: "2024-07-01", Start: 540, End: 600},
	}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, events.EventReservationCreated, msg.Type)
	assert.Equal(t, "f-1", msg.FieldID)

	var p events.ReservationEventPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "r-1", p.Reservation.ID)
}

func TestHub_RemovesClientOnDisconnect(t *testing.T) {
	hub := NewHub([]string{"*"}, nil)
	conn := dialField(t, hub, "f-1")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Clients("f-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_RejectsUnknownEvents(t *testing.T) {
	hub := NewHub(nil, nil)
	assert.Error(t, hub.HandleEvent(&events.Event{Type: "other"}))
	assert.Error(t, hub.HandleEvent(&events.Event{Type: events.EventAvailabilityDeclared, Payload: []byte("{")}))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}
