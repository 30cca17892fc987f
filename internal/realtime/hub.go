package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fieldbook/internal/events"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Message is what subscribers of a field receive.
type Message struct {
	Type    string          `json:"type"`
	FieldID string          `json:"fieldId"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans ledger events out to websocket clients watching a field.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zerolog.Logger

	mu          sync.Mutex
	subscribers map[string]map[*client]struct{}
}

// NewHub accepts origins from allowedOrigins; an empty list or "*" allows any origin.
func NewHub(allowedOrigins []string, logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "realtime").Logger()
	h := &Hub{logger: &l, subscribers: make(map[string]map[*client]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Hub) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(h.HandleEvent)
}

// HandleEvent broadcasts the event to the clients of its field.
func (h *Hub) HandleEvent(event *events.Event) error {
	fieldID, err := eventFieldID(event)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(Message{Type: event.Type, FieldID: fieldID, Payload: event.Payload, At: event.CreatedAt})
	if err != nil {
		return err
	}
	h.broadcast(fieldID, raw)
	return nil
}

// Serve upgrades the request and streams the events of fieldID until the client leaves.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, fieldID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("field_id", fieldID).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.add(fieldID, c)
	h.logger.Debug().Str("field_id", fieldID).Msg("client subscribed")

	go h.writePump(c)
	h.readPump(fieldID, c)
}

// Clients returns the number of connected clients of fieldID.
func (h *Hub) Clients(fieldID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[fieldID])
}

func (h *Hub) add(fieldID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[fieldID]
	if !ok {
		set = make(map[*client]struct{})
		h.subscribers[fieldID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(fieldID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subscribers[fieldID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.subscribers, fieldID)
	}
}

func (h *Hub) broadcast(fieldID string, msg []byte) {
	h.mu.Lock()
	var slow []*client
	for c := range h.subscribers[fieldID] {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	// клиент не успевает читать: отключаем
	for _, c := range slow {
		h.remove(fieldID, c)
	}
}

func (h *Hub) readPump(fieldID string, c *client) {
	defer func() {
		h.remove(fieldID, c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func eventFieldID(event *events.Event) (string, error) {
	switch event.Type {
	case events.EventAvailabilityDeclared:
		var p events.AvailabilityEventPayload
		if err := event.Decode(&p); err != nil {
			return "", err
		}
		return p.FieldID, nil
	case events.EventReservationCreated, events.EventReservationCancelled:
		var p events.ReservationEventPayload
		if err := event.Decode(&p); err != nil {
			return "", err
		}
		return p.Reservation.FieldID, nil
	}
	return "", fmt.Errorf("unsupported event type %q", event.Type)
}
