package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldbook/internal/config"
	"fieldbook/internal/events"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Header keys of forwarded messages.
const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
	HeaderSource    = "source"
	HeaderTimestamp = "timestamp"
)

const (
	source           = "fieldbook"
	defaultQueueSize = 1024
)

// ErrQueueFull is returned by Enqueue when the forwarding queue has no room; the event is dropped.
var ErrQueueFull = errors.New("kafka forwarding queue is full")

// MessageWriter is the subset of *kafka.Writer the forwarder needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder republishes ledger events to a topic keyed by field id, so every
// change of one field lands on the same partition in commit order. Writes happen
// on the Start goroutine, never on the publisher's.
type KafkaForwarder struct {
	writer       MessageWriter
	writeTimeout time.Duration
	queue        chan *events.Event
	logger       *zerolog.Logger
}

func NewKafkaForwarder(cfg config.KafkaConfig, logger *zerolog.Logger) (*KafkaForwarder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic cannot be empty")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
	}
	return NewKafkaForwarderWithWriter(writer, logger), nil
}

func NewKafkaForwarderWithWriter(writer MessageWriter, logger *zerolog.Logger) *KafkaForwarder {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "kafka_forwarder").Logger()
	return &KafkaForwarder{
		writer:       writer,
		writeTimeout: 5 * time.Second,
		queue:        make(chan *events.Event, defaultQueueSize),
		logger:       &l,
	}
}

func (f *KafkaForwarder) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(f.Enqueue)
}

func (f *KafkaForwarder) Enqueue(event *events.Event) error {
	select {
	case f.queue <- event:
		return nil
	default:
		return fmt.Errorf("drop %s: %w", event.Type, ErrQueueFull)
	}
}

// Start forwards queued events until ctx is done.
func (f *KafkaForwarder) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-f.queue:
			if err := f.HandleEvent(event); err != nil {
				f.logger.Error().Err(err).Str("event", event.Type).Msg("kafka forward failed")
			}
		}
	}
}

func (f *KafkaForwarder) HandleEvent(event *events.Event) error {
	msg, err := toMessage(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.writeTimeout)
	defer cancel()
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", event.Type, err)
	}
	f.logger.Debug().Str("event", event.Type).Str("key", string(msg.Key)).Msg("event forwarded")
	return nil
}

func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}

func toMessage(event *events.Event) (kafka.Message, error) {
	key, err := partitionKey(event)
	if err != nil {
		return kafka.Message{}, err
	}
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := event.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return kafka.Message{
		Key:   []byte(key),
		Value: event.Payload,
		Time:  created,
		Headers: []kafka.Header{
			{Key: HeaderEventID, Value: []byte(id)},
			{Key: HeaderEventType, Value: []byte(event.Type)},
			{Key: HeaderSource, Value: []byte(source)},
			{Key: HeaderTimestamp, Value: []byte(created.UTC().Format(time.RFC3339Nano))},
		},
	}, nil
}

func partitionKey(event *events.Event) (string, error) {
	switch event.Type {
	case events.EventAvailabilityDeclared:
		var p events.AvailabilityEventPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return "", fmt.Errorf("decode %s: %w", event.Type, err)
		}
		return p.FieldID, nil
	case events.EventReservationCreated, events.EventReservationCancelled:
		var p events.ReservationEventPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return "", fmt.Errorf("decode %s: %w", event.Type, err)
		}
		return p.Reservation.FieldID, nil
	}
	return "", fmt.Errorf("unsupported event type %q", event.Type)
}
