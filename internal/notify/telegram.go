package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldbook/internal/domain"
	"fieldbook/internal/events"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const defaultQueueSize = 256

// ErrQueueFull is returned by Enqueue when the delivery queue has no room; the event is dropped.
var ErrQueueFull = errors.New("notification queue is full")

// TelegramNotifier posts ledger events to a manager chat. Events are queued on the bus
// goroutine and sent by Start.
type TelegramNotifier struct {
	bot    domain.TelegramSender
	chatID int64
	queue  chan *events.Event
	logger *zerolog.Logger
}

func NewTelegramNotifier(bot domain.TelegramSender, chatID int64, logger *zerolog.Logger) *TelegramNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "telegram_notifier").Logger()
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		queue:  make(chan *events.Event, defaultQueueSize),
		logger: &l,
	}
}

// Subscribe attaches the notifier to every ledger event of the bus.
func (n *TelegramNotifier) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(n.Enqueue)
}

// Enqueue never blocks the publisher.
func (n *TelegramNotifier) Enqueue(event *events.Event) error {
	select {
	case n.queue <- event:
		return nil
	default:
		return fmt.Errorf("drop %s: %w", event.Type, ErrQueueFull)
	}
}

// Start sends queued events until ctx is done.
func (n *TelegramNotifier) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.queue:
			if err := n.HandleEvent(event); err != nil {
				n.logger.Warn().Err(err).Str("event", event.Type).Msg("notification failed")
			}
		}
	}
}

func (n *TelegramNotifier) HandleEvent(event *events.Event) error {
	text, err := formatEvent(event)
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send %s: %w", event.Type, err)
	}
	n.logger.Debug().Str("event", event.Type).Int64("chat_id", n.chatID).Msg("notification sent")
	return nil
}

func formatEvent(event *events.Event) (string, error) {
	switch event.Type {
	case events.EventReservationCreated, events.EventReservationCancelled:
		var p events.ReservationEventPayload
		if err := event.Decode(&p); err != nil {
			return "", fmt.Errorf("decode %s: %w", event.Type, err)
		}
		title := "✅ *Новое бронирование*"
		if event.Type == events.EventReservationCancelled {
			title = "❌ *Бронирование отменено*"
		}
		field := p.FieldName
		if field == "" {
			field = p.Reservation.FieldID
		}
		var b strings.Builder
		b.WriteString(title + "\n\n")
		fmt.Fprintf(&b, "🏟 Поле: %s\n", escapeMarkdown(field))
		fmt.Fprintf(&b, "📅 Дата: %s\n", p.Reservation.Date)
		fmt.Fprintf(&b, "🕒 Время: %s–%s\n", p.Reservation.Start, p.Reservation.End)
		fmt.Fprintf(&b, "👤 Пользователь: %s\n", escapeMarkdown(p.Reservation.BookedBy))
		fmt.Fprintf(&b, "💰 Стоимость: %s\n", p.Reservation.Price)
		if event.Type == events.EventReservationCancelled && p.ChangedBy != "" {
			fmt.Fprintf(&b, "Отменил: %s\n", escapeMarkdown(p.ChangedBy))
		}
		fmt.Fprintf(&b, "ID: `%s`", p.Reservation.ID)
		return b.String(), nil

	case events.EventAvailabilityDeclared:
		var p events.AvailabilityEventPayload
		if err := event.Decode(&p); err != nil {
			return "", fmt.Errorf("decode %s: %w", event.Type, err)
		}
		return fmt.Sprintf("📋 *Открыто расписание*\n\nПоле: %s\nДаты: %s\nВремя: %s–%s",
			escapeMarkdown(p.FieldID), strings.Join(p.Dates, ", "), p.Start, p.End), nil
	}
	return "", nil
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
