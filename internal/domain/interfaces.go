package domain

import (
	"context"
	"iter"
	"time"

	"fieldbook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DocumentStore is the managed document database behind the ledger.
type DocumentStore interface {
	Get(ctx context.Context, collection, key string) (*models.Document, error)
	Put(ctx context.Context, collection, key string, data []byte, cond models.WriteCondition) (int64, error)
	// ConditionalWrites reports whether Put honours models.IfVersion atomically.
	ConditionalWrites() bool
	Close() error
}

type Clock interface {
	Now() time.Time
}

type IDGenerator interface {
	NewID() string
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type SheetsClient interface {
	AppendReservation(ctx context.Context, r *models.Reservation) error
	DeleteReservation(ctx context.Context, reservationID string) error
}

type LedgerService interface {
	RegisterField(ctx context.Context, field *models.Field) error
	GetField(ctx context.Context, fieldID string) (*models.Field, error)
	UpdateFieldPrice(ctx context.Context, fieldID, hostID string, price models.Money) (*models.Field, error)
	DeleteField(ctx context.Context, fieldID, hostID string) error
	ListFields(ctx context.Context, filter models.FieldFilter) ([]models.Field, error)
	ListHostFields(ctx context.Context, hostID string) ([]models.Field, error)
	HasCalendar(ctx context.Context, fieldID string) (bool, error)
	GetCalendar(ctx context.Context, fieldID string) (*models.AvailabilityCalendar, error)
	GetLedger(ctx context.Context, fieldID, from, to string) (*models.BookingLedger, error)
	GetAvailableSlots(ctx context.Context, fieldID, date string) (iter.Seq[models.TimeMark], error)
	DeclareAvailability(ctx context.Context, fieldID, hostID string, dates []string, tr models.TimeRange) (*models.AvailabilityCalendar, error)
	Quote(ctx context.Context, fieldID string, start, end models.TimeMark) (models.Money, error)
	RequestBooking(ctx context.Context, req models.BookingRequest) (models.BookingOutcome, error)
	CancelBooking(ctx context.Context, fieldID, date, reservationID, requestingUserID string) error
	GetReservation(ctx context.Context, fieldID, date, reservationID string) (*models.Reservation, error)
	ListUserReservations(ctx context.Context, userID string) ([]models.UserReservation, error)
}
