package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldbook/internal/domain"
	"fieldbook/internal/metrics"
	"fieldbook/internal/models"
	"fieldbook/internal/store"
	"fieldbook/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var _ domain.LedgerService = (*Ledger)(nil)

type Options struct {
	Grid           models.SlotGrid
	Location       *time.Location
	MaxAttempts    int
	Retry          worker.RetryPolicy
	MaxBookingDays int
	Clock          domain.Clock
	IDs            domain.IDGenerator
}

// Ledger owns fields, their availability and the reservations committed against it.
// Every mutation of a document is a versioned read-modify-write.
type Ledger struct {
	store          domain.DocumentStore
	eventBus       domain.EventPublisher
	grid           models.SlotGrid
	loc            *time.Location
	maxAttempts    int
	retry          worker.RetryPolicy
	maxBookingDays int
	clock          domain.Clock
	ids            domain.IDGenerator
	locks          *keyLocks
	logger         *zerolog.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return uuid.NewString() }

func NewLedger(docs domain.DocumentStore, eventBus domain.EventPublisher, opts Options, logger *zerolog.Logger) *Ledger {
	if opts.Grid.Step <= 0 {
		opts.Grid = models.DefaultSlotGrid()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry.InitialDelay = 10 * time.Millisecond
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = 500 * time.Millisecond
	}
	if opts.MaxBookingDays <= 0 {
		opts.MaxBookingDays = models.DefaultMaxBookingDays
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.IDs == nil {
		opts.IDs = uuidGenerator{}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "ledger").Logger()

	return &Ledger{
		store:          docs,
		eventBus:       eventBus,
		grid:           opts.Grid,
		loc:            opts.Location,
		maxAttempts:    opts.MaxAttempts,
		retry:          opts.Retry,
		maxBookingDays: opts.MaxBookingDays,
		clock:          opts.Clock,
		ids:            opts.IDs,
		locks:          newKeyLocks(),
		logger:         &l,
	}
}

func (l *Ledger) Grid() models.SlotGrid {
	return l.grid
}

func (l *Ledger) Location() *time.Location {
	return l.loc
}

func dayKey(fieldID, date string) string {
	return fieldID + "/" + date
}

// get reads a document, retrying while the store is unavailable.
func (l *Ledger) get(ctx context.Context, collection, key string) (*models.Document, error) {
	for attempt := 1; ; attempt++ {
		doc, err := l.store.Get(ctx, collection, key)
		if err == nil || !errors.Is(err, store.ErrUnavailable) || attempt >= l.maxAttempts {
			return doc, err
		}
		l.logger.Warn().Err(err).Str("collection", collection).Str("key", key).Int("attempt", attempt).Msg("store read failed, retrying")
		if werr := l.retry.Wait(ctx, attempt); werr != nil {
			return nil, werr
		}
	}
}

// load decodes a document into out; found is false for a missing document.
func (l *Ledger) load(ctx context.Context, collection, key string, out interface{}) (version int64, found bool, err error) {
	doc, err := l.get(ctx, collection, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := json.Unmarshal(doc.Data, out); err != nil {
		return 0, false, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return doc.Version, true, nil
}

// mutate applies fn to the freshest copy of a document and writes it back only if
// nobody committed in between. fn returns false to leave the document untouched.
func mutate[T any](ctx context.Context, l *Ledger, collection, key string, fn func(doc *T, exists bool) (bool, error)) (*T, error) {
	if !l.store.ConditionalWrites() {
		unlock := l.locks.lock(collection + "\x00" + key)
		defer unlock()
	}

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		var doc T
		version, exists, err := l.load(ctx, collection, key, &doc)
		if err != nil {
			return nil, err
		}

		commit, err := fn(&doc, exists)
		if err != nil {
			return nil, err
		}
		if !commit {
			return &doc, nil
		}

		data, err := json.Marshal(&doc)
		if err != nil {
			return nil, fmt.Errorf("encode %s/%s: %w", collection, key, err)
		}

		_, err = l.store.Put(ctx, collection, key, data, models.IfVersion(version))
		if err == nil {
			return &doc, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("commit %s/%s: %w", collection, key, err)
		}

		metrics.IncWriteRetry(collection)
		l.logger.Debug().Str("collection", collection).Str("key", key).Int("attempt", attempt).Msg("version conflict, retrying")
		if attempt < l.maxAttempts {
			if werr := l.retry.Wait(ctx, attempt); werr != nil {
				return nil, werr
			}
		}
	}

	return nil, fmt.Errorf("%w: contention on %s/%s after %d attempts", ErrUnavailable, collection, key, l.maxAttempts)
}

func (l *Ledger) parseDate(date string) (time.Time, error) {
	if strings.TrimSpace(date) == "" {
		return time.Time{}, invalid("date", "is required")
	}
	day, err := time.ParseInLocation(models.DateLayout, date, l.loc)
	if err != nil {
		return time.Time{}, invalid("date", "%q is not an ISO date (YYYY-MM-DD)", date)
	}
	return day, nil
}

func (l *Ledger) today() time.Time {
	now := l.clock.Now().In(l.loc)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, l.loc)
}

// validateBookingDate keeps bookings between today and the booking horizon.
func (l *Ledger) validateBookingDate(day time.Time) error {
	today := l.today()
	if day.Before(today) {
		return invalid("date", "is in the past")
	}
	if day.After(today.AddDate(0, 0, l.maxBookingDays)) {
		return invalid("date", "is more than %d days ahead", l.maxBookingDays)
	}
	return nil
}

func (l *Ledger) validateRange(start, end models.TimeMark) error {
	if !l.grid.Valid(start) {
		return invalid("start", "%s is not on the %d-minute grid between %s and %s", start, l.grid.Step, l.grid.First, l.grid.Last)
	}
	if !l.grid.ValidEnd(end) {
		return invalid("end", "%s is not on the %d-minute grid between %s and %s", end, l.grid.Step, l.grid.First, l.grid.Last)
	}
	if start >= end {
		return invalid("end", "must be after start")
	}
	return nil
}

func (l *Ledger) publish(eventType string, payload interface{}) {
	if l.eventBus == nil {
		return
	}
	if err := l.eventBus.PublishJSON(eventType, payload); err != nil {
		l.logger.Error().Err(err).Str("event_type", eventType).Msg("publish event error")
	}
}
