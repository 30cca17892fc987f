package ledger

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"fieldbook/internal/events"
	"fieldbook/internal/metrics"
	"fieldbook/internal/models"
)

// GetAvailableSlots yields the declared marks of date not occupied by a reservation,
// ascending. The sequence is computed from one snapshot and can be ranged over again.
func (l *Ledger) GetAvailableSlots(ctx context.Context, fieldID, date string) (iter.Seq[models.TimeMark], error) {
	if fieldID == "" {
		return nil, invalid("fieldId", "is required")
	}
	if _, err := l.parseDate(date); err != nil {
		return nil, err
	}

	day, err := l.loadDay(ctx, fieldID, date)
	if err != nil {
		return nil, err
	}
	return freeSlots(day), nil
}

func freeSlots(day models.DaySchedule) iter.Seq[models.TimeMark] {
	return func(yield func(models.TimeMark) bool) {
		next := 0
		for _, m := range day.Slots {
			// reservations are ordered by start and never overlap
			for next < len(day.Reservations) && day.Reservations[next].End <= m {
				next++
			}
			if next < len(day.Reservations) && day.Reservations[next].Start <= m {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

func (l *Ledger) loadDay(ctx context.Context, fieldID, date string) (models.DaySchedule, error) {
	day := models.DaySchedule{FieldID: fieldID, Date: date}
	if _, _, err := l.load(ctx, models.CollectionDays, dayKey(fieldID, date), &day); err != nil {
		return models.DaySchedule{}, err
	}
	return day, nil
}

// HasCalendar tells "no availability on this date" apart from "the host never
// declared any availability", which callers answer with a contact-the-host fallback.
func (l *Ledger) HasCalendar(ctx context.Context, fieldID string) (bool, error) {
	if fieldID == "" {
		return false, invalid("fieldId", "is required")
	}
	var idx models.CalendarIndex
	_, found, err := l.load(ctx, models.CollectionCalendars, fieldID, &idx)
	if err != nil {
		return false, err
	}
	return found && len(idx.Dates) > 0, nil
}

// DeclareAvailability unions the marks start..end (both inclusive) into every date.
// Declaring the same range again changes nothing.
func (l *Ledger) DeclareAvailability(ctx context.Context, fieldID, hostID string, dates []string, tr models.TimeRange) (*models.AvailabilityCalendar, error) {
	started := time.Now()

	if fieldID == "" {
		return nil, invalid("fieldId", "is required")
	}
	if len(dates) == 0 {
		return nil, invalid("dates", "at least one date is required")
	}
	unique := make([]string, 0, len(dates))
	seen := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		if _, err := l.parseDate(d); err != nil {
			return nil, err
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		unique = append(unique, d)
	}
	sort.Strings(unique)
	if err := l.validateRange(tr.Start, tr.End); err != nil {
		return nil, err
	}
	if !l.grid.Valid(tr.End) {
		return nil, invalid("end", "%s is after the last mark %s", tr.End, l.grid.Last)
	}

	field, err := l.GetField(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	if field.HostID != hostID {
		return nil, fmt.Errorf("field %s belongs to another host: %w", fieldID, ErrForbidden)
	}

	// the index goes first: a day document is never reachable for booking
	// while the calendar and ledger views cannot see its date
	_, err = mutate(ctx, l, models.CollectionCalendars, fieldID, func(idx *models.CalendarIndex, exists bool) (bool, error) {
		before := len(idx.Dates)
		idx.FieldID = fieldID
		idx.HostID = field.HostID
		idx.AddDates(unique)
		return !exists || len(idx.Dates) != before, nil
	})
	if err != nil {
		return nil, err
	}

	marks := l.grid.Marks(tr.Start, tr.End)
	for _, date := range unique {
		_, err := mutate(ctx, l, models.CollectionDays, dayKey(fieldID, date), func(day *models.DaySchedule, exists bool) (bool, error) {
			before := len(day.Slots)
			day.FieldID = fieldID
			day.Date = date
			day.AddSlots(marks)
			return !exists || len(day.Slots) != before, nil
		})
		if err != nil {
			return nil, err
		}
	}

	metrics.IncDeclaration()
	metrics.ObserveCommit("declare_availability", started)
	l.logger.Info().Str("field_id", fieldID).Strs("dates", unique).Str("start", tr.Start.String()).Str("end", tr.End.String()).Msg("availability declared")

	l.publish(events.EventAvailabilityDeclared, events.AvailabilityEventPayload{
		FieldID:    fieldID,
		HostID:     hostID,
		Dates:      unique,
		Start:      tr.Start,
		End:        tr.End,
		DeclaredAt: l.clock.Now(),
	})

	return l.GetCalendar(ctx, fieldID)
}

// GetCalendar assembles the declared slots of every date of the field.
func (l *Ledger) GetCalendar(ctx context.Context, fieldID string) (*models.AvailabilityCalendar, error) {
	if fieldID == "" {
		return nil, invalid("fieldId", "is required")
	}
	var idx models.CalendarIndex
	_, found, err := l.load(ctx, models.CollectionCalendars, fieldID, &idx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("calendar of field %s: %w", fieldID, ErrNotFound)
	}

	cal := &models.AvailabilityCalendar{
		FieldID:     fieldID,
		HostID:      idx.HostID,
		SlotsByDate: make(map[string][]models.TimeMark, len(idx.Dates)),
	}
	for _, date := range idx.Dates {
		day, err := l.loadDay(ctx, fieldID, date)
		if err != nil {
			return nil, err
		}
		if len(day.Slots) > 0 {
			cal.SlotsByDate[date] = day.Slots
		}
	}
	return cal, nil
}
