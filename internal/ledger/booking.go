package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fieldbook/internal/events"
	"fieldbook/internal/metrics"
	"fieldbook/internal/models"
)

// Quote prices a range for the field without booking it.
func (l *Ledger) Quote(ctx context.Context, fieldID string, start, end models.TimeMark) (models.Money, error) {
	if err := l.validateRange(start, end); err != nil {
		return 0, err
	}
	field, err := l.GetField(ctx, fieldID)
	if err != nil {
		return 0, err
	}
	return Price(field.PricePerHour, l.grid, start, end)
}

// RequestBooking commits a reservation for [start, end) when every mark of the range is
// declared and free. An overlap with a committed reservation is reported as a
// BookingConflict outcome, not as an error.
func (l *Ledger) RequestBooking(ctx context.Context, req models.BookingRequest) (models.BookingOutcome, error) {
	started := time.Now()
	outcome, err := l.requestBooking(ctx, req)
	switch {
	case err != nil:
		metrics.IncBookingOutcome(outcomeLabel(err))
	case outcome.Conflict != nil:
		metrics.IncBookingOutcome("conflict")
	default:
		metrics.IncBookingOutcome("confirmed")
		metrics.ObserveCommit("request_booking", started)
	}
	return outcome, err
}

func (l *Ledger) requestBooking(ctx context.Context, req models.BookingRequest) (models.BookingOutcome, error) {
	if req.FieldID == "" {
		return models.BookingOutcome{}, invalid("fieldId", "is required")
	}
	if req.UserID == "" {
		return models.BookingOutcome{}, invalid("userId", "is required")
	}
	day, err := l.parseDate(req.Date)
	if err != nil {
		return models.BookingOutcome{}, err
	}
	if err := l.validateBookingDate(day); err != nil {
		return models.BookingOutcome{}, err
	}
	if err := l.validateRange(req.Start, req.End); err != nil {
		return models.BookingOutcome{}, err
	}

	field, err := l.GetField(ctx, req.FieldID)
	if err != nil {
		return models.BookingOutcome{}, err
	}
	price, err := Price(field.PricePerHour, l.grid, req.Start, req.End)
	if err != nil {
		return models.BookingOutcome{}, err
	}

	reservation := models.Reservation{
		ID:        l.ids.NewID(),
		FieldID:   req.FieldID,
		Date:      req.Date,
		Start:     req.Start,
		End:       req.End,
		BookedBy:  req.UserID,
		Price:     price,
		CreatedAt: l.clock.Now(),
	}

	var conflict *models.BookingConflict
	_, err = mutate(ctx, l, models.CollectionDays, dayKey(req.FieldID, req.Date), func(schedule *models.DaySchedule, _ bool) (bool, error) {
		conflict = nil
		for _, m := range l.grid.Occupied(req.Start, req.End) {
			if !schedule.HasSlot(m) {
				return false, invalid("start", "%s on %s is not declared available", m, req.Date)
			}
		}
		if existing, ok := schedule.FirstOverlap(req.Start, req.End); ok {
			conflict = &models.BookingConflict{
				FieldID:       req.FieldID,
				Date:          req.Date,
				Start:         existing.Start,
				End:           existing.End,
				ReservationID: existing.ID,
			}
			return false, nil
		}
		schedule.Insert(reservation)
		return true, nil
	})
	if err != nil {
		return models.BookingOutcome{}, err
	}

	if conflict != nil {
		l.logger.Debug().Str("field_id", req.FieldID).Str("date", req.Date).
			Str("requested", fmt.Sprintf("%s-%s", req.Start, req.End)).
			Str("taken", fmt.Sprintf("%s-%s", conflict.Start, conflict.End)).
			Msg("booking conflict")
		return models.BookingOutcome{Conflict: conflict}, nil
	}

	l.logger.Info().Str("reservation_id", reservation.ID).Str("field_id", req.FieldID).Str("date", req.Date).
		Str("start", req.Start.String()).Str("end", req.End.String()).Str("user_id", req.UserID).
		Msg("reservation committed")

	l.indexUserBooking(ctx, reservation, true)
	l.publish(events.EventReservationCreated, events.ReservationEventPayload{
		Reservation: reservation,
		FieldName:   field.Name,
		HostID:      field.HostID,
		ChangedBy:   req.UserID,
	})

	return models.BookingOutcome{Reservation: &reservation}, nil
}

// CancelBooking removes a reservation. Only its booker or the field's host may cancel.
func (l *Ledger) CancelBooking(ctx context.Context, fieldID, date, reservationID, requestingUserID string) error {
	if fieldID == "" {
		return invalid("fieldId", "is required")
	}
	if reservationID == "" {
		return invalid("reservationId", "is required")
	}
	if _, err := l.parseDate(date); err != nil {
		return err
	}

	field, err := l.GetField(ctx, fieldID)
	if err != nil {
		return err
	}

	var removed models.Reservation
	_, err = mutate(ctx, l, models.CollectionDays, dayKey(fieldID, date), func(schedule *models.DaySchedule, _ bool) (bool, error) {
		r, ok := schedule.Find(reservationID)
		if !ok {
			return false, fmt.Errorf("reservation %s: %w", reservationID, ErrNotFound)
		}
		if requestingUserID == "" || (r.BookedBy != requestingUserID && field.HostID != requestingUserID) {
			return false, fmt.Errorf("reservation %s: %w", reservationID, ErrForbidden)
		}
		removed, _ = schedule.Remove(reservationID)
		return true, nil
	})
	if err != nil {
		return err
	}

	metrics.IncCancellation()
	l.logger.Info().Str("reservation_id", reservationID).Str("field_id", fieldID).Str("date", date).Str("cancelled_by", requestingUserID).Msg("reservation cancelled")

	l.indexUserBooking(ctx, removed, false)
	l.publish(events.EventReservationCancelled, events.ReservationEventPayload{
		Reservation: removed,
		FieldName:   field.Name,
		HostID:      field.HostID,
		ChangedBy:   requestingUserID,
	})
	return nil
}

func (l *Ledger) GetReservation(ctx context.Context, fieldID, date, reservationID string) (*models.Reservation, error) {
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
	r, ok := day.Find(reservationID)
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", reservationID, ErrNotFound)
	}
	return &r, nil
}

// GetLedger collects the reservations of every declared date in [from, to].
// Empty bounds are open.
func (l *Ledger) GetLedger(ctx context.Context, fieldID, from, to string) (*models.BookingLedger, error) {
	if fieldID == "" {
		return nil, invalid("fieldId", "is required")
	}
	if from != "" {
		if _, err := l.parseDate(from); err != nil {
			return nil, err
		}
	}
	if to != "" {
		if _, err := l.parseDate(to); err != nil {
			return nil, err
		}
	}
	if from != "" && to != "" && from > to {
		return nil, invalid("to", "must not precede from")
	}
	if _, err := l.GetField(ctx, fieldID); err != nil {
		return nil, err
	}

	ledger := &models.BookingLedger{
		FieldID:            fieldID,
		ReservationsByDate: make(map[string][]models.Reservation),
	}

	var idx models.CalendarIndex
	if _, _, err := l.load(ctx, models.CollectionCalendars, fieldID, &idx); err != nil {
		return nil, err
	}
	for _, date := range idx.Dates {
		if (from != "" && date < from) || (to != "" && date > to) {
			continue
		}
		day, err := l.loadDay(ctx, fieldID, date)
		if err != nil {
			return nil, err
		}
		if len(day.Reservations) > 0 {
			ledger.ReservationsByDate[date] = day.Reservations
		}
	}
	return ledger, nil
}

// ListUserReservations resolves the user's index against the live day documents.
// Cancelled reservations are skipped; the rest carry their derived state.
func (l *Ledger) ListUserReservations(ctx context.Context, userID string) ([]models.UserReservation, error) {
	if userID == "" {
		return nil, invalid("userId", "is required")
	}

	var index models.UserBookings
	if _, _, err := l.load(ctx, models.CollectionUserBookings, userID, &index); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	days := make(map[string]models.DaySchedule)
	out := make([]models.UserReservation, 0, len(index.Refs))
	for _, ref := range index.Refs {
		key := dayKey(ref.FieldID, ref.Date)
		day, ok := days[key]
		if !ok {
			var err error
			day, err = l.loadDay(ctx, ref.FieldID, ref.Date)
			if err != nil {
				return nil, err
			}
			days[key] = day
		}
		r, found := day.Find(ref.ReservationID)
		if !found || r.BookedBy != userID {
			continue
		}
		out = append(out, models.UserReservation{Reservation: r, State: r.StateAt(now, l.loc)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Start < out[j].Start
	})
	return out, nil
}

// indexUserBooking keeps the per-user index in step with a committed change. The day
// document is authoritative, so a failure here is logged and not returned.
func (l *Ledger) indexUserBooking(ctx context.Context, r models.Reservation, add bool) {
	ref := models.UserBookingRef{FieldID: r.FieldID, Date: r.Date, ReservationID: r.ID}
	_, err := mutate(ctx, l, models.CollectionUserBookings, r.BookedBy, func(idx *models.UserBookings, _ bool) (bool, error) {
		idx.UserID = r.BookedBy
		for i, existing := range idx.Refs {
			if existing == ref {
				if add {
					return false, nil
				}
				idx.Refs = append(idx.Refs[:i], idx.Refs[i+1:]...)
				return true, nil
			}
		}
		if !add {
			return false, nil
		}
		idx.Refs = append(idx.Refs, ref)
		return true, nil
	})
	if err != nil {
		l.logger.Error().Err(err).Str("user_id", r.BookedBy).Str("reservation_id", r.ID).Msg("user booking index update failed")
	}
}

func outcomeLabel(err error) string {
	switch {
	case isValidation(err):
		return "rejected"
	case isUnavailable(err):
		return "unavailable"
	default:
		return "error"
	}
}
