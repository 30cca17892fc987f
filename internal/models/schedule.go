package models

import (
	"sort"
	"time"
)

type Reservation struct {
	ID        string    `json:"id"`
	FieldID   string    `json:"fieldId"`
	Date      string    `json:"date"`
	Start     TimeMark  `json:"start"`
	End       TimeMark  `json:"end"`
	BookedBy  string    `json:"bookedBy"`
	Price     Money     `json:"price"`
	CreatedAt time.Time `json:"createdAt"`
}

// Overlaps reports whether the half-open ranges [r.Start, r.End) and [start, end) intersect.
func (r Reservation) Overlaps(start, end TimeMark) bool {
	return start < r.End && r.Start < end
}

// StateAt derives the reservation state; Elapsed once the end mark has passed.
func (r Reservation) StateAt(now time.Time, loc *time.Location) ReservationState {
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(DateLayout, r.Date, loc)
	if err != nil {
		return StateConfirmed
	}
	if !now.Before(r.End.On(day, loc)) {
		return StateElapsed
	}
	return StateConfirmed
}

// DaySchedule is the persisted aggregate for one (field, date): declared slots and
// the reservations committed against them.
type DaySchedule struct {
	FieldID      string        `json:"fieldId"`
	Date         string        `json:"date"`
	Slots        []TimeMark    `json:"slots"`
	Reservations []Reservation `json:"reservations"`
}

// AddSlots unions marks into the declared slots, keeping them sorted and unique.
func (d *DaySchedule) AddSlots(marks []TimeMark) {
	seen := make(map[TimeMark]struct{}, len(d.Slots)+len(marks))
	merged := make([]TimeMark, 0, len(d.Slots)+len(marks))
	for _, m := range append(append([]TimeMark(nil), d.Slots...), marks...) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	d.Slots = merged
}

// HasSlot reports whether m was declared.
func (d *DaySchedule) HasSlot(m TimeMark) bool {
	i := sort.Search(len(d.Slots), func(i int) bool { return d.Slots[i] >= m })
	return i < len(d.Slots) && d.Slots[i] == m
}

// FirstOverlap returns the earliest reservation intersecting [start, end).
func (d *DaySchedule) FirstOverlap(start, end TimeMark) (Reservation, bool) {
	for _, r := range d.Reservations {
		if r.Overlaps(start, end) {
			return r, true
		}
	}
	return Reservation{}, false
}

// Insert adds r keeping reservations ordered by start.
func (d *DaySchedule) Insert(r Reservation) {
	i := sort.Search(len(d.Reservations), func(i int) bool { return d.Reservations[i].Start >= r.Start })
	d.Reservations = append(d.Reservations, Reservation{})
	copy(d.Reservations[i+1:], d.Reservations[i:])
	d.Reservations[i] = r
}

// Remove drops the reservation with id and returns it.
func (d *DaySchedule) Remove(id string) (Reservation, bool) {
	for i, r := range d.Reservations {
		if r.ID == id {
			d.Reservations = append(d.Reservations[:i], d.Reservations[i+1:]...)
			return r, true
		}
	}
	return Reservation{}, false
}

// Find looks up a reservation by id.
func (d *DaySchedule) Find(id string) (Reservation, bool) {
	for _, r := range d.Reservations {
		if r.ID == id {
			return r, true
		}
	}
	return Reservation{}, false
}

// CalendarIndex is the per-field document recording which dates carry availability.
type CalendarIndex struct {
	FieldID string   `json:"fieldId"`
	HostID  string   `json:"hostId"`
	Dates   []string `json:"dates"`
}

// AddDates unions dates into the index, sorted.
func (c *CalendarIndex) AddDates(dates []string) {
	seen := make(map[string]struct{}, len(c.Dates))
	for _, d := range c.Dates {
		seen[d] = struct{}{}
	}
	for _, d := range dates {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		c.Dates = append(c.Dates, d)
	}
	sort.Strings(c.Dates)
}

type AvailabilityCalendar struct {
	FieldID     string                `json:"fieldId"`
	HostID      string                `json:"hostId"`
	SlotsByDate map[string][]TimeMark `json:"slotsByDate"`
}

type BookingLedger struct {
	FieldID            string                   `json:"fieldId"`
	ReservationsByDate map[string][]Reservation `json:"reservationsByDate"`
}

// BookingConflict is the expected outcome of a request that overlaps a committed reservation.
type BookingConflict struct {
	FieldID       string   `json:"fieldId"`
	Date          string   `json:"date"`
	Start         TimeMark `json:"start"`
	End           TimeMark `json:"end"`
	ReservationID string   `json:"reservationId"`
}

// BookingOutcome carries exactly one of Reservation or Conflict.
type BookingOutcome struct {
	Reservation *Reservation     `json:"reservation,omitempty"`
	Conflict    *BookingConflict `json:"conflict,omitempty"`
}

func (o BookingOutcome) Confirmed() bool {
	return o.Reservation != nil
}

// UserBookingRef points at a reservation from the per-user index.
type UserBookingRef struct {
	FieldID       string `json:"fieldId"`
	Date          string `json:"date"`
	ReservationID string `json:"reservationId"`
}

type UserBookings struct {
	UserID string           `json:"userId"`
	Refs   []UserBookingRef `json:"refs"`
}

// UserReservation is a reservation resolved from the per-user index with its derived state.
type UserReservation struct {
	Reservation
	State ReservationState `json:"state"`
}

type BookingRequest struct {
	FieldID string
	Date    string
	Start   TimeMark
	End     TimeMark
	UserID  string
}
