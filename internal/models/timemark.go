package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeMark is a point on the booking grid, stored as minutes since midnight.
type TimeMark int

const (
	markLayout24 = "15:04"
	markLayout12 = "3:04 PM"
	endOfDay     = "24:00"
)

// ParseTimeMark accepts "HH:MM" and the "hh:mm AM/PM" form produced by the web client.
func ParseTimeMark(raw string) (TimeMark, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return 0, fmt.Errorf("empty time mark")
	}

	if s == endOfDay {
		return TimeMark(24 * 60), nil
	}

	layout := markLayout24
	if strings.HasSuffix(s, "AM") || strings.HasSuffix(s, "PM") {
		layout = markLayout12
		s = strings.TrimSpace(s[:len(s)-2]) + " " + s[len(s)-2:]
	}

	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time mark %q", raw)
	}
	return TimeMark(t.Hour()*60 + t.Minute()), nil
}

// MustTimeMark is ParseTimeMark for constants and tests.
func MustTimeMark(raw string) TimeMark {
	m, err := ParseTimeMark(raw)
	if err != nil {
		panic(err)
	}
	return m
}

func (m TimeMark) String() string {
	return fmt.Sprintf("%02d:%02d", int(m)/60, int(m)%60)
}

// On places the mark on the given calendar date in loc.
func (m TimeMark) On(date time.Time, loc *time.Location) time.Time {
	y, mo, d := date.Date()
	return time.Date(y, mo, d, int(m)/60, int(m)%60, 0, 0, loc)
}

func (m TimeMark) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *TimeMark) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeMark(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// TimeRange is a host-supplied [Start, End] pair of marks.
type TimeRange struct {
	Start TimeMark `json:"start"`
	End   TimeMark `json:"end"`
}

// SlotGrid describes the fixed granularity and daily window of bookable marks.
type SlotGrid struct {
	Step  int      `json:"step"`
	First TimeMark `json:"first"`
	Last  TimeMark `json:"last"`
}

// DefaultSlotGrid matches the web client: 36 half-hour marks from 06:00 to 23:30.
func DefaultSlotGrid() SlotGrid {
	return SlotGrid{
		Step:  DefaultSlotStepMinutes,
		First: TimeMark(DefaultFirstMarkMinutes),
		Last:  TimeMark(DefaultLastMarkMinutes),
	}
}

// Valid reports whether m lies on the grid.
func (g SlotGrid) Valid(m TimeMark) bool {
	if g.Step <= 0 || m < g.First || m > g.Last {
		return false
	}
	return (int(m)-int(g.First))%g.Step == 0
}

// ValidEnd reports whether m can close a booking: any valid mark, or the
// end of the last slot.
func (g SlotGrid) ValidEnd(m TimeMark) bool {
	return g.Valid(m) || (g.Step > 0 && m == g.Last+TimeMark(g.Step))
}

// Marks returns every mark from start to end inclusive.
func (g SlotGrid) Marks(start, end TimeMark) []TimeMark {
	if g.Step <= 0 || end < start {
		return nil
	}
	out := make([]TimeMark, 0, (int(end-start))/g.Step+1)
	for m := start; m <= end; m += TimeMark(g.Step) {
		out = append(out, m)
	}
	return out
}

// Occupied returns the marks consumed by the half-open interval [start, end).
func (g SlotGrid) Occupied(start, end TimeMark) []TimeMark {
	if end <= start {
		return nil
	}
	return g.Marks(start, end-TimeMark(g.Step))
}

// Steps counts grid steps between start and end; negative when end precedes start.
func (g SlotGrid) Steps(start, end TimeMark) int {
	if g.Step <= 0 {
		return 0
	}
	return int(end-start) / g.Step
}

// All lists the whole daily window.
func (g SlotGrid) All() []TimeMark {
	return g.Marks(g.First, g.Last)
}
