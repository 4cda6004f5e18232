// Package calendar turns the clinic's weekly operating hours into bookable
// time slots. Everything here is pure computation: no I/O and no timezone
// conversion. Times of day are clinic-local minutes since midnight.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var (
	ErrInvalidClock    = errors.New("invalid time of day")
	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidSchedule = errors.New("invalid clinic schedule")
)

// ClinicSchedule is the weekly operating-hours policy. It is built once at
// startup and never mutated.
type ClinicSchedule struct {
	openDays    [7]bool
	opens       Clock
	closes      Clock
	slotMinutes int
	location    *time.Location
}

// NewSchedule validates and builds a schedule. loc only decides what "today"
// means for the clinic; slot arithmetic never uses it.
func NewSchedule(days []time.Weekday, opens, closes Clock, slotMinutes int, loc *time.Location) (ClinicSchedule, error) {
	var s ClinicSchedule
	if len(days) == 0 {
		return s, fmt.Errorf("%w: no open weekdays", ErrInvalidSchedule)
	}
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return s, fmt.Errorf("%w: weekday %d out of range", ErrInvalidSchedule, d)
		}
		s.openDays[d] = true
	}
	if !opens.Valid() || !closes.Valid() {
		return s, fmt.Errorf("%w: opening and closing must be within a day", ErrInvalidSchedule)
	}
	if closes <= opens {
		return s, fmt.Errorf("%w: closing %s is not after opening %s", ErrInvalidSchedule, closes, opens)
	}
	if slotMinutes <= 0 {
		return s, fmt.Errorf("%w: slot duration must be positive", ErrInvalidSchedule)
	}
	if loc == nil {
		loc = time.UTC
	}
	s.opens = opens
	s.closes = closes
	s.slotMinutes = slotMinutes
	s.location = loc
	return s, nil
}

// DefaultSchedule is Monday to Friday, 09:00 to 17:00, one-hour slots.
func DefaultSchedule() ClinicSchedule {
	s, _ := NewSchedule(
		[]time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		9*60, 17*60, 60, time.UTC,
	)
	return s
}

func (s ClinicSchedule) Opens() Clock { return s.opens }
func (s ClinicSchedule) Closes() Clock { return s.closes }
func (s ClinicSchedule) SlotMinutes() int { return s.slotMinutes }
func (s ClinicSchedule) Location() *time.Location { return s.location }

// OpenDays lists the open weekdays, Sunday first.
func (s ClinicSchedule) OpenDays() []time.Weekday {
	var days []time.Weekday
	for d, open := range s.openDays {
		if open {
			days = append(days, time.Weekday(d))
		}
	}
	return days
}

// IsOpen reports whether the date's weekday is an open day.
func (s ClinicSchedule) IsOpen(date time.Time) bool {
	return s.openDays[date.Weekday()]
}

// SlotsFor returns the slots of date in ascending order. A closed day yields
// an empty slice. The last slot must end at or before closing time.
func (s ClinicSchedule) SlotsFor(date time.Time) []TimeSlot {
	if !s.IsOpen(date) {
		return []TimeSlot{}
	}
	step := Clock(s.slotMinutes)
	slots := make([]TimeSlot, 0, int(s.closes-s.opens)/s.slotMinutes)
	for start := s.opens; start+step <= s.closes; start += step {
		slots = append(slots, TimeSlot{Start: start, End: start + step})
	}
	return slots
}

// Contains reports whether start is the beginning of one of date's slots.
func (s ClinicSchedule) Contains(date time.Time, start Clock) bool {
	if !s.IsOpen(date) || start < s.opens {
		return false
	}
	offset := int(start - s.opens)
	if offset%s.slotMinutes != 0 {
		return false
	}
	return start+Clock(s.slotMinutes) <= s.closes
}

// Slot returns the slot starting at start with the schedule's duration.
func (s ClinicSchedule) Slot(start Clock) TimeSlot {
	return TimeSlot{Start: start, End: start + Clock(s.slotMinutes)}
}

// Today is the clinic-local calendar date at instant now.
func (s ClinicSchedule) Today(now time.Time) time.Time {
	loc := s.location
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(now.In(loc))
}

// ParseWeekdays parses a comma separated list such as "mon,tue,wed".
func ParseWeekdays(raw string) ([]time.Weekday, error) {
	names := map[string]time.Weekday{
		"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
		"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	}
	var days []time.Weekday
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if len(part) > 3 {
			part = part[:3]
		}
		d, ok := names[part]
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday %q", ErrInvalidSchedule, part)
		}
		days = append(days, d)
	}
	return days, nil
}

// DateOf strips the time of day, keeping t's calendar date. The result is
// midnight UTC so that dates compare with Equal and round-trip through a
// Postgres DATE column.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return t, nil
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}
