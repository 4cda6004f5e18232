package calendar

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const minutesPerDay = 24 * 60

// Clock is a clinic-local time of day in minutes since midnight.
type Clock int

// ParseClock parses "HH:MM" in 24-hour form.
func ParseClock(raw string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, raw)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, raw)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, raw)
	}
	c := Clock(h*60 + m)
	if !c.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, raw)
	}
	return c, nil
}

// Valid reports whether c lies within a day. 24:00 is allowed as a closing
// boundary.
func (c Clock) Valid() bool {
	return c >= 0 && c <= minutesPerDay
}

func (c Clock) Hour() int   { return int(c) / 60 }
func (c Clock) Minute() int { return int(c) % 60 }

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Clock) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidClock, data)
	}
	parsed, err := ParseClock(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// TimeSlot is a half-open interval [Start, End) of one clinic day.
type TimeSlot struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

func (t TimeSlot) String() string {
	return t.Start.String() + "-" + t.End.String()
}
