// Package schedule resolves the betting window of a pool from its configured time slots.
package schedule

import (
	"fmt"
	"time"
)

const (
	clockLayout   = "15:04"
	minutesPerDay = 24 * 60
)

// ClockTime is a wall-clock time of day with minute precision, stored as
// minutes since local midnight. It marshals as "HH:MM".
type ClockTime int

// ParseClock parses a strict 24-hour "HH:MM" string.
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse(clockLayout, s)
	if err != nil || len(s) != len(clockLayout) {
		return 0, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// MustParseClock is ParseClock for constants; it panics on malformed input.
func MustParseClock(s string) ClockTime {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockOf returns the local wall-clock time of day of t, truncated to the minute.
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

// Hour returns the hour of day, 0-23.
func (c ClockTime) Hour() int { return int(c.normalize()) / 60 }

// Minute returns the minute within the hour, 0-59.
func (c ClockTime) Minute() int { return int(c.normalize()) % 60 }

// Add shifts c by d, wrapping around midnight.
func (c ClockTime) Add(d time.Duration) ClockTime {
	return (c + ClockTime(d/time.Minute)).normalize()
}

func (c ClockTime) normalize() ClockTime {
	m := int(c) % minutesPerDay
	if m < 0 {
		m += minutesPerDay
	}
	return ClockTime(m)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// On places c on the calendar day of day, in day's location.
func (c ClockTime) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour(), c.Minute(), 0, 0, day.Location())
}

// MarshalText implements encoding.TextMarshaler.
func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClockTime) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
