package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FrequencyKind is the recurrence unit of a schedule.
type FrequencyKind string

const (
	FrequencyDaily   FrequencyKind = "daily"
	FrequencyWeekly  FrequencyKind = "weekly"
	FrequencyMonthly FrequencyKind = "monthly"
)

// Frequency is a tagged recurrence. Day is the weekday (0=Sunday) for
// weekly schedules and the 1-based day of month for monthly ones.
type Frequency struct {
	Kind FrequencyKind `json:"kind"`
	Day  int           `json:"day,omitempty"`
}

func Daily() Frequency {
	return Frequency{Kind: FrequencyDaily}
}

// Weekly clamps weekday into 0..6.
func Weekly(weekday int) Frequency {
	return Frequency{Kind: FrequencyWeekly, Day: clamp(weekday, 0, 6)}
}

// Monthly clamps day into 1..31.
func Monthly(day int) Frequency {
	return Frequency{Kind: FrequencyMonthly, Day: clamp(day, 1, 31)}
}

// Normalize fills an unset kind with Daily and clamps the parameter.
func (f Frequency) Normalize() Frequency {
	switch f.Kind {
	case FrequencyWeekly:
		return Weekly(f.Day)
	case FrequencyMonthly:
		return Monthly(f.Day)
	default:
		return Daily()
	}
}

func (f Frequency) String() string {
	switch f.Kind {
	case FrequencyWeekly:
		return fmt.Sprintf("weekly(%s)", time.Weekday(f.Day))
	case FrequencyMonthly:
		return fmt.Sprintf("monthly(%d)", f.Day)
	default:
		return "daily"
	}
}

// ParseFrequency accepts "daily", "weekly:1" or "monthly:15".
func ParseFrequency(s string) (Frequency, error) {
	kind, param, _ := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch FrequencyKind(kind) {
	case FrequencyDaily, "":
		return Daily(), nil
	case FrequencyWeekly, FrequencyMonthly:
		n, err := strconv.Atoi(param)
		if err != nil {
			return Frequency{}, fmt.Errorf("frequency %q needs a numeric day", s)
		}
		if FrequencyKind(kind) == FrequencyWeekly {
			return Weekly(n), nil
		}
		return Monthly(n), nil
	default:
		return Frequency{}, fmt.Errorf("unknown frequency %q", s)
	}
}

// DefaultScheduleTime is used when a schedule is enabled without a time.
const DefaultScheduleTime = "02:00"

// Schedule is the recurrence configuration of one profile.
// NextRun is only authoritative after the scheduler has acknowledged the
// current configuration.
type Schedule struct {
	ProfileID string     `json:"profile_id"`
	Enabled   bool       `json:"enabled"`
	Frequency Frequency  `json:"frequency"`
	Time      string     `json:"time"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DefaultSchedule returns a disabled Daily 02:00 schedule.
func DefaultSchedule(profileID string) *Schedule {
	return &Schedule{
		ProfileID: profileID,
		Frequency: Daily(),
		Time:      DefaultScheduleTime,
	}
}

// Clock returns the clamped hour and minute of Time.
func (s *Schedule) Clock() (int, int) {
	h, m, err := ParseClock(s.Time)
	if err != nil {
		return 2, 0
	}
	return h, m
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastRun != nil {
		t := *s.LastRun
		c.LastRun = &t
	}
	if s.NextRun != nil {
		t := *s.NextRun
		c.NextRun = &t
	}
	return &c
}

// ParseClock parses "HH:MM". Numeric components outside their range are
// clamped to 0..23 and 0..59; non-numeric input is an error.
func ParseClock(s string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(strings.TrimSpace(hs))
	if err != nil {
		return 0, 0, fmt.Errorf("time %q has a non-numeric hour", s)
	}
	m, err := strconv.Atoi(strings.TrimSpace(ms))
	if err != nil {
		return 0, 0, fmt.Errorf("time %q has a non-numeric minute", s)
	}
	return clamp(h, 0, 23), clamp(m, 0, 59), nil
}

// FormatClock renders a clamped HH:MM.
func FormatClock(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", clamp(hour, 0, 23), clamp(minute, 0, 59))
}

// ClampClock normalizes an "HH:MM" string, clamping out-of-range components.
func ClampClock(s string) (string, error) {
	h, m, err := ParseClock(s)
	if err != nil {
		return "", err
	}
	return FormatClock(h, m), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
