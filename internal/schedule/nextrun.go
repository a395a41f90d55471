package schedule

import (
	"time"

	"github.com/cloudbackup/cloudbackup/internal/models"
)

// NextRun returns the first occurrence of s strictly after now, evaluated
// in loc. Monthly schedules skip months that lack the configured day.
func NextRun(s *models.Schedule, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	hour, minute := s.Clock()
	freq := s.Frequency.Normalize()

	at := func(year int, month time.Month, day int) time.Time {
		return time.Date(year, month, day, hour, minute, 0, 0, loc)
	}

	switch freq.Kind {
	case models.FrequencyWeekly:
		days := (freq.Day - int(now.Weekday()) + 7) % 7
		target := at(now.Year(), now.Month(), now.Day()+days)
		if !target.After(now) {
			target = at(now.Year(), now.Month(), now.Day()+days+7)
		}
		return target

	case models.FrequencyMonthly:
		year, month := now.Year(), now.Month()
		for i := 0; i < 24; i++ {
			if freq.Day <= daysIn(year, month) {
				if target := at(year, month, freq.Day); target.After(now) {
					return target
				}
			}
			month++
			if month > time.December {
				month = time.January
				year++
			}
		}
		// Unreachable for days 1..31; fall back to a month from now.
		return now.AddDate(0, 1, 0)

	default:
		target := at(now.Year(), now.Month(), now.Day())
		if !target.After(now) {
			target = at(now.Year(), now.Month(), now.Day()+1)
		}
		return target
	}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
