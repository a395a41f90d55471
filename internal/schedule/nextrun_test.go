package schedule

import (
	"testing"
	"time"

	"github.com/cloudbackup/cloudbackup/internal/models"
	"github.com/stretchr/testify/assert"
)

func at(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func TestNextRunDaily(t *testing.T) {
	s := &models.Schedule{Frequency: models.Daily(), Time: "02:00"}

	assert.Equal(t, at(2025, 8, 20, 2, 0), NextRun(s, at(2025, 8, 20, 1, 0), time.UTC))
	assert.Equal(t, at(2025, 8, 21, 2, 0), NextRun(s, at(2025, 8, 20, 2, 0), time.UTC))
	assert.Equal(t, at(2025, 9, 1, 2, 0), NextRun(s, at(2025, 8, 31, 23, 0), time.UTC))
}

func TestNextRunWeekly(t *testing.T) {
	s := &models.Schedule{Frequency: models.Weekly(1), Time: "14:30"}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"midweek", at(2025, 8, 20, 10, 0), at(2025, 8, 25, 14, 30)},
		{"same day before", at(2025, 8, 25, 9, 0), at(2025, 8, 25, 14, 30)},
		{"same day after", at(2025, 8, 25, 15, 0), at(2025, 9, 1, 14, 30)},
		{"sunday", at(2025, 8, 24, 23, 59), at(2025, 8, 25, 14, 30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(s, tt.now, time.UTC)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, time.Monday, got.Weekday())
			assert.True(t, got.After(tt.now))
		})
	}
}

func TestNextRunMonthlySkipsShortMonths(t *testing.T) {
	s := &models.Schedule{Frequency: models.Monthly(31), Time: "06:15"}
	assert.Equal(t, at(2025, 10, 31, 6, 15), NextRun(s, at(2025, 9, 5, 0, 0), time.UTC))

	s = &models.Schedule{Frequency: models.Monthly(29), Time: "06:15"}
	assert.Equal(t, at(2025, 3, 29, 6, 15), NextRun(s, at(2025, 2, 1, 0, 0), time.UTC))
	assert.Equal(t, at(2028, 2, 29, 6, 15), NextRun(s, at(2028, 2, 1, 0, 0), time.UTC))

	s = &models.Schedule{Frequency: models.Monthly(15), Time: "06:15"}
	assert.Equal(t, at(2026, 1, 15, 6, 15), NextRun(s, at(2025, 12, 20, 0, 0), time.UTC))
}

func TestNextRunUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	s := &models.Schedule{Frequency: models.Daily(), Time: "02:00"}

	// 06:00 UTC is 01:00 local, so the run is an hour later.
	got := NextRun(s, at(2025, 8, 20, 6, 0), loc)
	assert.Equal(t, at(2025, 8, 20, 7, 0), got.UTC())
}
