package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClockClampsComponents(t *testing.T) {
	tests := []struct {
		in         string
		wantH      int
		wantM      int
		wantErrMsg string
	}{
		{in: "14:30", wantH: 14, wantM: 30},
		{in: "25:70", wantH: 23, wantM: 59},
		{in: "-1:-5", wantH: 0, wantM: 0},
		{in: " 7:5 ", wantH: 7, wantM: 5},
		{in: "0730", wantErrMsg: "HH:MM"},
		{in: "aa:10", wantErrMsg: "non-numeric hour"},
		{in: "10:bb", wantErrMsg: "non-numeric minute"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h, m, err := ParseClock(tt.in)
			if tt.wantErrMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantH, h)
			assert.Equal(t, tt.wantM, m)
		})
	}
}

func TestClampClock(t *testing.T) {
	s, err := ClampClock("24:60")
	require.NoError(t, err)
	assert.Equal(t, "23:59", s)
	assert.Equal(t, "09:05", FormatClock(9, 5))
}

func TestFrequencyConstructorsClamp(t *testing.T) {
	assert.Equal(t, 6, Weekly(9).Day)
	assert.Equal(t, 0, Weekly(-2).Day)
	assert.Equal(t, 1, Monthly(0).Day)
	assert.Equal(t, 31, Monthly(40).Day)
	assert.Equal(t, Daily(), Frequency{}.Normalize())
	assert.Equal(t, Weekly(6), Frequency{Kind: FrequencyWeekly, Day: 12}.Normalize())
}

func TestParseFrequency(t *testing.T) {
	f, err := ParseFrequency("weekly:1")
	require.NoError(t, err)
	assert.Equal(t, Weekly(1), f)
	assert.Equal(t, "weekly(Monday)", f.String())

	f, err = ParseFrequency("Monthly:15")
	require.NoError(t, err)
	assert.Equal(t, Monthly(15), f)

	f, err = ParseFrequency("")
	require.NoError(t, err)
	assert.Equal(t, Daily(), f)

	_, err = ParseFrequency("weekly:x")
	assert.Error(t, err)
	_, err = ParseFrequency("hourly")
	assert.Error(t, err)
}

func TestScheduleCloneAndDefaults(t *testing.T) {
	s := DefaultSchedule("p1")
	assert.False(t, s.Enabled)
	assert.Equal(t, Daily(), s.Frequency)
	h, m := s.Clock()
	assert.Equal(t, 2, h)
	assert.Equal(t, 0, m)

	next := time.Now()
	s.NextRun = &next
	c := s.Clone()
	*c.NextRun = next.Add(time.Hour)
	assert.Equal(t, next, *s.NextRun)
}
