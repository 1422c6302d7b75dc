package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-01-01 是星期一
func TestWindowDaytime(t *testing.T) {
	w := Window{Enabled: true, StartTime: "09:00", EndTime: "17:00", DaysOfWeek: []int{1}}
	require.NoError(t, w.Validate())
	assert.False(t, w.Overnight())

	cases := []struct {
		name string
		h, m int
		day  int
		want bool
	}{
		{"inside", 10, 0, 1, true},
		{"start inclusive", 9, 0, 1, true},
		{"end inclusive", 17, 0, 1, true},
		{"after end", 17, 1, 1, false},
		{"before start", 8, 59, 1, false},
		{"wrong weekday", 10, 0, 2, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := w.Contains(at(2024, 1, tc.day, tc.h, tc.m))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWindowOvernight(t *testing.T) {
	w := Window{Enabled: true, StartTime: "22:00", EndTime: "06:00", DaysOfWeek: []int{1}}
	require.True(t, w.Overnight())

	cases := []struct {
		name string
		day  int
		h, m int
		want bool
	}{
		{"monday late evening", 1, 23, 0, true},
		{"tuesday early morning opened monday", 2, 2, 0, true},
		{"tuesday end inclusive", 2, 6, 0, true},
		{"monday early morning opened sunday", 1, 2, 0, false},
		{"monday midday", 1, 12, 0, false},
		{"tuesday late evening", 2, 23, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := w.Contains(at(2024, 1, tc.day, tc.h, tc.m))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWindowDisabledAndEmptyDays(t *testing.T) {
	ok, err := Window{}.Contains(at(2024, 1, 1, 3, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	everyDay := Window{Enabled: true, StartTime: "00:00", EndTime: "23:59"}
	for day := 1; day <= 7; day++ {
		ok, err := everyDay.Contains(at(2024, 1, day, 12, 0))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestWindowMalformed(t *testing.T) {
	w := Window{Enabled: true, StartTime: "9am", EndTime: "17:00"}
	assert.Error(t, w.Validate())
	_, err := w.Contains(at(2024, 1, 1, 10, 0))
	assert.Error(t, err)

	assert.Error(t, Window{Enabled: true, StartTime: "09:00", EndTime: "24:00"}.Validate())
	assert.Error(t, Window{Enabled: true, StartTime: "09:00", EndTime: "10:00", DaysOfWeek: []int{7}}.Validate())
	assert.NoError(t, Window{StartTime: "garbage"}.Validate())
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("06:30")
	require.NoError(t, err)
	assert.Equal(t, 390, m)

	_, err = ParseClock("6")
	assert.Error(t, err)
}
