package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentChange(t *testing.T) {
	tests := []struct {
		prev, curr float64
		want       float64
	}{
		{0, 0, 0},
		{0, 5, 100},
		{0, 0.001, 100},
		{10, 10, 0},
		{10, 15, 50},
		{10, 5, -50},
		{3, 4, 33.3},
		{3, 5, 66.7},
		{8, 9, 12.5},
		{100, 0, -100},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PercentChange(tt.prev, tt.curr), "PercentChange(%v, %v)", tt.prev, tt.curr)
	}
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 33.3, RoundTenth(100.0/3))
	assert.Equal(t, 0.3, RoundTenth(0.25))
	assert.Equal(t, 0.05, roundHundredth(0.0505))
	assert.Equal(t, -0.05, roundHundredth(-0.0505))
}

func TestPreviousWindow(t *testing.T) {
	w := Window{FromMs: 1_000, ToMs: 1_999}
	prev := PreviousWindow(w)

	assert.Equal(t, Window{FromMs: 1, ToMs: 999}, prev)
	assert.Equal(t, w.ToMs-w.FromMs, prev.ToMs-prev.FromMs)
	assert.Less(t, prev.ToMs, w.FromMs)
}

func TestDaysInWindow(t *testing.T) {
	from := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC).UnixMilli()
	to := time.Date(2024, 3, 12, 1, 0, 0, 0, time.UTC).UnixMilli()

	days := DaysInWindow(from, to)
	if assert.Len(t, days, 3) {
		assert.Equal(t, "2024-03-10", days[0].Date)
		assert.Equal(t, "2024-03-12", days[2].Date)
		assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC).UnixMilli(), days[0].Window.FromMs)
		assert.Equal(t, days[1].Window.FromMs-1, days[0].Window.ToMs)
	}

	assert.Len(t, DaysInWindow(from, from), 1)
}

func TestDaysInWindow_MonthBoundary(t *testing.T) {
	from := time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC).UnixMilli()
	to := time.Date(2024, 3, 2, 23, 59, 59, 0, time.UTC).UnixMilli()

	days := DaysInWindow(from, to)
	dates := make([]string, 0, len(days))
	for _, d := range days {
		dates = append(dates, d.Date)
	}
	assert.Equal(t, []string{"2024-02-27", "2024-02-28", "2024-02-29", "2024-03-01", "2024-03-02"}, dates)
}

func TestWinner(t *testing.T) {
	assert.Equal(t, "TIE", winner(0.05))
	assert.Equal(t, "TIE", winner(-0.0999))
	assert.Equal(t, "B", winner(0.1))
	assert.Equal(t, "A", winner(-0.1))
	assert.Equal(t, "A", winner(-3))
}

func TestGroupLabel(t *testing.T) {
	zero, one, seven := 0, 1, 7
	assert.Equal(t, "All", GroupLabel(nil))
	assert.Equal(t, "Shopify Search", GroupLabel(&zero))
	assert.Equal(t, "AI Search", GroupLabel(&one))
	assert.Equal(t, "Group 7", GroupLabel(&seven))
}
