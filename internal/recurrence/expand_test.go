package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"floodgate/internal/types"
)

func dailyRule(anchor, until time.Time) types.RecurrenceRule {
	return types.RecurrenceRule{
		Frequency:       types.FrequencyDaily,
		Interval:        1,
		Anchor:          anchor,
		DurationMinutes: 30,
		Until:           until,
		DeviceID:        "dev_1",
	}
}

func TestExpand_DailySpansInclusiveUntil(t *testing.T) {
	anchor := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	until := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)

	slots, err := NewExpander(0).Expand(dailyRule(anchor, until))
	require.NoError(t, err)
	require.Len(t, slots, 3)

	for i, slot := range slots {
		wantStart := anchor.AddDate(0, 0, i)
		assert.Equal(t, wantStart, slot.Start, "slot %d start", i)
		assert.Equal(t, wantStart.Add(30*time.Minute), slot.End, "slot %d end", i)
	}
}

func TestExpand_DailyIntervalSpacing(t *testing.T) {
	rule := dailyRule(
		time.Date(2025, 3, 1, 6, 30, 0, 0, time.UTC),
		time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	)
	rule.Interval = 3

	slots, err := NewExpander(0).Expand(rule)
	require.NoError(t, err)
	require.NotEmpty(t, slots)

	assert.Equal(t, rule.Anchor, slots[0].Start)
	for i := 1; i < len(slots); i++ {
		assert.Equal(t, 72*time.Hour, slots[i].Start.Sub(slots[i-1].Start), "slot %d spacing", i)
	}
	last := slots[len(slots)-1].Start
	assert.False(t, last.After(rule.Until.AddDate(0, 0, 1)), "last start must not pass until")
}

func TestExpand_WeeklyAdvancesSevenDays(t *testing.T) {
	rule := dailyRule(
		time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC), // a Monday
		time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
	)
	rule.Frequency = types.FrequencyWeekly

	slots, err := NewExpander(0).Expand(rule)
	require.NoError(t, err)
	require.Len(t, slots, 5) // Jun 2, 9, 16, 23, 30

	for i, slot := range slots {
		assert.Equal(t, rule.Anchor.AddDate(0, 0, i*7), slot.Start)
		assert.Equal(t, time.Monday, slot.Start.Weekday())
	}
}

func TestExpand_MonthlyClampsShortMonths(t *testing.T) {
	tests := []struct {
		name   string
		anchor time.Time
		until  time.Time
		starts []time.Time
	}{
		{
			name:   "day 31 clamps to leap February",
			anchor: time.Date(2024, 1, 31, 8, 0, 0, 0, time.UTC),
			until:  time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
			starts: []time.Time{
				time.Date(2024, 1, 31, 8, 0, 0, 0, time.UTC),
				time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC),
				time.Date(2024, 3, 31, 8, 0, 0, 0, time.UTC),
			},
		},
		{
			name:   "day 31 clamps to non-leap February",
			anchor: time.Date(2025, 1, 31, 8, 0, 0, 0, time.UTC),
			until:  time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
			starts: []time.Time{
				time.Date(2025, 1, 31, 8, 0, 0, 0, time.UTC),
				time.Date(2025, 2, 28, 8, 0, 0, 0, time.UTC),
				time.Date(2025, 3, 31, 8, 0, 0, 0, time.UTC),
			},
		},
		{
			name:   "day 30 unaffected by 31-day months",
			anchor: time.Date(2025, 4, 30, 12, 0, 0, 0, time.UTC),
			until:  time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
			starts: []time.Time{
				time.Date(2025, 4, 30, 12, 0, 0, 0, time.UTC),
				time.Date(2025, 5, 30, 12, 0, 0, 0, time.UTC),
				time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule := dailyRule(tc.anchor, tc.until)
			rule.Frequency = types.FrequencyMonthly

			slots, err := NewExpander(0).Expand(rule)
			require.NoError(t, err)
			require.Len(t, slots, len(tc.starts))
			for i, want := range tc.starts {
				assert.Equal(t, want, slots[i].Start, "slot %d", i)
			}
		})
	}
}

func TestExpand_MonthlyClampDoesNotStick(t *testing.T) {
	// Jan 31 -> Feb 28 -> Mar 31: the clamp applies per step from the anchor,
	// it does not permanently shorten the series to day 28.
	rule := dailyRule(
		time.Date(2025, 1, 31, 8, 0, 0, 0, time.UTC),
		time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC),
	)
	rule.Frequency = types.FrequencyMonthly

	slots, err := NewExpander(0).Expand(rule)
	require.NoError(t, err)
	require.Len(t, slots, 5)
	assert.Equal(t, 31, slots[2].Start.Day(), "March must return to day 31")
	assert.Equal(t, 30, slots[3].Start.Day(), "April clamps to day 30")
	assert.Equal(t, 31, slots[4].Start.Day(), "May returns to day 31")
}

func TestExpand_AnchorPastUntilYieldsEmpty(t *testing.T) {
	rule := dailyRule(
		time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	)

	slots, err := NewExpander(0).Expand(rule)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestExpand_AnchorDateEqualsUntilYieldsOne(t *testing.T) {
	// Until is inclusive by date even when the anchor carries a time-of-day.
	rule := dailyRule(
		time.Date(2025, 5, 1, 23, 30, 0, 0, time.UTC),
		time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	)

	slots, err := NewExpander(0).Expand(rule)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, rule.Anchor, slots[0].Start)
}

func TestExpand_Deterministic(t *testing.T) {
	rule := dailyRule(
		time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
	)
	rule.Interval = 2

	e := NewExpander(0)
	first, err := e.Expand(rule)
	require.NoError(t, err)
	second, err := e.Expand(rule)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestExpand_CapExceeded(t *testing.T) {
	rule := dailyRule(
		time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	)

	_, err := NewExpander(10).Expand(rule)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationRecurrenceTooLarge, appErr.Code)
	assert.Equal(t, 10, appErr.Details["max_occurrences"])
}

func TestExpand_InvalidRuleRejected(t *testing.T) {
	anchor := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	until := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(*types.RecurrenceRule)
	}{
		{"unknown frequency", func(r *types.RecurrenceRule) { r.Frequency = "yearly" }},
		{"zero interval", func(r *types.RecurrenceRule) { r.Interval = 0 }},
		{"negative interval", func(r *types.RecurrenceRule) { r.Interval = -2 }},
		{"zero duration", func(r *types.RecurrenceRule) { r.DurationMinutes = 0 }},
		{"missing device", func(r *types.RecurrenceRule) { r.DeviceID = "" }},
		{"zero anchor", func(r *types.RecurrenceRule) { r.Anchor = time.Time{} }},
		{"zero until", func(r *types.RecurrenceRule) { r.Until = time.Time{} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule := dailyRule(anchor, until)
			tc.mutate(&rule)

			_, err := NewExpander(0).Expand(rule)
			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrCodeValidationInvalidRule, appErr.Code)
		})
	}
}
