// Package recurrence turns a RecurrenceRule into the ordered set of concrete
// occurrence time slots it describes. Expansion is a pure function of the
// rule: no clock reads, no side effects, and re-running with the same rule
// always yields the same sequence. The store relies on this determinism when
// re-expanding a series after an edit.
package recurrence

import (
	"time"

	"floodgate/internal/types"
)

// DefaultMaxOccurrences bounds expansion for open-ended or mis-entered rules.
const DefaultMaxOccurrences = 500

// Slot is one expanded occurrence window. The store assigns identity
// (occurrence ID, schedule back-reference) when persisting; the expander only
// computes times.
type Slot struct {
	Start time.Time
	End   time.Time
}

// Expander computes occurrence slots from recurrence rules.
type Expander struct {
	// MaxOccurrences caps the number of generated slots per rule.
	// Zero means DefaultMaxOccurrences.
	MaxOccurrences int
}

// NewExpander creates an Expander with the given occurrence cap.
// maxOccurrences <= 0 selects DefaultMaxOccurrences.
func NewExpander(maxOccurrences int) *Expander {
	if maxOccurrences <= 0 {
		maxOccurrences = DefaultMaxOccurrences
	}
	return &Expander{MaxOccurrences: maxOccurrences}
}

// Expand generates the ordered slot sequence for the rule.
//
// The first slot starts at rule.Anchor. Each subsequent start advances by
// interval units of the frequency: daily adds interval days, weekly adds
// interval*7 days, monthly adds interval calendar months clamping to the last
// valid day of shorter months (anchor day 31 + 1 month lands on Feb 28/29).
// Generation stops once the next start's date exceeds rule.Until; a slot whose
// start date equals Until is included. An anchor date past Until yields an
// empty, non-error result.
//
// Returns ErrCodeValidationRecurrenceTooLarge if the rule would produce more
// than MaxOccurrences slots.
func (e *Expander) Expand(rule types.RecurrenceRule) ([]Slot, error) {
	if appErr := rule.Validate(); appErr != nil {
		return nil, appErr
	}

	maxOcc := e.MaxOccurrences
	if maxOcc <= 0 {
		maxOcc = DefaultMaxOccurrences
	}

	duration := rule.Duration()
	untilDate := dateOf(rule.Until)

	var slots []Slot
	for n := 0; ; n++ {
		start := nthStart(rule, n)
		if dateOf(start).After(untilDate) {
			break
		}
		if len(slots) >= maxOcc {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeValidationRecurrenceTooLarge,
				"rule expands to more occurrences than allowed",
				nil,
				map[string]any{"max_occurrences": maxOcc},
			)
		}
		slots = append(slots, Slot{Start: start, End: start.Add(duration)})
	}

	return slots, nil
}

// nthStart computes the start of the n-th occurrence (0-based) directly from
// the anchor rather than by accumulating steps. Deriving every start from the
// anchor keeps monthly clamping stable: Jan 31 -> Feb 28 -> Mar 31, not
// Feb 28 -> Mar 28.
func nthStart(rule types.RecurrenceRule, n int) time.Time {
	anchor := rule.Anchor
	switch rule.Frequency {
	case types.FrequencyDaily:
		return anchor.AddDate(0, 0, n*rule.Interval)
	case types.FrequencyWeekly:
		return anchor.AddDate(0, 0, n*rule.Interval*7)
	case types.FrequencyMonthly:
		return addMonthsClamped(anchor, n*rule.Interval)
	}
	return anchor
}

// addMonthsClamped adds months to t, clamping the day-of-month to the last
// valid day of the target month. time.AddDate normalizes Jan 31 + 1 month to
// Mar 2/3, which is not what a calendar schedule means.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	// First day of the target month, then clamp the day.
	first := time.Date(year, month+time.Month(months), 1, hour, min, sec, t.Nanosecond(), t.Location())
	last := daysInMonth(first.Year(), first.Month())
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// dateOf truncates t to midnight in its own location, for date-only
// comparisons against the inclusive Until boundary.
func dateOf(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}
