package types

// Frequency identifies the recurrence unit of a schedule rule.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether f is one of the supported recurrence frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// OccurrenceStatus represents the execution state of a single occurrence.
// These values MUST match the CHECK constraint on the occurrences table.
//
// State machine:
//
//	pending --(dispatch+success)--> completed
//	pending --(dispatch+failure/timeout)--> failed
//
// Both completed and failed are terminal; there are no further transitions
// and no automatic retry. A claimed-but-unresolved occurrence stays pending
// with a non-nil DispatchedAt and is excluded from due queries.
type OccurrenceStatus string

const (
	OccurrenceStatusPending   OccurrenceStatus = "pending"
	OccurrenceStatusCompleted OccurrenceStatus = "completed"
	OccurrenceStatusFailed    OccurrenceStatus = "failed"
)

// Terminal reports whether s is a terminal execution state. Terminal
// occurrences are historical record: individual edits and deletes are
// rejected with ErrCodeConflictOccurrenceImmutable.
func (s OccurrenceStatus) Terminal() bool {
	return s == OccurrenceStatusCompleted || s == OccurrenceStatusFailed
}
