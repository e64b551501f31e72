// Package types defines the canonical domain model for the Floodgate
// scheduling engine: recurrence rules, schedules, occurrences, and the shared
// error taxonomy. External field names (API payloads, DB columns) are mapped
// to and from these structs at the boundary layers; nothing outside this
// package defines an alternative representation.
package types

import (
	"time"
)

// RecurrenceRule is the compact definition of a repeating activation pattern.
// It is pure data; expansion into concrete occurrences is the job of the
// recurrence package.
type RecurrenceRule struct {
	Frequency       Frequency `json:"frequency"`
	Interval        int       `json:"interval"`
	Anchor          time.Time `json:"anchor"` // date + time-of-day of the first occurrence
	DurationMinutes int       `json:"duration_minutes"`
	Until           time.Time `json:"until"` // inclusive end date (time-of-day ignored)
	DeviceID        string    `json:"device_id"`
}

// Validate checks the rule's field-level invariants. Device existence is the
// registry's concern, not checked here. A rule whose anchor date is after
// Until is valid and simply expands to zero occurrences.
func (r RecurrenceRule) Validate() *AppError {
	if !r.Frequency.Valid() {
		return NewAppErrorWithDetails(
			ErrCodeValidationInvalidRule,
			"frequency must be one of: daily, weekly, monthly",
			nil,
			map[string]any{"frequency": string(r.Frequency)},
		)
	}
	if r.Interval < 1 {
		return NewAppErrorWithDetails(
			ErrCodeValidationInvalidRule,
			"interval must be a positive integer",
			nil,
			map[string]any{"interval": r.Interval},
		)
	}
	if r.DurationMinutes < 1 {
		return NewAppErrorWithDetails(
			ErrCodeValidationInvalidRule,
			"duration_minutes must be a positive integer",
			nil,
			map[string]any{"duration_minutes": r.DurationMinutes},
		)
	}
	if r.Anchor.IsZero() {
		return NewAppError(ErrCodeValidationInvalidRule, "anchor date/time is required", nil)
	}
	if r.Until.IsZero() {
		return NewAppError(ErrCodeValidationInvalidRule, "until date is required", nil)
	}
	if r.DeviceID == "" {
		return NewAppError(ErrCodeValidationInvalidRule, "device_id is required", nil)
	}
	return nil
}

// Duration returns the per-occurrence activation duration.
func (r RecurrenceRule) Duration() time.Duration {
	return time.Duration(r.DurationMinutes) * time.Minute
}

// Occurrence is one concrete, time-bound instance of a Schedule.
//
// IsException marks an occurrence whose time fields were edited independently
// of its series; series-wide re-expansion leaves exceptions untouched.
// DispatchedAt is the at-most-once claim marker: set when the runner picks the
// occurrence up, before the device call completes. A claimed occurrence keeps
// status=pending but no longer appears in due queries.
type Occurrence struct {
	ID              string           `json:"id"`
	ScheduleID      string           `json:"schedule_id"`
	DeviceID        string           `json:"device_id"`
	Start           time.Time        `json:"start"`
	End             time.Time        `json:"end"`
	DurationMinutes int              `json:"duration_minutes"`
	Status          OccurrenceStatus `json:"status"`
	IsException     bool             `json:"is_exception"`
	DispatchedAt    *time.Time       `json:"-"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Duration returns the activation duration for this occurrence.
func (o Occurrence) Duration() time.Duration {
	return time.Duration(o.DurationMinutes) * time.Minute
}

// Due reports whether the occurrence should be dispatched as of the given
// instant: pending, unclaimed, and started.
func (o Occurrence) Due(asOf time.Time) bool {
	return o.Status == OccurrenceStatusPending &&
		o.DispatchedAt == nil &&
		!o.Start.After(asOf)
}

// OccurrencePatch carries the editable fields of a single-occurrence edit.
// Applying a patch sets IsException on the target occurrence.
type OccurrencePatch struct {
	Start           time.Time
	End             time.Time
	DurationMinutes int
}

// Validate checks the patch's internal consistency.
func (p OccurrencePatch) Validate() *AppError {
	if p.Start.IsZero() || p.End.IsZero() {
		return NewAppError(ErrCodeValidationInvalidOccurrence, "start and end are required", nil)
	}
	if !p.End.After(p.Start) {
		return NewAppError(ErrCodeValidationInvalidOccurrence, "end must be after start", nil)
	}
	if p.DurationMinutes < 1 {
		return NewAppError(ErrCodeValidationInvalidOccurrence, "duration_minutes must be a positive integer", nil)
	}
	return nil
}

// Schedule wraps a RecurrenceRule together with its expanded occurrences.
// The schedule exclusively owns its occurrences: no occurrence outlives it.
type Schedule struct {
	ID          string         `json:"id"`
	Rule        RecurrenceRule `json:"rule"`
	Occurrences []Occurrence   `json:"occurrences"` // ordered by Start
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Device is the registry's view of an activatable device (relay/valve).
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
