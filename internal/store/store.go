// Package store defines the ScheduleStore contract and provides the in-memory
// implementation used for local operation and tests. The Postgres-backed
// implementation in internal/db satisfies the same contract.
//
// Consistency discipline: all mutating operations on a single schedule are
// serialized (at most one writer per schedule ID at a time); operations on
// different schedules proceed independently. Every operation is all-or-nothing
// per call.
package store

import (
	"context"
	"time"

	"floodgate/internal/types"
)

// Store is the durable owner of the schedule/occurrence set.
//
// Deletes are idempotent: removing an absent schedule or occurrence succeeds,
// since absence of the target is indistinguishable from an already-achieved
// deletion. Deleting the last occurrence of a schedule does NOT cascade-delete
// the schedule; an explicit DeleteSeries is required.
//
// Claim and Resolve implement the runner's at-most-once dispatch protocol:
// Claim flips a pending, unclaimed occurrence into the claimed state (still
// status=pending, but out of ListDue's result set) and reports whether this
// caller won the claim; Resolve records the terminal outcome.
type Store interface {
	// Create validates the rule, expands it, and persists the schedule with
	// its occurrences atomically. A rule that expands to zero occurrences
	// produces a valid, empty schedule.
	Create(ctx context.Context, rule types.RecurrenceRule) (*types.Schedule, error)

	// Get returns the schedule with its occurrences ordered by start.
	Get(ctx context.Context, scheduleID string) (*types.Schedule, error)

	// EditSeries replaces the schedule's rule, discards future non-exception
	// occurrences, re-expands from now forward, and preserves past and
	// exception occurrences verbatim.
	EditSeries(ctx context.Context, scheduleID string, rule types.RecurrenceRule) (*types.Schedule, error)

	// EditOccurrence mutates a single occurrence's time fields and marks it
	// as an exception. Terminal occurrences are immutable.
	EditOccurrence(ctx context.Context, occurrenceID string, patch types.OccurrencePatch) (*types.Occurrence, error)

	// DeleteSeries removes the schedule and all its occurrences. Idempotent.
	DeleteSeries(ctx context.Context, scheduleID string) error

	// DeleteOccurrence removes a single pending occurrence without touching
	// the rule or sibling occurrences. Idempotent for absent IDs; terminal
	// occurrences are immutable.
	DeleteOccurrence(ctx context.Context, occurrenceID string) error

	// ListOccurrences returns all occurrences with start within [from, to),
	// ordered by start, then schedule ID, then occurrence ID. A zero "to"
	// means no upper bound.
	ListOccurrences(ctx context.Context, from, to time.Time) ([]types.Occurrence, error)

	// ListDue returns all pending, unclaimed occurrences with start <= asOf,
	// ordered by start ascending, ties broken by schedule ID then occurrence
	// ID for determinism.
	ListDue(ctx context.Context, asOf time.Time) ([]types.Occurrence, error)

	// Claim atomically marks the occurrence as dispatched at the given
	// instant. Returns false if the occurrence is missing, already claimed,
	// or not pending.
	Claim(ctx context.Context, occurrenceID string, at time.Time) (bool, error)

	// Resolve records the terminal outcome of a dispatched occurrence.
	// Returns ErrCodeNotFoundOccurrence if the occurrence was deleted while
	// in flight; the caller treats that as a best-effort loss.
	Resolve(ctx context.Context, occurrenceID string, status types.OccurrenceStatus) error
}
