package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"floodgate/internal/recurrence"
	"floodgate/internal/types"
)

// ScheduleRepository is the Postgres-backed ScheduleStore. It implements the
// same contract as store.MemoryStore.
//
// Expected schema:
//
//	CREATE TABLE schedules (
//	    id               TEXT PRIMARY KEY,
//	    frequency        TEXT NOT NULL,
//	    step_interval    INT NOT NULL,
//	    anchor           TIMESTAMPTZ NOT NULL,
//	    duration_minutes INT NOT NULL,
//	    until_date       TIMESTAMPTZ NOT NULL,
//	    device_id        TEXT NOT NULL,
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    updated_at       TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE occurrences (
//	    id               TEXT PRIMARY KEY,
//	    schedule_id      TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
//	    device_id        TEXT NOT NULL,
//	    start_at         TIMESTAMPTZ NOT NULL,
//	    end_at           TIMESTAMPTZ NOT NULL,
//	    duration_minutes INT NOT NULL,
//	    status           TEXT NOT NULL CHECK (status IN ('pending','completed','failed')),
//	    is_exception     BOOLEAN NOT NULL DEFAULT FALSE,
//	    dispatched_at    TIMESTAMPTZ,
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    updated_at       TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_occurrences_due ON occurrences (start_at)
//	    WHERE status = 'pending' AND dispatched_at IS NULL;
//
// Per-schedule serialization is enforced with SELECT ... FOR UPDATE on the
// schedules row inside every multi-statement mutation, so a concurrent series
// edit and occurrence edit on the same schedule cannot interleave. The column
// is named step_interval because INTERVAL is reserved in SQL.
type ScheduleRepository struct {
	db       DB
	expander *recurrence.Expander
	now      func() time.Time
}

// NewScheduleRepository creates a ScheduleRepository backed by the given pool.
func NewScheduleRepository(db DB, expander *recurrence.Expander) *ScheduleRepository {
	return &ScheduleRepository{
		db:       db,
		expander: expander,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

const occColumns = `o.id, o.schedule_id, o.device_id, o.start_at, o.end_at,
	o.duration_minutes, o.status, o.is_exception, o.dispatched_at,
	o.created_at, o.updated_at`

// scanOccurrence scans a single occurrence row. Column order must match
// occColumns.
func scanOccurrence(row pgx.Row) (*types.Occurrence, error) {
	var occ types.Occurrence
	err := row.Scan(
		&occ.ID,
		&occ.ScheduleID,
		&occ.DeviceID,
		&occ.Start,
		&occ.End,
		&occ.DurationMinutes,
		&occ.Status,
		&occ.IsException,
		&occ.DispatchedAt,
		&occ.CreatedAt,
		&occ.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &occ, nil
}

// Create implements the store contract.
func (r *ScheduleRepository) Create(ctx context.Context, rule types.RecurrenceRule) (*types.Schedule, error) {
	slots, err := r.expander.Expand(rule)
	if err != nil {
		return nil, err
	}

	now := r.now()
	scheduleID := "sch_" + uuid.New().String()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, storeError("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO schedules (id, frequency, step_interval, anchor, duration_minutes, until_date, device_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		scheduleID, rule.Frequency, rule.Interval, rule.Anchor,
		rule.DurationMinutes, rule.Until, rule.DeviceID, now,
	)
	if err != nil {
		return nil, storeError("inserting schedule", err)
	}

	if err := insertOccurrences(ctx, tx, scheduleID, rule, slots, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("committing schedule create", err)
	}

	return r.Get(ctx, scheduleID)
}

// Get implements the store contract.
func (r *ScheduleRepository) Get(ctx context.Context, scheduleID string) (*types.Schedule, error) {
	sched, err := r.getSchedule(ctx, r.db, scheduleID, false)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+occColumns+`
		FROM occurrences o
		WHERE o.schedule_id = $1
		ORDER BY o.start_at, o.schedule_id, o.id`,
		scheduleID,
	)
	if err != nil {
		return nil, storeError("querying occurrences", err)
	}
	defer rows.Close()

	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, storeError("scanning occurrence", err)
		}
		sched.Occurrences = append(sched.Occurrences, *occ)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterating occurrences", err)
	}

	return sched, nil
}

// EditSeries implements the store contract.
func (r *ScheduleRepository) EditSeries(ctx context.Context, scheduleID string, rule types.RecurrenceRule) (*types.Schedule, error) {
	slots, err := r.expander.Expand(rule)
	if err != nil {
		return nil, err
	}

	now := r.now()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, storeError("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	// Lock the schedule row; this serializes against every other mutation
	// on the same schedule.
	if _, err := r.getSchedule(ctx, tx, scheduleID, true); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE schedules
		SET frequency = $2, step_interval = $3, anchor = $4,
		    duration_minutes = $5, until_date = $6, device_id = $7, updated_at = $8
		WHERE id = $1`,
		scheduleID, rule.Frequency, rule.Interval, rule.Anchor,
		rule.DurationMinutes, rule.Until, rule.DeviceID, now,
	)
	if err != nil {
		return nil, storeError("updating schedule rule", err)
	}

	// Future non-exception occurrences are replaced by the re-expansion;
	// past occurrences and exceptions survive verbatim.
	_, err = tx.Exec(ctx, `
		DELETE FROM occurrences
		WHERE schedule_id = $1 AND is_exception = FALSE AND start_at > $2`,
		scheduleID, now,
	)
	if err != nil {
		return nil, storeError("discarding future occurrences", err)
	}

	var future []recurrence.Slot
	for _, slot := range slots {
		if slot.Start.After(now) {
			future = append(future, slot)
		}
	}
	if err := insertOccurrences(ctx, tx, scheduleID, rule, future, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("committing series edit", err)
	}

	return r.Get(ctx, scheduleID)
}

// EditOccurrence implements the store contract.
func (r *ScheduleRepository) EditOccurrence(ctx context.Context, occurrenceID string, patch types.OccurrencePatch) (*types.Occurrence, error) {
	if appErr := patch.Validate(); appErr != nil {
		return nil, appErr
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, storeError("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	occ, err := r.lockOccurrence(ctx, tx, occurrenceID)
	if err != nil {
		return nil, err
	}
	if occ == nil {
		return nil, notFoundOccurrence(occurrenceID)
	}
	if occ.Status.Terminal() {
		return nil, immutableOccurrence(occurrenceID, occ.Status)
	}

	now := r.now()
	_, err = tx.Exec(ctx, `
		UPDATE occurrences
		SET start_at = $2, end_at = $3, duration_minutes = $4,
		    is_exception = TRUE, updated_at = $5
		WHERE id = $1`,
		occurrenceID, patch.Start, patch.End, patch.DurationMinutes, now,
	)
	if err != nil {
		return nil, storeError("updating occurrence", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeError("committing occurrence edit", err)
	}

	occ.Start = patch.Start
	occ.End = patch.End
	occ.DurationMinutes = patch.DurationMinutes
	occ.IsException = true
	occ.UpdatedAt = now
	return occ, nil
}

// DeleteSeries implements the store contract. The occurrences cascade.
func (r *ScheduleRepository) DeleteSeries(ctx context.Context, scheduleID string) error {
	// Idempotent by construction: zero rows affected is still success.
	_, err := r.db.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, scheduleID)
	if err != nil {
		return storeError("deleting schedule", err)
	}
	return nil
}

// DeleteOccurrence implements the store contract.
func (r *ScheduleRepository) DeleteOccurrence(ctx context.Context, occurrenceID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return storeError("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	occ, err := r.lockOccurrence(ctx, tx, occurrenceID)
	if err != nil {
		return err
	}
	if occ == nil {
		return nil // already absent
	}
	if occ.Status.Terminal() {
		return immutableOccurrence(occurrenceID, occ.Status)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM occurrences WHERE id = $1`, occurrenceID); err != nil {
		return storeError("deleting occurrence", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeError("committing occurrence delete", err)
	}
	return nil
}

// ListOccurrences implements the store contract.
func (r *ScheduleRepository) ListOccurrences(ctx context.Context, from, to time.Time) ([]types.Occurrence, error) {
	query := `
		SELECT ` + occColumns + `
		FROM occurrences o
		WHERE o.start_at >= $1`
	args := []any{from}
	if !to.IsZero() {
		query += ` AND o.start_at < $2`
		args = append(args, to)
	}
	query += ` ORDER BY o.start_at, o.schedule_id, o.id`

	return r.queryOccurrences(ctx, query, args...)
}

// ListDue implements the store contract.
func (r *ScheduleRepository) ListDue(ctx context.Context, asOf time.Time) ([]types.Occurrence, error) {
	return r.queryOccurrences(ctx, `
		SELECT `+occColumns+`
		FROM occurrences o
		WHERE o.status = 'pending' AND o.dispatched_at IS NULL AND o.start_at <= $1
		ORDER BY o.start_at, o.schedule_id, o.id`,
		asOf,
	)
}

// Claim implements the store contract. The conditional UPDATE is the
// at-most-once guard: only one caller can move dispatched_at off NULL.
func (r *ScheduleRepository) Claim(ctx context.Context, occurrenceID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE occurrences
		SET dispatched_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending' AND dispatched_at IS NULL`,
		occurrenceID, at,
	)
	if err != nil {
		return false, storeError("claiming occurrence", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Resolve implements the store contract.
func (r *ScheduleRepository) Resolve(ctx context.Context, occurrenceID string, status types.OccurrenceStatus) error {
	if !status.Terminal() {
		return types.NewAppError(types.ErrCodeInternalStore, "resolve requires a terminal status", nil)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE occurrences
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'`,
		occurrenceID, status, r.now(),
	)
	if err != nil {
		return storeError("resolving occurrence", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish "deleted in flight" from "already terminal".
	var current types.OccurrenceStatus
	err = r.db.QueryRow(ctx, `SELECT status FROM occurrences WHERE id = $1`, occurrenceID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFoundOccurrence(occurrenceID)
	}
	if err != nil {
		return storeError("checking occurrence status", err)
	}
	return immutableOccurrence(occurrenceID, current)
}

// --- internals ---

// getSchedule reads a schedule row (without occurrences), optionally locking
// it FOR UPDATE to serialize mutations on the schedule.
func (r *ScheduleRepository) getSchedule(ctx context.Context, q DBTX, scheduleID string, forUpdate bool) (*types.Schedule, error) {
	query := `
		SELECT s.id, s.frequency, s.step_interval, s.anchor, s.duration_minutes,
		       s.until_date, s.device_id, s.created_at, s.updated_at
		FROM schedules s
		WHERE s.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var sched types.Schedule
	err := q.QueryRow(ctx, query, scheduleID).Scan(
		&sched.ID,
		&sched.Rule.Frequency,
		&sched.Rule.Interval,
		&sched.Rule.Anchor,
		&sched.Rule.DurationMinutes,
		&sched.Rule.Until,
		&sched.Rule.DeviceID,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundSchedule,
			"schedule not found",
			nil,
			map[string]any{"schedule_id": scheduleID},
		)
	}
	if err != nil {
		return nil, storeError("querying schedule", err)
	}
	return &sched, nil
}

// lockOccurrence locks the owning schedule row, then re-reads the occurrence
// under that lock. Returns (nil, nil) when the occurrence does not exist.
// Locking the parent first keeps the per-schedule serialization uniform with
// EditSeries.
func (r *ScheduleRepository) lockOccurrence(ctx context.Context, tx pgx.Tx, occurrenceID string) (*types.Occurrence, error) {
	var scheduleID string
	err := tx.QueryRow(ctx,
		`SELECT schedule_id FROM occurrences WHERE id = $1`, occurrenceID,
	).Scan(&scheduleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("looking up occurrence", err)
	}

	if _, err := r.getSchedule(ctx, tx, scheduleID, true); err != nil {
		return nil, err
	}

	occ, err := scanOccurrence(tx.QueryRow(ctx, `
		SELECT `+occColumns+`
		FROM occurrences o
		WHERE o.id = $1`,
		occurrenceID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // deleted between lookup and lock
	}
	if err != nil {
		return nil, storeError("reading occurrence", err)
	}
	return occ, nil
}

func (r *ScheduleRepository) queryOccurrences(ctx context.Context, query string, args ...any) ([]types.Occurrence, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeError("querying occurrences", err)
	}
	defer rows.Close()

	var out []types.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, storeError("scanning occurrence", err)
		}
		out = append(out, *occ)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterating occurrences", err)
	}
	return out, nil
}

func insertOccurrences(ctx context.Context, tx pgx.Tx, scheduleID string, rule types.RecurrenceRule, slots []recurrence.Slot, now time.Time) error {
	for _, slot := range slots {
		_, err := tx.Exec(ctx, `
			INSERT INTO occurrences (id, schedule_id, device_id, start_at, end_at,
			                         duration_minutes, status, is_exception, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'pending', FALSE, $7, $7)`,
			"occ_"+uuid.New().String(), scheduleID, rule.DeviceID,
			slot.Start, slot.End, rule.DurationMinutes, now,
		)
		if err != nil {
			return storeError("inserting occurrence", err)
		}
	}
	return nil
}

func storeError(op string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeInternalStore, fmt.Sprintf("store: %s", op), err)
}

func notFoundOccurrence(id string) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeNotFoundOccurrence,
		"occurrence not found",
		nil,
		map[string]any{"occurrence_id": id},
	)
}

func immutableOccurrence(id string, status types.OccurrenceStatus) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeConflictOccurrenceImmutable,
		"occurrence is in a terminal state and cannot be modified",
		nil,
		map[string]any{"occurrence_id": id, "status": string(status)},
	)
}
