// Package runner implements the background dispatch loop that fires due
// occurrences against their irrigation devices.
//
// Key behaviors:
//   - Polls the store on a fixed cadence for pending, unclaimed occurrences
//     whose start time has arrived.
//   - Claims each occurrence before dispatching, so an occurrence is handed
//     to a device at most once even with overlapping ticks or multiple
//     runner instances sharing a store.
//   - Bounds in-flight activations with a weighted semaphore.
//   - Records a terminal outcome (completed or failed) after each dispatch.
//     A failed activation is never retried; the failure is the record.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"floodgate/internal/types"
)

// Default tuning. Overridable through Config.
const (
	DefaultTick            = 30 * time.Second
	DefaultMaxConcurrent   = 4
	DefaultDispatchTimeout = 30 * time.Second
)

// OccurrenceStore abstracts the store operations the runner needs. Using an
// interface allows clean testing without database dependencies.
type OccurrenceStore interface {
	// ListDue returns pending, unclaimed occurrences with start <= asOf.
	ListDue(ctx context.Context, asOf time.Time) ([]types.Occurrence, error)
	// Claim atomically marks the occurrence as dispatched. Returns false if
	// another worker got there first or the occurrence no longer exists.
	Claim(ctx context.Context, occurrenceID string, at time.Time) (bool, error)
	// Resolve records the terminal outcome of a dispatched occurrence.
	Resolve(ctx context.Context, occurrenceID string, status types.OccurrenceStatus) error
}

// DeviceActivator abstracts the device-side activation call.
type DeviceActivator interface {
	// Activate turns the device on for the given duration. A nil return
	// means the device accepted the activation.
	Activate(ctx context.Context, deviceID string, duration time.Duration) error
}

// Config holds the configuration for creating a Runner.
type Config struct {
	Store           OccurrenceStore
	Activator       DeviceActivator
	Tick            time.Duration
	MaxConcurrent   int64
	DispatchTimeout time.Duration
	Logger          *slog.Logger
}

// Runner is the background dispatch loop.
type Runner struct {
	store           OccurrenceStore
	activator       DeviceActivator
	tick            time.Duration
	dispatchTimeout time.Duration
	sem             *semaphore.Weighted
	logger          *slog.Logger
	now             func() time.Time

	cron    *cron.Cron
	ticking atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Runner with the given configuration.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	dispatchTimeout := cfg.DispatchTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = DefaultDispatchTimeout
	}
	return &Runner{
		store:           cfg.Store,
		activator:       cfg.Activator,
		tick:            tick,
		dispatchTimeout: dispatchTimeout,
		sem:             semaphore.NewWeighted(maxConcurrent),
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the tick loop. It returns immediately; ticks run on the cron
// goroutine and dispatches on their own goroutines.
func (r *Runner) Start() error {
	if r.cron != nil {
		return errors.New("runner already started")
	}

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", r.tick), func() {
		r.Tick(context.Background())
	})
	if err != nil {
		return fmt.Errorf("registering tick: %w", err)
	}

	r.cron = c
	c.Start()
	r.logger.Info("runner started",
		"tick", r.tick.String(),
		"dispatch_timeout", r.dispatchTimeout.String(),
	)
	return nil
}

// Stop halts the tick loop and waits for in-flight dispatches to finish or
// the context to expire, whichever comes first.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cron != nil {
		cronCtx := r.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("runner stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("runner stop timed out with dispatches in flight")
		return ctx.Err()
	}
}

// Tick runs one poll-claim-dispatch cycle. If a previous tick is still
// listing or claiming, the cycle is skipped; in-flight dispatches from
// earlier ticks do not block a new tick.
func (r *Runner) Tick(ctx context.Context) {
	if !r.ticking.CompareAndSwap(false, true) {
		r.logger.Debug("tick skipped, previous tick still running")
		return
	}
	defer r.ticking.Store(false)

	asOf := r.now()
	due, err := r.store.ListDue(ctx, asOf)
	if err != nil {
		r.logger.ErrorContext(ctx, "listing due occurrences failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	r.logger.InfoContext(ctx, "tick found due occurrences",
		"count", len(due),
		"as_of", asOf.Format(time.RFC3339),
	)

	for _, occ := range due {
		claimed, err := r.store.Claim(ctx, occ.ID, asOf)
		if err != nil {
			r.logger.ErrorContext(ctx, "claim failed",
				"occurrence_id", occ.ID,
				"error", err,
			)
			continue
		}
		if !claimed {
			// Another worker won, or the occurrence was deleted between
			// listing and claiming. Either way it is no longer ours.
			continue
		}

		if err := r.sem.Acquire(ctx, 1); err != nil {
			// Shutdown while waiting for a slot. The occurrence stays
			// claimed; the operator resolves it out of band.
			r.logger.WarnContext(ctx, "dispatch slot acquisition aborted",
				"occurrence_id", occ.ID,
				"error", err,
			)
			return
		}

		r.wg.Add(1)
		go func(occ types.Occurrence) {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.dispatch(occ)
		}(occ)
	}
}

// dispatch activates the device and records the terminal outcome. It uses
// fresh contexts so an in-flight activation is not cancelled by the tick
// context going away.
func (r *Runner) dispatch(occ types.Occurrence) {
	ctx, cancel := context.WithTimeout(context.Background(), r.dispatchTimeout)
	defer cancel()

	status := types.OccurrenceStatusCompleted
	if err := r.activator.Activate(ctx, occ.DeviceID, occ.Duration()); err != nil {
		status = types.OccurrenceStatusFailed
		r.logger.ErrorContext(ctx, "device activation failed",
			"occurrence_id", occ.ID,
			"schedule_id", occ.ScheduleID,
			"device_id", occ.DeviceID,
			"error", err,
		)
	} else {
		r.logger.InfoContext(ctx, "device activated",
			"occurrence_id", occ.ID,
			"schedule_id", occ.ScheduleID,
			"device_id", occ.DeviceID,
			"duration_minutes", occ.DurationMinutes,
		)
	}

	resolveCtx, resolveCancel := context.WithTimeout(context.Background(), r.dispatchTimeout)
	defer resolveCancel()

	if err := r.store.Resolve(resolveCtx, occ.ID, status); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundOccurrence {
			// Deleted while in flight. The activation already happened;
			// the outcome record is lost with the occurrence.
			r.logger.WarnContext(resolveCtx, "occurrence deleted during dispatch",
				"occurrence_id", occ.ID,
				"outcome", string(status),
			)
			return
		}
		r.logger.ErrorContext(resolveCtx, "recording dispatch outcome failed",
			"occurrence_id", occ.ID,
			"outcome", string(status),
			"error", err,
		)
	}
}
