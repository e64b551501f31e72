// Package schedule implements the schedule lifecycle façade. It translates
// external snake_case requests into recurrence rules, enforces device
// existence on the write path, and shapes store results into calendar-ready
// view models.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"floodgate/internal/types"
)

// Wire formats for rule date fields.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// ScheduleStore abstracts the store operations the service needs.
type ScheduleStore interface {
	Create(ctx context.Context, rule types.RecurrenceRule) (*types.Schedule, error)
	Get(ctx context.Context, scheduleID string) (*types.Schedule, error)
	EditSeries(ctx context.Context, scheduleID string, rule types.RecurrenceRule) (*types.Schedule, error)
	EditOccurrence(ctx context.Context, occurrenceID string, patch types.OccurrencePatch) (*types.Occurrence, error)
	DeleteSeries(ctx context.Context, scheduleID string) error
	DeleteOccurrence(ctx context.Context, occurrenceID string) error
	ListOccurrences(ctx context.Context, from, to time.Time) ([]types.Occurrence, error)
}

// DeviceRegistry abstracts the device lookups the service needs.
type DeviceRegistry interface {
	ListDevices(ctx context.Context) ([]types.Device, error)
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
}

// RuleRequest is the external representation of a recurrence rule.
type RuleRequest struct {
	Frequency       string `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	Interval        int    `json:"interval" validate:"omitempty,min=1"`
	StartDate       string `json:"start_date" validate:"required"`
	StartTime       string `json:"start_time" validate:"required"`
	EndDate         string `json:"end_date" validate:"required"`
	DurationMinutes int    `json:"duration_minutes" validate:"required,min=1"`
	DeviceID        string `json:"device_id" validate:"required"`
}

// OccurrencePatchRequest is the external representation of a
// single-occurrence edit.
type OccurrencePatchRequest struct {
	Start           time.Time `json:"start" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"required,min=1"`
}

// OccurrenceView is the calendar-facing shape of an occurrence.
type OccurrenceView struct {
	ID              string    `json:"id"`
	ScheduleID      string    `json:"schedule_id"`
	DeviceID        string    `json:"device_id"`
	DeviceName      string    `json:"device_name,omitempty"`
	Title           string    `json:"title"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	IsException     bool      `json:"is_exception"`
}

// RuleView is the external representation of a stored rule.
type RuleView struct {
	Frequency       string `json:"frequency"`
	Interval        int    `json:"interval"`
	StartDate       string `json:"start_date"`
	StartTime       string `json:"start_time"`
	EndDate         string `json:"end_date"`
	DurationMinutes int    `json:"duration_minutes"`
	DeviceID        string `json:"device_id"`
}

// ScheduleView is the external representation of a schedule.
type ScheduleView struct {
	ID              string           `json:"id"`
	Rule            RuleView         `json:"rule"`
	OccurrenceCount int              `json:"occurrence_count"`
	Occurrences     []OccurrenceView `json:"occurrences"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Service is the stateless schedule lifecycle façade.
type Service struct {
	store    ScheduleStore
	registry DeviceRegistry
	logger   *slog.Logger
}

// NewService creates a schedule Service.
func NewService(store ScheduleStore, registry DeviceRegistry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		registry: registry,
		logger:   logger,
	}
}

// CreateSchedule validates the request, checks the device, and persists the
// expanded schedule.
func (s *Service) CreateSchedule(ctx context.Context, req RuleRequest) (*ScheduleView, error) {
	rule, err := s.parseRule(ctx, req)
	if err != nil {
		return nil, err
	}

	sched, err := s.store.Create(ctx, rule)
	if err != nil {
		return nil, err
	}
	return s.scheduleView(ctx, sched), nil
}

// GetSchedule returns a schedule with its occurrences.
func (s *Service) GetSchedule(ctx context.Context, scheduleID string) (*ScheduleView, error) {
	sched, err := s.store.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return s.scheduleView(ctx, sched), nil
}

// EditSeries replaces the rule of an existing schedule. Past and exception
// occurrences are preserved; the future is regenerated from the new rule.
func (s *Service) EditSeries(ctx context.Context, scheduleID string, req RuleRequest) (*ScheduleView, error) {
	rule, err := s.parseRule(ctx, req)
	if err != nil {
		return nil, err
	}

	sched, err := s.store.EditSeries(ctx, scheduleID, rule)
	if err != nil {
		return nil, err
	}
	return s.scheduleView(ctx, sched), nil
}

// DeleteSchedule removes a schedule and its occurrences. Idempotent.
func (s *Service) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return s.store.DeleteSeries(ctx, scheduleID)
}

// EditOccurrence reshapes a single occurrence, marking it as an exception.
func (s *Service) EditOccurrence(ctx context.Context, occurrenceID string, req OccurrencePatchRequest) (*OccurrenceView, error) {
	patch := types.OccurrencePatch{
		Start:           req.Start.UTC(),
		End:             req.Start.UTC().Add(time.Duration(req.DurationMinutes) * time.Minute),
		DurationMinutes: req.DurationMinutes,
	}

	occ, err := s.store.EditOccurrence(ctx, occurrenceID, patch)
	if err != nil {
		return nil, err
	}

	view := s.occurrenceViews(ctx, []types.Occurrence{*occ})
	return &view[0], nil
}

// DeleteOccurrence removes a single occurrence. Idempotent.
func (s *Service) DeleteOccurrence(ctx context.Context, occurrenceID string) error {
	return s.store.DeleteOccurrence(ctx, occurrenceID)
}

// ListOccurrences returns occurrence views within [from, to). Empty bounds
// mean unbounded on that side.
func (s *Service) ListOccurrences(ctx context.Context, fromRaw, toRaw string) ([]OccurrenceView, error) {
	from, err := parseBound(fromRaw)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidOccurrence,
			"invalid 'from' bound",
			err,
			map[string]any{"from": fromRaw},
		)
	}
	to, err := parseBound(toRaw)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidOccurrence,
			"invalid 'to' bound",
			err,
			map[string]any{"to": toRaw},
		)
	}

	occs, err := s.store.ListOccurrences(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return s.occurrenceViews(ctx, occs), nil
}

// ListDevices proxies the registry's device list.
func (s *Service) ListDevices(ctx context.Context) ([]types.Device, error) {
	devices, err := s.registry.ListDevices(ctx)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"device registry unavailable",
			err,
		)
	}
	return devices, nil
}

// parseRule maps the external request to a RecurrenceRule and verifies the
// device exists.
func (s *Service) parseRule(ctx context.Context, req RuleRequest) (types.RecurrenceRule, error) {
	var zero types.RecurrenceRule

	startDate, err := time.ParseInLocation(DateLayout, req.StartDate, time.UTC)
	if err != nil {
		return zero, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidRule,
			fmt.Sprintf("start_date must be in %s format", DateLayout),
			err,
			map[string]any{"start_date": req.StartDate},
		)
	}
	startTime, err := time.ParseInLocation(TimeLayout, req.StartTime, time.UTC)
	if err != nil {
		return zero, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidRule,
			fmt.Sprintf("start_time must be in %s format", TimeLayout),
			err,
			map[string]any{"start_time": req.StartTime},
		)
	}
	endDate, err := time.ParseInLocation(DateLayout, req.EndDate, time.UTC)
	if err != nil {
		return zero, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidRule,
			fmt.Sprintf("end_date must be in %s format", DateLayout),
			err,
			map[string]any{"end_date": req.EndDate},
		)
	}

	interval := req.Interval
	if interval == 0 {
		interval = 1
	}

	rule := types.RecurrenceRule{
		Frequency: types.Frequency(req.Frequency),
		Interval:  interval,
		Anchor: time.Date(
			startDate.Year(), startDate.Month(), startDate.Day(),
			startTime.Hour(), startTime.Minute(), 0, 0, time.UTC,
		),
		DurationMinutes: req.DurationMinutes,
		Until:           endDate,
		DeviceID:        req.DeviceID,
	}

	if appErr := rule.Validate(); appErr != nil {
		return zero, appErr
	}

	exists, err := s.registry.DeviceExists(ctx, req.DeviceID)
	if err != nil {
		return zero, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"device registry unavailable",
			err,
		)
	}
	if !exists {
		return zero, types.NewAppErrorWithDetails(
			types.ErrCodeValidationUnknownDevice,
			"device is not registered",
			nil,
			map[string]any{"device_id": req.DeviceID},
		)
	}

	return rule, nil
}

// parseBound parses a range bound as RFC 3339 or a bare date. Empty input is
// the zero time (unbounded).
func parseBound(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation(DateLayout, raw, time.UTC)
}

// scheduleView builds the external shape of a schedule.
func (s *Service) scheduleView(ctx context.Context, sched *types.Schedule) *ScheduleView {
	return &ScheduleView{
		ID: sched.ID,
		Rule: RuleView{
			Frequency:       string(sched.Rule.Frequency),
			Interval:        sched.Rule.Interval,
			StartDate:       sched.Rule.Anchor.Format(DateLayout),
			StartTime:       sched.Rule.Anchor.Format(TimeLayout),
			EndDate:         sched.Rule.Until.Format(DateLayout),
			DurationMinutes: sched.Rule.DurationMinutes,
			DeviceID:        sched.Rule.DeviceID,
		},
		OccurrenceCount: len(sched.Occurrences),
		Occurrences:     s.occurrenceViews(ctx, sched.Occurrences),
		CreatedAt:       sched.CreatedAt,
		UpdatedAt:       sched.UpdatedAt,
	}
}

// occurrenceViews decorates occurrences with device names. A registry outage
// must not break the read path, so name resolution is best effort.
func (s *Service) occurrenceViews(ctx context.Context, occs []types.Occurrence) []OccurrenceView {
	names := make(map[string]string)
	if len(occs) > 0 {
		devices, err := s.registry.ListDevices(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "device name resolution unavailable", "error", err)
		} else {
			for _, d := range devices {
				names[d.ID] = d.Name
			}
		}
	}

	views := make([]OccurrenceView, 0, len(occs))
	for _, occ := range occs {
		name := names[occ.DeviceID]
		title := fmt.Sprintf("%s (%d min)", name, occ.DurationMinutes)
		if name == "" {
			title = fmt.Sprintf("%s (%d min)", occ.DeviceID, occ.DurationMinutes)
		}
		views = append(views, OccurrenceView{
			ID:              occ.ID,
			ScheduleID:      occ.ScheduleID,
			DeviceID:        occ.DeviceID,
			DeviceName:      name,
			Title:           title,
			Start:           occ.Start,
			End:             occ.End,
			DurationMinutes: occ.DurationMinutes,
			Status:          string(occ.Status),
			IsException:     occ.IsException,
		})
	}
	return views
}
