// Package handlers contains the HTTP handler implementations for the
// irrigation scheduling API.
//
// This file implements the schedule and occurrence endpoints:
//   - Create, Get, Update (series), Delete (series)
//   - Occurrence listing, per-occurrence edit, per-occurrence delete
//   - Route registration
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"floodgate/internal/core"
	"floodgate/internal/schedule"
	"floodgate/internal/types"
)

// --- Service Interfaces ---
//
// These interfaces are defined locally following the handler injection
// pattern. The handlers depend on abstractions for testability and to avoid
// coupling to concrete implementations.

// ScheduleService defines the contract for schedule and occurrence operations.
// Mirrors the concrete schedule.Service methods used by this handler.
type ScheduleService interface {
	CreateSchedule(ctx context.Context, req schedule.RuleRequest) (*schedule.ScheduleView, error)
	GetSchedule(ctx context.Context, scheduleID string) (*schedule.ScheduleView, error)
	EditSeries(ctx context.Context, scheduleID string, req schedule.RuleRequest) (*schedule.ScheduleView, error)
	DeleteSchedule(ctx context.Context, scheduleID string) error
	EditOccurrence(ctx context.Context, occurrenceID string, req schedule.OccurrencePatchRequest) (*schedule.OccurrenceView, error)
	DeleteOccurrence(ctx context.Context, occurrenceID string) error
	ListOccurrences(ctx context.Context, fromRaw, toRaw string) ([]schedule.OccurrenceView, error)
}

// --- Handler ---

// ScheduleHandler manages schedule CRUD and occurrence lifecycle endpoints.
type ScheduleHandler struct {
	service   ScheduleService
	validator *core.Validator
	logger    *slog.Logger
}

// NewScheduleHandler creates a new ScheduleHandler with the provided dependencies.
func NewScheduleHandler(service ScheduleService, v *core.Validator, l *slog.Logger) *ScheduleHandler {
	if l == nil {
		l = slog.Default()
	}
	return &ScheduleHandler{
		service:   service,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts schedule and occurrence routes on the provided chi.Router.
func (h *ScheduleHandler) RegisterRoutes(r chi.Router) {
	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", h.Create)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.UpdateSeries)
			r.Delete("/", h.DeleteSeries)
		})
	})

	r.Route("/occurrences", func(r chi.Router) {
		r.Get("/", h.ListOccurrences)

		r.Route("/{id}", func(r chi.Router) {
			r.Patch("/", h.UpdateOccurrence)
			r.Delete("/", h.DeleteOccurrence)
		})
	})
}

// --- Handler Methods ---

// Create handles POST /v1/schedules.
//
//  1. Decode and validate the recurrence rule request.
//  2. Delegate to the service, which expands the rule into occurrences and
//     persists the series atomically.
//  3. Return 201 Created with the full schedule view.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req schedule.RuleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	view, err := h.service.CreateSchedule(r.Context(), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: view})
}

// Get handles GET /v1/schedules/{id}.
func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"schedule ID is required",
			nil,
		))
		return
	}

	view, err := h.service.GetSchedule(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view})
}

// UpdateSeries handles PUT /v1/schedules/{id}.
//
// The request body carries a complete replacement rule. Future pending
// occurrences are regenerated from the new rule; past and terminal
// occurrences are preserved as history.
func (h *ScheduleHandler) UpdateSeries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"schedule ID is required",
			nil,
		))
		return
	}

	var req schedule.RuleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	view, err := h.service.EditSeries(r.Context(), id, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view})
}

// DeleteSeries handles DELETE /v1/schedules/{id}.
//
// Deletion is idempotent: deleting an absent schedule returns 204.
func (h *ScheduleHandler) DeleteSeries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"schedule ID is required",
			nil,
		))
		return
	}

	if err := h.service.DeleteSchedule(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListOccurrences handles GET /v1/occurrences?from=&to=.
//
// Bounds accept RFC 3339 timestamps or bare dates (interpreted as UTC
// midnight). An empty "from" defaults to the beginning of time; an empty "to"
// leaves the range unbounded. Bound parsing errors are surfaced as 400s by
// the service.
func (h *ScheduleHandler) ListOccurrences(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")

	views, err := h.service.ListOccurrences(r.Context(), from, to)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: views})
}

// UpdateOccurrence handles PATCH /v1/occurrences/{id}.
//
// Editing a single occurrence detaches it from its series: it is marked as an
// exception and survives subsequent series edits. Terminal occurrences are
// immutable and yield 409.
func (h *ScheduleHandler) UpdateOccurrence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"occurrence ID is required",
			nil,
		))
		return
	}

	var req schedule.OccurrencePatchRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	view, err := h.service.EditOccurrence(r.Context(), id, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: view})
}

// DeleteOccurrence handles DELETE /v1/occurrences/{id}.
//
// Idempotent for absent occurrences (204). Terminal occurrences are immutable
// and yield 409. Deleting the last occurrence of a schedule does not delete
// the schedule itself.
func (h *ScheduleHandler) DeleteOccurrence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"occurrence ID is required",
			nil,
		))
		return
	}

	if err := h.service.DeleteOccurrence(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
