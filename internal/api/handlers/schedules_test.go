package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"floodgate/internal/core"
	"floodgate/internal/schedule"
	"floodgate/internal/types"
)

// =============================================================================
// Mock Implementations for Schedule Handler
// =============================================================================

type mockScheduleService struct {
	createFn           func(ctx context.Context, req schedule.RuleRequest) (*schedule.ScheduleView, error)
	getFn              func(ctx context.Context, scheduleID string) (*schedule.ScheduleView, error)
	editSeriesFn       func(ctx context.Context, scheduleID string, req schedule.RuleRequest) (*schedule.ScheduleView, error)
	deleteScheduleFn   func(ctx context.Context, scheduleID string) error
	editOccurrenceFn   func(ctx context.Context, occurrenceID string, req schedule.OccurrencePatchRequest) (*schedule.OccurrenceView, error)
	deleteOccurrenceFn func(ctx context.Context, occurrenceID string) error
	listOccurrencesFn  func(ctx context.Context, fromRaw, toRaw string) ([]schedule.OccurrenceView, error)

	// Track calls for assertions.
	lastCreateReq schedule.RuleRequest
	lastEditedID  string
	lastDeletedID string
}

func (m *mockScheduleService) CreateSchedule(ctx context.Context, req schedule.RuleRequest) (*schedule.ScheduleView, error) {
	m.lastCreateReq = req
	if m.createFn != nil {
		return m.createFn(ctx, req)
	}
	return sampleScheduleView(), nil
}

func (m *mockScheduleService) GetSchedule(ctx context.Context, scheduleID string) (*schedule.ScheduleView, error) {
	if m.getFn != nil {
		return m.getFn(ctx, scheduleID)
	}
	return sampleScheduleView(), nil
}

func (m *mockScheduleService) EditSeries(ctx context.Context, scheduleID string, req schedule.RuleRequest) (*schedule.ScheduleView, error) {
	m.lastEditedID = scheduleID
	if m.editSeriesFn != nil {
		return m.editSeriesFn(ctx, scheduleID, req)
	}
	return sampleScheduleView(), nil
}

func (m *mockScheduleService) DeleteSchedule(ctx context.Context, scheduleID string) error {
	m.lastDeletedID = scheduleID
	if m.deleteScheduleFn != nil {
		return m.deleteScheduleFn(ctx, scheduleID)
	}
	return nil
}

func (m *mockScheduleService) EditOccurrence(ctx context.Context, occurrenceID string, req schedule.OccurrencePatchRequest) (*schedule.OccurrenceView, error) {
	m.lastEditedID = occurrenceID
	if m.editOccurrenceFn != nil {
		return m.editOccurrenceFn(ctx, occurrenceID, req)
	}
	v := sampleScheduleView().Occurrences[0]
	return &v, nil
}

func (m *mockScheduleService) DeleteOccurrence(ctx context.Context, occurrenceID string) error {
	m.lastDeletedID = occurrenceID
	if m.deleteOccurrenceFn != nil {
		return m.deleteOccurrenceFn(ctx, occurrenceID)
	}
	return nil
}

func (m *mockScheduleService) ListOccurrences(ctx context.Context, fromRaw, toRaw string) ([]schedule.OccurrenceView, error) {
	if m.listOccurrencesFn != nil {
		return m.listOccurrencesFn(ctx, fromRaw, toRaw)
	}
	return sampleScheduleView().Occurrences, nil
}

// =============================================================================
// Test Fixtures
// =============================================================================

func sampleScheduleView() *schedule.ScheduleView {
	start := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return &schedule.ScheduleView{
		ID: "sched_1",
		Rule: schedule.RuleView{
			Frequency:       "daily",
			Interval:        1,
			StartDate:       "2025-03-01",
			StartTime:       "09:00",
			EndDate:         "2025-03-03",
			DurationMinutes: 30,
			DeviceID:        "valve-north",
		},
		OccurrenceCount: 1,
		Occurrences: []schedule.OccurrenceView{
			{
				ID:              "occ_1",
				ScheduleID:      "sched_1",
				DeviceID:        "valve-north",
				DeviceName:      "North Lawn",
				Title:           "North Lawn (30 min)",
				Start:           start,
				End:             start.Add(30 * time.Minute),
				DurationMinutes: 30,
				Status:          "pending",
			},
		},
		CreatedAt: start,
		UpdatedAt: start,
	}
}

func validCreateBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"frequency":        "daily",
		"interval":         1,
		"start_date":       "2025-03-01",
		"start_time":       "09:00",
		"end_date":         "2025-03-03",
		"duration_minutes": 30,
		"device_id":        "valve-north",
	})
	return body
}

func newScheduleRouter(svc ScheduleService) *chi.Mux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewScheduleHandler(svc, core.NewValidator(logger), logger)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func decodeErrorBody(t *testing.T, body *bytes.Buffer) core.APIErrorResponse {
	t.Helper()
	var errResp core.APIErrorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&errResp))
	return errResp
}

// =============================================================================
// Create
// =============================================================================

func TestScheduleHandler_Create_Success(t *testing.T) {
	svc := &mockScheduleService{}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewReader(validCreateBody()))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "valve-north", svc.lastCreateReq.DeviceID)
	assert.Equal(t, "daily", svc.lastCreateReq.Frequency)

	var resp struct {
		Data schedule.ScheduleView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "sched_1", resp.Data.ID)
	assert.Len(t, resp.Data.Occurrences, 1)
}

func TestScheduleHandler_Create_InvalidJSON(t *testing.T) {
	svc := &mockScheduleService{}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewReader([]byte(`{"frequency":`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	errResp := decodeErrorBody(t, w.Body)
	assert.Equal(t, string(types.ErrCodeValidationInvalidJSON), errResp.Error.Code)
	// Service must not be reached.
	assert.Empty(t, svc.lastCreateReq.Frequency)
}

func TestScheduleHandler_Create_UnknownField(t *testing.T) {
	svc := &mockScheduleService{}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewReader([]byte(`{"frequencee":"daily"}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	errResp := decodeErrorBody(t, w.Body)
	assert.Equal(t, string(types.ErrCodeValidationInvalidJSON), errResp.Error.Code)
}

func TestScheduleHandler_Create_MissingFields(t *testing.T) {
	svc := &mockScheduleService{}
	router := newScheduleRouter(svc)

	body, _ := json.Marshal(map[string]any{"frequency": "daily"})
	req := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	errResp := decodeErrorBody(t, w.Body)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), errResp.Error.Code)
	assert.Empty(t, svc.lastCreateReq.Frequency)
}

func TestScheduleHandler_Create_ServiceError(t *testing.T) {
	svc := &mockScheduleService{
		createFn: func(ctx context.Context, req schedule.RuleRequest) (*schedule.ScheduleView, error) {
			return nil, types.NewAppError(types.ErrCodeValidationUnknownDevice, "unknown device", nil)
		},
	}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/schedules", bytes.NewReader(validCreateBody()))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	errResp := decodeErrorBody(t, w.Body)
	assert.Equal(t, string(types.ErrCodeValidationUnknownDevice), errResp.Error.Code)
}

// =============================================================================
// Get
// =============================================================================

func TestScheduleHandler_Get_Success(t *testing.T) {
	svc := &mockScheduleService{}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/schedules/sched_1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestScheduleHandler_Get_NotFound(t *testing.T) {
	svc := &mockScheduleService{
		getFn: func(ctx context.Context, scheduleID string) (*schedule.ScheduleView, error) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule not found", nil)
		},
	}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/schedules/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	errResp := decodeErrorBody(t, w.Body)
	assert.Equal(t, string(types.ErrCodeNotFoundSchedule), errResp.Error.Code)
}

// =============================================================================
// UpdateSeries
// =============================================================================

func TestScheduleHandler_UpdateSeries_Success(t *testing.T) {
	svc := &mockScheduleService{}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodPut, "/schedules/sched_1", bytes.NewReader(validCreateBody()))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sched_1", svc.lastEditedID)
}

func TestScheduleHandler_UpdateSeries_ValidationBeforeService(t *testing.T) {
	svc := &mockScheduleService{}
	router := newScheduleRouter(svc)

	body, _ := json.Marshal(map[string]any{"frequency": "yearly"})
	req := httptest.NewRequest(http.MethodPut, "/schedules/sched_1", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.lastEditedID)
}

// =============================================================================
// DeleteSeries
// =============================================================================

func TestScheduleHandler_DeleteSeries_Success(t *testing.T) {
	svc := &mockScheduleService{}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/schedules/sched_1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "sched_1", svc.lastDeletedID)
}

func TestScheduleHandler_DeleteSeries_Idempotent(t *testing.T) {
	// Absent schedule: the service treats delete as a no-op and the handler
	// still returns 204.
	svc := &mockScheduleService{
		deleteScheduleFn: func(ctx context.Context, scheduleID string) error { return nil },
	}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/schedules/never-existed", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
}

// =============================================================================
// ListOccurrences
// =============================================================================

func TestScheduleHandler_ListOccurrences_PassesBounds(t *testing.T) {
	var gotFrom, gotTo string
	svc := &mockScheduleService{
		listOccurrencesFn: func(ctx context.Context, fromRaw, toRaw string) ([]schedule.OccurrenceView, error) {
			gotFrom, gotTo = fromRaw, toRaw
			return nil, nil
		},
	}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/occurrences?from=2025-03-01&to=2025-03-31", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2025-03-01", gotFrom)
	assert.Equal(t, "2025-03-31", gotTo)
}

func TestScheduleHandler_ListOccurrences_InvalidBound(t *testing.T) {
	svc := &mockScheduleService{
		listOccurrencesFn: func(ctx context.Context, fromRaw, toRaw string) ([]schedule.OccurrenceView, error) {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidOccurrence, "invalid time bound", nil)
		},
	}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/occurrences?from=yesterday", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// UpdateOccurrence
// =============================================================================

func TestScheduleHandler_UpdateOccurrence_Success(t *testing.T) {
	var gotReq schedule.OccurrencePatchRequest
	svc := &mockScheduleService{
		editOccurrenceFn: func(ctx context.Context, occurrenceID string, req schedule.OccurrencePatchRequest) (*schedule.OccurrenceView, error) {
			gotReq = req
			v := sampleScheduleView().Occurrences[0]
			return &v, nil
		},
	}
	router := newScheduleRouter(svc)

	body, _ := json.Marshal(map[string]any{
		"start":            "2025-03-02T07:30:00Z",
		"duration_minutes": 45,
	})
	req := httptest.NewRequest(http.MethodPatch, "/occurrences/occ_1", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 45, gotReq.DurationMinutes)
	assert.Equal(t, time.Date(2025, 3, 2, 7, 30, 0, 0, time.UTC), gotReq.Start.UTC())
}

func TestScheduleHandler_UpdateOccurrence_TerminalConflict(t *testing.T) {
	svc := &mockScheduleService{
		editOccurrenceFn: func(ctx context.Context, occurrenceID string, req schedule.OccurrencePatchRequest) (*schedule.OccurrenceView, error) {
			return nil, types.NewAppError(types.ErrCodeConflictOccurrenceImmutable, "occurrence is terminal", nil)
		},
	}
	router := newScheduleRouter(svc)

	body, _ := json.Marshal(map[string]any{
		"start":            "2025-03-02T07:30:00Z",
		"duration_minutes": 45,
	})
	req := httptest.NewRequest(http.MethodPatch, "/occurrences/occ_done", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	errResp := decodeErrorBody(t, w.Body)
	assert.Equal(t, string(types.ErrCodeConflictOccurrenceImmutable), errResp.Error.Code)
}

func TestScheduleHandler_UpdateOccurrence_MissingBodyFields(t *testing.T) {
	svc := &mockScheduleService{}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodPatch, "/occurrences/occ_1", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	errResp := decodeErrorBody(t, w.Body)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), errResp.Error.Code)
}

// =============================================================================
// DeleteOccurrence
// =============================================================================

func TestScheduleHandler_DeleteOccurrence_Success(t *testing.T) {
	svc := &mockScheduleService{}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/occurrences/occ_1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "occ_1", svc.lastDeletedID)
}

func TestScheduleHandler_DeleteOccurrence_TerminalConflict(t *testing.T) {
	svc := &mockScheduleService{
		deleteOccurrenceFn: func(ctx context.Context, occurrenceID string) error {
			return types.NewAppError(types.ErrCodeConflictOccurrenceImmutable, "occurrence is terminal", nil)
		},
	}
	router := newScheduleRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/occurrences/occ_done", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}
