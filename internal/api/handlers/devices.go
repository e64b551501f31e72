package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"floodgate/internal/core"
	"floodgate/internal/types"
)

// DeviceLister exposes the known irrigation devices for schedule targeting.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]types.Device, error)
}

// DeviceHandler serves the read-only device catalog.
type DeviceHandler struct {
	devices DeviceLister
	logger  *slog.Logger
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(devices DeviceLister, l *slog.Logger) *DeviceHandler {
	if l == nil {
		l = slog.Default()
	}
	return &DeviceHandler{
		devices: devices,
		logger:  l,
	}
}

// RegisterRoutes mounts device routes on the provided chi.Router.
func (h *DeviceHandler) RegisterRoutes(r chi.Router) {
	r.Get("/devices", h.List)
}

// List handles GET /v1/devices.
//
// A registry outage surfaces as a 500; device identity is required for
// schedule creation, so there is no degraded response here.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.ListDevices(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if devices == nil {
		devices = []types.Device{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: devices})
}
