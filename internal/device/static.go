package device

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"floodgate/internal/types"
)

// StaticRegistry serves a fixed device list from configuration. Used when no
// controller service is deployed, typically local development and tests.
type StaticRegistry struct {
	devices []types.Device
}

// NewStaticRegistry creates a registry over a fixed device list.
func NewStaticRegistry(devices []types.Device) *StaticRegistry {
	return &StaticRegistry{devices: devices}
}

// ParseStaticList parses a comma-separated "id:name,id:name" list into
// devices. An entry without a colon uses the ID as the name.
func ParseStaticList(raw string) []types.Device {
	var devices []types.Device
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, name, found := strings.Cut(entry, ":")
		if !found {
			name = id
		}
		devices = append(devices, types.Device{
			ID:   strings.TrimSpace(id),
			Name: strings.TrimSpace(name),
		})
	}
	return devices
}

// ListDevices implements Registry.
func (r *StaticRegistry) ListDevices(ctx context.Context) ([]types.Device, error) {
	out := make([]types.Device, len(r.devices))
	copy(out, r.devices)
	return out, nil
}

// DeviceExists implements Registry.
func (r *StaticRegistry) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	for _, d := range r.devices {
		if d.ID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

// LogActivator is an Activator that only records the activation in the log.
// Pairs with StaticRegistry for controller-less deployments.
type LogActivator struct {
	logger *slog.Logger
}

// NewLogActivator creates a LogActivator.
func NewLogActivator(logger *slog.Logger) *LogActivator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogActivator{logger: logger}
}

// Activate implements Activator.
func (a *LogActivator) Activate(ctx context.Context, deviceID string, duration time.Duration) error {
	a.logger.InfoContext(ctx, "simulated device activation",
		"device_id", deviceID,
		"duration", duration.String(),
	)
	return nil
}
