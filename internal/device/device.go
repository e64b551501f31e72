// Package device provides access to the irrigation valve controller service.
// All outbound HTTP calls are routed through a shared transport that enforces
// circuit breaking and error mapping. Registry reads retry on transient
// failures; activations never retry, because a valve activation is not known
// to be idempotent and a duplicate watering run is worse than a missed one.
package device

import (
	"context"
	"time"

	"floodgate/internal/types"
)

// Registry answers device existence and listing queries.
type Registry interface {
	// ListDevices returns all devices known to the controller.
	ListDevices(ctx context.Context) ([]types.Device, error)
	// DeviceExists reports whether the given device ID is known.
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
}

// Activator turns a device on for a bounded duration.
type Activator interface {
	// Activate requests the controller to run the device for the given
	// duration. A nil return means the controller accepted the activation.
	Activate(ctx context.Context, deviceID string, duration time.Duration) error
}
