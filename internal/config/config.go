// Package config defines the global configuration for the scheduling engine.
// Configuration is loaded once at process initialization and is immutable
// thereafter. It follows 12-Factor App principles by strictly separating code
// from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File
//
// Any missing required value or invalid format fails startup immediately.
package config

import (
	"time"

	"floodgate/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"floodgate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server   ServerConfig
	Store    StoreConfig
	Runner   RunnerConfig
	Device   DeviceConfig
	Schedule ScheduleConfig
	Security SecurityConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// StoreConfig selects and tunes the schedule store backend.
type StoreConfig struct {
	// Driver selects the backend: "memory" (default) or "postgres".
	Driver string `envconfig:"STORE_DRIVER" default:"memory" validate:"required,oneof=memory postgres"`

	// URL is required when Driver is "postgres".
	URL SecretString `envconfig:"DATABASE_URL" validate:"required_if=Driver postgres"`

	// Pool tuning; only used by the postgres driver.
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RunnerConfig tunes the occurrence dispatch loop.
type RunnerConfig struct {
	Tick              time.Duration `envconfig:"RUNNER_TICK" default:"30s" validate:"min=1s"`
	MaxConcurrent     int64         `envconfig:"RUNNER_MAX_CONCURRENT" default:"4" validate:"min=1"`
	ActivationTimeout time.Duration `envconfig:"DEVICE_ACTIVATION_TIMEOUT" default:"30s" validate:"min=1s"`
}

// DeviceConfig locates the valve controller service. When ServiceURL is empty
// the engine falls back to a static registry built from StaticList.
type DeviceConfig struct {
	ServiceURL string `envconfig:"DEVICE_SERVICE_URL" validate:"omitempty,url"`
	// StaticList is a comma-separated "id:name" list, e.g.
	// "valve-north:North Lawn,valve-south:South Bed".
	StaticList string `envconfig:"DEVICE_STATIC_LIST"`
}

// ScheduleConfig tunes recurrence expansion.
type ScheduleConfig struct {
	MaxOccurrences int `envconfig:"SCHEDULE_MAX_OCCURRENCES" default:"500" validate:"min=1"`
}

// SecurityConfig holds CORS settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
