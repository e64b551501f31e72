package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"floodgate/internal/types"
)

// RetryPolicy configures retry behavior for registry reads.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the default retry tuning for registry reads.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		MinWait:    250 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// Client talks to the valve controller service. It implements both Registry
// and Activator.
type Client struct {
	baseURL     string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	sleepFn     func(time.Duration)
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.client = hc
	}
}

// WithRetryPolicy overrides the retry tuning for registry reads.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retryPolicy = p
	}
}

// WithSleepFunc overrides the sleep function used between retries.
// This is intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) ClientOption {
	return func(c *Client) {
		c.sleepFn = fn
	}
}

// NewClient creates a controller client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "device-controller",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil
			},
		}),
		retryPolicy: DefaultRetryPolicy(),
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// deviceDTO is the controller's wire representation of a device.
type deviceDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListDevices fetches the device list from the controller, retrying on
// transient failures.
func (c *Client) ListDevices(ctx context.Context) ([]types.Device, error) {
	var body []byte

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/devices", nil)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "building device list request", err)
		}

		body, lastErr = c.do(req)
		if lastErr == nil {
			break
		}

		// Breaker open means the controller is already known to be down;
		// waiting out the retry budget would not help.
		var appErr *types.AppError
		if errors.As(lastErr, &appErr) && appErr.Details["breaker_open"] == true {
			return nil, lastErr
		}

		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt))
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	var dtos []deviceDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamDevice, "decoding device list response", err)
	}

	devices := make([]types.Device, 0, len(dtos))
	for _, d := range dtos {
		devices = append(devices, types.Device{ID: d.ID, Name: d.Name})
	}
	return devices, nil
}

// DeviceExists reports whether the device ID appears in the controller's list.
func (c *Client) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return false, err
	}
	for _, d := range devices {
		if d.ID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

// Activate requests an activation run. There is exactly one attempt: the
// controller may have opened the valve even when the response is lost, so a
// transport-level retry could double-water.
func (c *Client) Activate(ctx context.Context, deviceID string, duration time.Duration) error {
	payload, err := json.Marshal(map[string]any{
		"duration_minutes": int(duration / time.Minute),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "encoding activation request", err)
	}

	endpoint := fmt.Sprintf("%s/devices/%s/activate", c.baseURL, url.PathEscape(deviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "building activation request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if _, err := c.do(req); err != nil {
		return err
	}
	return nil
}

// do executes one request through the circuit breaker and maps failures to
// AppErrors. On success it returns the fully-read response body.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return nil, fmt.Errorf("controller returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		return nil, c.mapError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamDevice,
			fmt.Sprintf("controller rejected request with %d", resp.StatusCode),
			nil,
			map[string]any{"status_code": resp.StatusCode},
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamDevice, "reading controller response", err)
	}
	return body, nil
}

// computeBackoff returns an exponential backoff with full jitter clamped to
// [MinWait, MaxWait].
func (c *Client) computeBackoff(attempt int) time.Duration {
	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	maxWait := float64(c.retryPolicy.MaxWait)
	if base > maxWait {
		base = maxWait
	}
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	jittered := minWait + rand.Float64()*(base-minWait)
	return time.Duration(jittered)
}

// mapError translates transport-level failures into AppErrors.
func (c *Client) mapError(err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamDevice,
			"circuit breaker is open; controller unavailable",
			err,
			map[string]any{"breaker_open": true},
		)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeUpstreamDevice, "controller request timed out", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamDevice, "controller request failed", err)
}
