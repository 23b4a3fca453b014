package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse represents the overall health check response.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthChecker performs health checks on system components.
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// HealthCheckFunc defines a function that checks component health.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// NewHealthChecker creates a new health checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck registers a health check for a component.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.checks[name] = checkFunc
}

// Check performs all health checks.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	response := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth),
	}

	for name, checkFunc := range hc.checks {
		health := checkFunc(ctx)
		response.Checks[name] = health

		if health.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if health.Status == HealthStatusDegraded && response.Status != HealthStatusUnhealthy {
			response.Status = HealthStatusDegraded
		}
	}

	return response
}

// Handler returns an HTTP handler for health checks.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := hc.Check(ctx)
		w.Header().Set("Content-Type", "application/json")
		switch response.Status {
		case HealthStatusOK, HealthStatusDegraded:
			w.WriteHeader(http.StatusOK)
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(response)
	}
}

// HTTPListenerCheck reports whether the transfer engine's HTTP listener
// is believed bound (the caller passes the address it actually bound to).
func HTTPListenerCheck(addr string) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusOK, Message: fmt.Sprintf("HTTP transfer engine listening on %s", addr)}
	}
}

// DeviceIdentityCheck reports whether a persisted device id was loaded.
func DeviceIdentityCheck(loaded bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if loaded {
			return ComponentHealth{Status: HealthStatusOK, Message: "device identity loaded"}
		}
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "device identity not loaded"}
	}
}

// SecretStoreCheck reports whether the secret-store backing file can be
// statted; it does not attempt to decrypt anything.
func SecretStoreCheck(path string) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		if _, err := os.Stat(path); err != nil && !os.IsNotExist(err) {
			return ComponentHealth{Status: HealthStatusDegraded, Message: err.Error(), LatencyMS: time.Since(start).Milliseconds()}
		}
		return ComponentHealth{Status: HealthStatusOK, Message: "secret store reachable", LatencyMS: time.Since(start).Milliseconds()}
	}
}

// DiskSpaceCheck reports on free space under the download root, via
// gopsutil so the check works the same across platforms.
func DiskSpaceCheck(path string, minFreeGB int64) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		usage, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return ComponentHealth{Status: HealthStatusDegraded, Message: err.Error()}
		}
		freeGB := int64(usage.Free / (1024 * 1024 * 1024))
		if freeGB > minFreeGB {
			return ComponentHealth{Status: HealthStatusOK, Message: fmt.Sprintf("%d GB free", freeGB)}
		}
		return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("low disk space: %d GB free", freeGB)}
	}
}
