package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// ServiceName is reported by the health endpoints.
const ServiceName = "live-transcriber"

// Version is the build version, set by main.
var Version = "dev"

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// HealthCheckFunc probes one dependency.
type HealthCheckFunc func(ctx context.Context) (bool, error)

// HealthCheckHandler handles health check requests
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   ServiceName,
			Version:   Version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadinessHandler runs every check concurrently and reports ready only when
// all of them pass. Checks are keyed by dependency name.
func ReadinessHandler(checks map[string]HealthCheckFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		names := make([]string, 0, len(checks))
		for name, check := range checks {
			if check != nil {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		results := make([]DependencyStatus, len(names))
		var wg sync.WaitGroup
		for i, name := range names {
			wg.Add(1)
			go func(i int, check HealthCheckFunc) {
				defer wg.Done()
				results[i] = runCheck(ctx, check)
			}(i, checks[name])
		}
		wg.Wait()

		dependencies := make(map[string]DependencyStatus, len(names))
		allHealthy := true
		for i, name := range names {
			dependencies[name] = results[i]
			if results[i].Status != "healthy" {
				allHealthy = false
			}
		}

		status := HealthStatus{
			Status:       "ready",
			Service:      ServiceName,
			Version:      Version,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Dependencies: dependencies,
		}
		code := http.StatusOK
		if !allHealthy {
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, status)
	}
}

func runCheck(ctx context.Context, check HealthCheckFunc) DependencyStatus {
	start := time.Now()
	healthy, err := check(ctx)
	result := DependencyStatus{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil || !healthy {
		result.Status = "unhealthy"
		if err != nil {
			result.Message = err.Error()
		}
	}
	return result
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
