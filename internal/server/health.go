package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/askben/askben/internal/metrics"
)

// HealthStatus values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker probes the archive and the vector index.
type HealthChecker struct {
	archive metrics.ArchiveStats
	index   IndexCounter
}

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status     string               `json:"status"` // healthy, unhealthy
	Timestamp  time.Time            `json:"timestamp"`
	Version    string               `json:"version,omitempty"`
	Uptime     string               `json:"uptime,omitempty"`
	Components map[string]Component `json:"components"`
}

// Component represents a component's health.
type Component struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms"`
}

// NewHealthChecker creates a health checker. Nil sources are reported unhealthy.
func NewHealthChecker(a metrics.ArchiveStats, idx IndexCounter) *HealthChecker {
	return &HealthChecker{archive: a, index: idx}
}

// Check probes every component.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Components: make(map[string]Component, 2),
	}

	status.Components["archive"] = h.probe(ctx, h.archive != nil, "archive not configured", func(ctx context.Context) error {
		_, err := h.archive.Stats(ctx)
		return err
	})
	status.Components["index"] = h.probe(ctx, h.index != nil, "index not configured", func(ctx context.Context) error {
		_, err := h.index.Counts(ctx)
		return err
	})

	for _, c := range status.Components {
		if c.Status != StatusHealthy {
			status.Status = StatusUnhealthy
		}
	}
	return status
}

func (h *HealthChecker) probe(ctx context.Context, configured bool, missing string, fn func(context.Context) error) Component {
	if !configured {
		return Component{Status: StatusUnhealthy, Message: missing}
	}

	start := time.Now()
	err := fn(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Component{Status: StatusUnhealthy, Message: err.Error(), Latency: latency}
	}
	return Component{Status: StatusHealthy, Message: "ok", Latency: latency}
}

// HealthHandler handles health check HTTP requests.
type HealthHandler struct {
	checker   *HealthChecker
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(checker *HealthChecker, version string) *HealthHandler {
	return &HealthHandler{
		checker:   checker,
		startTime: time.Now(),
		version:   version,
	}
}

// RegisterRoutes registers the probe endpoints.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	mux.HandleFunc("GET /version", h.HandleVersion)
}

// HandleHealth handles GET /healthz (liveness).
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady handles GET /readyz. It answers 503 while any component is down.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.checker.Check(ctx)
	status.Version = h.version
	status.Uptime = time.Since(h.startTime).Round(time.Second).String()

	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// HandleVersion handles GET /version.
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; an encode error cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}
