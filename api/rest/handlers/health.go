package handlers

import (
	"net/http"
	"time"

	"upgrade-orchestrator/core/health"
)

// HealthHandler serves the aggregated health report
type HealthHandler struct {
	aggregator *health.Aggregator
	service    string
	version    string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(aggregator *health.Aggregator, service, version string) *HealthHandler {
	return &HealthHandler{aggregator: aggregator, service: service, version: version}
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    health.Status                 `json:"status"`
	Timestamp time.Time                     `json:"timestamp"`
	Service   string                        `json:"service"`
	Version   string                        `json:"version"`
	Checks    map[string]health.CheckResult `json:"checks"`
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.aggregator.PerformHealthCheck(r.Context())

	status := http.StatusOK
	if report.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, HealthResponse{
		Status:    report.Status,
		Timestamp: report.Timestamp,
		Service:   h.service,
		Version:   h.version,
		Checks:    report.Checks,
	})
}
