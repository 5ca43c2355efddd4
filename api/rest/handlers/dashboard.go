package handlers

import (
	"log/slog"
	"net/http"
	"sort"

	"upgrade-orchestrator/core/apperrors"
	"upgrade-orchestrator/core/models"
	"upgrade-orchestrator/core/monitoring"
	"upgrade-orchestrator/core/upgrades"
)

// DashboardHandler handles dashboard API requests
type DashboardHandler struct {
	statuses monitoring.StatusCounter
	metrics  *monitoring.Registry
	logger   *slog.Logger
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(
	statuses monitoring.StatusCounter,
	metrics *monitoring.Registry,
	logger *slog.Logger,
) *DashboardHandler {
	return &DashboardHandler{
		statuses: statuses,
		metrics:  metrics,
		logger:   logger,
	}
}

// GetSummary handles GET /api/v1/dashboard/summary
func (h *DashboardHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.statuses.CountByStatus(r.Context())
	if err != nil {
		writeError(w, r, h.logger, apperrors.Internal("failed to count upgrades", err))
		return
	}

	byStatus := make(map[string]int, len(models.AllStatuses))
	total := 0
	for _, s := range models.AllStatuses {
		byStatus[string(s)] = counts[s]
		total += counts[s]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"upgrades": map[string]interface{}{
			"total":    total,
			"byStatus": byStatus,
		},
		"intake": map[string]float64{
			"created":         h.sum(upgrades.MetricCreated),
			"validationFails": h.sum(upgrades.MetricValidationFails),
			"rateLimited":     h.sum(upgrades.MetricRateLimited),
			"persistFailures": h.sum(upgrades.MetricPersistFailures),
			"enqueueFailures": h.sum(upgrades.MetricEnqueueFailures),
			"redispatched":    h.sum(upgrades.MetricRedispatched),
		},
	})
}

// GetMetrics handles GET /api/v1/dashboard/metrics, a JSON snapshot of the
// registry
func (h *DashboardHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	samples := h.metrics.GetMetrics()
	sort.Slice(samples, func(i, j int) bool {
		return monitoring.MetricKey(samples[i].Name, samples[i].Labels) <
			monitoring.MetricKey(samples[j].Name, samples[j].Labels)
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": samples,
	})
}

// sum adds a metric across all its label sets
func (h *DashboardHandler) sum(name string) float64 {
	total := 0.0
	for _, s := range h.metrics.GetMetrics() {
		if s.Name == name {
			total += s.Value
		}
	}
	return total
}
