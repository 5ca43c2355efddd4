package routes

import (
	"log/slog"
	"net/http"

	"upgrade-orchestrator/api/rest/handlers"
	"upgrade-orchestrator/api/rest/middleware"
	"upgrade-orchestrator/core/health"
	"upgrade-orchestrator/core/monitoring"
	"upgrade-orchestrator/core/upgrades"

	"github.com/gorilla/mux"
)

// Deps are the collaborators the routes are built from
type Deps struct {
	Service      *upgrades.Service
	Statuses     monitoring.StatusCounter
	Metrics      *monitoring.Registry
	Health       *health.Aggregator
	MetricsPage  http.Handler
	Logger       *slog.Logger
	ServiceName  string
	Version      string
	AuthSecret   string
	AuthRequired bool
	// TrustedProxies may set X-Forwarded-For; nil trusts nobody
	TrustedProxies middleware.TrustedProxies
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, d Deps) {
	r.Use(
		middleware.WithRequestID(d.Logger),
		middleware.ClientAddress(d.TrustedProxies),
		middleware.Instrument(d.Metrics, d.Logger),
	)

	healthHandler := handlers.NewHealthHandler(d.Health, d.ServiceName, d.Version)
	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	if d.MetricsPage != nil {
		r.Handle("/metrics", d.MetricsPage).Methods(http.MethodGet)
	}

	upgradeHandler := handlers.NewUpgradeHandler(d.Service, d.Logger)
	dashboardHandler := handlers.NewDashboardHandler(d.Statuses, d.Metrics, d.Logger)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(d.AuthSecret, d.AuthRequired))

	// Upgrade endpoints
	api.HandleFunc("/upgrades", upgradeHandler.CreateUpgrade).Methods(http.MethodPost)
	api.HandleFunc("/upgrades/batch", upgradeHandler.CreateBatch).Methods(http.MethodPost)
	api.HandleFunc("/upgrades", upgradeHandler.ListUpgrades).Methods(http.MethodGet)
	api.HandleFunc("/upgrades/{id}", upgradeHandler.GetUpgrade).Methods(http.MethodGet)
	api.HandleFunc("/upgrades/{id}/events", upgradeHandler.GetUpgradeEvents).Methods(http.MethodGet)

	// Dashboard endpoints
	api.HandleFunc("/dashboard/summary", dashboardHandler.GetSummary).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/metrics", dashboardHandler.GetMetrics).Methods(http.MethodGet)
}
