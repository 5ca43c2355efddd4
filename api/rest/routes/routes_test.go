package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"upgrade-orchestrator/api/rest/middleware"
	"upgrade-orchestrator/core/audit"
	"upgrade-orchestrator/core/health"
	"upgrade-orchestrator/core/monitoring"
	"upgrade-orchestrator/core/queue"
	"upgrade-orchestrator/core/ratelimit"
	"upgrade-orchestrator/core/repository"
	"upgrade-orchestrator/core/retry"
	"upgrade-orchestrator/core/security"
	"upgrade-orchestrator/core/upgrades"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testServer struct {
	router  *mux.Router
	store   *repository.MemoryRepository
	queue   *queue.MemoryQueue
	metrics *monitoring.Registry
	health  *health.Aggregator
}

func newTestServer(t *testing.T, rateLimit int, authRequired bool) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{
		router:  mux.NewRouter(),
		store:   repository.NewMemoryRepository(),
		queue:   queue.NewMemoryQueue(time.Minute, 0),
		metrics: monitoring.NewRegistry(),
		health:  health.NewAggregator(time.Second),
	}
	ts.health.Register("store", func(context.Context) (bool, error) { return true, nil })

	svc := upgrades.NewService(ts.store, ts.queue, ratelimit.NewLimiter(logger), audit.NewTrail(logger),
		ts.metrics, logger, upgrades.Config{
			RateLimit:  rateLimit,
			RateWindow: time.Minute,
			Retry:      retry.Config{MaxRetries: 1, Delay: time.Millisecond},
		})

	exporter := monitoring.NewMetricsExporter(ts.metrics, "upgrade_orchestrator", ts.store, logger)
	page, err := exporter.Handler()
	require.NoError(t, err)

	SetupRoutes(ts.router, Deps{
		Service:      svc,
		Statuses:     ts.store,
		Metrics:      ts.metrics,
		Health:       ts.health,
		MetricsPage:  page,
		Logger:       logger,
		ServiceName:  "upgrade-orchestrator",
		Version:      "test",
		AuthSecret:   testSecret,
		AuthRequired: authRequired,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const serdeBody = `{"repository":"acme/api","ecosystem":"rust","packageName":"serde","currentVersion":"1.0.0","targetVersion":"1.0.5"}`

func TestCreateAndGetUpgrade(t *testing.T) {
	ts := newTestServer(t, 0, false)

	rec := ts.do(t, http.MethodPost, "/api/v1/upgrades", serdeBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	created := decode(t, rec)
	assert.Equal(t, "pending", created["status"])
	id, _ := created["id"].(string)
	_, err := uuid.Parse(id)
	require.NoError(t, err)

	rec = ts.do(t, http.MethodGet, "/api/v1/upgrades/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, "serde", got["packageName"])
	assert.Equal(t, "rust", got["ecosystem"])
	assert.Equal(t, "1.0.5", got["targetVersion"])
	assert.NotContains(t, got, "completedAt")

	rec = ts.do(t, http.MethodGet, "/api/v1/upgrades/"+id+"/events", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode(t, rec)["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "pending", items[0].(map[string]interface{})["toStatus"])

	assert.Equal(t, 1, ts.queue.Len())
}

func TestCreateUpgrade_Validation(t *testing.T) {
	ts := newTestServer(t, 0, false)

	rec := ts.do(t, http.MethodPost, "/api/v1/upgrades",
		`{"repository":"acme/api","ecosystem":"java","packageName":"junit","currentVersion":"4","targetVersion":"5"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode(t, rec)
	errs := body["errors"].([]interface{})
	require.Len(t, errs, 1)
	assert.Equal(t, "ecosystem", errs[0].(map[string]interface{})["field"])
	assert.Equal(t, "Validation failed", body["message"])

	rec = ts.do(t, http.MethodPost, "/api/v1/upgrades", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, ts.queue.Len())
}

func TestGetUpgrade_NotFound(t *testing.T) {
	ts := newTestServer(t, 0, false)

	rec := ts.do(t, http.MethodGet, "/api/v1/upgrades/"+uuid.NewString(), "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["error"])
}

func TestCreateUpgrade_RateLimited(t *testing.T) {
	ts := newTestServer(t, 3, false)

	// rotating forwarded addresses from an untrusted peer share one key
	for i := 0; i < 3; i++ {
		header := http.Header{"X-Forwarded-For": {fmt.Sprintf("203.0.113.%d", i)}}
		rec := ts.do(t, http.MethodPost, "/api/v1/upgrades", serdeBody, header)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	header := http.Header{"X-Forwarded-For": {"198.51.100.77"}}
	rec := ts.do(t, http.MethodPost, "/api/v1/upgrades", serdeBody, header)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode(t, rec)["error"])
}

func TestListUpgrades(t *testing.T) {
	ts := newTestServer(t, 0, false)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/upgrades", serdeBody, nil).Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/upgrades?page=1&limit=2&status=pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["upgrades"], 2)
	assert.Equal(t, map[string]interface{}{"page": 1.0, "limit": 2.0, "total": 2.0}, body["pagination"])

	rec = ts.do(t, http.MethodGet, "/api/v1/upgrades?status=completed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["upgrades"])

	rec = ts.do(t, http.MethodGet, "/api/v1/upgrades?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBatch(t *testing.T) {
	ts := newTestServer(t, 0, false)
	manifest := `
repository: acme/api
upgrades:
  - ecosystem: node
    package: express
    from: 4.18.0
    to: 4.19.2
  - ecosystem: java
    package: junit
    from: 4.0.0
    to: 5.0.0
`
	rec := ts.do(t, http.MethodPost, "/api/v1/upgrades/batch", manifest, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, 1.0, body["created"])
	assert.Equal(t, 1.0, body["failed"])
	results := body["results"].([]interface{})
	require.Len(t, results, 2)
	assert.Equal(t, "pending", results[0].(map[string]interface{})["status"])
	assert.Equal(t, "validation", results[1].(map[string]interface{})["error"])

	rec = ts.do(t, http.MethodPost, "/api/v1/upgrades/batch", "repository: x\n", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBatch_CountsOnceAgainstRateLimit(t *testing.T) {
	ts := newTestServer(t, 2, false)
	manifest := `
repository: acme/api
upgrades:
  - {ecosystem: node, package: express, from: 4.18.0, to: 4.19.2}
  - {ecosystem: go, package: chi, from: 5.0.0, to: 5.0.12}
  - {ecosystem: rust, package: serde, from: 1.0.0, to: 1.0.5}
`
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/api/v1/upgrades/batch", manifest, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, 3.0, decode(t, rec)["created"])
	}

	rec := ts.do(t, http.MethodPost, "/api/v1/upgrades/batch", manifest, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 6, ts.queue.Len())
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, 0, true)

	rec := ts.do(t, http.MethodGet, "/api/v1/upgrades", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/upgrades", "", http.Header{"Authorization": {"Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := security.GenerateToken(map[string]interface{}{"sub": "alice"}, testSecret, "1h")
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/api/v1/upgrades", "", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code)

	// health stays public
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "", nil).Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 0, false)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "upgrade-orchestrator", body["service"])
	assert.Contains(t, body["checks"], "store")

	ts.health.Register("queue", func(context.Context) (bool, error) { return false, nil })
	rec = ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode(t, rec)["status"])
}

func TestMetricsAndDashboard(t *testing.T) {
	ts := newTestServer(t, 0, false)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/upgrades", serdeBody, nil).Code)

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "upgrade_orchestrator_upgrades_created_total")
	assert.Contains(t, rec.Body.String(), "upgrade_orchestrator_http_requests_total")

	rec = ts.do(t, http.MethodGet, "/api/v1/dashboard/summary", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	ups := body["upgrades"].(map[string]interface{})
	assert.Equal(t, 1.0, ups["total"])
	assert.Equal(t, 1.0, ups["byStatus"].(map[string]interface{})["pending"])
	assert.Equal(t, 1.0, body["intake"].(map[string]interface{})["created"])

	_, ok := ts.metrics.Get(middleware.MetricRequests, map[string]string{
		"method": http.MethodPost,
		"route":  "/api/v1/upgrades",
		"status": "201",
	})
	assert.True(t, ok)
}
