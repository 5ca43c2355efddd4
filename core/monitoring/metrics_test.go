package monitoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"upgrade-orchestrator/core/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCounter_Accumulates(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"route": "/upgrades"}

	r.RecordCounter("x", 2, labels)
	r.RecordCounter("x", 3, map[string]string{"route": "/upgrades"})

	s, ok := r.Get("x", labels)
	require.True(t, ok)
	assert.Equal(t, 5.0, s.Value)
	assert.Equal(t, MetricCounter, s.Type)
}

func TestRecordCounter_DistinctLabelsAreDistinctSeries(t *testing.T) {
	r := NewRegistry()

	r.RecordCounter("x", 1, map[string]string{"a": "1"})
	r.RecordCounter("x", 1, map[string]string{"a": "2"})
	r.IncCounter("x", nil)

	assert.Len(t, r.GetMetrics(), 3)
}

func TestRecordGauge_Overwrites(t *testing.T) {
	r := NewRegistry()

	r.RecordGauge("y", 10, nil)
	r.RecordGauge("y", 4, nil)

	s, ok := r.Get("y", nil)
	require.True(t, ok)
	assert.Equal(t, 4.0, s.Value)
	assert.Len(t, r.GetMetrics(), 1)
}

func TestRecordHistogram_KeepsLastSample(t *testing.T) {
	r := NewRegistry()

	r.RecordHistogram("latency", 0.5, nil)
	r.RecordHistogram("latency", 0.2, nil)

	s, ok := r.Get("latency", nil)
	require.True(t, ok)
	assert.Equal(t, 0.2, s.Value)
	assert.Equal(t, MetricHistogram, s.Type)
}

func TestMetricKey_SortsLabels(t *testing.T) {
	a := MetricKey("m", map[string]string{"b": "2", "a": "1"})
	b := MetricKey("m", map[string]string{"a": "1", "b": "2"})

	assert.Equal(t, a, b)
	assert.Equal(t, "m{a=1,b=2}", a)
	assert.Equal(t, "m", MetricKey("m", nil))
}

func TestGetMetrics_ReturnsCopies(t *testing.T) {
	r := NewRegistry()
	r.RecordGauge("g", 1, map[string]string{"k": "v"})

	snapshot := r.GetMetrics()
	snapshot[0].Labels["k"] = "mutated"

	s, _ := r.Get("g", map[string]string{"k": "v"})
	assert.Equal(t, "v", s.Labels["k"])
}

type fakeStatusCounter struct {
	counts map[models.UpgradeStatus]int
	err    error
}

func (f *fakeStatusCounter) CountByStatus(context.Context) (map[models.UpgradeStatus]int, error) {
	return f.counts, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMetricsExporter_Collect(t *testing.T) {
	r := NewRegistry()
	r.RecordCounter("upgrades_created_total", 2, map[string]string{"ecosystem": "rust"})
	r.RecordGauge("queue_depth", 7, nil)

	exporter := NewMetricsExporter(r, "speccursor", nil, discardLogger())

	expected := `
# HELP speccursor_queue_depth Gauge queue_depth
# TYPE speccursor_queue_depth gauge
speccursor_queue_depth 7
# HELP speccursor_upgrades_created_total Counter upgrades_created_total
# TYPE speccursor_upgrades_created_total counter
speccursor_upgrades_created_total{ecosystem="rust"} 2
`
	err := testutil.CollectAndCompare(exporter, strings.NewReader(expected))
	assert.NoError(t, err)
}

func TestMetricsExporter_RefreshesStatusGauges(t *testing.T) {
	r := NewRegistry()
	counter := &fakeStatusCounter{counts: map[models.UpgradeStatus]int{
		models.UpgradeStatusPending:   3,
		models.UpgradeStatusCompleted: 1,
	}}
	exporter := NewMetricsExporter(r, "", counter, discardLogger())

	assert.Equal(t, 4, testutil.CollectAndCount(exporter, "upgrades_by_status"))

	s, ok := r.Get("upgrades_by_status", map[string]string{"status": "pending"})
	require.True(t, ok)
	assert.Equal(t, 3.0, s.Value)

	s, ok = r.Get("upgrades_by_status", map[string]string{"status": "failed"})
	require.True(t, ok)
	assert.Equal(t, 0.0, s.Value)
}

func TestMetricsExporter_StatusCounterErrorIsTolerated(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("requests", nil)
	exporter := NewMetricsExporter(r, "", &fakeStatusCounter{err: errors.New("db down")}, discardLogger())

	assert.Equal(t, 1, testutil.CollectAndCount(exporter))
}

func TestMetricsExporter_Handler(t *testing.T) {
	r := NewRegistry()
	r.RecordHistogram("http request duration", 0.25, map[string]string{"route": "/health"})

	exporter := NewMetricsExporter(r, "speccursor", nil, discardLogger())
	handler, err := exporter.Handler()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `speccursor_http_request_duration{route="/health"} 0.25`)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "http_requests_total", sanitizeName("http_requests_total"))
	assert.Equal(t, "a_b_c", sanitizeName("a-b.c"))
	assert.Equal(t, "_lives", sanitizeName("9lives"))
	assert.Equal(t, "unnamed", sanitizeName("  "))
}
