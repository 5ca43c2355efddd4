package monitoring

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"upgrade-orchestrator/core/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusCounter reports how many upgrade records are in each status
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.UpgradeStatus]int, error)
}

// MetricsExporter exposes the registry in Prometheus text format. It
// implements prometheus.Collector as an unchecked collector because the
// registry's label sets are open-ended.
type MetricsExporter struct {
	registry  *Registry
	namespace string
	statuses  StatusCounter
	logger    *slog.Logger
}

// NewMetricsExporter creates a new metrics exporter. statuses may be nil.
func NewMetricsExporter(registry *Registry, namespace string, statuses StatusCounter, logger *slog.Logger) *MetricsExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsExporter{
		registry:  registry,
		namespace: namespace,
		statuses:  statuses,
		logger:    logger,
	}
}

// Describe sends nothing, which marks the collector as unchecked.
func (me *MetricsExporter) Describe(chan<- *prometheus.Desc) {}

// Collect converts the registry snapshot into constant metrics.
// Histogram samples are exported as gauges because only the last
// observation is stored.
func (me *MetricsExporter) Collect(ch chan<- prometheus.Metric) {
	me.refreshStatusGauges()

	for _, s := range me.registry.GetMetrics() {
		name := prometheus.BuildFQName(me.namespace, "", sanitizeName(s.Name))

		labelNames := make([]string, 0, len(s.Labels))
		labelValues := make([]string, 0, len(s.Labels))
		for k, v := range s.Labels {
			labelNames = append(labelNames, sanitizeName(k))
			labelValues = append(labelValues, v)
		}

		valueType := prometheus.GaugeValue
		help := "Gauge " + s.Name
		switch s.Type {
		case MetricCounter:
			valueType = prometheus.CounterValue
			help = "Counter " + s.Name
		case MetricHistogram:
			help = "Last observed sample of " + s.Name
		}

		desc := prometheus.NewDesc(name, help, labelNames, nil)
		m, err := prometheus.NewConstMetric(desc, valueType, s.Value, labelValues...)
		if err != nil {
			me.logger.Warn("skipping metric", "name", s.Name, "error", err)
			continue
		}
		ch <- m
	}
}

// refreshStatusGauges records upgrades_by_status{status=...} from the store
func (me *MetricsExporter) refreshStatusGauges() {
	if me.statuses == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	counts, err := me.statuses.CountByStatus(ctx)
	if err != nil {
		me.logger.Warn("failed to count upgrades by status", "error", err)
		return
	}
	for _, status := range models.AllStatuses {
		me.registry.RecordGauge("upgrades_by_status", float64(counts[status]), map[string]string{
			"status": string(status),
		})
	}
}

// Handler returns an http.Handler serving the exposition. Gathering
// continues past inconsistent families so one bad sample cannot blank the
// whole endpoint.
func (me *MetricsExporter) Handler() (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(me); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}), nil
}

// sanitizeName maps a registry name onto the Prometheus name charset
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unnamed"
	}
	var b strings.Builder
	for i, r := range name {
		valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (r >= '0' && r <= '9' && i > 0)
		if valid {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
