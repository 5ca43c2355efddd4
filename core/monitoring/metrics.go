package monitoring

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType is the kind of a recorded sample
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// MetricSample is one stored metric value
type MetricSample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Type      MetricType        `json:"type"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Registry is an in-memory metrics store keyed by name plus canonical labels.
// Counters accumulate; gauges and histogram samples overwrite.
type Registry struct {
	mu      sync.Mutex
	samples map[string]*MetricSample
	now     func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		samples: make(map[string]*MetricSample),
		now:     time.Now,
	}
}

// RecordCounter adds value to the counter for name+labels, creating it at
// value when absent.
func (r *Registry) RecordCounter(name string, value float64, labels map[string]string) {
	key := MetricKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.samples[key]; ok && s.Type == MetricCounter {
		s.Value += value
		s.Timestamp = r.now()
		return
	}
	r.samples[key] = &MetricSample{
		Name:      name,
		Value:     value,
		Type:      MetricCounter,
		Labels:    copyLabels(labels),
		Timestamp: r.now(),
	}
}

// IncCounter records a counter increment of 1.
func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.RecordCounter(name, 1, labels)
}

// RecordGauge overwrites the gauge for name+labels.
func (r *Registry) RecordGauge(name string, value float64, labels map[string]string) {
	r.set(name, value, MetricGauge, labels)
}

// RecordHistogram stores the latest observation for name+labels. Only the
// last sample is kept; there are no buckets or quantiles.
func (r *Registry) RecordHistogram(name string, value float64, labels map[string]string) {
	r.set(name, value, MetricHistogram, labels)
}

func (r *Registry) set(name string, value float64, typ MetricType, labels map[string]string) {
	key := MetricKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[key] = &MetricSample{
		Name:      name,
		Value:     value,
		Type:      typ,
		Labels:    copyLabels(labels),
		Timestamp: r.now(),
	}
}

// GetMetrics returns a snapshot of all samples in no particular order.
func (r *Registry) GetMetrics() []MetricSample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]MetricSample, 0, len(r.samples))
	for _, s := range r.samples {
		cp := *s
		cp.Labels = copyLabels(s.Labels)
		out = append(out, cp)
	}
	return out
}

// Get returns the sample stored under name+labels.
func (r *Registry) Get(name string, labels map[string]string) (MetricSample, bool) {
	key := MetricKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.samples[key]
	if !ok {
		return MetricSample{}, false
	}
	cp := *s
	cp.Labels = copyLabels(s.Labels)
	return cp, true
}

// Reset clears all samples
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = make(map[string]*MetricSample)
}

// MetricKey renders the canonical key: name, then labels sorted by key as
// k=v pairs joined by commas, e.g. "http_requests{method=GET,status=200}".
func MetricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + labels[k]
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func copyLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
