package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the outcome of a check or of the whole report
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded is part of the wire type but is never produced: probes
	// are boolean, so there is no partial-success outcome.
	StatusDegraded Status = "degraded"
)

// Probe reports whether a dependency is usable
type Probe func(ctx context.Context) (bool, error)

// CheckResult is the outcome of one probe
type CheckResult struct {
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Report is the aggregated result of all probes
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Aggregator runs named probes and folds them into a Report
type Aggregator struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	timeout time.Duration
}

// NewAggregator creates an aggregator. Each probe is bounded by timeout
// when it is positive.
func NewAggregator(timeout time.Duration) *Aggregator {
	return &Aggregator{
		probes:  make(map[string]Probe),
		timeout: timeout,
	}
}

// Register adds or replaces the probe under name
func (a *Aggregator) Register(name string, probe Probe) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes[name] = probe
}

// Names returns registered probe names in sorted order
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.probes))
	for name := range a.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PerformHealthCheck runs every probe concurrently. A probe that errors,
// panics or returns false is unhealthy; the report is healthy only when
// every check is.
func (a *Aggregator) PerformHealthCheck(ctx context.Context) Report {
	a.mu.RLock()
	probes := make(map[string]Probe, len(a.probes))
	for name, p := range a.probes {
		probes[name] = p
	}
	a.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(probes))
	)

	g, gCtx := errgroup.WithContext(ctx)
	for name, probe := range probes {
		name, probe := name, probe
		g.Go(func() error {
			result := a.run(gCtx, probe)
			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	for _, r := range results {
		if r.Status != StatusHealthy {
			overall = StatusUnhealthy
			break
		}
	}

	return Report{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Checks:    results,
	}
}

func (a *Aggregator) run(ctx context.Context, probe Probe) (result CheckResult) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		if r := recover(); r != nil {
			result.Status = StatusUnhealthy
			result.Message = fmt.Sprintf("panic: %v", r)
		}
	}()

	ok, err := probe(ctx)
	switch {
	case err != nil:
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	case !ok:
		return CheckResult{Status: StatusUnhealthy, Message: "check failed"}
	default:
		return CheckResult{Status: StatusHealthy}
	}
}
