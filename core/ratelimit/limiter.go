package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Window is the fixed admission window tracked for one key
type Window struct {
	Count     int
	ResetTime time.Time
}

// Limiter is a per-key fixed-window rate limiter. Windows reset at fixed
// boundaries, so a client can burst up to 2x the limit across a boundary.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*Window
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, used by tests to step over window boundaries.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a new limiter
func NewLimiter(logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		windows: make(map[string]*Window),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckLimit admits or denies one request for key. A missing or expired
// window starts fresh at count 1; a live window at or above limit denies.
func (l *Limiter) CheckLimit(key string, limit int, window time.Duration) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.ResetTime) {
		l.windows[key] = &Window{Count: 1, ResetTime: now.Add(window)}
		return true
	}

	if w.Count >= limit {
		l.logger.Warn("rate limit exceeded",
			"key", key,
			"limit", limit,
			"count", w.Count,
			"reset_time", w.ResetTime,
		)
		return false
	}

	w.Count++
	return true
}

// GetRemaining returns the number of requests already USED in the live
// window for key, or 0 when no live window exists. The name is kept for
// compatibility with existing callers; it is not the remaining capacity.
func (l *Limiter) GetRemaining(key string) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.ResetTime) {
		return 0
	}
	return w.Count
}

// ResetIn returns how long until the live window for key resets.
func (l *Limiter) ResetIn(key string) time.Duration {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.ResetTime) {
		return 0
	}
	return w.ResetTime.Sub(now)
}

// Sweep drops expired windows and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.After(w.ResetTime) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
