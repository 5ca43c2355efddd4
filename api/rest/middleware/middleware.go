// Package middleware holds the HTTP middleware chain: request ids, request
// logging, request metrics and optional bearer-token auth.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"upgrade-orchestrator/core/logging"
	"upgrade-orchestrator/core/monitoring"
	"upgrade-orchestrator/core/security"

	"github.com/gorilla/mux"
)

// RequestIDHeader is echoed on every response
const RequestIDHeader = "X-Request-ID"

// Metric names
const (
	MetricRequests        = "http_requests_total"
	MetricRequestDuration = "http_request_duration_seconds"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	subjectKey
	clientIPKey
)

// RequestID returns the request id stored on ctx
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Subject returns the authenticated subject, or "" for anonymous requests
func Subject(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey).(string)
	return sub
}

// ClientIP returns the address resolved by ClientAddress, or the peer
// address when that middleware did not run
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok && ip != "" {
		return ip
	}
	return peerHost(r)
}

func peerHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TrustedProxies are the peers whose X-Forwarded-For header is believed
type TrustedProxies []netip.Prefix

// ParseTrustedProxies accepts CIDR prefixes and bare addresses
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	proxies := make(TrustedProxies, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			proxies = append(proxies, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		proxies = append(proxies, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return proxies, nil
}

func (t TrustedProxies) trusts(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range t {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve returns the client address of r. X-Forwarded-For is only read
// when the peer is a trusted proxy, and then walked from the right so the
// result is the nearest hop no trusted proxy vouches past.
func (t TrustedProxies) Resolve(r *http.Request) string {
	client := peerHost(r)
	if !t.trusts(client) {
		return client
	}

	var hops []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(header, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if _, err := netip.ParseAddr(hop); err != nil {
			break
		}
		client = hop
		if !t.trusts(hop) {
			break
		}
	}
	return client
}

// ClientAddress stores the resolved client address on the request context
func ClientAddress(trusted TrustedProxies) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey, trusted.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithRequestID tags each request with an id, reusing a sane inbound one,
// and attaches a request-scoped logger
func WithRequestID(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 {
				nonce, err := security.GenerateNonce(8)
				if err != nil {
					nonce = strconv.FormatInt(time.Now().UnixNano(), 36)
				}
				id = nonce
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := context.WithValue(r.Context(), requestIDKey, id)
			ctx = logging.WithContext(ctx, logger.With("request_id", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Instrument logs each request and records count and latency per route
func Instrument(metrics *monitoring.Registry, fallback *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := routeTemplate(r)
			labels := map[string]string{
				"method": r.Method,
				"route":  route,
				"status": strconv.Itoa(rec.status),
			}
			metrics.IncCounter(MetricRequests, labels)
			metrics.RecordHistogram(MetricRequestDuration, elapsed.Seconds(), map[string]string{
				"method": r.Method,
				"route":  route,
			})

			logger := logging.FromContext(r.Context(), fallback)
			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", elapsed.Milliseconds(),
			)
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// Auth verifies "Authorization: Bearer <token>" with secret and stores the
// token subject on the context. An empty secret disables auth. When
// required is false, requests without a token pass through as anonymous,
// but a presented token must still be valid.
func Auth(secret string, required bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if required {
					unauthorized(w, "Missing bearer token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "Malformed authorization header")
				return
			}

			claims, err := security.VerifyToken(token, secret)
			if err != nil {
				logging.FromContext(r.Context(), nil).Info("rejected bearer token", "error", err)
				unauthorized(w, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey, claims.Subject())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
