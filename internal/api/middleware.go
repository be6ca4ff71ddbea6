package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ismaeldosil/valerie-gateway/internal/auth"
	"github.com/ismaeldosil/valerie-gateway/internal/metrics"
	"github.com/ismaeldosil/valerie-gateway/internal/ratelimit"
	"github.com/ismaeldosil/valerie-gateway/internal/telemetry"
)

type requestIDKey struct{}

// RequestIDFromContext returns the request ID stamped by the middleware,
// empty when called outside a request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// withRequestID honors a caller-supplied X-Request-ID and generates one
// otherwise. The ID is echoed on the response and carried in the context for
// logging and usage records.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// withTracing opens one span per request. The span lives in the request
// context so downstream layers can annotate it and the access log can pick
// up the trace ID.
func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartSpan(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for the access log. Flush is
// forwarded so SSE streaming keeps working through the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
			}
			if traceID := telemetry.GetTraceID(r.Context()); traceID != "" {
				attrs = append(attrs, "trace_id", traceID)
			}
			logger.Info("request", attrs...)
		})
	}
}

// withRateLimit admits each request against the sliding windows. The
// authenticated tenant is the preferred identity; unauthenticated requests
// fall back to headers and the peer address. A limiter failure admits the
// request: admission control must not take the gateway down with it.
func withRateLimit(limiter ratelimit.Limiter, excludePaths []string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || excludedPath(r.URL.Path, excludePaths) {
				next.ServeHTTP(w, r)
				return
			}

			identity := rateLimitIdentity(r)
			decision, err := limiter.Allow(r.Context(), identity)
			if err != nil {
				logger.Warn("rate limiter failed, admitting request", "identity", identity, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				metrics.RecordRateLimitDenial(denialWindow(decision.RetryAfter))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate_limit_exceeded",
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitIdentity(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.Tenant != "" {
		return "tenant:" + identity.Tenant
	}
	return ratelimit.IdentityFromRequest(r)
}

// denialWindow labels the denial metric with the window that blocked: waits
// longer than a minute can only come from the hour window.
func denialWindow(retryAfter time.Duration) string {
	if retryAfter > time.Minute {
		return "hour"
	}
	return "minute"
}

func excludedPath(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
