package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-forecast-api/internal/observability"
)

// maxCorrelationIDLen bounds client-supplied ids before they reach logs and response bodies.
const maxCorrelationIDLen = 128

// correlationIDOf returns the caller's X-Correlation-ID or X-Request-ID when usable, else a new UUID.
func correlationIDOf(r *http.Request) string {
	for _, h := range []string{"X-Correlation-ID", "X-Request-ID"} {
		if id := r.Header.Get(h); id != "" && len(id) <= maxCorrelationIDLen && printable(id) {
			return id
		}
	}
	return uuid.New().String()
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// CorrelationIDMiddleware echoes the request's correlation id in X-Correlation-ID and
// stores it, with a logger tagged by it, in the request context. The dispatcher uses it
// as the request id.
func CorrelationIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := correlationIDOf(r)
			w.Header().Set("X-Correlation-ID", id)
			ctx := observability.WithLogger(
				observability.WithCorrelationID(r.Context(), id),
				logger.With(zap.String("correlation_id", id)),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// responseObserver captures the status the handler wrote; 200 if it never called WriteHeader.
type responseObserver struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (o *responseObserver) WriteHeader(code int) {
	if !o.wroteHeader {
		o.status = code
		o.wroteHeader = true
	}
	o.ResponseWriter.WriteHeader(code)
}

func (o *responseObserver) Write(b []byte) (int, error) {
	if !o.wroteHeader {
		o.WriteHeader(http.StatusOK)
	}
	return o.ResponseWriter.Write(b)
}

// MetricsMiddleware records request count, latency and in-flight gauge per bounded route label.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		observability.HTTPRequestsInFlight.Inc()
		defer observability.HTTPRequestsInFlight.Dec()

		start := time.Now()
		obs := &responseObserver{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(obs, r)

		route := getRoute(r)
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCodeString(obs.status)).Inc()
	})
}

// InFlightMiddleware counts requests in the process-wide tracker drained at shutdown.
func InFlightMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		globalInFlightTracker.begin()
		defer globalInFlightTracker.end()
		next.ServeHTTP(w, r)
	})
}

// getRoute extends the dispatcher's route labels with /metrics.
func getRoute(r *http.Request) string {
	if r.URL.Path == "/metrics" {
		return "/metrics"
	}
	return routeOf(r.URL.Path)
}

// statusCodeString groups a status into its class, e.g. 404 -> "4xx".
func statusCodeString(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// TimeoutMiddleware gives each request a deadline; the summary sees context.DeadlineExceeded
// once it passes. A non-positive timeout disables it.
func TimeoutMiddleware(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware answers 429 RateLimited once the bucket is empty. A nil limiter disables it.
func RateLimitMiddleware(limiter *rate.Limiter) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter.Allow() {
				next.ServeHTTP(w, r)
				return
			}
			observability.RateLimitDeniedTotal.Inc()
			observability.LoggerFromContext(r.Context(), zap.NewNop()).Debug("inbound rate limit exceeded",
				zap.String("path", r.URL.Path))
			writeError(w, r, http.StatusTooManyRequests, ErrTypeRateLimited, "Too many requests")
		})
	}
}
