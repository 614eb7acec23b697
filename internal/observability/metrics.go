package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate on the service binary. Watch for: sudden drops (service down) or spikes.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for: p95/p99 increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Inbound requests rejected by the service rate limiter.
	RateLimitDeniedTotal prometheus.Counter

	// Dispatched requests by route and status; recorded for Lambda and the service binary alike.
	DispatchRequestsTotal *prometheus.CounterVec

	// met.no call rate by outcome. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// met.no latency per attempt. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for met.no. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Final met.no failures by category (see client.CategorizeError).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Client-side rate limiter waits longer than a millisecond.
	RateLimitWaitsTotal prometheus.Counter

	// Time spent waiting on the client-side rate limiter.
	RateLimitWaitDuration prometheus.Histogram

	// Circuit breaker state: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState prometheus.Gauge

	// Cache hits by backend.
	CacheHitsTotal *prometheus.CounterVec

	// Cache misses by backend, including expired entries.
	CacheMissesTotal *prometheus.CounterVec

	// Cache failures by backend and operation. Never surfaced to callers.
	CacheErrorsTotal *prometheus.CounterVec

	// Per-city pipeline outcomes (cache_hit, fetched, failed).
	// City ids come from configuration, so cardinality is bounded.
	CityProcessingTotal *prometheus.CounterVec

	// Scheduled cache warm runs by outcome.
	CacheWarmRunsTotal *prometheus.CounterVec
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	DispatchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchRequestsTotal",
			Help: "Total number of requests handled by the dispatcher",
		},
		[]string{"method", "route", "statusCode"},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of met.no API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "met.no API latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for met.no API calls",
		},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Total number of failed met.no fetches by error category",
		},
		[]string{"category"},
	)
	RateLimitWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitWaitsTotal",
			Help: "Total number of times a fetch waited on the client rate limiter",
		},
	)
	RateLimitWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rateLimitWaitDurationSeconds",
			Help:    "Time spent waiting on the client rate limiter",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5},
		},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "met.no circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits",
		},
		[]string{"backend"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of cache misses, including expired entries",
		},
		[]string{"backend"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Total number of cache operation failures",
		},
		[]string{"backend", "operation"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Inbound requests rejected by the service rate limiter",
		},
	)
	CityProcessingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cityProcessingTotal",
			Help: "Per-city pipeline outcomes",
		},
		[]string{"city", "outcome"},
	)
	CacheWarmRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheWarmRunsTotal",
			Help: "Scheduled cache warm runs by outcome",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		DispatchRequestsTotal, RateLimitDeniedTotal,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, WeatherAPIErrorsTotal,
		RateLimitWaitsTotal, RateLimitWaitDuration, CircuitBreakerState,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal,
		CityProcessingTotal, CacheWarmRunsTotal,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
