package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-forecast-api/internal/forecast"
	"github.com/kjstillabower/weather-forecast-api/internal/models"
	"github.com/kjstillabower/weather-forecast-api/internal/observability"
)

// DefaultBaseURL is the met.no Locationforecast 2.0 compact endpoint.
const DefaultBaseURL = "https://api.met.no/weatherapi/locationforecast/2.0/compact"

const maxResponseBytes = 8 << 20

// WeatherClient fetches raw forecasts for a position.
type WeatherClient interface {
	Fetch(ctx context.Context, q Query) (*forecast.Payload, error)
}

// Query is a forecast request. Altitude is metres above sea level and optional.
type Query struct {
	Latitude  float64
	Longitude float64
	Altitude  *int
}

// Validate checks coordinate and altitude ranges.
func (q Query) Validate() error {
	if err := (models.Coordinates{Latitude: q.Latitude, Longitude: q.Longitude}).Validate(); err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidArgument, err)
	}
	if q.Altitude != nil && (*q.Altitude < -500 || *q.Altitude > 9000) {
		return fmt.Errorf("%w: altitude must be between -500 and 9000, got %d", models.ErrInvalidArgument, *q.Altitude)
	}
	return nil
}

// Options configures a MetNoClient. Zero values fall back to defaults.
type Options struct {
	BaseURL        string
	CompanyWebsite string
	// Timeout bounds a single attempt.
	Timeout time.Duration

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxElapsed bounds the whole retry sequence including waits.
	MaxElapsed time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	BreakerFailureThreshold uint32
	BreakerTimeout          time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.CompanyWebsite == "" {
		o.CompanyWebsite = "example.com"
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.MaxElapsed <= 0 {
		o.MaxElapsed = 60 * time.Second
	}
	if o.RateLimitRPS <= 0 {
		o.RateLimitRPS = 1
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 1
	}
	if o.BreakerFailureThreshold == 0 {
		o.BreakerFailureThreshold = 5
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// MetNoClient talks to the met.no Locationforecast API. Safe for concurrent use;
// the rate limiter and breaker are private to the instance.
type MetNoClient struct {
	baseURL   *url.URL
	userAgent string
	opts      Options
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewMetNoClient returns a client for opts.BaseURL.
func NewMetNoClient(opts Options) (*MetNoClient, error) {
	opts = opts.withDefaults()
	baseURL, err := url.Parse(opts.BaseURL)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: invalid weather API URL %q", models.ErrInvalidArgument, opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &MetNoClient{
		baseURL:   baseURL,
		userAgent: fmt.Sprintf("weather-forecast-app/1.0 (+https://%s)", opts.CompanyWebsite),
		opts:      opts,
		client:    httpClient,
		limiter:   rate.NewLimiter(rate.Limit(opts.RateLimitRPS), opts.RateLimitBurst),
		logger:    opts.Logger,
		sleep:     sleepContext,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "met.no",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			observability.CircuitBreakerState.Set(float64(to))
		},
	})
	return c, nil
}

// Fetch returns the raw forecast for q. Invalid coordinates fail before any network call.
// All other failures are *APIError values matching ErrWeatherAPI.
func (c *MetNoClient) Fetch(ctx context.Context, q Query) (*forecast.Payload, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	logger := observability.LoggerFromContext(ctx, c.logger)

	var (
		payload *forecast.Payload
		lastErr error
	)
	_, execErr := c.breaker.Execute(func() (interface{}, error) {
		payload, lastErr = c.fetchWithRetry(ctx, q)
		if lastErr != nil && tripsBreaker(ctx, lastErr) {
			return nil, lastErr
		}
		return nil, nil
	})
	if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
		lastErr = newAPIError(ErrConnection, 0, "weather API circuit open", execErr)
	}
	if lastErr != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
		logger.Error("weather API fetch failed",
			zap.Float64("lat", q.Latitude),
			zap.Float64("lon", q.Longitude),
			zap.String("category", string(CategorizeError(lastErr))),
			zap.Error(lastErr))
		return nil, lastErr
	}
	return payload, nil
}

// tripsBreaker reports whether err reflects upstream health rather than a caller mistake
// or a caller-side cancellation.
func tripsBreaker(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrRateLimited) || statusOf(err) >= 500
}

func (c *MetNoClient) fetchWithRetry(ctx context.Context, q Query) (*forecast.Payload, error) {
	logger := observability.LoggerFromContext(ctx, c.logger)
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.calculateBackoff(attempt - 1)
			if hint := retryAfterOf(lastErr); hint > delay {
				delay = hint
			}
			if time.Since(start)+delay > c.opts.MaxElapsed {
				logger.Warn("weather API retry budget exhausted",
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Duration("elapsed", time.Since(start)))
				break
			}
			observability.WeatherAPIRetriesTotal.Inc()
			logger.Info("retrying weather API call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, newAPIError(ErrConnection, 0, "request cancelled", err)
			}
		}

		payload, err := c.callAPI(ctx, q, attempt)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, unwrapRetryable(err)
		}
	}

	var rs *retryableStatus
	if errors.As(lastErr, &rs) && rs.status == http.StatusTooManyRequests {
		return nil, newAPIError(ErrRateLimited, rs.status, "rate limit exceeded after retries", nil)
	}
	return nil, unwrapRetryable(lastErr)
}

func (c *MetNoClient) callAPI(ctx context.Context, q Query, attempt int) (*forecast.Payload, error) {
	logger := observability.LoggerFromContext(ctx, c.logger)

	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, newAPIError(ErrConnection, 0, "rate limiter wait aborted", err)
	}
	if waited := time.Since(waitStart); waited > time.Millisecond {
		observability.RateLimitWaitsTotal.Inc()
		observability.RateLimitWaitDuration.Observe(waited.Seconds())
		logger.Debug("rate limiter delayed weather API call", zap.Duration("waited", waited))
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, q)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return nil, newAPIError(ErrWeatherAPI, 0, "build request", err)
	}

	logger.Debug("calling weather API", zap.String("url", req.URL.String()), zap.Int("attempt", attempt))

	resp, err := c.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &retryableStatus{err: newAPIError(ErrConnection, 0, "request timeout", err)}
		}
		if ctx.Err() != nil {
			return nil, newAPIError(ErrConnection, 0, "request cancelled", ctx.Err())
		}
		return nil, &retryableStatus{err: newAPIError(ErrConnection, 0, "http request failed", err)}
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		logger.Warn("weather API returned error status",
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", attempt))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &retryableStatus{err: newAPIError(ErrConnection, resp.StatusCode, "read response body", err)}
	}

	var payload forecast.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, newAPIError(ErrMalformedResponse, resp.StatusCode, "parse response", err)
	}
	if payload.Properties == nil || payload.Properties.Timeseries == nil {
		return nil, newAPIError(ErrMalformedResponse, resp.StatusCode, "missing properties.timeseries", nil)
	}

	logger.Debug("weather API call succeeded",
		zap.Int("entries", len(payload.Properties.Timeseries)),
		zap.Duration("duration", time.Since(start)))
	return &payload, nil
}

func (c *MetNoClient) buildRequest(ctx context.Context, q Query) (*http.Request, error) {
	u := *c.baseURL
	params := u.Query()
	params.Set("lat", strconv.FormatFloat(q.Latitude, 'f', 4, 64))
	params.Set("lon", strconv.FormatFloat(q.Longitude, 'f', 4, 64))
	if q.Altitude != nil {
		params.Set("altitude", strconv.Itoa(*q.Altitude))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

// retryableStatus marks a transient attempt failure. Only the retry loop sees it.
type retryableStatus struct {
	err        *APIError
	status     int
	retryAfter time.Duration
}

func (r *retryableStatus) Error() string { return r.err.Error() }
func (r *retryableStatus) Unwrap() error { return r.err }

func handleErrorResponse(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return &retryableStatus{
			err:        newAPIError(ErrRateLimited, code, "rate limit exceeded", nil),
			status:     code,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case code >= 500:
		return &retryableStatus{err: newAPIError(ErrWeatherAPI, code, "upstream server error", nil), status: code}
	default:
		return newAPIError(ErrWeatherAPI, code, "unexpected response status", nil)
	}
}

func isRetryable(err error) bool {
	var r *retryableStatus
	return errors.As(err, &r)
}

func unwrapRetryable(err error) error {
	var r *retryableStatus
	if errors.As(err, &r) {
		return r.err
	}
	return err
}

func retryAfterOf(err error) time.Duration {
	var r *retryableStatus
	if errors.As(err, &r) {
		return r.retryAfter
	}
	return 0
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// calculateBackoff returns base*2^(retry-1) capped at MaxDelay, plus up to 10% jitter.
func (c *MetNoClient) calculateBackoff(retry int) time.Duration {
	delay := float64(c.opts.BaseDelay) * math.Pow(2, float64(retry-1))
	if delay > float64(c.opts.MaxDelay) {
		delay = float64(c.opts.MaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
