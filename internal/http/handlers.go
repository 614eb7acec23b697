package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-forecast-api/internal/client"
	"github.com/kjstillabower/weather-forecast-api/internal/models"
	"github.com/kjstillabower/weather-forecast-api/internal/observability"
	"github.com/kjstillabower/weather-forecast-api/internal/processor"
)

// Version is reported in health and weather responses.
const Version = "1.0.0"

const (
	cacheNone       = "no-cache"
	cacheHealth     = "no-cache, no-store, must-revalidate"
	cacheWeather    = "public, max-age=60"
	cachePreflight  = "public, max-age=86400"
	preflightMaxAge = "86400"
)

// Error types returned in error bodies.
const (
	ErrTypeMethodNotAllowed = "MethodNotAllowed"
	ErrTypeNotFound         = "NotFound"
	ErrTypeWeatherService   = "WeatherServiceError"
	ErrTypeValidation       = "ValidationError"
	ErrTypeInternal         = "InternalError"
	ErrTypeCritical         = "CriticalError"
	ErrTypeRateLimited      = "RateLimited"
)

// Summarizer builds the multi-city weather summary. *processor.Processor implements it.
type Summarizer interface {
	Summary(ctx context.Context, useCache bool) (processor.Summary, error)
}

// Info is deployment metadata reported by /health.
type Info struct {
	ServiceName    string
	CompanyWebsite string
	AWSRegion      string
	CacheBackend   string
	// CacheStats, if set, is called per health request and must not block on the network.
	CacheStats func() map[string]interface{}
}

// Dispatcher routes API Gateway proxy requests. It is the single entry point for
// both the Lambda handler and the HTTP service.
type Dispatcher struct {
	summarizer Summarizer
	info       Info
	logger     *zap.Logger
	now        func() time.Time
}

// NewDispatcher returns a Dispatcher. A nil logger discards output.
func NewDispatcher(summarizer Summarizer, info Info, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if info.ServiceName == "" {
		info.ServiceName = observability.ServiceName
	}
	return &Dispatcher{
		summarizer: summarizer,
		info:       info,
		logger:     logger,
		now:        time.Now,
	}
}

func defaultHeaders() map[string]string {
	return map[string]string{
		"Content-Type":                 "application/json",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Headers": "Content-Type,X-Amz-Date,Authorization,X-Api-Key,X-Amz-Security-Token",
		"Access-Control-Allow-Methods": "GET,OPTIONS",
	}
}

// Dispatch handles one request and never panics; a recovered panic becomes a 500 CriticalError.
func (d *Dispatcher) Dispatch(ctx context.Context, req events.APIGatewayProxyRequest) (resp events.APIGatewayProxyResponse) {
	start := time.Now()
	requestID := requestIDOf(ctx, req)
	logger := observability.LoggerFromContext(ctx, d.logger).With(zap.String("request_id", requestID))
	ctx = observability.WithCorrelationID(observability.WithLogger(ctx, logger), requestID)

	method := strings.ToUpper(req.HTTPMethod)
	if method == "" {
		method = http.MethodGet
	}
	path := req.Path
	if path == "" {
		path = "/"
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic while handling request",
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			resp = d.criticalError()
		}
		observability.DispatchRequestsTotal.WithLabelValues(method, routeOf(path), strconv.Itoa(resp.StatusCode)).Inc()
		logger.Info("request completed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	switch {
	case method == http.MethodOptions:
		return d.preflight()
	case path == "/health":
		return d.health(ctx, requestID)
	case path == "/" || path == "/weather":
		if method != http.MethodGet {
			return d.errorResponse(http.StatusMethodNotAllowed, ErrTypeMethodNotAllowed,
				fmt.Sprintf("Method %s not allowed", method), requestID)
		}
		return d.weather(ctx, requestID, logger)
	default:
		return d.errorResponse(http.StatusNotFound, ErrTypeNotFound,
			fmt.Sprintf("Path %s not found", path), requestID)
	}
}

// requestIDOf prefers the Lambda request id, then API Gateway's, then X-Correlation-ID, then a new UUID.
func requestIDOf(ctx context.Context, req events.APIGatewayProxyRequest) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	if req.RequestContext.RequestID != "" {
		return req.RequestContext.RequestID
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "X-Correlation-ID") && v != "" {
			return v
		}
	}
	if id := observability.CorrelationIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.New().String()
}

// routeOf bounds the route label to known paths.
func routeOf(path string) string {
	switch path {
	case "/", "/weather", "/health":
		return path
	default:
		return "other"
	}
}

func (d *Dispatcher) preflight() events.APIGatewayProxyResponse {
	h := defaultHeaders()
	h["Access-Control-Max-Age"] = preflightMaxAge
	h["Cache-Control"] = cachePreflight
	return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Headers: h, Body: ""}
}

type healthEnvironment struct {
	CompanyWebsite  string `json:"companyWebsite"`
	AWSRegion       string `json:"awsRegion"`
	FunctionName    string `json:"functionName"`
	FunctionVersion string `json:"functionVersion"`
	MemoryLimitMB   int    `json:"memoryLimitMb"`
	CacheBackend    string `json:"cacheBackend"`

	Cache map[string]interface{} `json:"cache,omitempty"`
}

type healthResponse struct {
	Status      string            `json:"status"`
	Timestamp   string            `json:"timestamp"`
	Version     string            `json:"version"`
	Service     string            `json:"service"`
	RequestID   string            `json:"requestId"`
	Environment healthEnvironment `json:"environment"`
}

func (d *Dispatcher) health(_ context.Context, requestID string) events.APIGatewayProxyResponse {
	var stats map[string]interface{}
	if d.info.CacheStats != nil {
		stats = d.info.CacheStats()
	}
	return d.jsonResponse(http.StatusOK, cacheHealth, healthResponse{
		Status:    "healthy",
		Timestamp: d.timestamp(),
		Version:   Version,
		Service:   d.info.ServiceName,
		RequestID: requestID,
		Environment: healthEnvironment{
			CompanyWebsite:  d.info.CompanyWebsite,
			AWSRegion:       d.info.AWSRegion,
			FunctionName:    lambdacontext.FunctionName,
			FunctionVersion: lambdacontext.FunctionVersion,
			MemoryLimitMB:   lambdacontext.MemoryLimitInMB,
			CacheBackend:    d.info.CacheBackend,
			Cache:           stats,
		},
	})
}

type weatherResponse struct {
	processor.Summary
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
	Version   string `json:"version"`
	Service   string `json:"service"`
}

func (d *Dispatcher) weather(ctx context.Context, requestID string, logger *zap.Logger) events.APIGatewayProxyResponse {
	summary, err := d.summarizer.Summary(ctx, true)
	if err != nil {
		status, errType, msg := classify(err)
		logger.Error("weather summary failed",
			zap.String("error_type", errType),
			zap.String("error_category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return d.errorResponse(status, errType, msg, requestID)
	}

	cacheControl := cacheWeather
	if summary.HasErrors {
		cacheControl = cacheNone
		logger.Warn("serving partial weather summary", zap.String("status", summary.Status))
	}
	logger.Info("weather summary served", zap.Int("cities", len(summary.Cities)))
	return d.jsonResponse(http.StatusOK, cacheControl, weatherResponse{
		Summary:   summary,
		Timestamp: d.timestamp(),
		RequestID: requestID,
		Version:   Version,
		Service:   d.info.ServiceName,
	})
}

// classify maps a summary failure to status, error type and a client-safe message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, client.ErrWeatherAPI):
		return http.StatusBadGateway, ErrTypeWeatherService, "Weather service temporarily unavailable"
	case errors.Is(err, models.ErrValidation):
		return http.StatusInternalServerError, ErrTypeValidation, "Weather data validation failed"
	case errors.Is(err, processor.ErrAllCitiesFailed):
		return http.StatusBadGateway, ErrTypeWeatherService, "Weather service temporarily unavailable"
	default:
		return http.StatusInternalServerError, ErrTypeInternal, "Internal server error"
	}
}

type errorDetail struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func (d *Dispatcher) errorResponse(status int, errType, message, requestID string) events.APIGatewayProxyResponse {
	return d.jsonResponse(status, cacheNone, errorBody{Error: errorDetail{
		Type:      errType,
		Message:   message,
		Timestamp: d.timestamp(),
		RequestID: requestID,
	}})
}

func (d *Dispatcher) criticalError() events.APIGatewayProxyResponse {
	h := defaultHeaders()
	h["Cache-Control"] = cacheNone
	body, _ := json.Marshal(errorBody{Error: errorDetail{
		Type:      ErrTypeCritical,
		Message:   "Critical system error",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}})
	return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Headers: h, Body: string(body)}
}

func (d *Dispatcher) jsonResponse(status int, cacheControl string, v interface{}) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encode response: %v", err))
	}
	h := defaultHeaders()
	h["Cache-Control"] = cacheControl
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: h, Body: string(body)}
}

func (d *Dispatcher) timestamp() string {
	return d.now().UTC().Format(time.RFC3339)
}

// ServeHTTP adapts net/http to Dispatch so the service binary shares the Lambda routing.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := events.APIGatewayProxyRequest{
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
		Headers:    make(map[string]string, len(r.Header)),
	}
	for k := range r.Header {
		req.Headers[k] = r.Header.Get(k)
	}
	if q := r.URL.Query(); len(q) > 0 {
		req.QueryStringParameters = make(map[string]string, len(q))
		for k := range q {
			req.QueryStringParameters[k] = q.Get(k)
		}
	}
	if id := observability.CorrelationIDFromContext(r.Context()); id != "" {
		req.Headers["X-Correlation-ID"] = id
	}

	resp := d.Dispatch(r.Context(), req)
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the dispatcher's error body shape from net/http middleware.
func writeError(w http.ResponseWriter, r *http.Request, status int, errType, message string) {
	for k, v := range defaultHeaders() {
		w.Header().Set(k, v)
	}
	w.Header().Set("Cache-Control", cacheNone)
	writeJSON(w, status, errorBody{Error: errorDetail{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: observability.CorrelationIDFromContext(r.Context()),
	}})
}
