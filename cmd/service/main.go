package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-forecast-api/internal/app"
	"github.com/kjstillabower/weather-forecast-api/internal/config"
	httphandler "github.com/kjstillabower/weather-forecast-api/internal/http"
	"github.com/kjstillabower/weather-forecast-api/internal/observability"
)

const (
	startupWarmTimeout    = 30 * time.Second
	inFlightCheckInterval = 100 * time.Millisecond
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("initialize application", zap.Error(err))
	}

	warmCtx, cancelWarm := context.WithCancel(context.Background())
	defer cancelWarm()
	if a.Warmer != nil {
		if err := a.WarmOnce(warmCtx, startupWarmTimeout); err != nil {
			logger.Warn("startup cache warming failed", zap.Error(err))
		}
		if err := a.Warmer.Start(warmCtx); err != nil {
			logger.Fatal("cache warmer", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      newRouter(a, cfg, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.WeatherAPITimeout + 10*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.InFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, inFlightCheckInterval, logger); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if a.Warmer != nil {
		stopped := a.Warmer.Stop()
		select {
		case <-stopped.Done():
		case <-shutdownCtx.Done():
			logger.Warn("cache warming still running at shutdown, cancelling")
			cancelWarm()
		}
	}

	if err := a.Close(); err != nil {
		logger.Error("cache close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newRouter mounts /metrics and sends every other path through the dispatcher,
// which owns routing, CORS and error bodies.
func newRouter(a *app.App, cfg *config.Config, logger *zap.Logger) *mux.Router {
	var limiter *rate.Limiter
	if cfg.ServerRateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ServerRateLimitRPS), cfg.ServerRateLimitBurst)
	}

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.Handle("/metrics", observability.MetricsHandler())

	api := router.PathPrefix("/").Subrouter()
	api.Use(httphandler.InFlightMiddleware)
	api.Use(httphandler.RateLimitMiddleware(limiter))
	api.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	api.PathPrefix("/").Handler(a.Dispatcher)
	return router
}
