package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-forecast-api/internal/observability"
)

// Refresher re-fetches every configured city and writes it to the store.
// Implemented by the processor; declared here so cache does not import it.
type Refresher interface {
	RefreshAll(ctx context.Context) (succeeded, failed int, err error)
}

// Warmer refreshes the cache on a cron schedule. Overlapping runs are skipped.
type Warmer struct {
	refresher Refresher
	schedule  string
	logger    *zap.Logger
	cron      *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewWarmer validates schedule (standard five-field cron, or descriptors like "@every 30m").
func NewWarmer(refresher Refresher, schedule string, logger *zap.Logger) (*Warmer, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid warm schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{
		refresher: refresher,
		schedule:  schedule,
		logger:    logger,
		cron:      cron.New(cron.WithLocation(time.UTC)),
	}, nil
}

// Warm runs one refresh. Returns an error only if every city failed.
// A call made while another run is in progress is skipped.
func (w *Warmer) Warm(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		observability.CacheWarmRunsTotal.WithLabelValues("skipped").Inc()
		w.logger.Info("cache warm already running, skipping")
		return nil
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	start := time.Now()
	w.logger.Info("warming cache")
	succeeded, failed, err := w.refresher.RefreshAll(ctx)
	fields := []zap.Field{
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Duration("duration", time.Since(start)),
	}
	switch {
	case err != nil:
		observability.CacheWarmRunsTotal.WithLabelValues("failure").Inc()
		w.logger.Error("cache warming failed", append(fields, zap.Error(err))...)
		return fmt.Errorf("cache warming: %w", err)
	case failed > 0:
		observability.CacheWarmRunsTotal.WithLabelValues("partial").Inc()
		w.logger.Warn("cache warming partially failed", fields...)
	default:
		observability.CacheWarmRunsTotal.WithLabelValues("success").Inc()
		w.logger.Info("cache warming complete", fields...)
	}
	return nil
}

// Start schedules Warm and returns immediately. Runs use ctx, so cancelling it aborts
// an in-progress refresh. Call Stop to unschedule.
func (w *Warmer) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.schedule, func() {
		_ = w.Warm(ctx)
	}); err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	w.cron.Start()
	w.logger.Info("cache warmer started", zap.String("schedule", w.schedule))
	return nil
}

// Stop unschedules the warmer and returns a context that is done once any running refresh finishes.
func (w *Warmer) Stop() context.Context {
	return w.cron.Stop()
}
