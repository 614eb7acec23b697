package http

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// InFlightTracker counts dispatcher requests still being served so shutdown can drain them.
type InFlightTracker struct {
	count atomic.Int64
}

func (t *InFlightTracker) begin() { t.count.Add(1) }
func (t *InFlightTracker) end()   { t.count.Add(-1) }

// Count returns the number of requests in flight.
func (t *InFlightTracker) Count() int64 {
	return t.count.Load()
}

// WaitForZero polls every checkInterval until nothing is in flight or ctx is done.
// Each poll that still sees requests is logged at debug level.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		n := t.Count()
		if n <= 0 {
			return nil
		}
		logger.Debug("draining in-flight requests", zap.Int64("remaining", n))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var globalInFlightTracker = &InFlightTracker{}

// InFlightCount returns the process-wide in-flight count maintained by InFlightMiddleware.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// WaitForInFlight drains the process-wide tracker. See InFlightTracker.WaitForZero.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration, logger *zap.Logger) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval, logger)
}
