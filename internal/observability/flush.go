package observability

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
)

// FlushTelemetry flushes telemetry buffers before process exit.
// Prometheus is pull-based, so this mainly syncs the logger. Call after in-flight
// requests and the cache warmer have drained.
func FlushTelemetry(_ context.Context, logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	// Sync on a terminal or pipe stderr reports ENOTTY/EINVAL; there is nothing to flush.
	if err := logger.Sync(); err != nil && !errors.Is(err, syscall.ENOTTY) && !errors.Is(err, syscall.EINVAL) {
		return fmt.Errorf("flush logs: %w", err)
	}
	return nil
}
