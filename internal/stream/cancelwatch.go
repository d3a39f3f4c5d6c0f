package stream

import (
	"context"
	"time"

	"github.com/haasonsaas/strand/internal/cancel"
	"github.com/haasonsaas/strand/internal/observability"
)

// CancelChecker reports whether a run was cancelled out of band. Satisfied
// by the run manager.
type CancelChecker interface {
	Cancelled(ctx context.Context, runID string) (bool, error)
}

// WatchCancellation polls the checker and raises the run's flag when an
// external transition to cancelled is observed; the loop emits its own
// terminal events at its next suspension point. Returns a stop function
// that ends the watch.
func WatchCancellation(ctx context.Context, checker CancelChecker, runID string, flag *cancel.Flag, interval time.Duration, logger *observability.Logger) (stop func()) {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	watchCtx, cancelWatch := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				if flag.IsSet() {
					return
				}
				cancelled, err := checker.Cancelled(watchCtx, runID)
				if err != nil {
					logger.Debug(watchCtx, "cancellation poll failed",
						"run_id", runID, "error", err)
					continue
				}
				if cancelled {
					flag.Set("run cancelled externally")
					logger.Info(watchCtx, "external cancellation observed",
						"run_id", runID)
					return
				}
			}
		}
	}()
	return cancelWatch
}
