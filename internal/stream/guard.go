package stream

import (
	"context"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/pkg/models"
)

// GuardConfig configures the terminality guard.
type GuardConfig struct {
	RunID  string
	Logger *observability.Logger

	// Finalize is invoked exactly once with the stream's terminal
	// classification, after the terminal frames have been emitted. The
	// dispatcher points it at the run manager's Finish.
	Finalize func(stop models.StopReason, runErr *models.RunError)
}

// Guard renders the loop's events as frames while tracking the terminal
// sentinels. If the producer exits without a [DONE] the guard synthesizes
// the stream_incomplete three-frame shape, so consumers always observe a
// complete stream. The finalizer fires exactly once either way, even when
// the consumer disconnected mid-stream.
func Guard(ctx context.Context, events <-chan *agent.Event, cfg GuardConfig) <-chan bus.Frame {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	out := make(chan bus.Frame, frameBuffer)

	go func() {
		defer close(out)

		var (
			stop    models.StopReason
			runErr  *models.RunError
			sawDone bool
		)
		forward := true
		send := func(frame bus.Frame) {
			if !forward {
				return
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				// The consumer is gone. Keep draining so the terminal
				// classification is still observed and finalized.
				forward = false
			}
		}

		for ev := range events {
			switch ev.Type {
			case agent.EventStopReason:
				stop = ev.StopReason
			case agent.EventError:
				runErr = ev.Error
			case agent.EventDone:
				sawDone = true
			}
			if frame, ok := RenderEvent(ev); ok {
				send(frame)
			}
		}

		if !sawDone {
			if stop == "" {
				stop = models.StopError
			}
			if runErr == nil {
				runErr = &models.RunError{
					Type:    models.ErrStreamIncomplete,
					Message: "stream ended without a terminal event",
				}
			}
			if frame, ok := RenderEvent(&agent.Event{
				Type:       agent.EventStopReason,
				RunID:      cfg.RunID,
				StopReason: stop,
			}); ok {
				send(frame)
			}
			send(ErrorFrame(cfg.RunID, runErr))
			send(DoneFrame())
		}

		switch {
		case runErr == nil:
			logger.Info(ctx, "stream finished",
				"run_id", cfg.RunID, "stop_reason", string(stop))
		case runErr.Type == models.ErrLLMRateLimit:
			logger.Warn(ctx, "stream failed",
				"run_id", cfg.RunID, "stop_reason", string(stop),
				"error_type", string(runErr.Type), "error", runErr.Message)
		default:
			logger.Error(ctx, "stream failed",
				"run_id", cfg.RunID, "stop_reason", string(stop),
				"error_type", string(runErr.Type), "error", runErr.Message)
		}

		if cfg.Finalize != nil {
			cfg.Finalize(stop, runErr)
		}
	}()
	return out
}
