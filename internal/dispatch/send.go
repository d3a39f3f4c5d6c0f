package dispatch

import (
	"context"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/internal/stream"
	"github.com/haasonsaas/strand/pkg/models"
)

// sendPath serves agents that cannot stream: the loop runs to completion
// and the final response is rendered as one buffered frame sequence with
// the usual terminal shape. Background requests detach the blocking call
// and publish the frames when it returns, so late attachers replay the
// whole response at once.
func (d *Dispatcher) sendPath(ctx context.Context, run *models.Run, inputs *agent.StreamInputs, background bool) (<-chan bus.Frame, error) {
	if !background {
		frames := d.runBlocking(ctx, run, inputs)
		out := make(chan bus.Frame, len(frames))
		for _, f := range frames {
			out <- f
		}
		close(out)
		return out, nil
	}

	pctx := context.WithoutCancel(ctx)
	go func() {
		frames := d.runBlocking(pctx, run, inputs)
		for _, f := range frames {
			if err := d.bus.Append(pctx, run.ID, f); err != nil {
				d.logger.Error(pctx, "bus append failed", "run_id", run.ID, "error", err)
			}
		}
		if err := d.bus.CloseRun(pctx, run.ID); err != nil {
			d.logger.Error(pctx, "bus close failed", "run_id", run.ID, "error", err)
		}
	}()
	replay, err := d.bus.Replay(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return replay, nil
}

// runBlocking drives the loop to completion, records the terminal status,
// and renders the result. The cancellation watcher still applies so an
// external cancel reaches the loop's suspension points.
func (d *Dispatcher) runBlocking(ctx context.Context, run *models.Run, inputs *agent.StreamInputs) []bus.Frame {
	stopWatch := stream.WatchCancellation(ctx, d.runs, run.ID, inputs.Flag, d.config.CancelPollInterval, d.logger)
	defer stopWatch()

	final, err := d.loop.Step(ctx, inputs)
	if err != nil {
		runErr := &models.RunError{Type: models.ErrInternal, Message: err.Error()}
		d.finish(run.ID, models.StopError, runErr)
		return terminalFrames(run.ID, models.StopError, runErr)
	}

	d.finish(run.ID, final.StopReason, final.Error)

	var frames []bus.Frame
	if final.Text != "" {
		if f, ok := stream.RenderEvent(&agent.Event{
			Type:  agent.EventAssistantMessage,
			RunID: run.ID,
			Text:  final.Text,
		}); ok {
			frames = append(frames, f)
		}
	}
	if final.Usage.Steps > 0 || final.Usage.TotalTokens > 0 {
		usage := final.Usage
		if f, ok := stream.RenderEvent(&agent.Event{
			Type:  agent.EventUsage,
			RunID: run.ID,
			Usage: &usage,
		}); ok {
			frames = append(frames, f)
		}
	}
	return append(frames, terminalFrames(run.ID, final.StopReason, final.Error)...)
}

// terminalFrames renders the closing sequence: stop reason, the error frame
// on failures, and the done sentinel.
func terminalFrames(runID string, stop models.StopReason, runErr *models.RunError) []bus.Frame {
	var frames []bus.Frame
	if f, ok := stream.RenderEvent(&agent.Event{
		Type:       agent.EventStopReason,
		RunID:      runID,
		StopReason: stop,
	}); ok {
		frames = append(frames, f)
	}
	if runErr != nil {
		frames = append(frames, stream.ErrorFrame(runID, runErr))
	}
	return append(frames, stream.DoneFrame())
}
