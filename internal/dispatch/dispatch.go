// Package dispatch composes the full streaming pipeline for one run: the
// run manager for lifecycle, the agent step loop as producer, the stream
// package's guard, cancellation and keepalive wrappers, and the event bus
// for background fan-out. The gateway hands it an agent id and a request
// envelope and gets back a run plus a frame channel ready to drain into an
// SSE response; everything in between, including the guaranteed terminal
// status write, happens here.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/agent/providers"
	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/runs"
	"github.com/haasonsaas/strand/internal/stream"
	"github.com/haasonsaas/strand/pkg/models"
)

// ErrBusUnavailable rejects background requests when the event bus is
// disabled or unreachable. Maps to service-unavailable at the gateway.
var ErrBusUnavailable = errors.New("event bus unavailable")

// Run type labels recorded in run metadata, one per entry point.
const (
	RunTypeStream    = "agent_stream"
	RunTypeOpenAI    = "openai_chat_completions"
	RunTypeSleeptime = "sleeptime"
)

// finalizeTimeout bounds the terminal status write. The write runs on a
// detached context so a disconnected client cannot strand a run in running.
const finalizeTimeout = 10 * time.Second

// Config carries the dispatcher's tunables.
type Config struct {
	// KeepaliveInterval is the silence gap before a ping frame is injected
	// on streams that opted in.
	KeepaliveInterval time.Duration

	// CancelPollInterval is how often the cancellation watcher asks the run
	// manager about external transitions to cancelled.
	CancelPollInterval time.Duration
}

// Dispatcher builds and serves run streams. One Dispatcher serves all
// agents; per-run state lives in the pipeline each call assembles.
type Dispatcher struct {
	loop    *agent.Loop
	runs    *runs.Manager
	state   agent.StateClient
	bus     bus.Bus
	config  Config
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New assembles a dispatcher. A nil eventBus gets the noop bus, which
// rejects background runs at the precondition check.
func New(loop *agent.Loop, manager *runs.Manager, state agent.StateClient, eventBus bus.Bus, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if eventBus == nil {
		eventBus = bus.NewNoopBus()
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Dispatcher{
		loop:    loop,
		runs:    manager,
		state:   state,
		bus:     eventBus,
		config:  cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// StreamingEligible reports whether an agent may be served over the
// streaming pipeline. Grouped agents stream only under sleeptime-flavored
// group kinds, and the endpoint family must be in the streaming allow-list.
// Ineligible agents are still served, through the blocking send path.
func StreamingEligible(a *models.AgentState) bool {
	if a.GroupID != "" && a.GroupKind != models.GroupSleeptime && a.GroupKind != models.GroupVoiceSleeptime {
		return false
	}
	return providers.SupportsStreaming(a.LLM.ProviderKind)
}

// CreateAgentStream creates a run for the agent and returns its frame
// channel. Foreground runs stream the loop directly; background runs detach
// the producer onto the event bus and return a replay. The returned channel
// always ends with the [DONE] sentinel, and the run's terminal status is
// recorded exactly once regardless of how the consumer behaves.
func (d *Dispatcher) CreateAgentStream(ctx context.Context, agentID, actor string, req *models.StreamRequest, runType string) (*models.Run, <-chan bus.Frame, error) {
	run, _, frames, err := d.create(ctx, agentID, actor, req, runType)
	if err != nil {
		return nil, nil, err
	}
	return run, d.keepalive(ctx, req, frames), nil
}

// CreateAgentStreamOpenAI creates a run and serves it as OpenAI
// chat.completion.chunk frames. Keepalive is layered outside the transform
// because the transform passes no named frames through.
func (d *Dispatcher) CreateAgentStreamOpenAI(ctx context.Context, agentID, actor string, req *models.StreamRequest) (*models.Run, <-chan bus.Frame, error) {
	run, agentState, frames, err := d.create(ctx, agentID, actor, req, RunTypeOpenAI)
	if err != nil {
		return nil, nil, err
	}
	frames = stream.OpenAITransform(ctx, frames, run.ID, agentState.LLM.Model)
	return run, d.keepalive(ctx, req, frames), nil
}

// AttachRun replays an existing run's stream from its first frame. Only
// background runs have bus history; attaching to a foreground run yields an
// empty stream that closes when the bus has nothing.
func (d *Dispatcher) AttachRun(ctx context.Context, runID string) (*models.Run, <-chan bus.Frame, error) {
	run, err := d.runs.Get(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	frames, err := d.bus.Replay(ctx, runID)
	if err != nil {
		if errors.Is(err, bus.ErrDisabled) {
			return nil, nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
		}
		return nil, nil, fmt.Errorf("replay run %s: %w", runID, err)
	}
	return run, frames, nil
}

// create runs the shared front half of every entry point: agent lookup,
// validation, the background-bus precondition, run creation and start, then
// hands off to the streaming or blocking path.
func (d *Dispatcher) create(ctx context.Context, agentID, actor string, req *models.StreamRequest, runType string) (*models.Run, *models.AgentState, <-chan bus.Frame, error) {
	agentState, err := d.state.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if req == nil || len(req.Messages) == 0 {
		return nil, nil, nil, agent.ErrNoMessages
	}
	if req.Background {
		if err := d.bus.Ping(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
		}
	}

	run, err := d.runs.Create(ctx, agentID, req, req.Background)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create run: %w", err)
	}
	if runType != "" || actor != "" {
		md := map[string]any{}
		if runType != "" {
			md["run_type"] = runType
		}
		if actor != "" {
			md["actor"] = actor
		}
		if err := d.runs.Store().UpdateMetadata(ctx, run.ID, md); err != nil {
			d.logger.Warn(ctx, "run metadata write failed", "run_id", run.ID, "error", err)
		} else {
			run.Metadata = md
		}
	}
	run, err = d.runs.Start(ctx, run.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("start run %s: %w", run.ID, err)
	}

	inputs := d.streamInputs(run, agentState, req, actor)
	if !StreamingEligible(agentState) {
		frames, err := d.sendPath(ctx, run, inputs, req.Background)
		return run, agentState, frames, err
	}
	frames, err := d.streamPath(ctx, run, inputs, req.Background)
	return run, agentState, frames, err
}

// streamPath wires the live pipeline: loop producer, cancellation watcher,
// terminality guard with the finalizer, and for background runs the bus
// pump plus a replay channel for the caller.
func (d *Dispatcher) streamPath(ctx context.Context, run *models.Run, inputs *agent.StreamInputs, background bool) (<-chan bus.Frame, error) {
	pctx := ctx
	if background {
		// The producer must outlive the creating request.
		pctx = context.WithoutCancel(ctx)
	}

	events, err := d.loop.Stream(pctx, inputs)
	if err != nil {
		d.finish(run.ID, models.StopError, &models.RunError{
			Type:    models.ErrInternal,
			Message: err.Error(),
		})
		return nil, err
	}

	stopWatch := stream.WatchCancellation(pctx, d.runs, run.ID, inputs.Flag, d.config.CancelPollInterval, d.logger)
	frames := stream.Guard(pctx, events, stream.GuardConfig{
		RunID:  run.ID,
		Logger: d.logger,
		Finalize: func(stop models.StopReason, runErr *models.RunError) {
			stopWatch()
			d.finish(run.ID, stop, runErr)
		},
	})

	if !background {
		return frames, nil
	}

	go d.pump(run.ID, frames)
	replay, err := d.bus.Replay(ctx, run.ID)
	if err != nil {
		// The producer keeps running; the run stays attachable later.
		return nil, fmt.Errorf("replay run %s: %w", run.ID, err)
	}
	return replay, nil
}

// pump drains a detached producer into the bus and closes the run's stream
// afterwards. Append failures are logged and draining continues so the
// finalizer inside the guard still runs.
func (d *Dispatcher) pump(runID string, frames <-chan bus.Frame) {
	ctx := context.Background()
	for frame := range frames {
		if err := d.bus.Append(ctx, runID, frame); err != nil {
			d.logger.Error(ctx, "bus append failed", "run_id", runID, "error", err)
		}
	}
	if err := d.bus.CloseRun(ctx, runID); err != nil {
		d.logger.Error(ctx, "bus close failed", "run_id", runID, "error", err)
	}
}

// finish records the run's terminal status on a detached context.
func (d *Dispatcher) finish(runID string, stop models.StopReason, runErr *models.RunError) {
	ctx, cancelFn := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancelFn()
	if _, err := d.runs.Finish(ctx, runID, stop, runErr); err != nil {
		d.logger.Error(ctx, "run finalization failed",
			"run_id", runID, "stop_reason", stop, "error", err)
	}
}

// keepalive layers ping injection onto streams that asked for it.
func (d *Dispatcher) keepalive(ctx context.Context, req *models.StreamRequest, frames <-chan bus.Frame) <-chan bus.Frame {
	if req == nil || !req.IncludePings {
		return frames
	}
	return stream.Keepalive(ctx, frames, d.config.KeepaliveInterval, d.metrics)
}

// streamInputs converts the request envelope to loop inputs. Token-level
// streaming is granted only when both the request asks for it and the
// agent's endpoint family delivers it.
func (d *Dispatcher) streamInputs(run *models.Run, agentState *models.AgentState, req *models.StreamRequest, actor string) *agent.StreamInputs {
	return &agent.StreamInputs{
		RunID:                     run.ID,
		Agent:                     agentState,
		Actor:                     actor,
		Messages:                  req.Messages,
		MaxSteps:                  req.MaxSteps,
		StreamTokens:              req.StreamTokens && providers.SupportsTokenStreaming(agentState.LLM.ProviderKind, agentState.Kind),
		UseAssistantMessage:       req.UseAssistantMessage,
		AssistantMessageToolName:  req.AssistantMessageToolName,
		AssistantMessageToolKwarg: req.AssistantMessageToolKwarg,
		Flag:                      d.runs.Flag(run.ID),
	}
}
