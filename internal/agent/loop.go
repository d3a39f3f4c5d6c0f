package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/internal/cancel"
	"github.com/haasonsaas/strand/internal/hooks"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/pkg/models"
)

// promptSubmitHookTag wraps hook-injected context appended to the user
// message so the model can tell it apart from user text.
const promptSubmitHookTag = "user-prompt-submit-hook"

// eventBufferSize is the channel buffer between the loop producer and its
// consumer. Small: backpressure is intentional.
const eventBufferSize = 16

// EventType discriminates the loop's stream events.
type EventType string

const (
	EventAssistantDelta   EventType = "assistant_delta"
	EventReasoningDelta   EventType = "reasoning_delta"
	EventAssistantMessage EventType = "assistant_message"
	EventReasoningMessage EventType = "reasoning_message"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallEnd      EventType = "tool_call_end"
	EventApprovalRequest  EventType = "approval_request"
	EventUsage            EventType = "usage_statistics"
	EventStopReason       EventType = "stop_reason"
	EventError            EventType = "error"
	EventDone             EventType = "done"
)

// Event is one unit of the loop's lazy output sequence. The dispatcher maps
// events onto SSE frames: EventError becomes a named error frame, EventDone
// becomes the [DONE] sentinel, everything else is a data frame of the
// marshalled Event.
type Event struct {
	Type       EventType          `json:"type"`
	RunID      string             `json:"run_id,omitempty"`
	Text       string             `json:"text,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	ToolName   string             `json:"tool_name,omitempty"`
	Status     string             `json:"status,omitempty"`
	StopReason models.StopReason  `json:"stop_reason,omitempty"`
	Error      *models.RunError   `json:"error,omitempty"`
	Usage      *models.UsageStats `json:"usage,omitempty"`
}

// FinalResponse is the blocking variant's result.
type FinalResponse struct {
	Text       string
	StopReason models.StopReason
	Error      *models.RunError
	Usage      models.UsageStats
}

// TurnIssuer is the adapter surface the loop drives. Satisfied by *Adapter;
// tests substitute scripted implementations.
type TurnIssuer interface {
	BuildRequest(in *TurnInputs) (*CompletionRequest, json.RawMessage, error)
	Complete(ctx context.Context, in *TurnInputs) (*ChatResponse, error)
	StreamTurn(ctx context.Context, in *TurnInputs, emit func(*CompletionChunk)) (*ChatResponse, error)
}

// MessageStore persists conversation history.
type MessageStore interface {
	Append(ctx context.Context, msg *models.Message) error
	History(ctx context.Context, agentID string) ([]*models.Message, error)
}

// LoopConfig carries the loop's tunables.
type LoopConfig struct {
	// DefaultMaxSteps applies when a request does not set its own budget.
	DefaultMaxSteps int

	// WorkDir is the working directory granted to tools.
	WorkDir string

	// RequireApprovalTools names tools whose calls pause the turn for
	// client approval instead of executing server-side.
	RequireApprovalTools []string
}

// Loop drives one agent through LLM requests and tool execution. A single
// Loop serves many concurrent runs; per-run state lives in the producer
// goroutine each Stream call spawns.
type Loop struct {
	adapter  TurnIssuer
	registry *ToolRegistry
	executor *ToolExecutor
	hooks    *hooks.Dispatcher
	state    StateClient
	messages MessageStore

	config  LoopConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewLoop assembles a step loop.
func NewLoop(adapter TurnIssuer, registry *ToolRegistry, executor *ToolExecutor, dispatcher *hooks.Dispatcher, state StateClient, messages MessageStore, config LoopConfig, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Loop {
	if config.DefaultMaxSteps <= 0 {
		config.DefaultMaxSteps = 50
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if dispatcher == nil {
		dispatcher = hooks.NewDispatcher(logger, metrics)
	}
	return &Loop{
		adapter:  adapter,
		registry: registry,
		executor: executor,
		hooks:    dispatcher,
		state:    state,
		messages: messages,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// StreamInputs is one loop invocation's request.
type StreamInputs struct {
	RunID string
	Agent *models.AgentState
	Actor string

	// Messages is the new client input for this turn.
	Messages []models.MessageCreate

	// MaxSteps caps LLM round-trips. Zero selects the configured default.
	MaxSteps int

	// StreamTokens emits token-level deltas instead of whole messages.
	StreamTokens bool

	// UseAssistantMessage and friends configure assistant-text extraction,
	// see Adapter.
	UseAssistantMessage       bool
	AssistantMessageToolName  string
	AssistantMessageToolKwarg string

	// Flag is the run's shared cancellation flag.
	Flag *cancel.Flag
}

// BuildRequest assembles the exact provider payload a turn would send,
// without network traffic. History and memory are read as they stand.
func (l *Loop) BuildRequest(ctx context.Context, in *StreamInputs) (json.RawMessage, error) {
	if in.Agent == nil {
		return nil, errors.New("agent: nil agent state")
	}
	history, err := l.messages.History(ctx, in.Agent.ID)
	if err != nil {
		return nil, err
	}
	msgs := append([]*models.Message{}, history...)
	for _, mc := range in.Messages {
		msgs = append(msgs, l.messageFromCreate(in.Agent.ID, mc))
	}
	system, err := l.buildSystem(ctx, in.Agent)
	if err != nil {
		return nil, err
	}
	_, raw, err := l.adapter.BuildRequest(l.turnInputs(in, system, msgs, ""))
	return raw, err
}

// Step runs the loop to completion and returns the final response. It is
// Stream drained on behalf of the caller.
func (l *Loop) Step(ctx context.Context, in *StreamInputs) (*FinalResponse, error) {
	events, err := l.Stream(ctx, in)
	if err != nil {
		return nil, err
	}
	final := &FinalResponse{}
	var text strings.Builder
	for ev := range events {
		switch ev.Type {
		case EventAssistantDelta, EventAssistantMessage:
			text.WriteString(ev.Text)
		case EventUsage:
			if ev.Usage != nil {
				final.Usage = *ev.Usage
			}
		case EventStopReason:
			final.StopReason = ev.StopReason
		case EventError:
			final.Error = ev.Error
		}
	}
	final.Text = text.String()
	return final, nil
}

// Stream starts the loop and returns its lazy event sequence. Validation
// errors surface here; everything after the channel is handed over arrives
// as events, ending with exactly one stop reason and a done sentinel.
func (l *Loop) Stream(ctx context.Context, in *StreamInputs) (<-chan *Event, error) {
	if in.Agent == nil {
		return nil, errors.New("agent: nil agent state")
	}
	if len(in.Messages) == 0 {
		return nil, ErrNoMessages
	}

	history, err := l.messages.History(ctx, in.Agent.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if pendingApproval(history) && !carriesApproval(in.Messages) {
		return nil, ErrPendingApproval
	}

	events := make(chan *Event, eventBufferSize)
	go l.run(ctx, in, history, events)
	return events, nil
}

// run is the producer goroutine: the step algorithm with its terminal
// guarantees. It always closes events after emitting exactly one stop
// reason and one done sentinel.
func (l *Loop) run(ctx context.Context, in *StreamInputs, history []*models.Message, events chan<- *Event) {
	em := &emitter{events: events, runID: in.RunID, metrics: l.metrics}
	defer close(events)
	defer em.finalize()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(ctx, "step loop panicked", "run_id", in.RunID, "panic", fmt.Sprint(r))
			em.fail(models.StopError, &models.RunError{
				Type:    models.ErrInternal,
				Message: "internal error in step loop",
				Detail:  fmt.Sprint(r),
			})
		}
	}()

	ctx = observability.WithRunID(observability.WithAgentID(ctx, in.Agent.ID), in.RunID)
	ctx, span := l.tracer.Start(ctx, "agent.step_loop", observability.RunAttrs(in.RunID, in.Agent.ID)...)
	defer span.End()

	ac := NewAgentContext(l.state, in.Agent, l.config.WorkDir)
	defer ac.Clear()

	usage := models.UsageStats{}
	var finalText string
	defer func() {
		l.hooks.Fire(ctx, hooks.EventLoopEnd, hooks.Payload{
			"agent_id":    in.Agent.ID,
			"run_id":      in.RunID,
			"final_text":  finalText,
			"stop_reason": string(em.stopReason),
		})
	}()

	l.hooks.Fire(ctx, hooks.EventLoopStart, hooks.Payload{
		"agent_id": in.Agent.ID,
		"run_id":   in.RunID,
		"actor":    in.Actor,
	})

	// Hook gate. A block refuses the turn before any LLM request is issued;
	// injected context is appended to the user text inside tagged markers.
	inputText := combinedText(in.Messages)
	gate := l.hooks.Fire(ctx, hooks.EventPromptSubmit, hooks.Payload{
		"agent_id": in.Agent.ID,
		"run_id":   in.RunID,
		"input":    inputText,
	})
	if gate.Blocked {
		finalText = gate.BlockMessage
		em.send(&Event{Type: EventAssistantMessage, Text: gate.BlockMessage})
		em.stop(models.StopRefused)
		em.done()
		return
	}

	newMessages := in.Messages
	if len(gate.InjectMessages) > 0 {
		newMessages = injectIntoFirstUser(newMessages, gate.InjectMessages)
	}

	for _, mc := range newMessages {
		msg := l.messageFromCreate(in.Agent.ID, mc)
		if err := l.messages.Append(ctx, msg); err != nil {
			em.fail(models.StopError, &models.RunError{
				Type:    models.ErrInternal,
				Message: "could not persist input message",
				Detail:  err.Error(),
			})
			return
		}
		history = append(history, msg)
	}

	system, err := l.buildSystem(ctx, in.Agent)
	if err != nil {
		em.fail(models.StopError, &models.RunError{
			Type:    models.ErrInternal,
			Message: "could not assemble system prompt",
			Detail:  err.Error(),
		})
		return
	}

	maxSteps := in.MaxSteps
	if maxSteps <= 0 {
		maxSteps = l.config.DefaultMaxSteps
	}

	steps := 0
	for {
		if reason, ok := l.cancelled(in); ok {
			l.logger.Info(ctx, "run cancelled before LLM request", "reason", reason)
			em.stop(models.StopCancelled)
			em.done()
			return
		}

		turn := l.turnInputs(in, system, history, uuid.NewString())
		var resp *ChatResponse
		if in.StreamTokens {
			resp, err = l.adapter.StreamTurn(ctx, turn, func(c *CompletionChunk) {
				if c.Text != "" {
					em.send(&Event{Type: EventAssistantDelta, Text: c.Text})
				}
				if c.Reasoning != "" {
					em.send(&Event{Type: EventReasoningDelta, Text: c.Reasoning})
				}
			})
		} else {
			resp, err = l.adapter.Complete(ctx, turn)
		}
		steps++

		if err != nil {
			if errors.Is(err, context.Canceled) || in.Flag.IsSet() {
				em.stop(models.StopCancelled)
				em.done()
				return
			}
			l.failFromLLMError(ctx, em, err, &usage)
			return
		}

		usage.Add(resp.Usage)
		usage.Steps = steps

		if resp.Incomplete {
			em.fail(models.StopError, &models.RunError{
				Type:    models.ErrStreamIncomplete,
				Message: "LLM stream ended without a terminal event",
			})
			return
		}

		if resp.Reasoning != nil && resp.Reasoning.Text != "" && !in.StreamTokens {
			em.send(&Event{Type: EventReasoningMessage, Text: resp.Reasoning.Text})
		}

		// Terminal text response: persist, announce, finish.
		if len(resp.ToolCalls) == 0 {
			finalText = resp.Text
			l.appendAssistant(ctx, &history, in.Agent.ID, resp, nil)
			if !in.StreamTokens && resp.Text != "" {
				em.send(&Event{Type: EventAssistantMessage, Text: resp.Text})
			}
			em.send(&Event{Type: EventUsage, Usage: cloneUsage(usage)})
			l.hooks.Fire(ctx, hooks.EventMessage, hooks.Payload{
				"agent_id": in.Agent.ID,
				"run_id":   in.RunID,
				"text":     resp.Text,
			})
			em.stop(models.StopEndTurn)
			em.done()
			return
		}

		// Only the first call executes; the model re-produces any others
		// after seeing the result.
		call := resp.ToolCalls[0]
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		if n := len(resp.ToolCalls) - 1; n > 0 {
			l.logger.Debug(ctx, "discarding speculative tool calls", "count", n)
		}

		l.appendAssistant(ctx, &history, in.Agent.ID, resp, &call)

		if call.RequiresApproval {
			em.send(&Event{Type: EventApprovalRequest, ToolCallID: call.ID, ToolName: call.Name})
			em.send(&Event{Type: EventUsage, Usage: cloneUsage(usage)})
			em.stop(models.StopEndTurn)
			em.done()
			return
		}

		if reason, ok := l.cancelled(in); ok {
			// Keep the approval pairing intact even on the cancel path: the
			// stored assistant message already carries the call.
			l.appendApproval(ctx, &history, in.Agent.ID, call.ID, cancelledMessage(call.Name), models.ReturnError)
			l.logger.Info(ctx, "run cancelled before tool execution", "reason", reason)
			em.stop(models.StopCancelled)
			em.done()
			return
		}

		em.send(&Event{Type: EventToolCallStart, ToolCallID: call.ID, ToolName: call.Name})

		startOutcome := l.hooks.Fire(ctx, hooks.EventToolStart, hooks.Payload{
			"agent_id":     in.Agent.ID,
			"run_id":       in.RunID,
			"tool_name":    call.Name,
			"tool_call_id": call.ID,
			"arguments":    json.RawMessage(call.Arguments),
		})

		var result *ToolResult
		if startOutcome.Blocked {
			result = ErrorResult("tool execution blocked: " + startOutcome.BlockMessage)
		} else {
			result = l.executor.Execute(ctx, ac, in.RunID, in.Flag, &call)
		}

		l.hooks.Fire(ctx, hooks.EventToolEnd, hooks.Payload{
			"agent_id":     in.Agent.ID,
			"run_id":       in.RunID,
			"tool_name":    call.Name,
			"tool_call_id": call.ID,
			"output":       result.Content,
			"is_error":     result.IsError,
		})

		status := "completed"
		returnStatus := models.ReturnSuccess
		if result.IsError {
			status = "failed"
			returnStatus = models.ReturnError
		}
		em.send(&Event{Type: EventToolCallEnd, ToolCallID: call.ID, ToolName: call.Name, Status: status})

		l.appendApproval(ctx, &history, in.Agent.ID, call.ID, result.Content, returnStatus)

		if steps >= maxSteps {
			em.send(&Event{Type: EventUsage, Usage: cloneUsage(usage)})
			em.stop(models.StopMaxSteps)
			em.done()
			return
		}

		if reason, ok := l.cancelled(in); ok {
			l.logger.Info(ctx, "run cancelled after tool execution", "reason", reason)
			em.stop(models.StopCancelled)
			em.done()
			return
		}
	}
}

// failFromLLMError classifies an adapter error onto the stream taxonomy.
// Rate limits log at warning; everything else at error.
func (l *Loop) failFromLLMError(ctx context.Context, em *emitter, err error, usage *models.UsageStats) {
	if le, ok := AsLLMError(err); ok {
		rerr := &models.RunError{Type: le.Type, Message: le.Message}
		if rerr.Message == "" {
			rerr.Message = le.Error()
		}
		if le.Type == models.ErrLLMRateLimit {
			l.logger.Warn(ctx, "LLM request rate limited", "provider", le.Provider, "model", le.Model)
		} else {
			l.logger.Error(ctx, "LLM request failed", "provider", le.Provider, "model", le.Model, "error", le.Error())
		}
		em.fail(models.StopLLMAPIError, rerr)
		return
	}
	l.logger.Error(ctx, "step loop failed", "error", err)
	em.fail(models.StopError, &models.RunError{
		Type:    models.ErrInternal,
		Message: err.Error(),
	})
}

func (l *Loop) cancelled(in *StreamInputs) (string, bool) {
	if in.Flag != nil && in.Flag.IsSet() {
		return in.Flag.Reason(), true
	}
	return "", false
}

// buildSystem renders the system prompt with memory blocks. Agents flagged
// kv_cache_friendly get a fully stable render; others get a trailing
// current-time line.
func (l *Loop) buildSystem(ctx context.Context, agent *models.AgentState) (string, error) {
	var b strings.Builder
	b.WriteString(agent.SystemPrompt)

	if len(agent.MemoryBlockIDs) > 0 && l.state != nil {
		blocks, err := l.state.GetMemoryBlocks(ctx, agent.MemoryBlockIDs)
		if err != nil {
			return "", err
		}
		if len(blocks) > 0 {
			b.WriteString("\n\n<memory_blocks>")
			for _, block := range blocks {
				fmt.Fprintf(&b, "\n<%s>\n%s\n</%s>", block.Label, block.Value, block.Label)
			}
			b.WriteString("\n</memory_blocks>")
		}
	}

	if !agent.KVCacheFriendly {
		fmt.Fprintf(&b, "\n\nThe current time is %s.", time.Now().UTC().Format(time.RFC3339))
	}
	return b.String(), nil
}

func (l *Loop) turnInputs(in *StreamInputs, system string, history []*models.Message, stepID string) *TurnInputs {
	return &TurnInputs{
		RunID:                     in.RunID,
		StepID:                    stepID,
		Actor:                     in.Actor,
		LLM:                       in.Agent.LLM,
		System:                    system,
		Messages:                  history,
		Tools:                     l.registry.SchemasFor(in.Agent.ToolNames),
		MaxTokens:                 in.Agent.LLM.MaxOutputTokens,
		UseAssistantMessage:       in.UseAssistantMessage,
		AssistantMessageToolName:  in.AssistantMessageToolName,
		AssistantMessageToolKwarg: in.AssistantMessageToolKwarg,
		RequiresApprovalTools:     l.config.RequireApprovalTools,
	}
}

func (l *Loop) messageFromCreate(agentID string, mc models.MessageCreate) *models.Message {
	role := mc.Role
	if role == "" {
		role = models.RoleUser
	}
	return &models.Message{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Role:      role,
		Content:   mc.Content,
		CreatedAt: time.Now().UTC(),
	}
}

// appendAssistant stores the assistant turn. Persistence failures after the
// turn has already streamed are logged, not fatal.
func (l *Loop) appendAssistant(ctx context.Context, history *[]*models.Message, agentID string, resp *ChatResponse, call *models.ToolCall) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Role:      models.RoleAssistant,
		Content:   resp.ContentParts(),
		ToolCall:  call,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.messages.Append(ctx, msg); err != nil {
		l.logger.Warn(ctx, "could not persist assistant message", "error", err)
	}
	*history = append(*history, msg)
}

func (l *Loop) appendApproval(ctx context.Context, history *[]*models.Message, agentID, callID, content string, status models.ReturnStatus) {
	msg := models.NewApprovalMessage(uuid.NewString(), agentID, models.ToolReturn{
		ToolCallID: callID,
		Content:    content,
		Status:     status,
	})
	if err := l.messages.Append(ctx, msg); err != nil {
		l.logger.Warn(ctx, "could not persist approval message", "error", err)
	}
	*history = append(*history, msg)
}

// emitter tracks the terminal guarantee: exactly one stop reason and one
// done sentinel per run, synthesizing a stream_incomplete error if the
// producer exits without them.
type emitter struct {
	events  chan<- *Event
	runID   string
	metrics *observability.Metrics

	stopReason models.StopReason
	sentStop   bool
	sentDone   bool
}

func (e *emitter) send(ev *Event) {
	ev.RunID = e.runID
	e.metrics.RecordStreamEvent(string(ev.Type))
	e.events <- ev
}

func (e *emitter) stop(reason models.StopReason) {
	if e.sentStop {
		return
	}
	e.sentStop = true
	e.stopReason = reason
	e.send(&Event{Type: EventStopReason, StopReason: reason})
}

// fail emits the error-path terminal shape: stop reason, error, done.
func (e *emitter) fail(reason models.StopReason, rerr *models.RunError) {
	if e.sentDone {
		return
	}
	e.stop(reason)
	e.send(&Event{Type: EventError, Error: rerr, StopReason: reason})
	e.done()
}

func (e *emitter) done() {
	if e.sentDone {
		return
	}
	e.sentDone = true
	e.send(&Event{Type: EventDone})
}

// finalize synthesizes the stream_incomplete shape when the producer exits
// without a terminal.
func (e *emitter) finalize() {
	if e.sentDone {
		return
	}
	if !e.sentStop {
		e.fail(models.StopError, &models.RunError{
			Type:    models.ErrStreamIncomplete,
			Message: "stream ended without a terminal event",
		})
		return
	}
	e.done()
}

func cloneUsage(u models.UsageStats) *models.UsageStats {
	c := u
	return &c
}

func combinedText(messages []models.MessageCreate) string {
	var b strings.Builder
	for _, mc := range messages {
		for _, part := range mc.Content {
			if part.Type == models.PartText {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

// injectIntoFirstUser appends hook-injected context to the first user
// message, each string wrapped in its own marker block.
func injectIntoFirstUser(messages []models.MessageCreate, injects []string) []models.MessageCreate {
	out := make([]models.MessageCreate, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role != "" && out[i].Role != models.RoleUser {
			continue
		}
		var b strings.Builder
		for _, inj := range injects {
			fmt.Fprintf(&b, "\n\n<%s>\n%s\n</%s>", promptSubmitHookTag, inj, promptSubmitHookTag)
		}
		parts := make([]models.ContentPart, len(out[i].Content))
		copy(parts, out[i].Content)
		parts = append(parts, models.TextPart(b.String()))
		out[i].Content = parts
		break
	}
	return out
}

// pendingApproval reports whether the last assistant message carries a tool
// call with no matching approval afterwards.
func pendingApproval(history []*models.Message) bool {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		switch msg.Role {
		case models.RoleApproval:
			return false
		case models.RoleAssistant:
			return msg.ToolCall != nil && msg.ToolCall.RequiresApproval
		}
	}
	return false
}

func carriesApproval(messages []models.MessageCreate) bool {
	for _, mc := range messages {
		if mc.Role == models.RoleApproval {
			return true
		}
	}
	return false
}
