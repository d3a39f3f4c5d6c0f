package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/retry"
	"github.com/haasonsaas/strand/pkg/models"
)

// Default routing for assistant text carried inside a designated tool call.
// Legacy hosts deliver the assistant's user-facing message through a
// send_message call instead of plain text.
const (
	DefaultAssistantMessageToolName  = "send_message"
	DefaultAssistantMessageToolKwarg = "message"
)

// ClientResolver maps an agent's LLM configuration to a concrete client.
// Implemented by the providers factory.
type ClientResolver interface {
	Resolve(cfg models.LLMConfig) (LLMClient, error)
}

// TurnInputs is everything one LLM turn needs: the model parameters, the
// assembled conversation, the tool schemas, and the identifiers used for
// provider-trace telemetry.
type TurnInputs struct {
	RunID     string
	StepID    string
	Actor     string
	LLM       models.LLMConfig
	System    string
	Messages  []*models.Message
	Tools     []ToolSchema
	MaxTokens int

	// UseAssistantMessage converts a send_message-style tool call back into
	// plain assistant text during normalization.
	UseAssistantMessage       bool
	AssistantMessageToolName  string
	AssistantMessageToolKwarg string

	// RequiresApprovalTools names tools whose calls must be approved before
	// execution.
	RequiresApprovalTools []string
}

// turnState is the bag shared by the blocking and streaming variants: the
// raw request and response blobs plus the normalized response under
// construction.
type turnState struct {
	rawRequest  json.RawMessage
	rawResponse json.RawMessage
	response    *ChatResponse
}

// Adapter issues LLM requests and normalizes the responses. It owns the
// transient-failure retry discipline: fixed delay, bounded attempts, with
// authentication and timeout failures surfaced immediately.
type Adapter struct {
	resolver   ClientResolver
	maxRetries int
	retryDelay time.Duration

	telemetry *observability.Telemetry
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// AdapterConfig configures retry behavior for the adapter.
type AdapterConfig struct {
	// MaxRetries is the number of additional attempts after the first
	// failure. Total attempts are MaxRetries+1.
	MaxRetries int

	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
}

// NewAdapter creates an adapter. telemetry may be nil to disable provider
// traces.
func NewAdapter(resolver ClientResolver, cfg AdapterConfig, telemetry *observability.Telemetry, metrics *observability.Metrics, logger *observability.Logger) *Adapter {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Adapter{
		resolver:   resolver,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		telemetry:  telemetry,
		metrics:    metrics,
		logger:     logger,
	}
}

// BuildRequest assembles the provider-neutral request without touching the
// network. Used by the loop's dry-run operation and by both turn variants.
func (a *Adapter) BuildRequest(in *TurnInputs) (*CompletionRequest, json.RawMessage, error) {
	req := &CompletionRequest{
		Model:     in.LLM.Model,
		System:    in.System,
		Messages:  in.Messages,
		Tools:     in.Tools,
		MaxTokens: in.MaxTokens,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = in.LLM.MaxOutputTokens
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	return req, raw, nil
}

// Complete issues one blocking request and returns the finalized response.
func (a *Adapter) Complete(ctx context.Context, in *TurnInputs) (*ChatResponse, error) {
	return a.run(ctx, in, nil)
}

// StreamTurn issues one request and forwards text and reasoning deltas to
// emit as they arrive, returning the finalized response once the provider
// stream ends. emit is never called after StreamTurn returns.
func (a *Adapter) StreamTurn(ctx context.Context, in *TurnInputs, emit func(*CompletionChunk)) (*ChatResponse, error) {
	return a.run(ctx, in, emit)
}

func (a *Adapter) run(ctx context.Context, in *TurnInputs, emit func(*CompletionChunk)) (*ChatResponse, error) {
	client, err := a.resolver.Resolve(in.LLM)
	if err != nil {
		return nil, err
	}

	req, rawReq, err := a.BuildRequest(in)
	if err != nil {
		return nil, err
	}
	state := &turnState{rawRequest: rawReq}

	cfg := retry.Fixed(a.maxRetries+1, a.retryDelay)
	start := time.Now()
	var lastErr error
	err = retry.Do(ctx, cfg, func(attempt int) error {
		if attempt > 1 {
			a.logger.Warn(ctx, "retrying LLM request",
				"provider", client.Name(),
				"model", req.Model,
				"attempt", attempt,
				"max_attempts", a.maxRetries+1)
			a.metrics.RecordLLMRetry(client.Name(), retryReason(lastErr))
		}

		chunks, cerr := client.Complete(ctx, req)
		if cerr != nil {
			lastErr = a.attemptError(client.Name(), req.Model, cerr)
			return lastErr
		}

		resp, emitted, cerr := a.consume(in, chunks, emit)
		if cerr != nil {
			lastErr = a.attemptError(client.Name(), req.Model, cerr)
			if emitted {
				// Deltas already reached the consumer; replaying the turn
				// would duplicate them.
				return retry.Permanent(lastErr)
			}
			return lastErr
		}
		state.response = resp
		return nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	var prompt, completion int
	if state.response != nil {
		prompt = state.response.Usage.PromptTokens
		completion = state.response.Usage.CompletionTokens
	}
	a.metrics.RecordLLMRequest(client.Name(), req.Model, status, time.Since(start).Seconds(), prompt, completion)

	if err != nil {
		return nil, err
	}

	state.rawResponse = marshalResponse(state.response)
	a.recordTrace(in, client.Name(), req.Model, state)
	return state.response, nil
}

// attemptError classifies an attempt failure. Context cancellation passes
// through untouched so the loop can map it to its own stop reason;
// non-retryable classifications are marked permanent so the retry schedule
// stops immediately.
func (a *Adapter) attemptError(provider, model string, err error) error {
	if errors.Is(err, context.Canceled) {
		return retry.Permanent(err)
	}
	le, ok := AsLLMError(err)
	if !ok {
		le = NewLLMError(provider, model, err)
	}
	if !le.Retryable() {
		return retry.Permanent(le)
	}
	return le
}

// consume drains the provider channel into a normalized response. emitted
// reports whether any delta reached the downstream consumer before failure.
func (a *Adapter) consume(in *TurnInputs, chunks <-chan *CompletionChunk, emit func(*CompletionChunk)) (resp *ChatResponse, emitted bool, err error) {
	var (
		text      []byte
		reasoning []byte
		signature string
		omitted   bool
		toolCalls []models.ToolCall
		usage     models.UsageStats
		done      bool
	)

	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return nil, emitted, chunk.Error
		}
		if chunk.Text != "" {
			text = append(text, chunk.Text...)
			if emit != nil {
				emit(chunk)
				emitted = true
			}
		}
		if chunk.Reasoning != "" {
			reasoning = append(reasoning, chunk.Reasoning...)
			if emit != nil {
				emit(chunk)
				emitted = true
			}
		}
		if chunk.ReasoningSignature != "" {
			signature = chunk.ReasoningSignature
		}
		if chunk.OmittedReasoning {
			omitted = true
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			usage.Add(*chunk.Usage)
		}
		if chunk.Done {
			done = true
		}
	}

	resp = &ChatResponse{
		Text:       string(text),
		ToolCalls:  toolCalls,
		Usage:      normalizeUsage(usage),
		Incomplete: !done,
	}
	a.normalize(in, resp, string(reasoning), signature, omitted)
	return resp, emitted, nil
}

// normalize applies assistant-message extraction, approval marking, and the
// reasoning precedence order to a drained response.
func (a *Adapter) normalize(in *TurnInputs, resp *ChatResponse, reasoning, signature string, omitted bool) {
	if in.UseAssistantMessage {
		toolName := in.AssistantMessageToolName
		if toolName == "" {
			toolName = DefaultAssistantMessageToolName
		}
		kwarg := in.AssistantMessageToolKwarg
		if kwarg == "" {
			kwarg = DefaultAssistantMessageToolKwarg
		}
		kept := resp.ToolCalls[:0]
		for _, call := range resp.ToolCalls {
			if call.Name == toolName {
				if msg := extractKwarg(call.Arguments, kwarg); msg != "" {
					resp.Text += msg
					continue
				}
			}
			kept = append(kept, call)
		}
		resp.ToolCalls = kept
	}

	if len(in.RequiresApprovalTools) > 0 {
		approval := make(map[string]bool, len(in.RequiresApprovalTools))
		for _, name := range in.RequiresApprovalTools {
			approval[name] = true
		}
		for i := range resp.ToolCalls {
			if approval[resp.ToolCalls[i].Name] {
				resp.ToolCalls[i].RequiresApproval = true
			}
		}
	}

	switch {
	case reasoning != "":
		resp.Reasoning = &Reasoning{Kind: ReasoningNative, Text: reasoning, Signature: signature}
	case omitted:
		resp.Reasoning = &Reasoning{Kind: ReasoningOmitted}
	case resp.Text != "" && len(resp.ToolCalls) > 0:
		// Text accompanying tool calls is the model's inner monologue on
		// providers without a native reasoning channel.
		resp.Reasoning = &Reasoning{Kind: ReasoningFromText, Text: resp.Text}
		resp.Text = ""
	}
}

// recordTrace hands the raw blobs to the telemetry writer. Fire and forget:
// missing identifiers skip the trace, and a full buffer drops it.
func (a *Adapter) recordTrace(in *TurnInputs, provider, model string, state *turnState) {
	if a.telemetry == nil || in.StepID == "" || in.Actor == "" {
		return
	}
	a.telemetry.TryRecord(&observability.ProviderTrace{
		RunID:     in.RunID,
		StepID:    in.StepID,
		Actor:     in.Actor,
		Provider:  provider,
		Model:     model,
		Request:   state.rawRequest,
		Response:  state.rawResponse,
		CreatedAt: time.Now().UTC(),
	})
}

// normalizeUsage clamps negative counters and fills in the total.
func normalizeUsage(u models.UsageStats) models.UsageStats {
	if u.PromptTokens < 0 {
		u.PromptTokens = 0
	}
	if u.CompletionTokens < 0 {
		u.CompletionTokens = 0
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func marshalResponse(resp *ChatResponse) json.RawMessage {
	if resp == nil {
		return nil
	}
	out, err := json.Marshal(struct {
		Text      string            `json:"text,omitempty"`
		Reasoning *Reasoning        `json:"reasoning,omitempty"`
		ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
		Usage     models.UsageStats `json:"usage"`
	}{resp.Text, resp.Reasoning, resp.ToolCalls, resp.Usage})
	if err != nil {
		return nil
	}
	return out
}

func extractKwarg(args json.RawMessage, kwarg string) string {
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return ""
	}
	s, _ := m[kwarg].(string)
	return s
}

func retryReason(err error) string {
	if le, ok := AsLLMError(err); ok {
		return string(le.Type)
	}
	return "unknown"
}
