// Package agent implements the conversational runtime: the step loop that
// drives an LLM through tool use, the tool registry and executor, and the
// request adapter that normalizes provider responses.
//
// The central type is Loop, whose Stream method returns a lazy channel of
// events. One Loop invocation owns its AgentContext, usage accumulator, and
// stop-reason slot; everything else (agent state, messages, runs) lives in
// external stores passed in at construction.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/strand/pkg/models"
)

// LLMClient is the provider-side interface the runtime consumes. Implementations
// live in the providers subpackage; each wraps one vendor SDK.
//
// Complete issues a single request and returns a channel of chunks. The channel
// is closed when the turn finishes, errors, or the context is cancelled. The
// returned error covers request construction only; transport and server errors
// arrive as chunk.Error.
type LLMClient interface {
	// Name returns the stable lowercase provider identifier used for routing,
	// metrics, and logs.
	Name() string

	// Complete sends one completion request and streams the response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// CompletionRequest is the provider-neutral request shape. Providers convert
// it to their SDK's native parameters.
type CompletionRequest struct {
	// Model is the provider-specific model handle.
	Model string `json:"model"`

	// System is the system prompt, sent via the provider's dedicated system
	// channel where one exists.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order. System
	// messages inside the slice are skipped; the System field wins.
	Messages []*models.Message `json:"messages"`

	// Tools lists the callable tool schemas for this request.
	Tools []ToolSchema `json:"tools,omitempty"`

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionChunk is one unit of a streamed provider response. Exactly one
// of the content fields is meaningful per chunk; the final chunk carries
// Done together with the usage counters the provider reported.
type CompletionChunk struct {
	// Text is an incremental piece of assistant output text.
	Text string

	// Reasoning is an incremental piece of native reasoning content.
	Reasoning string

	// ReasoningSignature is the provider's opaque signature for the reasoning
	// block, delivered once the block closes.
	ReasoningSignature string

	// OmittedReasoning reports that the provider produced reasoning but
	// withheld its content.
	OmittedReasoning bool

	// ToolCall is a complete tool invocation request, emitted once the
	// provider has finished streaming its arguments.
	ToolCall *models.ToolCall

	// Usage carries token counters, normally on the Done chunk.
	Usage *models.UsageStats

	// Done marks successful end of the turn.
	Done bool

	// Error reports a transport or server failure. The channel closes after
	// an error chunk.
	Error error
}

// ToolSchema is the wire-ready description of one tool: name, human
// description, and a strict JSON schema for its arguments.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FunctionSpec wraps a ToolSchema in the OpenAI-style function envelope used
// on the interchange surface.
type FunctionSpec struct {
	Type     string       `json:"type"`
	Function FunctionBody `json:"function"`
}

// FunctionBody is the inner function record of a FunctionSpec.
type FunctionBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict"`
}

// ReasoningKind tags how reasoning content was obtained from a response.
type ReasoningKind string

const (
	// ReasoningNative is explicit reasoning content, optionally signed.
	ReasoningNative ReasoningKind = "native"

	// ReasoningOmitted means the provider reported reasoning it withheld.
	ReasoningOmitted ReasoningKind = "omitted"

	// ReasoningFromText means assistant text was reinterpreted as reasoning
	// for models without a native reasoning channel.
	ReasoningFromText ReasoningKind = "text"
)

// Reasoning is the normalized reasoning content extracted from a response.
type Reasoning struct {
	Kind      ReasoningKind
	Text      string
	Signature string
}

// ChatResponse is the adapter's normalized view of one completed provider
// turn: final text, extracted reasoning, pending tool calls in order of
// appearance, and canonical usage counters.
type ChatResponse struct {
	Text      string
	Reasoning *Reasoning
	ToolCalls []models.ToolCall
	Usage     models.UsageStats

	// Raw is the response serialized for provider-trace telemetry.
	Raw json.RawMessage

	// Incomplete reports that the provider stream ended without a Done or
	// Error chunk.
	Incomplete bool
}

// ContentParts renders the response's reasoning and text as ordered message
// content blocks, reasoning first.
func (r *ChatResponse) ContentParts() []models.ContentPart {
	var parts []models.ContentPart
	if r.Reasoning != nil {
		switch r.Reasoning.Kind {
		case ReasoningOmitted:
			parts = append(parts, models.ContentPart{Type: models.PartOmittedReasoning})
		default:
			parts = append(parts, models.ReasoningPart(r.Reasoning.Text, r.Reasoning.Signature))
		}
	}
	if r.Text != "" {
		parts = append(parts, models.TextPart(r.Text))
	}
	return parts
}
