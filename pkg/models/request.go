package models

// MessageType filters which message kinds a client wants echoed back in the
// stream.
type MessageType string

const (
	MessageTypeAssistant  MessageType = "assistant_message"
	MessageTypeReasoning  MessageType = "reasoning_message"
	MessageTypeToolCall   MessageType = "tool_call_message"
	MessageTypeToolReturn MessageType = "tool_return_message"
)

// MessageCreate is one inbound message in a client request.
type MessageCreate struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content"`
}

// StreamRequest is the client request envelope for starting a run.
type StreamRequest struct {
	Messages []MessageCreate `json:"messages"`

	// MaxSteps caps LLM round-trips for this run. Zero selects the
	// server default.
	MaxSteps int `json:"max_steps,omitempty"`

	// StreamTokens requests token-level deltas instead of whole-message
	// chunks, where the endpoint supports it.
	StreamTokens bool `json:"stream_tokens,omitempty"`

	// UseAssistantMessage asks the adapter to surface plain assistant
	// text instead of routing it through the assistant-message tool.
	UseAssistantMessage bool `json:"use_assistant_message,omitempty"`

	// IncludePings enables keepalive comment frames.
	IncludePings bool `json:"include_pings,omitempty"`

	// Background detaches the producer and fans chunks out through the
	// event bus so the client can re-attach later.
	Background bool `json:"background,omitempty"`

	IncludeReturnMessageTypes []MessageType `json:"include_return_message_types,omitempty"`

	AssistantMessageToolName  string `json:"assistant_message_tool_name,omitempty"`
	AssistantMessageToolKwarg string `json:"assistant_message_tool_kwarg,omitempty"`
}

// FirstUserText returns the text of the first user message, used for run
// labeling and HOTL re-injection.
func (r *StreamRequest) FirstUserText() string {
	if r == nil {
		return ""
	}
	for _, m := range r.Messages {
		if m.Role != RoleUser {
			continue
		}
		for _, p := range m.Content {
			if p.Type == PartText && p.Text != "" {
				return p.Text
			}
		}
	}
	return ""
}
