package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"

	// RoleApproval is the client-side reply that returns a tool's result
	// to the model. Every tool call in an assistant message is answered by
	// exactly one approval entry carrying the same tool-call id.
	RoleApproval Role = "approval"
)

// PartType discriminates the content block variants inside a message.
type PartType string

const (
	PartText             PartType = "text"
	PartReasoning        PartType = "reasoning"
	PartOmittedReasoning PartType = "omitted_reasoning"
	PartImage            PartType = "image"
	PartAudio            PartType = "audio"
	PartResource         PartType = "resource"
	PartEmbeddedResource PartType = "embedded_resource"
)

// ContentPart is one block of message content. Text carries the payload for
// text and reasoning parts; Signature holds the provider-native reasoning
// signature when one was returned; URL/MimeType/Data cover media and
// resource parts.
type ContentPart struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	Signature string   `json:"signature,omitempty"`
	URL       string   `json:"url,omitempty"`
	MimeType  string   `json:"mime_type,omitempty"`
	Data      []byte   `json:"data,omitempty"`
}

// TextPart returns a plain text content block.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ReasoningPart returns a native reasoning block, optionally signed.
func ReasoningPart(text, signature string) ContentPart {
	return ContentPart{Type: PartReasoning, Text: text, Signature: signature}
}

// ToolCall is the model's request to execute a named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`

	// RequiresApproval marks calls that must be confirmed by a human
	// before execution.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// ReturnStatus classifies a tool return.
type ReturnStatus string

const (
	ReturnSuccess ReturnStatus = "success"
	ReturnError   ReturnStatus = "error"
)

// ToolReturn carries a tool's output back to the model inside an approval
// message.
type ToolReturn struct {
	ToolCallID string       `json:"tool_call_id"`
	Content    string       `json:"content"`
	Status     ReturnStatus `json:"status"`
}

// Message is one entry in an agent's conversation.
type Message struct {
	ID         string        `json:"id"`
	AgentID    string        `json:"agent_id,omitempty"`
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content,omitempty"`
	ToolCall   *ToolCall     `json:"tool_call,omitempty"`
	ToolReturn *ToolReturn   `json:"tool_return,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// messageWire mirrors Message but keeps content raw so that both the plain
// string form and the block-list form decode.
type messageWire struct {
	ID         string          `json:"id"`
	AgentID    string          `json:"agent_id,omitempty"`
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolReturn *ToolReturn     `json:"tool_return,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// UnmarshalJSON accepts content as either a single string or a list of
// content blocks. A string decodes to one text part.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.ID = wire.ID
	m.AgentID = wire.AgentID
	m.Role = wire.Role
	m.ToolCall = wire.ToolCall
	m.ToolReturn = wire.ToolReturn
	m.CreatedAt = wire.CreatedAt
	m.Content = nil

	if len(wire.Content) == 0 {
		return nil
	}
	switch wire.Content[0] {
	case '"':
		var s string
		if err := json.Unmarshal(wire.Content, &s); err != nil {
			return fmt.Errorf("decode message content string: %w", err)
		}
		m.Content = []ContentPart{TextPart(s)}
	case '[':
		var parts []ContentPart
		if err := json.Unmarshal(wire.Content, &parts); err != nil {
			return fmt.Errorf("decode message content blocks: %w", err)
		}
		m.Content = parts
	case 'n':
		// JSON null
	default:
		return fmt.Errorf("message content must be a string or a block list")
	}
	return nil
}

// Text flattens the message's text parts into a single string.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Reasoning returns the concatenated reasoning parts, if any.
func (m *Message) Reasoning() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == PartReasoning {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// NewUserMessage builds a user message with a single text part.
func NewUserMessage(id, agentID, text string) *Message {
	return &Message{
		ID:        id,
		AgentID:   agentID,
		Role:      RoleUser,
		Content:   []ContentPart{TextPart(text)},
		CreatedAt: time.Now().UTC(),
	}
}

// NewApprovalMessage builds the approval entry answering one tool call.
func NewApprovalMessage(id, agentID string, ret ToolReturn) *Message {
	return &Message{
		ID:         id,
		AgentID:    agentID,
		Role:       RoleApproval,
		ToolReturn: &ret,
		CreatedAt:  time.Now().UTC(),
	}
}
