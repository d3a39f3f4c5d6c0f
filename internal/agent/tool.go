package agent

import (
	"context"
	"encoding/json"
)

// ToolKind classifies what a tool does, for policy and display purposes.
type ToolKind string

const (
	ToolKindRead    ToolKind = "read"
	ToolKindSearch  ToolKind = "search"
	ToolKindEdit    ToolKind = "edit"
	ToolKindExecute ToolKind = "execute"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindThink   ToolKind = "think"
	ToolKindOther   ToolKind = "other"
)

// SideEffect classifies the blast radius of running a tool.
type SideEffect string

const (
	SideEffectPure       SideEffect = "pure"
	SideEffectFilesystem SideEffect = "filesystem"
	SideEffectNetwork    SideEffect = "network"
	SideEffectProcess    SideEffect = "process"
)

// Tool is a callable capability exposed to the LLM.
//
// Implementations must be safe for concurrent use; the executor may run the
// same Tool for many agents at once. Execute receives the per-run ToolContext
// and the raw JSON arguments, which have already been validated against
// Schema by the executor.
type Tool interface {
	// Name returns the unique tool name used in LLM function calls.
	Name() string

	// Description returns the natural-language description the LLM sees.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Kind returns the tool's behavioral classification.
	Kind() ToolKind

	// SideEffect returns the tool's side-effect classification.
	SideEffect() SideEffect

	// ReturnCharLimit returns the ceiling on the tool's output length in
	// characters. Zero means the executor's default applies.
	ReturnCharLimit() int

	// Execute runs the tool. Errors the LLM should see are reported via
	// ToolResult.IsError; a returned error means the tool itself failed in a
	// way the executor converts to an error result.
	Execute(ctx context.Context, tc *ToolContext, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the outcome of one tool execution, fed back to the LLM as an
// approval entry.
type ToolResult struct {
	// Content is the tool's output as shown to the LLM.
	Content string `json:"content"`

	// IsError marks the result as a failure the LLM should react to.
	IsError bool `json:"is_error,omitempty"`

	// Stdout and Stderr carry captured process output for tools that spawn
	// subprocesses.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// ErrorResult builds a ToolResult carrying an error message.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{Content: msg, IsError: true}
}

// TextResult builds a successful ToolResult with the given content.
func TextResult(content string) *ToolResult {
	return &ToolResult{Content: content}
}
