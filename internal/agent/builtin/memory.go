package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/pkg/models"
)

// MemoryAppendTool appends text to one of the agent's memory blocks.
type MemoryAppendTool struct{}

type memoryAppendArgs struct {
	Label   string `json:"label" jsonschema:"required,description=Label of the memory block to append to."`
	Content string `json:"content" jsonschema:"required,description=Text to append to the block."`
}

// NewMemoryAppendTool creates the memory_append tool.
func NewMemoryAppendTool() *MemoryAppendTool {
	return &MemoryAppendTool{}
}

func (t *MemoryAppendTool) Name() string {
	return "memory_append"
}

func (t *MemoryAppendTool) Description() string {
	return "Append text to a memory block. The block keeps its existing content; the new text is added on a new line."
}

func (t *MemoryAppendTool) Schema() json.RawMessage {
	return reflectSchema(&memoryAppendArgs{})
}

func (t *MemoryAppendTool) Kind() agent.ToolKind {
	return agent.ToolKindEdit
}

func (t *MemoryAppendTool) SideEffect() agent.SideEffect {
	return agent.SideEffectPure
}

func (t *MemoryAppendTool) ReturnCharLimit() int {
	return 0
}

func (t *MemoryAppendTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolResult, error) {
	var args memoryAppendArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return agent.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if args.Content == "" {
		return agent.ErrorResult("content is required"), nil
	}

	block, errResult := lookupBlock(ctx, tc, args.Label)
	if errResult != nil {
		return errResult, nil
	}

	value := block.Value
	if value != "" {
		value += "\n"
	}
	value += args.Content
	if errResult := checkCharLimit(block, value); errResult != nil {
		return errResult, nil
	}

	block.Value = value
	if err := tc.Agent.Client.UpdateMemoryBlock(ctx, block); err != nil {
		return agent.ErrorResult(fmt.Sprintf("could not update memory block %q: %v", block.Label, err)), nil
	}
	return agent.TextResult(fmt.Sprintf("Appended to memory block %q.", block.Label)), nil
}

// MemoryReplaceTool rewrites matching text inside one of the agent's memory
// blocks.
type MemoryReplaceTool struct{}

type memoryReplaceArgs struct {
	Label   string `json:"label" jsonschema:"required,description=Label of the memory block to edit."`
	OldText string `json:"old_text" jsonschema:"required,description=Exact text to replace. Must occur in the block."`
	NewText string `json:"new_text" jsonschema:"required,description=Replacement text. May be empty to delete the old text."`
}

// NewMemoryReplaceTool creates the memory_replace tool.
func NewMemoryReplaceTool() *MemoryReplaceTool {
	return &MemoryReplaceTool{}
}

func (t *MemoryReplaceTool) Name() string {
	return "memory_replace"
}

func (t *MemoryReplaceTool) Description() string {
	return "Replace every occurrence of exact text in a memory block. Fails if the text is not present, so stale edits never silently succeed."
}

func (t *MemoryReplaceTool) Schema() json.RawMessage {
	return reflectSchema(&memoryReplaceArgs{})
}

func (t *MemoryReplaceTool) Kind() agent.ToolKind {
	return agent.ToolKindEdit
}

func (t *MemoryReplaceTool) SideEffect() agent.SideEffect {
	return agent.SideEffectPure
}

func (t *MemoryReplaceTool) ReturnCharLimit() int {
	return 0
}

func (t *MemoryReplaceTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolResult, error) {
	var args memoryReplaceArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return agent.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if args.OldText == "" {
		return agent.ErrorResult("old_text is required"), nil
	}

	block, errResult := lookupBlock(ctx, tc, args.Label)
	if errResult != nil {
		return errResult, nil
	}

	count := strings.Count(block.Value, args.OldText)
	if count == 0 {
		return agent.ErrorResult(fmt.Sprintf("old_text not found in memory block %q", block.Label)), nil
	}
	value := strings.ReplaceAll(block.Value, args.OldText, args.NewText)
	if errResult := checkCharLimit(block, value); errResult != nil {
		return errResult, nil
	}

	block.Value = value
	if err := tc.Agent.Client.UpdateMemoryBlock(ctx, block); err != nil {
		return agent.ErrorResult(fmt.Sprintf("could not update memory block %q: %v", block.Label, err)), nil
	}
	if count == 1 {
		return agent.TextResult(fmt.Sprintf("Replaced 1 occurrence in memory block %q.", block.Label)), nil
	}
	return agent.TextResult(fmt.Sprintf("Replaced %d occurrences in memory block %q.", count, block.Label)), nil
}

// lookupBlock resolves a label to one of the calling agent's memory blocks.
// The agent record is re-read so the block list reflects the current state,
// not the snapshot the loop started with.
func lookupBlock(ctx context.Context, tc *agent.ToolContext, label string) (*models.MemoryBlock, *agent.ToolResult) {
	if label == "" {
		return nil, agent.ErrorResult("label is required")
	}
	if tc == nil || tc.Agent == nil || tc.Agent.Client == nil {
		return nil, agent.ErrorResult("memory is not available for this agent")
	}

	state, err := tc.Agent.Client.GetAgent(ctx, tc.Agent.AgentID)
	if err != nil {
		return nil, agent.ErrorResult(fmt.Sprintf("could not load agent state: %v", err))
	}
	blocks, err := tc.Agent.Client.GetMemoryBlocks(ctx, state.MemoryBlockIDs)
	if err != nil {
		return nil, agent.ErrorResult(fmt.Sprintf("could not load memory blocks: %v", err))
	}
	for i := range blocks {
		if blocks[i].Label == label {
			return &blocks[i], nil
		}
	}

	labels := make([]string, 0, len(blocks))
	for _, b := range blocks {
		labels = append(labels, b.Label)
	}
	sort.Strings(labels)
	if len(labels) == 0 {
		return nil, agent.ErrorResult("this agent has no memory blocks")
	}
	return nil, agent.ErrorResult(fmt.Sprintf("no memory block labeled %q; available labels: %s",
		label, strings.Join(labels, ", ")))
}

func checkCharLimit(block *models.MemoryBlock, value string) *agent.ToolResult {
	if block.CharLimit <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(value); n > block.CharLimit {
		return agent.ErrorResult(fmt.Sprintf(
			"edit would grow memory block %q to %d characters, over its %d character limit; trim the block first",
			block.Label, n, block.CharLimit))
	}
	return nil
}
