package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/strand/internal/agent"
)

// ThinkTool gives the model a scratchpad. The thought lands in the
// transcript as a tool call; executing it does nothing else.
type ThinkTool struct{}

type thinkArgs struct {
	Thought string `json:"thought" jsonschema:"required,description=The thought to record."`
}

// NewThinkTool creates the think tool.
func NewThinkTool() *ThinkTool {
	return &ThinkTool{}
}

func (t *ThinkTool) Name() string {
	return "think"
}

func (t *ThinkTool) Description() string {
	return "Record a thought without taking any action. Use this to reason through a problem step by step before committing to other tool calls."
}

func (t *ThinkTool) Schema() json.RawMessage {
	return reflectSchema(&thinkArgs{})
}

func (t *ThinkTool) Kind() agent.ToolKind {
	return agent.ToolKindThink
}

func (t *ThinkTool) SideEffect() agent.SideEffect {
	return agent.SideEffectPure
}

func (t *ThinkTool) ReturnCharLimit() int {
	return 0
}

func (t *ThinkTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolResult, error) {
	var args thinkArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return agent.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(args.Thought) == "" {
		return agent.ErrorResult("thought is required"), nil
	}
	return agent.TextResult("Thought recorded."), nil
}
