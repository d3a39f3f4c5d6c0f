package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/haasonsaas/strand/internal/cancel"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/pkg/models"
)

// Tool argument limits. Oversized payloads become error results rather than
// reaching tool code.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of tool argument JSON (10MB).
	MaxToolArgsSize = 10 << 20
)

// DefaultReturnCharLimit caps tool output when a tool does not declare its
// own ceiling.
const DefaultReturnCharLimit = 50000

// ToolExecutor runs single tool calls. Every failure mode, including panics
// inside tool code, is converted into an error ToolResult; the executor
// never propagates an exception to the loop.
type ToolExecutor struct {
	registry *ToolRegistry
	logger   *observability.Logger
	metrics  *observability.Metrics

	defaultReturnLimit int
}

// NewToolExecutor creates an executor over the given registry. A zero
// returnLimit selects DefaultReturnCharLimit.
func NewToolExecutor(registry *ToolRegistry, logger *observability.Logger, metrics *observability.Metrics, returnLimit int) *ToolExecutor {
	if returnLimit <= 0 {
		returnLimit = DefaultReturnCharLimit
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &ToolExecutor{
		registry:           registry,
		logger:             logger,
		metrics:            metrics,
		defaultReturnLimit: returnLimit,
	}
}

// Execute runs one tool call and always returns a result. The cancellation
// flag is checked before invocation and reflected in the result if the tool
// observed it mid-run.
func (e *ToolExecutor) Execute(ctx context.Context, ac *AgentContext, runID string, flag *cancel.Flag, call *models.ToolCall) *ToolResult {
	name := call.Name
	log := e.logger.WithFields("tool", name, "tool_call_id", call.ID)

	if len(name) > MaxToolNameLength {
		e.metrics.RecordToolExecution(name, "error", 0)
		return ErrorResult(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(call.Arguments) > MaxToolArgsSize {
		e.metrics.RecordToolExecution(name, "error", 0)
		return ErrorResult(fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize))
	}

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		e.metrics.RecordToolExecution(name, "error", 0)
		return ErrorResult(fmt.Sprintf("could not parse arguments for tool %s: %v", name, err))
	}

	tool, ok := e.registry.Get(name)
	if !ok {
		e.metrics.RecordToolExecution(name, "error", 0)
		return ErrorResult("tool not found: " + name)
	}

	if err := e.registry.ValidateArgs(name, args); err != nil {
		e.metrics.RecordToolExecution(name, "error", 0)
		return ErrorResult(err.Error())
	}

	tc := NewToolContext(ac, runID, flag)
	if tc.IsCancelled() {
		e.metrics.RecordToolExecution(name, "error", 0)
		return ErrorResult(cancelledMessage(name))
	}

	start := time.Now()
	result := e.invoke(ctx, tool, tc, args)
	duration := time.Since(start)

	if result.IsError && (tc.IsCancelled() || ctx.Err() != nil) {
		result = ErrorResult(cancelledMessage(name))
	}

	limit := tool.ReturnCharLimit()
	if limit <= 0 {
		limit = e.defaultReturnLimit
	}
	if len(result.Content) > limit {
		original := len(result.Content)
		result.Content = result.Content[:limit] +
			fmt.Sprintf("\n\n[output truncated: %d characters exceeded the %d character limit]", original, limit)
		e.metrics.RecordToolTruncation(name)
		log.Debug(ctx, "tool output truncated", "original_chars", original, "limit", limit)
	}

	outcome := "success"
	if result.IsError {
		outcome = "error"
	}
	e.metrics.RecordToolExecution(name, outcome, duration.Seconds())
	log.Debug(ctx, "tool executed", "outcome", outcome, "duration_ms", duration.Milliseconds())

	return result
}

// invoke runs the tool with panic containment. A panic becomes an error
// result carrying the message and a backtrace.
func (e *ToolExecutor) invoke(ctx context.Context, tool Tool, tc *ToolContext, args json.RawMessage) (result *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			e.logger.Error(ctx, "tool panicked",
				"tool", tool.Name(),
				"panic", fmt.Sprint(r),
				"stack", string(stack))
			result = ErrorResult(fmt.Sprintf("tool %s failed: %v\n%s", tool.Name(), r, stack))
		}
	}()

	res, err := tool.Execute(ctx, tc, args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))
	}
	if res == nil {
		return TextResult("")
	}
	return res
}

// decodeArgs normalizes tool-call arguments to a JSON object payload. Some
// providers deliver arguments as a JSON-encoded string rather than an inline
// object; both forms are accepted.
func decodeArgs(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return nil, err
		}
		if strings.TrimSpace(inner) == "" {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid([]byte(inner)) {
			return nil, fmt.Errorf("string payload is not valid JSON")
		}
		return json.RawMessage(inner), nil
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(trimmed), nil
}

func cancelledMessage(tool string) string {
	return fmt.Sprintf("The request was cancelled while the %s tool was running. The tool did not complete.", tool)
}
