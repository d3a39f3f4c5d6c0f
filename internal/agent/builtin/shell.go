package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/strand/internal/agent"
)

const defaultShellTimeout = 60 * time.Second

// cancelPollInterval is how often a running command is checked against the
// run's cancellation flag.
const cancelPollInterval = 100 * time.Millisecond

// ShellTool runs one shell command in the agent's workspace. Commands are
// bounded by a timeout and killed early when the run's cancellation flag is
// raised.
type ShellTool struct {
	defaultTimeout time.Duration
}

type shellArgs struct {
	Command        string `json:"command" jsonschema:"required,description=Shell command to execute."`
	TimeoutSeconds int    `json:"timeout_seconds" jsonschema:"description=Timeout in seconds. Zero selects the tool default.,minimum=0"`
}

type shellResult struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

// NewShellTool creates the shell tool.
func NewShellTool(cfg Config) *ShellTool {
	timeout := cfg.ShellTimeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	return &ShellTool{defaultTimeout: timeout}
}

func (t *ShellTool) Name() string {
	return "shell"
}

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return its output, exit code, and duration."
}

func (t *ShellTool) Schema() json.RawMessage {
	return reflectSchema(&shellArgs{})
}

func (t *ShellTool) Kind() agent.ToolKind {
	return agent.ToolKindExecute
}

func (t *ShellTool) SideEffect() agent.SideEffect {
	return agent.SideEffectProcess
}

func (t *ShellTool) ReturnCharLimit() int {
	return 0
}

func (t *ShellTool) Execute(ctx context.Context, tc *agent.ToolContext, params json.RawMessage) (*agent.ToolResult, error) {
	var args shellArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return agent.ErrorResult(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return agent.ErrorResult("command is required"), nil
	}

	timeout := t.defaultTimeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}
	runCtx, cancelRun := context.WithTimeout(ctx, timeout)
	defer cancelRun()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if tc != nil && tc.WorkDir != "" {
		cmd.Dir = tc.WorkDir
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return agent.ErrorResult(fmt.Sprintf("start command: %v", err)), nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	var cancelled bool
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-ticker.C:
			if tc != nil && tc.IsCancelled() {
				cancelled = true
				_ = cmd.Process.Kill()
				waitErr = <-done
				break wait
			}
		}
	}
	duration := time.Since(start)

	result := shellResult{
		Command:    command,
		ExitCode:   exitCode(waitErr),
		DurationMS: duration.Milliseconds(),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		TimedOut:   errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Cancelled:  cancelled,
	}

	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return agent.ErrorResult(fmt.Sprintf("encode result: %v", err)), nil
	}

	out := &agent.ToolResult{
		Content: string(payload),
		IsError: cancelled || result.TimedOut || result.ExitCode != 0,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
	}
	return out, nil
}

// exitCode extracts the process exit status from a Wait error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
