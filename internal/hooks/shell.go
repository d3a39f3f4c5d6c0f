package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds a shell hook that declares no timeout of its
// own.
const DefaultCommandTimeout = 30 * time.Second

// ShellHook runs an external command. The event payload is serialized as
// JSON and piped to stdin. A timeout or non-zero exit blocks the triggering
// action; on success, stdout is parsed as JSON when possible to pick up
// inject_message and block directives.
type ShellHook struct {
	name    string
	command string
	timeout time.Duration
}

// NewShellHook creates a shell hook. A zero timeout selects
// DefaultCommandTimeout.
func NewShellHook(name, command string, timeout time.Duration) *ShellHook {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &ShellHook{name: name, command: command, timeout: timeout}
}

// Name returns the hook's registered name.
func (h *ShellHook) Name() string { return h.name }

// Run executes the command and maps its exit status onto a Result.
func (h *ShellHook) Run(ctx context.Context, event Event, payload Payload) Result {
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("encode payload: %v", err)}
	}

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", h.command)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return Result{
			Success: false,
			Block:   true,
			Error:   fmt.Sprintf("hook command timed out after %s and was killed", h.timeout),
		}
	}

	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return Result{
			Success: false,
			Block:   true,
			Output:  strings.TrimSpace(stdout.String()),
			Error:   msg,
		}
	}

	out := strings.TrimSpace(stdout.String())
	res := Result{Success: true, Output: out}
	if strings.HasPrefix(out, "{") {
		var directives struct {
			InjectMessage string `json:"inject_message"`
			Block         bool   `json:"block"`
		}
		if err := json.Unmarshal([]byte(out), &directives); err == nil {
			res.InjectMessage = directives.InjectMessage
			res.Block = directives.Block
		}
	}
	return res
}
