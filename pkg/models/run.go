package models

import "time"

// RunStatus is the lifecycle state of a run. The only valid transitions are
// created -> running -> {completed, cancelled, failed}; terminal states are
// absorbing. Cancellation may also be requested directly from created.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCancelled, RunFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal status
// write. Identity writes are allowed so that metadata updates do not need a
// separate path.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case RunCreated:
		return next == RunRunning || next == RunCancelled || next == RunFailed
	case RunRunning:
		return next.Terminal()
	}
	return false
}

// StopReason is the terminal classification of why the step loop exited.
type StopReason string

const (
	StopEndTurn     StopReason = "end_turn"
	StopMaxSteps    StopReason = "max_steps"
	StopCancelled   StopReason = "cancelled"
	StopError       StopReason = "error"
	StopLLMAPIError StopReason = "llm_api_error"
	StopRefused     StopReason = "refused"
)

// ErrorType labels error payloads on the stream.
type ErrorType string

const (
	ErrLLMTimeout       ErrorType = "llm_timeout"
	ErrLLMRateLimit     ErrorType = "llm_rate_limit"
	ErrLLMAuth          ErrorType = "llm_authentication"
	ErrLLM              ErrorType = "llm_error"
	ErrInternal         ErrorType = "internal_error"
	ErrStreamIncomplete ErrorType = "stream_incomplete"
)

// RunError is the structured error metadata recorded on a failed run and
// mirrored into the stream's error frame.
type RunError struct {
	Type    ErrorType `json:"error_type"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// Run is one user-initiated turn with durable status.
type Run struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Status     RunStatus      `json:"status"`
	Background bool           `json:"background"`
	Request    *StreamRequest `json:"request,omitempty"`
	StopReason StopReason     `json:"stop_reason,omitempty"`
	Error      *RunError      `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
