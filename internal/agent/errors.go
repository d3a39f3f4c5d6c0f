package agent

import "errors"

var (
	// ErrNoMessages is returned when a loop invocation carries no input
	// messages.
	ErrNoMessages = errors.New("agent: request contains no messages")

	// ErrPendingApproval is returned when a new turn is started while the
	// previous assistant message still has an unmet tool approval.
	ErrPendingApproval = errors.New("agent: previous turn has a pending tool approval")

	// ErrNoClient is returned when no LLM client could be resolved for the
	// agent's provider configuration.
	ErrNoClient = errors.New("agent: no LLM client for provider")
)
