package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/strand/pkg/models"
)

func TestNewLLMErrorClassifiesMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want models.ErrorType
	}{
		{name: "timeout", msg: "request timed out after 60s", want: models.ErrLLMTimeout},
		{name: "deadline", msg: "context deadline exceeded", want: models.ErrLLMTimeout},
		{name: "rate limit", msg: "429 Too Many Requests", want: models.ErrLLMRateLimit},
		{name: "overloaded", msg: "the model is overloaded", want: models.ErrLLMRateLimit},
		{name: "auth", msg: "invalid api key provided", want: models.ErrLLMAuth},
		{name: "permission", msg: "permission denied for model", want: models.ErrLLMAuth},
		{name: "generic", msg: "upstream exploded", want: models.ErrLLM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			le := NewLLMError("anthropic", "test-model", errors.New(tt.msg))
			if le.Type != tt.want {
				t.Fatalf("type = %s, want %s", le.Type, tt.want)
			}
		})
	}
}

func TestLLMErrorWithStatus(t *testing.T) {
	tests := []struct {
		status int
		want   models.ErrorType
	}{
		{status: 401, want: models.ErrLLMAuth},
		{status: 403, want: models.ErrLLMAuth},
		{status: 429, want: models.ErrLLMRateLimit},
		{status: 408, want: models.ErrLLMTimeout},
		{status: 504, want: models.ErrLLMTimeout},
		{status: 400, want: models.ErrLLM},
		{status: 500, want: models.ErrLLM},
	}

	for _, tt := range tests {
		le := (&LLMError{Type: models.ErrLLM}).WithStatus(tt.status)
		if le.Type != tt.want {
			t.Fatalf("status %d: type = %s, want %s", tt.status, le.Type, tt.want)
		}
	}

	// 2xx never reclassifies.
	le := (&LLMError{Type: models.ErrLLMRateLimit}).WithStatus(200)
	if le.Type != models.ErrLLMRateLimit {
		t.Fatalf("type = %s, want unchanged", le.Type)
	}
}

func TestLLMErrorWithCode(t *testing.T) {
	tests := []struct {
		code string
		want models.ErrorType
	}{
		{code: "rate_limit_error", want: models.ErrLLMRateLimit},
		{code: "ThrottlingException", want: models.ErrLLMRateLimit},
		{code: "authentication_error", want: models.ErrLLMAuth},
		{code: "AccessDeniedException", want: models.ErrLLMAuth},
		{code: "timeout_error", want: models.ErrLLMTimeout},
		{code: "server_error", want: models.ErrLLM},
		{code: "mystery_code", want: models.ErrLLM},
	}

	for _, tt := range tests {
		le := (&LLMError{Type: models.ErrLLM}).WithCode(tt.code)
		if le.Type != tt.want {
			t.Fatalf("code %s: type = %s, want %s", tt.code, le.Type, tt.want)
		}
	}
}

func TestLLMErrorRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  *LLMError
		want bool
	}{
		{name: "rate limit", err: &LLMError{Type: models.ErrLLMRateLimit}, want: true},
		{name: "auth", err: &LLMError{Type: models.ErrLLMAuth}, want: false},
		{name: "timeout", err: &LLMError{Type: models.ErrLLMTimeout}, want: false},
		{name: "server 500", err: &LLMError{Type: models.ErrLLM, Status: 500}, want: true},
		{name: "client 400", err: &LLMError{Type: models.ErrLLM, Status: 400}, want: false},
		{name: "connection reset", err: &LLMError{Type: models.ErrLLM, Message: "connection reset by peer"}, want: true},
		{name: "broken pipe cause", err: &LLMError{Type: models.ErrLLM, Cause: errors.New("write: broken pipe")}, want: true},
		{name: "plain failure", err: &LLMError{Type: models.ErrLLM, Message: "bad input"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Retryable(); got != tt.want {
				t.Fatalf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLLMErrorString(t *testing.T) {
	le := &LLMError{
		Type:     models.ErrLLMRateLimit,
		Provider: "anthropic",
		Model:    "test-model",
		Status:   429,
		Code:     "rate_limit_error",
		Message:  "slow down",
	}
	s := le.Error()
	for _, want := range []string{"[llm_rate_limit]", "anthropic", "model=test-model", "status=429", "code=rate_limit_error", "slow down"} {
		if !strings.Contains(s, want) {
			t.Fatalf("Error() = %q, missing %q", s, want)
		}
	}
}

func TestAsLLMErrorUnwrapsChains(t *testing.T) {
	inner := NewLLMError("openai", "gpt", errors.New("rate limit exceeded"))
	wrapped := fmt.Errorf("turn failed: %w", inner)

	le, ok := AsLLMError(wrapped)
	if !ok || le.Type != models.ErrLLMRateLimit {
		t.Fatalf("AsLLMError = %v, %v", le, ok)
	}

	if _, ok := AsLLMError(errors.New("plain")); ok {
		t.Fatal("plain error should not match")
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(nil); got != "" {
		t.Fatalf("nil = %s", got)
	}
	if got := ClassifyError(context.DeadlineExceeded); got != models.ErrLLMTimeout {
		t.Fatalf("deadline = %s", got)
	}
	if got := ClassifyError(&LLMError{Type: models.ErrLLMAuth}); got != models.ErrLLMAuth {
		t.Fatalf("llm error = %s", got)
	}
	if got := ClassifyError(errors.New("anything else")); got != models.ErrInternal {
		t.Fatalf("fallback = %s", got)
	}
}
