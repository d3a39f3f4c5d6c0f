package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/strand/pkg/models"
)

// LLMError is a classified failure from an LLM provider. Providers wrap SDK
// errors into this shape so the adapter can decide retry behavior and the
// dispatcher can map failures onto the wire error taxonomy.
type LLMError struct {
	// Type is the taxonomy bucket the failure maps to on the wire.
	Type models.ErrorType

	// Provider is the provider name, e.g. "anthropic".
	Provider string

	// Model is the model handle that was requested.
	Model string

	// Status is the HTTP status code, if one applies.
	Status int

	// Code is the provider-specific error code, if one was reported.
	Code string

	// Message is the human-readable summary.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *LLMError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a fresh attempt may succeed. Rate limits,
// server-side errors, and connection-level failures are transient;
// authentication and timeout failures are not.
func (e *LLMError) Retryable() bool {
	switch e.Type {
	case models.ErrLLMRateLimit:
		return true
	case models.ErrLLMTimeout, models.ErrLLMAuth:
		return false
	}
	if e.Status >= 500 {
		return true
	}
	if e.Status >= 400 {
		return false
	}
	return isConnectionError(e.Message) || (e.Cause != nil && isConnectionError(e.Cause.Error()))
}

// NewLLMError wraps cause with classification derived from its message.
func NewLLMError(provider, model string, cause error) *LLMError {
	e := &LLMError{
		Type:     models.ErrLLM,
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Type = classifyMessage(cause.Error())
	}
	return e
}

// WithStatus attaches an HTTP status and reclassifies from it.
func (e *LLMError) WithStatus(status int) *LLMError {
	e.Status = status
	if t := classifyStatus(status); t != "" {
		e.Type = t
	}
	return e
}

// WithCode attaches a provider-specific error code and reclassifies from it
// when the code is recognized.
func (e *LLMError) WithCode(code string) *LLMError {
	e.Code = code
	if t := classifyCode(code); t != "" {
		e.Type = t
	}
	return e
}

// AsLLMError extracts an LLMError from an error chain.
func AsLLMError(err error) (*LLMError, bool) {
	var le *LLMError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// ClassifyError maps any error onto the wire taxonomy. Unwrapped errors are
// classified from their message; everything unrecognized is internal_error.
func ClassifyError(err error) models.ErrorType {
	if err == nil {
		return ""
	}
	if le, ok := AsLLMError(err); ok {
		return le.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrLLMTimeout
	}
	return models.ErrInternal
}

func classifyMessage(msg string) models.ErrorType {
	s := strings.ToLower(msg)

	switch {
	case strings.Contains(s, "timeout"),
		strings.Contains(s, "deadline exceeded"),
		strings.Contains(s, "timed out"):
		return models.ErrLLMTimeout
	case strings.Contains(s, "rate limit"),
		strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"),
		strings.Contains(s, "overloaded"),
		strings.Contains(s, "429"):
		return models.ErrLLMRateLimit
	case strings.Contains(s, "unauthorized"),
		strings.Contains(s, "invalid api key"),
		strings.Contains(s, "invalid_api_key"),
		strings.Contains(s, "authentication"),
		strings.Contains(s, "permission denied"),
		strings.Contains(s, "401"),
		strings.Contains(s, "403"):
		return models.ErrLLMAuth
	}
	return models.ErrLLM
}

func classifyStatus(status int) models.ErrorType {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ErrLLMAuth
	case status == http.StatusTooManyRequests:
		return models.ErrLLMRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return models.ErrLLMTimeout
	case status >= 400:
		return models.ErrLLM
	default:
		return ""
	}
}

func classifyCode(code string) models.ErrorType {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "overloaded_error",
		"throttlingexception":
		return models.ErrLLMRateLimit
	case "authentication_error", "invalid_api_key", "permission_error",
		"accessdeniedexception", "unauthorizedexception":
		return models.ErrLLMAuth
	case "timeout_error", "modeltimeoutexception":
		return models.ErrLLMTimeout
	case "server_error", "internal_error", "api_error", "invalid_request_error",
		"validationexception", "serviceunavailableexception",
		"modelstreamerrorexception", "internalserverexception",
		"modelnotreadyexception":
		return models.ErrLLM
	default:
		return ""
	}
}

func isConnectionError(msg string) bool {
	s := strings.ToLower(msg)
	return strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "unexpected eof") ||
		strings.Contains(s, "no such host") ||
		strings.Contains(s, "eof")
}
