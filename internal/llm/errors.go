// Package llm implements the LLM transport layer: streaming clients for
// OpenAI-compatible providers and Ollama, the per-request stream parser,
// and the shared protection stack (rate limiter, circuit breaker, priority
// queue, monitoring counters).
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorReason categorizes a transport failure for retry and user-surfacing
// decisions.
type ErrorReason string

const (
	// ReasonRateLimit is HTTP 429 or a provider-signalled rate limit.
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonTimeout is a network or deadline timeout.
	ReasonTimeout ErrorReason = "timeout"

	// ReasonConnection is a 5xx or network-level failure.
	ReasonConnection ErrorReason = "connection"

	// ReasonAuth is HTTP 401/403.
	ReasonAuth ErrorReason = "auth"

	// ReasonInvalidRequest is a non-429 4xx.
	ReasonInvalidRequest ErrorReason = "invalid_request"

	// ReasonConfiguration is missing or invalid client configuration.
	ReasonConfiguration ErrorReason = "configuration"

	// ReasonValidation is a bad input shape caught before dispatch.
	ReasonValidation ErrorReason = "validation"

	// ReasonUnknown is an unclassified failure.
	ReasonUnknown ErrorReason = "unknown"
)

// Retryable reports whether the reason is worth another attempt.
func (r ErrorReason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonConnection:
		return true
	}
	return false
}

// Error is a structured transport error.
type Error struct {
	Reason   ErrorReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a classified transport error from a cause.
func NewError(provider, model string, cause error) *Error {
	e := &Error{
		Reason:   ReasonUnknown,
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = Classify(cause)
	}
	return e
}

// WithStatus attaches an HTTP status and reclassifies accordingly.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	e.Reason = ClassifyStatus(status)
	return e
}

// ValidationError marks bad input shapes; never retried.
func ValidationError(format string, args ...any) *Error {
	return &Error{Reason: ReasonValidation, Message: fmt.Sprintf(format, args...)}
}

// ConfigurationError marks missing or invalid configuration; never retried.
func ConfigurationError(provider, format string, args ...any) *Error {
	return &Error{Reason: ReasonConfiguration, Provider: provider, Message: fmt.Sprintf(format, args...)}
}

// ClassifyStatus maps an HTTP status to an error reason.
func ClassifyStatus(status int) ErrorReason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonConnection
	case status >= 400:
		return ReasonInvalidRequest
	}
	return ReasonUnknown
}

// Classify derives a reason from an arbitrary error: structured errors are
// inspected first, then the error text is pattern-matched the way the
// provider SDKs surface failures.
func Classify(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Reason
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ClassifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ClassifyStatus(reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit"):
		return ReasonRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") || strings.Contains(msg, "connection") || strings.Contains(msg, "temporarily"):
		return ReasonConnection
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key"):
		return ReasonAuth
	}
	return ReasonUnknown
}

// IsRetryable reports whether the error's class is worth another attempt.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// IsRateLimit reports whether the error is a provider rate limit.
func IsRateLimit(err error) bool {
	return Classify(err) == ReasonRateLimit
}
