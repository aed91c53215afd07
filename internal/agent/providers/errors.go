package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FailoverReason categorizes why a provider request failed, driving the
// orchestrator's retry policy.
type FailoverReason string

const (
	// ReasonRateLimited indicates throttling (HTTP 429). RetryAfter
	// carries the wait the provider asked for.
	ReasonRateLimited FailoverReason = "rate_limited"

	// ReasonAuthFailed indicates bad credentials (HTTP 401, 403).
	// Never retried.
	ReasonAuthFailed FailoverReason = "auth_failed"

	// ReasonServerError indicates a provider-side failure (HTTP 5xx).
	ReasonServerError FailoverReason = "server_error"

	// ReasonTimeout indicates the request timed out.
	ReasonTimeout FailoverReason = "timeout"

	// ReasonStreamInterrupted indicates the stream died mid-response.
	// Partial carries whatever assistant text arrived.
	ReasonStreamInterrupted FailoverReason = "stream_interrupted"

	// ReasonInvalidRequest indicates a client-side error (HTTP 400).
	ReasonInvalidRequest FailoverReason = "invalid_request"

	// ReasonContentFilter indicates the response was blocked by safety
	// filters.
	ReasonContentFilter FailoverReason = "content_filter"

	// ReasonModelUnavailable indicates the requested model does not
	// exist or is not accessible.
	ReasonModelUnavailable FailoverReason = "model_unavailable"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown FailoverReason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimited, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider.
type ProviderError struct {
	// Provider is the adapter name ("anthropic", "openai", ...).
	Provider string

	// Model is the model that was requested.
	Model string

	// Reason categorizes the error.
	Reason FailoverReason

	// StatusCode is the HTTP status, if applicable.
	StatusCode int

	// Code is the provider-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RetryAfter is how long the provider asked us to wait (429 only).
	RetryAfter time.Duration

	// Partial holds assistant text received before a stream died.
	Partial string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Reason == ReasonRateLimited && e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("retry_after=%s", e.RetryAfter))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the orchestrator may retry this request.
func (e *ProviderError) IsRetryable() bool {
	return e.Reason.IsRetryable()
}

// NewProviderError creates a ProviderError, classifying the reason from
// the cause's content.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ReasonUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus sets the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.StatusCode = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode sets a provider-specific error code and reclassifies when the
// code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// WithRetryAfter records the provider-requested wait.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	e.RetryAfter = d
	return e
}

// StreamInterrupted builds the error for a stream that died mid-response,
// preserving the partial assistant text.
func StreamInterrupted(provider, model, partial string, cause error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Reason:   ReasonStreamInterrupted,
		Message:  "stream interrupted",
		Partial:  partial,
		Cause:    cause,
	}
}

// ClassifyError inspects an error and returns the matching reason.
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return ReasonUnknown
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "etimedout"):
		return ReasonTimeout
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return ReasonRateLimited
	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "invalid_api_key"),
		strings.Contains(errStr, "authentication"),
		strings.Contains(errStr, "401"),
		strings.Contains(errStr, "403"):
		return ReasonAuthFailed
	case strings.Contains(errStr, "content_filter"),
		strings.Contains(errStr, "content policy"),
		strings.Contains(errStr, "safety"):
		return ReasonContentFilter
	case strings.Contains(errStr, "model not found"),
		strings.Contains(errStr, "model_not_found"),
		strings.Contains(errStr, "does not exist"):
		return ReasonModelUnavailable
	case strings.Contains(errStr, "stream interrupted"),
		strings.Contains(errStr, "unexpected eof"),
		strings.Contains(errStr, "connection reset"):
		return ReasonStreamInterrupted
	case strings.Contains(errStr, "internal server"),
		strings.Contains(errStr, "server error"),
		strings.Contains(errStr, "500"),
		strings.Contains(errStr, "502"),
		strings.Contains(errStr, "503"),
		strings.Contains(errStr, "529"),
		strings.Contains(errStr, "overloaded"):
		return ReasonServerError
	}

	return ReasonUnknown
}

func classifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuthFailed
	case status == http.StatusTooManyRequests:
		return ReasonRateLimited
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) FailoverReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimited
	case "authentication_error", "invalid_api_key", "permission_error":
		return ReasonAuthFailed
	case "not_found_error", "model_not_found":
		return ReasonModelUnavailable
	case "overloaded_error", "api_error", "internal_error", "server_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "timeout_error":
		return ReasonTimeout
	default:
		return ReasonUnknown
	}
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds
// or an HTTP-date. Returns 0 when the value is absent or unparseable.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether an error chain suggests retrying.
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
