package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the turn loop.
var (
	// ErrMaxIterations indicates the turn loop hit its iteration limit.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrInterrupted indicates the user interrupted the turn.
	ErrInterrupted = errors.New("interrupted by user")

	// ErrSessionCorrupt indicates a session invariant was violated.
	// Treated as fatal: the orchestrator attempts a final save and exits.
	ErrSessionCorrupt = errors.New("session corrupt")
)

// ToolErrorType categorizes tool execution errors for retry decisions
// and for the error text fed back to the model.
type ToolErrorType string

const (
	// ToolErrorInvalidInput indicates bad parameters, a missing or
	// unsupported operation, or a path outside the sandbox.
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorNotFound indicates a missing file, memory key, stored
	// result, or tool.
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorPermission indicates a filesystem or SSH permission error.
	ToolErrorPermission ToolErrorType = "permission_denied"

	// ToolErrorTimeout indicates a shell, SSH, or collaboration timeout.
	ToolErrorTimeout ToolErrorType = "timeout"

	// ToolErrorNetwork indicates a connection-level failure.
	ToolErrorNetwork ToolErrorType = "network"

	// ToolErrorRateLimit indicates an upstream service throttled the call.
	ToolErrorRateLimit ToolErrorType = "rate_limit"

	// ToolErrorPatchMismatch indicates a patch hunk could not be located;
	// the whole file update was aborted before any write.
	ToolErrorPatchMismatch ToolErrorType = "patch_mismatch"

	// ToolErrorLockContended indicates the broker denied a lock request.
	ToolErrorLockContended ToolErrorType = "lock_contended"

	// ToolErrorBrokerUnavailable indicates the broker socket is gone;
	// callers degrade to uncoordinated operation.
	ToolErrorBrokerUnavailable ToolErrorType = "broker_unavailable"

	// ToolErrorExecution indicates a runtime failure inside the tool.
	ToolErrorExecution ToolErrorType = "execution"

	// ToolErrorPanic indicates the tool panicked.
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorCanceled indicates the context was canceled mid-call.
	ToolErrorCanceled ToolErrorType = "canceled"

	// ToolErrorUnknown indicates an unclassified error.
	ToolErrorUnknown ToolErrorType = "unknown"
)

// IsRetryable reports whether retrying the operation may succeed.
// Lock contention is retryable by nature; the caller's policy decides
// whether to actually retry.
func (t ToolErrorType) IsRetryable() bool {
	switch t {
	case ToolErrorTimeout, ToolErrorNetwork, ToolErrorRateLimit, ToolErrorLockContended:
		return true
	default:
		return false
	}
}

// ToolError is a structured error from tool execution.
type ToolError struct {
	// Type categorizes the error.
	Type ToolErrorType

	// Tool is the name of the tool that failed.
	Tool string

	// ToolCallID correlates the error with a specific call.
	ToolCallID string

	// Message is the human-readable error message.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.Tool != "" {
		parts = append(parts, e.Tool)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether this error's type is retryable.
func (e *ToolError) IsRetryable() bool {
	return e.Type.IsRetryable()
}

// NewToolError creates a ToolError, classifying the type from the cause.
func NewToolError(tool string, cause error) *ToolError {
	err := &ToolError{Tool: tool, Cause: cause, Type: ToolErrorUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
	}
	return err
}

// Errorf creates a ToolError with an explicit type and formatted message.
func Errorf(t ToolErrorType, tool, format string, args ...any) *ToolError {
	return &ToolError{Type: t, Tool: tool, Message: fmt.Sprintf(format, args...)}
}

// WithType overrides the classified type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID tags the error with the originating call id.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// classifyToolError determines the error type from the error content.
func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}

	if errors.Is(err, ErrToolNotFound) {
		return ToolErrorNotFound
	}
	if errors.Is(err, ErrToolTimeout) {
		return ToolErrorTimeout
	}
	if errors.Is(err, ErrToolPanic) {
		return ToolErrorPanic
	}
	if errors.Is(err, ErrInterrupted) {
		return ToolErrorCanceled
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "context canceled"):
		return ToolErrorCanceled
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"):
		return ToolErrorTimeout
	case strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "network"),
		strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "refused"),
		strings.Contains(errStr, "unreachable"):
		return ToolErrorNetwork
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return ToolErrorRateLimit
	case strings.Contains(errStr, "permission"),
		strings.Contains(errStr, "forbidden"),
		strings.Contains(errStr, "access denied"):
		return ToolErrorPermission
	case strings.Contains(errStr, "no such file"),
		strings.Contains(errStr, "not found"),
		strings.Contains(errStr, "does not exist"):
		return ToolErrorNotFound
	case strings.Contains(errStr, "invalid"),
		strings.Contains(errStr, "required"),
		strings.Contains(errStr, "missing"):
		return ToolErrorInvalidInput
	}

	return ToolErrorExecution
}

// AsToolError extracts a ToolError from an error chain.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsToolRetryable reports whether an error chain suggests a retry.
func IsToolRetryable(err error) bool {
	if te, ok := AsToolError(err); ok {
		return te.IsRetryable()
	}
	return classifyToolError(err).IsRetryable()
}

// TurnPhase identifies where in a turn an error occurred.
type TurnPhase string

const (
	PhaseInit         TurnPhase = "init"
	PhaseComplete     TurnPhase = "complete"
	PhaseExecuteTools TurnPhase = "execute_tools"
	PhaseCompact      TurnPhase = "compact"
	PhasePersist      TurnPhase = "persist"
)

// TurnError wraps an error with turn-loop position for diagnostics.
type TurnError struct {
	Phase     TurnPhase
	Iteration int
	Cause     error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	return fmt.Sprintf("turn error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TurnError) Unwrap() error {
	return e.Cause
}
