package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeParameterCycle    = "PARAMETER_CYCLE"
	ErrCodeMissingParameter  = "MISSING_PARAMETER_VALUE"
	ErrCodeSecretResolution  = "SECRET_RESOLUTION"
	ErrCodeNotIterable       = "NOT_ITERABLE"
	ErrCodeBlockFailed       = "BLOCK_FAILED"
	ErrCodeTerminated        = "TERMINATED"
	ErrCodeCanceled          = "CANCELED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeWebhook           = "WEBHOOK_ERROR"
	ErrCodeReasoning         = "REASONING_ERROR"
)

// RunloomError is the structured error type for all engine operations.
type RunloomError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	BlockLabel string         `json:"block_label,omitempty"`
	Cause      error          `json:"-"`
}

func (e *RunloomError) Error() string {
	if e.BlockLabel != "" {
		return fmt.Sprintf("[%s] block %s: %s", e.Code, e.BlockLabel, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RunloomError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RunloomError.
func NewError(code, message string) *RunloomError {
	return &RunloomError{Code: code, Message: message}
}

// NewErrorf creates a new RunloomError with a formatted message.
func NewErrorf(code, format string, args ...any) *RunloomError {
	return &RunloomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithBlock attaches a block label to the error.
func (e *RunloomError) WithBlock(label string) *RunloomError {
	e.BlockLabel = label
	return e
}

// WithCause attaches an underlying cause.
func (e *RunloomError) WithCause(err error) *RunloomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RunloomError) WithDetails(details map[string]any) *RunloomError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error class is worth retrying.
// Definition and authoring errors never are; transient infrastructure
// failures are.
func (e *RunloomError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeParameterCycle, ErrCodeMissingParameter,
		ErrCodeNotIterable, ErrCodeInvalidTransition, ErrCodeNotFound,
		ErrCodeConflict, ErrCodeCanceled, ErrCodeRetryExhausted:
		return false
	case ErrCodeTimeout, ErrCodeStore, ErrCodeWebhook, ErrCodeReasoning:
		return true
	default:
		return false
	}
}
