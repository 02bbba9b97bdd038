package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeParamResolution   = "PARAM_RESOLUTION_ERROR"
	ErrCodeHandler           = "HANDLER_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeFallback          = "FALLBACK_ERROR"
	ErrCodeBranchNoMatch     = "BRANCH_NO_MATCH"
	ErrCodeDependencyUnmet   = "DEPENDENCY_UNMET"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
)

// LoomError is the structured error type for all engine operations.
type LoomError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LoomError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LoomError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LoomError.
func NewError(code, message string) *LoomError {
	return &LoomError{Code: code, Message: message}
}

// NewErrorf creates a new LoomError with a formatted message.
func NewErrorf(code, format string, args ...any) *LoomError {
	return &LoomError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *LoomError) WithStep(stepID string) *LoomError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *LoomError) WithCause(err error) *LoomError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LoomError) WithDetails(details map[string]any) *LoomError {
	e.Details = details
	return e
}

// AsLoomError unwraps err into target if a LoomError is anywhere in its chain.
func AsLoomError(err error, target **LoomError) bool {
	return errors.As(err, target)
}

// CodeOf extracts the error code from err, or ErrCodeHandler when err is not
// a LoomError. Handlers are free to return plain errors.
func CodeOf(err error) string {
	var le *LoomError
	if errors.As(err, &le) {
		return le.Code
	}
	return ErrCodeHandler
}

// IsRetryable reports whether a retry policy may re-attempt after this error.
// Validation, resolution, and control-flow errors are never retried.
func (e *LoomError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeHandler, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}
