package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeSchemaInvalid          = "SCHEMA_INVALID"
	ErrCodeSchemaNotFound         = "SCHEMA_NOT_FOUND"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeCheckpointResolved     = "CHECKPOINT_ALREADY_RESOLVED"
	ErrCodeMissingVariable        = "MISSING_VARIABLE"
	ErrCodeDuplicateVariable      = "DUPLICATE_VARIABLE"
	ErrCodeStepFailed             = "STEP_EXECUTION_FAILED"
	ErrCodeInvalidOverride        = "INVALID_OVERRIDE"
	ErrCodeContract               = "CONTRACT_VIOLATION"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodeCancelled              = "CANCELLED"
	ErrCodeExecution              = "EXECUTION_ERROR"
	ErrCodeStore                  = "STORE_ERROR"
)

// GirderError is the structured error type for all engine operations.
type GirderError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  int            `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GirderError) Error() string {
	if e.StepID > 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GirderError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GirderError.
func NewError(code, message string) *GirderError {
	return &GirderError{Code: code, Message: message}
}

// NewErrorf creates a new GirderError with a formatted message.
func NewErrorf(code, format string, args ...any) *GirderError {
	return &GirderError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *GirderError) WithStep(stepID int) *GirderError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *GirderError) WithCause(err error) *GirderError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GirderError) WithDetails(details map[string]any) *GirderError {
	e.Details = details
	return e
}

// IsFatal reports whether the error indicates a configuration problem that
// can never succeed on retry (bad schema, broken variable flow).
func (e *GirderError) IsFatal() bool {
	switch e.Code {
	case ErrCodeSchemaInvalid, ErrCodeMissingVariable, ErrCodeDuplicateVariable:
		return true
	}
	return false
}
