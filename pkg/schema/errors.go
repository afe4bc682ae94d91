package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeParse              = "PARSE_ERROR"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeSourceMapIntegrity = "SOURCEMAP_INTEGRITY_WARNING"
	ErrCodeSourceMapMiss      = "SOURCEMAP_RESOLUTION_MISS"
	ErrCodeEngineExecution    = "ENGINE_EXECUTION_ERROR"
	ErrCodeEngineTimeout      = "ENGINE_TIMEOUT"
	ErrCodeConcurrentStart    = "CONCURRENT_START_REJECTED"
	ErrCodeStaleResult        = "STALE_RESULT_DISCARDED"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
)

// DebugError is the structured error type for all ruledbg operations.
type DebugError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	StatementID string         `json:"statement_id,omitempty"`
	Line        int            `json:"line,omitempty"`
	Cause       error          `json:"-"`
}

func (e *DebugError) Error() string {
	if e.StatementID != "" {
		return fmt.Sprintf("[%s] statement %s: %s", e.Code, e.StatementID, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s", e.Code, e.Line, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DebugError) Unwrap() error {
	return e.Cause
}

// NewError creates a new DebugError.
func NewError(code, message string) *DebugError {
	return &DebugError{Code: code, Message: message}
}

// NewErrorf creates a new DebugError with a formatted message.
func NewErrorf(code, format string, args ...any) *DebugError {
	return &DebugError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStatement attaches a statement ID to the error.
func (e *DebugError) WithStatement(id string) *DebugError {
	e.StatementID = id
	return e
}

// WithLine attaches a rule-language line to the error.
func (e *DebugError) WithLine(line int) *DebugError {
	e.Line = line
	return e
}

// WithCause attaches an underlying cause.
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DebugError) WithDetails(details map[string]any) *DebugError {
	e.Details = details
	return e
}
