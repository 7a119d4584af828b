// Package portalerr defines Portal's structured error taxonomy: every
// error that crosses a component boundary carries a numeric Code, a
// human message, and a details map so front-ends can branch on the code
// instead of parsing strings.
package portalerr

import "fmt"

// Code is a machine-checkable error code. Ranges follow the taxonomy:
// 1xxx client, 2xxx security, 3xxx resource, 4xxx execution, 5xxx system.
type Code int

const (
	// Client errors.
	ValidationError    Code = 1001
	InvalidParameters  Code = 1002
	ContextNotFound    Code = 1003

	// Security errors.
	Unauthorized      Code = 2001
	PolicyViolation   Code = 2002
	RateLimitExceeded Code = 2003
	Forbidden         Code = 2004

	// Resource errors.
	ModelNotAvailable   Code = 3001
	ModelQuotaExceeded  Code = 3002
	ModelBusy           Code = 3003
	BackendUnavailable  Code = 3004

	// Execution errors.
	ToolExecutionFailed Code = 4001
	ProcessingFailed    Code = 4002
	Timeout             Code = 4003

	// System errors.
	InternalError       Code = 5001
	DatabaseError       Code = 5002
	ConfigurationError  Code = 5003
)

var userMessages = map[Code]string{
	ValidationError:     "Invalid input provided",
	InvalidParameters:   "Invalid parameters",
	ContextNotFound:     "Conversation not found",
	Unauthorized:        "Authentication required",
	PolicyViolation:     "Security policy violation",
	RateLimitExceeded:   "Rate limit exceeded. Please try again later",
	Forbidden:           "Access forbidden",
	ModelNotAvailable:   "AI model not available",
	ModelQuotaExceeded:  "Model quota exceeded",
	ModelBusy:           "Model is busy. Please try again",
	BackendUnavailable:  "AI backend unavailable",
	ToolExecutionFailed: "Tool execution failed",
	ProcessingFailed:    "Processing failed",
	Timeout:             "Request timed out",
	InternalError:       "Internal server error",
	DatabaseError:       "Database error",
	ConfigurationError:  "Configuration error",
}

// UserMessage returns the code-derived, localization-friendly text for
// code. Front-ends render this instead of parsing PortalError.Message.
func (c Code) UserMessage() string {
	if msg, ok := userMessages[c]; ok {
		return fmt.Sprintf("Error %d: %s", int(c), msg)
	}
	return fmt.Sprintf("Error %d: unknown error", int(c))
}

// PortalError is the base error type for every Portal component.
type PortalError struct {
	Message string
	Code    Code
	Details map[string]any
	cause   error
}

func New(code Code, message string, details map[string]any) *PortalError {
	if details == nil {
		details = map[string]any{}
	}
	return &PortalError{Message: message, Code: code, Details: details}
}

// Wrap builds a PortalError that keeps cause reachable via errors.Unwrap.
func Wrap(code Code, message string, cause error, details map[string]any) *PortalError {
	e := New(code, message, details)
	e.cause = cause
	return e
}

func (e *PortalError) Error() string {
	return e.Message
}

func (e *PortalError) Unwrap() error {
	return e.cause
}

// UserMessage derives front-end-safe text from the code alone.
func (e *PortalError) UserMessage() string {
	return e.Code.UserMessage()
}

// ToMap renders the error for structured logging.
func (e *PortalError) ToMap() map[string]any {
	return map[string]any{
		"error_code": int(e.Code),
		"message":    e.Message,
		"details":    e.Details,
	}
}

// RateLimitExceededError carries the retry_after seconds the taxonomy
// requires alongside the 2003 code.
type RateLimitExceededError struct {
	*PortalError
	RetryAfter int
}

func NewRateLimitExceeded(message string, retryAfter int, details map[string]any) *RateLimitExceededError {
	return &RateLimitExceededError{
		PortalError: New(RateLimitExceeded, message, details),
		RetryAfter:  retryAfter,
	}
}

// ToolExecutionFailedError carries the failing tool's name.
type ToolExecutionFailedError struct {
	*PortalError
	ToolName string
}

func NewToolExecutionFailed(toolName, message string, details map[string]any) *ToolExecutionFailedError {
	return &ToolExecutionFailedError{
		PortalError: New(ToolExecutionFailed, message, details),
		ToolName:    toolName,
	}
}

func NewValidationError(message string, details map[string]any) *PortalError {
	return New(ValidationError, message, details)
}

func NewPolicyViolation(message string, details map[string]any) *PortalError {
	return New(PolicyViolation, message, details)
}

func NewModelNotAvailable(message string, details map[string]any) *PortalError {
	return New(ModelNotAvailable, message, details)
}

func NewContextNotFound(message string, details map[string]any) *PortalError {
	return New(ContextNotFound, message, details)
}

func NewProcessingFailed(message string, details map[string]any) *PortalError {
	return New(ProcessingFailed, message, details)
}

func NewConfigurationError(message string, details map[string]any) *PortalError {
	return New(ConfigurationError, message, details)
}
