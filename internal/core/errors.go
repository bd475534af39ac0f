package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Rejected input
	ErrCatNetwork    ErrorCategory = "network"    // Daemon unreachable or timed out
	ErrCatStorage    ErrorCategory = "storage"    // Disk or database failure
	ErrCatState      ErrorCategory = "state"      // Config not loaded, session ended
	ErrCatNotFound   ErrorCategory = "not_found"  // Unknown key, session or file
	ErrCatConflict   ErrorCategory = "conflict"   // Concurrent modification
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the bridge.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches on category and code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
	}
}

// ErrRemoteUnavailable reports that the daemon cannot be reached or has no
// configuration loaded.
func ErrRemoteUnavailable(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatNetwork,
		Code:      CodeRemoteUnavailable,
		Message:   message,
		Retryable: true,
	}
}

// ErrStorage creates a storage error.
func ErrStorage(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatStorage,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     code,
		Message:  message,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrConflict creates a conflict error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatConflict,
		Code:     code,
		Message:  message,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Predefined error codes
const (
	CodeNotFound          = "NOT_FOUND"
	CodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
	CodeConfigNotLoaded   = "CONFIG_NOT_LOADED"
	CodeSessionEnded      = "SESSION_ENDED"
	CodeSessionReplaced   = "SESSION_REPLACED"
	CodeWriteFailed       = "WRITE_FAILED"
	CodeLoadFailed        = "LOAD_FAILED"

	// Validation error codes
	CodeUnknownKey    = "UNKNOWN_KEY"
	CodeKindMismatch  = "KIND_MISMATCH"
	CodeOutOfRange    = "OUT_OF_RANGE"
	CodeInvalidValue  = "INVALID_VALUE"
	CodeReadOnlyKey   = "READ_ONLY_KEY"
	CodeWrongScope    = "WRONG_SCOPE"
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeBadArchive    = "BAD_ARCHIVE"
)
