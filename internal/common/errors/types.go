package errors

import (
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeTierUnavailable represents a single tier backend failure.
	// These are recovered locally (skip tier, continue) and never surface
	// to the caller.
	ErrTypeTierUnavailable ErrorType = "tier_unavailable"
	// ErrTypeFetchFailed represents an origin fetcher failure
	ErrTypeFetchFailed ErrorType = "fetch_failed"
	// ErrTypeStampedeTimeout represents exhausted retries while waiting
	// for another in-flight fetch
	ErrTypeStampedeTimeout ErrorType = "stampede_timeout"
	// ErrTypeLock represents a lock backend failure; treated as
	// "lock not acquired" by callers
	ErrTypeLock ErrorType = "lock"
	// ErrTypeConfig represents configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// TierUnavailableError creates a new tier unavailable error
func TierUnavailableError(tier string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeTierUnavailable,
		Message: fmt.Sprintf("tier %s unavailable", tier),
		Cause:   cause,
	}
}

// FetchFailedError creates a new fetch failed error
func FetchFailedError(key string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeFetchFailed,
		Message: fmt.Sprintf("origin fetch failed for %s", key),
		Cause:   cause,
	}
}

// StampedeTimeoutError creates a new stampede timeout error
func StampedeTimeoutError(key string, retries int) *AppError {
	return &AppError{
		Type:    ErrTypeStampedeTimeout,
		Message: fmt.Sprintf("timed out waiting for in-flight fetch of %s after %d retries", key, retries),
	}
}

// LockError creates a new lock backend error
func LockError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeLock,
		Message: msg,
		Cause:   cause,
	}
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Type == errType
}

// GetType returns the error type if it's an AppError, otherwise returns ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return ErrTypeInternal
	}

	return appErr.Type
}
