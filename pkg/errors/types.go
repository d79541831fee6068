package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType int

const (
	// ErrorTypeTransport indicates a transport send/close failure
	ErrorTypeTransport ErrorType = iota
	// ErrorTypeCapacity indicates a connection bound was hit and nothing could be evicted
	ErrorTypeCapacity
	// ErrorTypeRateLimited indicates admission was denied by the rate limiter
	ErrorTypeRateLimited
	// ErrorTypeCircuitOpen indicates a delivery path is currently tripped
	ErrorTypeCircuitOpen
	// ErrorTypeStaleInstance indicates a directory entry points at a dead instance
	ErrorTypeStaleInstance
	// ErrorTypeNotFound indicates a not found error
	ErrorTypeNotFound
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal
	// ErrorTypeTimeout indicates a timeout error
	ErrorTypeTimeout
	// ErrorTypeValidation indicates a validation error
	ErrorTypeValidation
	// ErrorTypeUnavailable indicates a dependency (store, manager) is not available
	ErrorTypeUnavailable
)

// Error represents a structured error with metadata
type Error struct {
	Type       ErrorType     `json:"type"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Cause      error         `json:"-"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Message, e.Details, e.Cause)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same type and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// WithDetails returns a copy of e with details set. Sentinels stay untouched.
func (e *Error) WithDetails(details string) *Error {
	c := *e
	c.Details = details
	c.Timestamp = time.Now()
	return &c
}

// WithRetryAfter returns a copy of e carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	c := *e
	c.RetryAfter = d
	c.Timestamp = time.Now()
	return &c
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	c.Timestamp = time.Now()
	return &c
}

// Sentinels shared across packages. Compare with errors.Is.
var (
	ErrCapacityExceeded    = New(ErrorTypeCapacity, "CAPACITY_EXCEEDED", "connection capacity exceeded")
	ErrRateLimited         = New(ErrorTypeRateLimited, "RATE_LIMITED", "rate limit exceeded")
	ErrCircuitOpen         = New(ErrorTypeCircuitOpen, "CIRCUIT_OPEN", "circuit breaker is open")
	ErrTransport           = New(ErrorTypeTransport, "TRANSPORT_ERROR", "transport operation failed")
	ErrTransportClosed     = New(ErrorTypeTransport, "TRANSPORT_CLOSED", "transport is not connected")
	ErrStaleInstance       = New(ErrorTypeStaleInstance, "STALE_INSTANCE", "instance is no longer alive")
	ErrConnectionNotFound  = New(ErrorTypeNotFound, "CONNECTION_NOT_FOUND", "connection not found")
	ErrDuplicateConnection = New(ErrorTypeValidation, "DUPLICATE_CONNECTION", "connection already registered")
	ErrInvalidInput        = New(ErrorTypeValidation, "INVALID_INPUT", "invalid input")
	ErrShuttingDown        = New(ErrorTypeUnavailable, "SHUTTING_DOWN", "manager is shutting down")
	ErrQueueFull           = New(ErrorTypeCapacity, "QUEUE_FULL", "throttle queue is full")
	ErrStoreUnavailable    = New(ErrorTypeUnavailable, "STORE_UNAVAILABLE", "coordination store unavailable")
	ErrKeyNotFound         = New(ErrorTypeNotFound, "KEY_NOT_FOUND", "key not found in store")
)

// RetryAfter extracts the retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// TypeOf returns the ErrorType of err, or ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}
