// Package errors defines the Coordinator's typed error taxonomy: every
// error that crosses a component boundary is an *AppError carrying a
// stable kind, an HTTP status code, and an optional wrapped cause, so a
// single central handler (pkg/api) can map any error to a response without
// inspecting ad-hoc strings.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorType is the stable, loggable tag for a Coordinator error kind.
type ErrorType string

const (
	ErrorTypeAuthRejected          ErrorType = "auth_rejected"
	ErrorTypeForbidden             ErrorType = "forbidden"
	ErrorTypeNotFound              ErrorType = "not_found"
	ErrorTypeConflict              ErrorType = "conflict"
	ErrorTypeValidation            ErrorType = "validation_error"
	ErrorTypeTransientStorage      ErrorType = "transient_storage"
	ErrorTypeTransportUnavailable  ErrorType = "transport_unavailable"
	ErrorTypeInternal              ErrorType = "internal"
)

// statusByType is the fixed kind → HTTP status mapping from the error
// handling design table.
var statusByType = map[ErrorType]int{
	ErrorTypeAuthRejected:         http.StatusUnauthorized,
	ErrorTypeForbidden:            http.StatusForbidden,
	ErrorTypeNotFound:             http.StatusNotFound,
	ErrorTypeConflict:             http.StatusConflict,
	ErrorTypeValidation:           http.StatusBadRequest,
	ErrorTypeTransientStorage:     http.StatusServiceUnavailable,
	ErrorTypeTransportUnavailable: http.StatusInternalServerError,
	ErrorTypeInternal:             http.StatusInternalServerError,
}

// AppError is the Coordinator's single error value shape. It implements
// error and Unwrap, so it composes with errors.Is/errors.As over a wrapped
// Cause.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

// New creates an AppError of the given type with its fixed status code.
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusFor(t)}
}

// Wrap creates an AppError of the given type that wraps cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusFor(t), Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func statusFor(t ErrorType) int {
	if s, ok := statusByType[t]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails mutates e in place and returns it, for chaining at the call
// site that constructed it.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with a formatted string.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// IsType reports whether err is an *AppError of the given type. Non-
// AppError values, including nil, report false.
func IsType(err error, t ErrorType) bool {
	ae, ok := err.(*AppError)
	if !ok {
		return false
	}
	return ae.Type == t
}

// NewAuthRejectedError is the 401 constructor: missing, malformed, expired
// or mismatched request signature.
func NewAuthRejectedError(message string) *AppError {
	return New(ErrorTypeAuthRejected, message)
}

// NewForbiddenError is the 403 constructor: role or ownership mismatch.
func NewForbiddenError(message string) *AppError {
	return New(ErrorTypeForbidden, message)
}

// NewNotFoundError is the 404 constructor for an unknown job/worker/
// identity resource.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

// NewConflictError is the 409 constructor: a conditional update lost a
// race; the caller may retry with a fresh read.
func NewConflictError(message string) *AppError {
	return New(ErrorTypeConflict, message)
}

// NewValidationError is the 400 constructor: unknown binary, malformed
// argv, empty CIDR set, and similar caller mistakes.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

// NewTransientStorageError is the 503 constructor for a storage operation
// that failed in a way that is safe to retry with jittered backoff.
func NewTransientStorageError(op string, cause error) *AppError {
	return Wrap(cause, ErrorTypeTransientStorage, fmt.Sprintf("storage operation failed: %s", op))
}

// NewTransportUnavailableError is never surfaced to a caller; a downlink
// send failure is logged and suppressed because the repository remains the
// authoritative record.
func NewTransportUnavailableError(transport string, cause error) *AppError {
	return Wrap(cause, ErrorTypeTransportUnavailable, fmt.Sprintf("transport unavailable: %s", transport))
}
