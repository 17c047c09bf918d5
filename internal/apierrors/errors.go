// Package apierrors defines the error taxonomy shared by the memory
// modules and the HTTP layer. Every failure a caller can observe is one
// of a closed set of codes; the HTTP layer maps codes to statuses and
// serializes the uniform envelope {"error": {code, message, detail}}.
package apierrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one externally visible failure class.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"
	CodeEmbedUnavailable   Code = "EMBED_UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInternal           Code = "INTERNAL"
)

// Error carries a code, a caller-safe message, and optional field-level
// detail. The wrapped cause is kept for logs and errors.Is chains but is
// never serialized to the caller.
type Error struct {
	Code    Code
	Message string
	Detail  map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches one field-level diagnostic and returns the error
// for chaining.
func (e *Error) WithDetail(field string, reason interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[field] = reason
	return e
}

// E builds an error with a code and message.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Ef builds an error with a formatted message.
func Ef(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Validation builds a VALIDATION_ERROR carrying field diagnostics.
func Validation(message string, detail map[string]interface{}) *Error {
	return &Error{Code: CodeValidation, Message: message, Detail: detail}
}

// NotFound builds a NOT_FOUND for a record of the given kind.
func NotFound(kind, id string) *Error {
	return Ef(CodeNotFound, "%s %q not found", kind, id)
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBackendUnavailable, CodeEmbedUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// FromError classifies an arbitrary error into the taxonomy. Coded
// errors pass through; deadline and cancellation collapse to TIMEOUT;
// everything else is INTERNAL and the cause stays available for logging.
func FromError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(CodeTimeout, "request deadline exceeded", err)
	}
	return Wrap(CodeInternal, "internal error", err)
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
