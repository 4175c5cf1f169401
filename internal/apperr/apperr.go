// Package apperr defines the code-tagged error type shared across the service.
// Codes classify an error for callers and for HTTP status mapping; the message
// is human-readable context.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error.
type Code string

const (
	ErrCodeInternal          Code = "INTERNAL"
	ErrCodeValidation        Code = "VALIDATION"
	ErrCodeNotFound          Code = "NOT_FOUND"
	ErrCodeConflict          Code = "CONFLICT"
	ErrCodeUnauthorized      Code = "UNAUTHORIZED"
	ErrCodeConfiguration     Code = "CONFIGURATION"
	ErrCodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	ErrCodeHierarchyCap      Code = "HIERARCHY_CAP_EXCEEDED"
	ErrCodeInvalidRevision   Code = "INVALID_REVISION"
	ErrCodeAlreadyTerminal   Code = "ALREADY_TERMINAL"
)

// Error is an error carrying a classification code and an optional cause.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message, preserving it as the cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resource, id)
}

// InvalidInput reports a malformed field at the call boundary.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeValidation, "invalid %s: %s", field, message)
}

// CodeOf returns the code of err, or ErrCodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeAlreadyTerminal:
		return http.StatusConflict
	case ErrCodeConfiguration, ErrCodeInvalidRevision:
		return http.StatusUnprocessableEntity
	case ErrCodeInsufficientFunds, ErrCodeHierarchyCap:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
