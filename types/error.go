package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across stages.
type ErrorCode string

// Envelope and payload error codes
const (
	ErrBadRequest       ErrorCode = "BadRequest"
	ErrValidationFailed ErrorCode = "ValidationFailed"
)

// Collaborator error codes
const (
	ErrProcessingFailed ErrorCode = "ProcessingFailed"
	ErrProcessingError  ErrorCode = "ProcessingError"
	ErrInternalError    ErrorCode = "InternalError"
)

// Descriptor error codes
const (
	ErrNotFound  ErrorCode = "NotFound"
	ErrMalformed ErrorCode = "Malformed"
)

// Coordination error codes
const (
	ErrForwardFailed ErrorCode = "ForwardFailed"
	ErrUnavailable   ErrorCode = "Unavailable"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"-"`
	Stage      string    `json:"-"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code so sentinels like ErrBadRequestValue work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: DefaultHTTPStatus(code)}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStage sets the stage that produced the error.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// Code sentinels for errors.Is checks.
var (
	ErrBadRequestValue = &Error{Code: ErrBadRequest}
	ErrNotFoundValue   = &Error{Code: ErrNotFound}
)

// DefaultHTTPStatus maps an error code onto the status a stage answers with.
func DefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrBadRequest, ErrValidationFailed:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrForwardFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// WrapError converts any error to a *Error, keeping an existing code.
func WrapError(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return NewError(code, message).WithCause(err)
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
