package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure across the system.
type ErrorCode string

const (
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	CodeRateLimited   ErrorCode = "RATE_LIMITED"
	CodeContextLength ErrorCode = "CONTEXT_LENGTH"
	CodeUpstream      ErrorCode = "UPSTREAM_ERROR"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeInternal      ErrorCode = "INTERNAL_ERROR"
)

// AppError is the application error carried across component boundaries.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError creates a validation error.
func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewAlreadyExistsError creates an already-exists error.
func NewAlreadyExistsError(message string) *AppError {
	return &AppError{Code: CodeAlreadyExists, Message: message}
}

// NewUnauthorizedError creates an authentication/authorization error.
func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: message}
}

// NewRateLimitedError creates an upstream rate-limit error.
func NewRateLimitedError(message string) *AppError {
	return &AppError{Code: CodeRateLimited, Message: message}
}

// NewContextLengthError creates a context-window-exceeded error.
func NewContextLengthError(message string) *AppError {
	return &AppError{Code: CodeContextLength, Message: message}
}

// NewUpstreamError creates an upstream server error.
func NewUpstreamError(message string, cause error) *AppError {
	return &AppError{Code: CodeUpstream, Message: message, Err: cause}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string) *AppError {
	return &AppError{Code: CodeTimeout, Message: message}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// NewInternalErrorWithCause creates an internal error wrapping its cause.
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

// CodeOf extracts the error code, defaulting to CodeInternal for plain errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsInvalidInput reports whether err is a validation error.
func IsInvalidInput(err error) bool {
	return CodeOf(err) == CodeInvalidInput
}

// IsAlreadyExists reports whether err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return CodeOf(err) == CodeAlreadyExists
}
