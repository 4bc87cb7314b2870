package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeBadGateway         ErrorCode = "BAD_GATEWAY"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
)

// AppError is the error shape of the HTTP surfaces (stream metadata API and its client).
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
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

// Retryable reports whether the failure is worth another attempt.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case ErrCodeServiceUnavailable, ErrCodeBadGateway, ErrCodeTimeout, ErrCodeRateLimit, ErrCodeInternal:
		return true
	}
	return false
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	appErr := NewAppError(code, message, httpStatus)
	appErr.Cause = err
	return appErr
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

// FromStatus rebuilds an AppError from an HTTP response seen by a client.
func FromStatus(status int, message string) *AppError {
	code := ErrCodeInternal
	switch {
	case status == http.StatusBadRequest:
		code = ErrCodeInvalidInput
	case status == http.StatusNotFound:
		code = ErrCodeNotFound
	case status == http.StatusConflict:
		code = ErrCodeConflict
	case status == http.StatusTooManyRequests:
		code = ErrCodeRateLimit
	case status == http.StatusBadGateway:
		code = ErrCodeBadGateway
	case status == http.StatusServiceUnavailable:
		code = ErrCodeServiceUnavailable
	case status == http.StatusGatewayTimeout:
		code = ErrCodeTimeout
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return NewAppError(code, message, status)
}

// IsAppError checks if err carries an AppError anywhere in its chain.
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
