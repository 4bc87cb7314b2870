package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", 400)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", 500)

	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should find cause %v", originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewNotFoundError("stream").WithContext("stream_id", "s-1")

	if err.Context["stream_id"] != "s-1" {
		t.Errorf("Context[stream_id] = %v, want 's-1'", err.Context["stream_id"])
	}
	if err.HTTPStatus != http.StatusNotFound {
		t.Errorf("HTTPStatus = %v, want 404", err.HTTPStatus)
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		code      ErrorCode
		retryable bool
	}{
		{http.StatusBadRequest, ErrCodeInvalidInput, false},
		{http.StatusNotFound, ErrCodeNotFound, false},
		{http.StatusTooManyRequests, ErrCodeRateLimit, true},
		{http.StatusServiceUnavailable, ErrCodeServiceUnavailable, true},
		{http.StatusGatewayTimeout, ErrCodeTimeout, true},
		{http.StatusTeapot, ErrCodeInternal, true},
	}

	for _, tt := range tests {
		err := FromStatus(tt.status, "")
		if err.Code != tt.code {
			t.Errorf("FromStatus(%d).Code = %v, want %v", tt.status, err.Code, tt.code)
		}
		if err.Retryable() != tt.retryable {
			t.Errorf("FromStatus(%d).Retryable() = %v, want %v", tt.status, err.Retryable(), tt.retryable)
		}
		if err.Message == "" {
			t.Errorf("FromStatus(%d) should default the message", tt.status)
		}
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", 400)

	if GetAppError(appErr) != appErr {
		t.Error("GetAppError() should return the AppError itself")
	}

	wrapped := fmt.Errorf("get stream: %w", appErr)
	if GetAppError(wrapped) != appErr {
		t.Error("GetAppError() should extract AppError from fmt wrapping")
	}
	if !IsAppError(wrapped) {
		t.Error("IsAppError() should return true for wrapped AppError")
	}

	if GetAppError(errors.New("regular error")) != nil {
		t.Error("GetAppError() should return nil for regular error")
	}
}
