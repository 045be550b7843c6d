package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestNewError(t *testing.T) {
	err := NewError(10001, KindNotAuthenticated, "test error")

	if err.Code != 10001 {
		t.Errorf("Expected code 10001, got %d", err.Code)
	}
	if err.Message != "test error" {
		t.Errorf("Expected message 'test error', got '%s'", err.Message)
	}
	if err.Err != nil {
		t.Error("Expected Err to be nil")
	}
}

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			err:      NewError(11001, KindNotFound, "gone"),
			expected: "[11001] gone",
		},
		{
			name:     "with wrapped error",
			err:      NewError(11001, KindNotFound, "gone").Wrap(errors.New("original error")),
			expected: "[11001] gone: original error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestAppError_WrapKeepsIdentity(t *testing.T) {
	originalErr := errors.New("original error")
	appErr := ErrBlocked.Wrap(originalErr)

	if !errors.Is(appErr, ErrBlocked) {
		t.Error("Expected wrapped error to match ErrBlocked via errors.Is")
	}
	if errors.Is(appErr, ErrAlreadyFriends) {
		t.Error("Expected wrapped error not to match ErrAlreadyFriends")
	}
	if errors.Unwrap(appErr) != originalErr {
		t.Error("Expected unwrapped error to be the original error")
	}
	if !Is(fmt.Errorf("outer: %w", appErr), ErrBlocked) {
		t.Error("Expected Is to see through fmt wrapping")
	}
}

func TestKindOfAndRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"nil", nil, KindUnknown, false},
		{"duplicate", ErrDuplicateRequest, KindDuplicateRequest, false},
		{"blocked", ErrBlocked.Wrap(errors.New("x")), KindBlocked, false},
		{"transient", ErrTransient, KindTransient, true},
		{"plain backend error", context.DeadlineExceeded, KindTransient, true},
		{"partial", Partial("update conversation", errors.New("boom")), KindPartialFailure, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, got)
			}
			if got := Retryable(tt.err); got != tt.retryable {
				t.Errorf("Expected retryable %v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestTransient(t *testing.T) {
	if Transient(nil) != nil {
		t.Fatal("Expected nil for nil input")
	}

	backend := errors.New("connection reset")
	err := Transient(backend)
	if !errors.Is(err, ErrTransient) {
		t.Errorf("Expected transient error, got %v", err)
	}
	if !errors.Is(err, backend) {
		t.Error("Expected backend error to stay in the chain")
	}

	if got := Transient(ErrNotFound); !errors.Is(got, ErrNotFound) {
		t.Errorf("Expected AppError to pass through untouched, got %v", got)
	}
}

func TestGetMessage(t *testing.T) {
	if got := GetMessage(ErrAlreadyFriends); got != "You are already friends with this user" {
		t.Errorf("unexpected message %q", got)
	}
	if got := GetMessage(errors.New("raw")); got != ErrTransient.Message {
		t.Errorf("Expected fallback message, got %q", got)
	}
	if got := GetCode(errors.New("raw")); got != CodeTransient {
		t.Errorf("Expected fallback code, got %d", got)
	}
}
