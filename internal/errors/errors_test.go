package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestScribeError_Error(t *testing.T) {
	err := &ScribeError{
		Code:    ErrNotFound,
		Status:  404,
		Message: "document not found",
	}

	expected := "NOT_FOUND: document not found"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewInvalidRequest(t *testing.T) {
	err := NewInvalidRequest("name is required")

	if err.Code != ErrInvalidRequest {
		t.Errorf("Code = %q, want %q", err.Code, ErrInvalidRequest)
	}
	if err.Status != 400 {
		t.Errorf("Status = %d, want 400", err.Status)
	}
	if err.Message != "name is required" {
		t.Errorf("Message = %q, want %q", err.Message, "name is required")
	}
}

func TestNewNotFound(t *testing.T) {
	err := NewNotFound("local_01ABC")

	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Status != 404 {
		t.Errorf("Status = %d, want 404", err.Status)
	}
	if err.Details["identifier"] != "local_01ABC" {
		t.Errorf("Details[identifier] = %v, want %q", err.Details["identifier"], "local_01ABC")
	}
}

func TestNewValidation(t *testing.T) {
	err := NewValidation("category does not exist", map[string]any{"category": "Work"})

	if err.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", err.Code, ErrValidation)
	}
	if err.Status != 422 {
		t.Errorf("Status = %d, want 422", err.Status)
	}
	if err.Details["category"] != "Work" {
		t.Errorf("Details[category] = %v, want %q", err.Details["category"], "Work")
	}
}

func TestNewStorage_WrapsCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := NewStorage("save", cause)

	if err.Code != ErrStorage {
		t.Errorf("Code = %q, want %q", err.Code, ErrStorage)
	}
	if err.Status != 507 {
		t.Errorf("Status = %d, want 507", err.Status)
	}
	if !stderrors.Is(err, cause) {
		t.Error("expected storage error to wrap its cause")
	}
	if err.Message != "save: disk full" {
		t.Errorf("Message = %q, want %q", err.Message, "save: disk full")
	}
}

func TestRemoteConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *ScribeError
		code   ErrorCode
		status int
	}{
		{"auth", NewRemoteAuth(403, "forbidden"), ErrRemoteAuth, 401},
		{"transient", NewRemoteTransient(502, fmt.Errorf("bad gateway")), ErrRemoteTransient, 503},
		{"rejected", NewRemoteRejected(400, "bad name"), ErrRemoteRejected, 422},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Status != tt.status {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.status)
			}
			if tt.err.Details["remote_status"] == nil {
				t.Error("expected remote_status detail")
			}
		})
	}
}

func TestNewInternal(t *testing.T) {
	err := NewInternal(fmt.Errorf("database connection failed"))

	if err.Code != ErrInternal {
		t.Errorf("Code = %q, want %q", err.Code, ErrInternal)
	}
	if err.Message != "database connection failed" {
		t.Errorf("Message = %q, want %q", err.Message, "database connection failed")
	}
}

func TestNewInternal_NilError(t *testing.T) {
	err := NewInternal(nil)

	if err.Message != "internal error" {
		t.Errorf("Message = %q, want %q", err.Message, "internal error")
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     ErrorCode
		expected bool
	}{
		{"matching code", NewNotFound("x"), ErrNotFound, true},
		{"different code", NewNotFound("x"), ErrInternal, false},
		{"wrapped", fmt.Errorf("outer: %w", NewRemoteAuth(401, "expired")), ErrRemoteAuth, true},
		{"joined", stderrors.Join(fmt.Errorf("plain"), NewStorage("put", nil)), ErrStorage, true},
		{"plain error", fmt.Errorf("some error"), ErrNotFound, false},
		{"nil error", nil, ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.expected {
				t.Errorf("Is() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(NewCancelled("sync")); got != ErrCancelled {
		t.Errorf("CodeOf() = %q, want %q", got, ErrCancelled)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}
