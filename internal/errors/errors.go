package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Scribe error code.
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"  // 400
	ErrNotFound        ErrorCode = "NOT_FOUND"        // 404
	ErrFileNotFound    ErrorCode = "FILE_NOT_FOUND"   // 404
	ErrValidation      ErrorCode = "VALIDATION"       // 422
	ErrRemoteRejected  ErrorCode = "REMOTE_REJECTED"  // 422 (non-auth 4xx from the remote)
	ErrRemoteAuth      ErrorCode = "REMOTE_AUTH"      // 401
	ErrCancelled       ErrorCode = "CANCELLED"        // 499
	ErrInternal        ErrorCode = "INTERNAL"         // 500
	ErrRemoteTransient ErrorCode = "REMOTE_TRANSIENT" // 503
	ErrStorage         ErrorCode = "STORAGE"          // 507
)

// ScribeError represents a structured error with code, status, and details.
type ScribeError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ScribeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ScribeError) Unwrap() error {
	return e.Err
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *ScribeError {
	return &ScribeError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for when a document cannot be found.
func NewNotFound(identifier string) *ScribeError {
	return &ScribeError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("document not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewFileNotFound creates a 404 error for a missing import file.
func NewFileNotFound(path string) *ScribeError {
	return &ScribeError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewValidation creates a 422 error for requests that are well-formed but
// refer to state that does not exist (e.g. deleting an unknown category).
func NewValidation(msg string, details map[string]any) *ScribeError {
	return &ScribeError{
		Code:    ErrValidation,
		Status:  422,
		Message: msg,
		Details: details,
	}
}

// NewStorage creates a 507 error for local persistence failures
// (quota, serialization, I/O). These are reported, never retried.
func NewStorage(op string, err error) *ScribeError {
	msg := "storage failure"
	if err != nil {
		msg = err.Error()
	}
	return &ScribeError{
		Code:    ErrStorage,
		Status:  507,
		Message: fmt.Sprintf("%s: %s", op, msg),
		Details: map[string]any{"op": op},
		Err:     err,
	}
}

// NewRemoteAuth creates a 401 error for rejected credentials.
func NewRemoteAuth(status int, msg string) *ScribeError {
	return &ScribeError{
		Code:    ErrRemoteAuth,
		Status:  401,
		Message: msg,
		Details: map[string]any{"remote_status": status},
	}
}

// NewRemoteTransient creates a 503 error for failures worth retrying.
func NewRemoteTransient(status int, err error) *ScribeError {
	msg := "remote unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &ScribeError{
		Code:    ErrRemoteTransient,
		Status:  503,
		Message: msg,
		Details: map[string]any{"remote_status": status},
		Err:     err,
	}
}

// NewRemoteRejected creates a 422 error for requests the remote refused.
func NewRemoteRejected(status int, msg string) *ScribeError {
	return &ScribeError{
		Code:    ErrRemoteRejected,
		Status:  422,
		Message: msg,
		Details: map[string]any{"remote_status": status},
	}
}

// NewCancelled creates a 499 error for cancelled operations.
func NewCancelled(op string) *ScribeError {
	return &ScribeError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *ScribeError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &ScribeError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// Is checks if err (or anything it wraps) is a ScribeError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *ScribeError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first ScribeError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var sErr *ScribeError
	if stderrors.As(err, &sErr) {
		return sErr.Code
	}
	return ""
}
