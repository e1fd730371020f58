// Package errors provides the error taxonomy shared by the sync engine and its
// HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies an error category.
type ErrorCode string

const (
	// General errors
	ErrInternal          ErrorCode = "INTERNAL_ERROR"
	ErrInvalid           ErrorCode = "INVALID_INPUT"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrDuplicate         ErrorCode = "DUPLICATE"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Caller identity
	ErrAuth          ErrorCode = "AUTH_ERROR"
	ErrAuthorization ErrorCode = "AUTHORIZATION_ERROR"

	// Remote platform calls
	ErrTransientRemote ErrorCode = "TRANSIENT_REMOTE_ERROR"
	ErrPermanentRemote ErrorCode = "PERMANENT_REMOTE_ERROR"

	// Sync state
	ErrConflictDetected ErrorCode = "CONFLICT_DETECTED"
	ErrSyncDisabled     ErrorCode = "SYNC_DISABLED"

	// Persistence
	ErrStorage ErrorCode = "STORAGE_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is checks if an error is of a specific code. Wrapped errors are matched.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsRetryable reports whether the worker should requeue after err.
// Transient remote failures and storage failures are retried; everything else
// is terminal for the current item.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrTransientRemote, ErrStorage:
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrAuth:
		return http.StatusUnauthorized
	case ErrAuthorization:
		return http.StatusForbidden
	case ErrInvalid, ErrInvalidTransition:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrDuplicate, ErrConflictDetected:
		return http.StatusConflict
	case ErrSyncDisabled, ErrTransientRemote:
		return http.StatusServiceUnavailable
	case ErrPermanentRemote:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
