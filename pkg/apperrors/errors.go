package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidation       = errors.New("validation failed")
	ErrStore            = errors.New("store failure")
	ErrAuthentication   = errors.New("authentication required")
)

// Kind is the machine-readable category of an Error.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindPermissionDenied Kind = "permission_denied"
	KindValidation       Kind = "validation_error"
	KindStore            Kind = "store_error"
	KindAuthentication   Kind = "authentication_error"
	KindInternal         Kind = "internal_error"
)

// Error is the typed error returned across package boundaries.
// It matches its kind's sentinel under errors.Is and unwraps to Cause.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return sentinelFor(e.Kind) == target
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindValidation:
		return ErrValidation
	case KindStore:
		return ErrStore
	case KindAuthentication:
		return ErrAuthentication
	}
	return nil
}

// NotFound builds a not-found error. Used for absent rows and for tenant or
// entity-type mismatches, which must be indistinguishable from absence.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...), StatusCode: http.StatusNotFound}
}

// PermissionDenied builds an error for a caller below the required tier.
func PermissionDenied(format string, args ...any) *Error {
	return &Error{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...), StatusCode: http.StatusForbidden}
}

// Validation builds an error for malformed input or unknown referenced fields.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), StatusCode: http.StatusBadRequest}
}

// Authentication builds an error raised at the session boundary.
func Authentication(format string, args ...any) *Error {
	return &Error{Kind: KindAuthentication, Message: fmt.Sprintf(format, args...), StatusCode: http.StatusUnauthorized}
}

// Store wraps an underlying persistence failure, preserving the cause.
// Typed errors already carrying a kind (e.g. a not-found from a repository)
// pass through unchanged.
func Store(cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	var typed *Error
	if errors.As(cause, &typed) {
		return cause
	}
	if errors.Is(cause, ErrNotFound) {
		return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...), StatusCode: http.StatusNotFound, Cause: cause}
	}
	return &Error{Kind: KindStore, Message: fmt.Sprintf(format, args...), StatusCode: http.StatusInternalServerError, Cause: cause}
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	}
	return KindInternal
}

// StatusCode returns the HTTP status associated with err.
func StatusCode(err error) int {
	var typed *Error
	if errors.As(err, &typed) && typed.StatusCode != 0 {
		return typed.StatusCode
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
