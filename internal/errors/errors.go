// Package errors provides the typed error hierarchy used across cloudmount.
// Components that need to tell a transient remote failure from a permanent
// rejection, an auth failure, or a local I/O error type-switch on these
// instead of matching error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Unwrap is a convenience re-export of errors.Unwrap.
func Unwrap(err error) error { return errors.Unwrap(err) }

// Is is a convenience re-export of errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is a convenience re-export of errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// New creates a plain error with the given message.
func New(message string) error { return errors.New(message) }

// Wrap adds context to an error while preserving it for errors.Is/As.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Type classifies an error for retry/conflict/errno decisions.
type Type int

const (
	TypeUnknown Type = iota
	TypeNetwork      // transient: connection refused, DNS, timeout
	TypeServer       // transient: remote 5xx
	TypeRateLimit    // transient: remote 429
	TypeNotFound     // permanent: remote 404
	TypeAuth         // permanent until reauth: remote 401/403
	TypeConflict     // permanent: remote rejected due to a naming/etag collision
	TypeValidation   // permanent: remote 400
	TypeIO           // local staging read/write failure
	TypeInvariant    // local metadata invariant violation (a bug)
)

func (t Type) String() string {
	switch t {
	case TypeNetwork:
		return "NetworkError"
	case TypeServer:
		return "ServerError"
	case TypeRateLimit:
		return "RateLimitError"
	case TypeNotFound:
		return "NotFoundError"
	case TypeAuth:
		return "AuthError"
	case TypeConflict:
		return "ConflictError"
	case TypeValidation:
		return "ValidationError"
	case TypeIO:
		return "IOError"
	case TypeInvariant:
		return "InvariantError"
	default:
		return "UnknownError"
	}
}

// TypedError wraps an underlying error with a Type and, when it originated
// from an HTTP response, the status code that produced it.
type TypedError struct {
	Kind       Type
	Message    string
	StatusCode int
	Err        error
}

func (e *TypedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TypedError) Unwrap() error { return e.Err }

func typed(kind Type, status int, message string, err error) error {
	return &TypedError{Kind: kind, Message: message, StatusCode: status, Err: err}
}

func NewNetworkError(message string, err error) error {
	return typed(TypeNetwork, http.StatusServiceUnavailable, message, err)
}

func NewServerError(message string, err error) error {
	return typed(TypeServer, http.StatusInternalServerError, message, err)
}

func NewRateLimitError(message string, err error) error {
	return typed(TypeRateLimit, http.StatusTooManyRequests, message, err)
}

func NewNotFoundError(message string, err error) error {
	return typed(TypeNotFound, http.StatusNotFound, message, err)
}

func NewAuthError(message string, err error) error {
	return typed(TypeAuth, http.StatusUnauthorized, message, err)
}

func NewConflictError(message string, err error) error {
	return typed(TypeConflict, http.StatusConflict, message, err)
}

func NewValidationError(message string, err error) error {
	return typed(TypeValidation, http.StatusBadRequest, message, err)
}

func NewIOError(message string, err error) error {
	return typed(TypeIO, 0, message, err)
}

func NewInvariantError(message string, err error) error {
	return typed(TypeInvariant, 0, message, err)
}

// KindOf returns the Type carried by err, or TypeUnknown if err is not (or
// does not wrap) a *TypedError.
func KindOf(err error) Type {
	var te *TypedError
	if As(err, &te) {
		return te.Kind
	}
	return TypeUnknown
}

// StatusCodeToType classifies an HTTP status code the way the remote client
// does when translating an API error response into a TypedError.
func StatusCodeToType(status int) Type {
	switch {
	case status == http.StatusNotFound:
		return TypeNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return TypeAuth
	case status == http.StatusConflict:
		return TypeConflict
	case status == http.StatusBadRequest:
		return TypeValidation
	case status == http.StatusTooManyRequests:
		return TypeRateLimit
	case status >= 500:
		return TypeServer
	default:
		return TypeUnknown
	}
}

// IsTransient reports whether the error class is expected to clear up on
// retry without operator intervention (§7 Transient remote policy).
func IsTransient(err error) bool {
	switch KindOf(err) {
	case TypeNetwork, TypeServer, TypeRateLimit:
		return true
	default:
		return false
	}
}

// IsPermanent reports whether the error class requires a conflict record
// rather than a retry (§7 Permanent remote policy).
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case TypeNotFound, TypeConflict, TypeValidation:
		return true
	default:
		return false
	}
}
