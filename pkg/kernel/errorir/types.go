// Package errorir defines the canonical error taxonomy shared by every stage of the
// dispatch pipeline. Each error carries a stable category and kind tag plus a
// human-readable reason; internal causes are kept for logging and never rendered.
package errorir

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Category groups kinds by the pipeline stage that raises them.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryValidation     Category = "validation"
	CategoryRouting        Category = "routing"
	CategoryExecution      Category = "execution"
	CategoryRateLimit      Category = "rate_limit"
	CategoryConflict       Category = "conflict"
	CategoryNotFound       Category = "not_found"
)

// Kind is the stable machine-readable tag of an error.
type Kind string

const (
	KindExpired         Kind = "Expired"
	KindInvalid         Kind = "Invalid"
	KindRevoked         Kind = "Revoked"
	KindBadCredentials  Kind = "BadCredentials"
	KindInactiveAccount Kind = "InactiveAccount"
	KindNotEligible     Kind = "NotEligible"

	KindInsufficientRole Kind = "InsufficientRole"

	KindDescriptionTooShort Kind = "DescriptionTooShort"
	KindDescriptionTooLong  Kind = "DescriptionTooLong"
	KindInvalidRequest      Kind = "InvalidRequest"

	KindNoEngineAvailable Kind = "NoEngineAvailable"

	KindEngineFailure Kind = "EngineFailure"
	KindTimeout       Kind = "Timeout"

	KindRateLimited   Kind = "RateLimited"
	KindUsernameTaken Kind = "UsernameTaken"
	KindNotFound      Kind = "NotFound"
)

// Classification constants
const (
	ClassificationRetryable    = "RETRYABLE"
	ClassificationNonRetryable = "NON_RETRYABLE"
)

var kindCategory = map[Kind]Category{
	KindExpired:             CategoryAuthentication,
	KindInvalid:             CategoryAuthentication,
	KindRevoked:             CategoryAuthentication,
	KindBadCredentials:      CategoryAuthentication,
	KindInactiveAccount:     CategoryAuthentication,
	KindNotEligible:         CategoryAuthentication,
	KindInsufficientRole:    CategoryAuthorization,
	KindDescriptionTooShort: CategoryValidation,
	KindDescriptionTooLong:  CategoryValidation,
	KindInvalidRequest:      CategoryValidation,
	KindNoEngineAvailable:   CategoryRouting,
	KindEngineFailure:       CategoryExecution,
	KindTimeout:             CategoryExecution,
	KindRateLimited:         CategoryRateLimit,
	KindUsernameTaken:       CategoryConflict,
	KindNotFound:            CategoryNotFound,
}

var categoryStatus = map[Category]int{
	CategoryAuthentication: http.StatusUnauthorized,
	CategoryAuthorization:  http.StatusForbidden,
	CategoryValidation:     http.StatusUnprocessableEntity,
	CategoryRouting:        http.StatusServiceUnavailable,
	CategoryExecution:      http.StatusBadGateway,
	CategoryRateLimit:      http.StatusTooManyRequests,
	CategoryConflict:       http.StatusConflict,
	CategoryNotFound:       http.StatusNotFound,
}

// Error is a classified pipeline error.
type Error struct {
	Kind       Kind
	Reason     string
	RetryAfter time.Duration
	cause      error
}

// New creates an Error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap creates an Error that keeps cause for logging. The cause is never rendered
// to callers.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, cause: cause}
}

// Retryable creates a retryable Error with a suggested backoff.
func Retryable(kind Kind, reason string, after time.Duration) *Error {
	return &Error{Kind: kind, Reason: reason, RetryAfter: after}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Category(), e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category(), e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error with the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Category returns the category the kind belongs to.
func (e *Error) Category() Category {
	if c, ok := kindCategory[e.Kind]; ok {
		return c
	}
	return CategoryExecution
}

// Status maps the error to an HTTP status code.
func (e *Error) Status() int {
	if s, ok := categoryStatus[e.Category()]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Classification reports whether the caller may retry the same request.
func (e *Error) Classification() string {
	switch e.Kind {
	case KindNoEngineAvailable, KindRateLimited, KindTimeout:
		return ClassificationRetryable
	default:
		return ClassificationNonRetryable
	}
}

// Sentinels for errors.Is checks.
var (
	ErrExpired             = New(KindExpired, "credential expired")
	ErrInvalid             = New(KindInvalid, "credential invalid")
	ErrRevoked             = New(KindRevoked, "credential revoked")
	ErrBadCredentials      = New(KindBadCredentials, "bad credentials")
	ErrInactiveAccount     = New(KindInactiveAccount, "account inactive")
	ErrNotEligible         = New(KindNotEligible, "credential not eligible for refresh")
	ErrInsufficientRole    = New(KindInsufficientRole, "insufficient role")
	ErrDescriptionTooShort = New(KindDescriptionTooShort, "task description too short")
	ErrDescriptionTooLong  = New(KindDescriptionTooLong, "task description too long")
	ErrInvalidRequest      = New(KindInvalidRequest, "invalid request")
	ErrNoEngineAvailable   = New(KindNoEngineAvailable, "no execution engine available")
	ErrEngineFailure       = New(KindEngineFailure, "engine failure")
	ErrTimeout             = New(KindTimeout, "execution timed out")
	ErrRateLimited         = New(KindRateLimited, "rate limit exceeded")
	ErrUsernameTaken       = New(KindUsernameTaken, "username already taken")
	ErrNotFound            = New(KindNotFound, "not found")
)

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" if err is not classified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}
