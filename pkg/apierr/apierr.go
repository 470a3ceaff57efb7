// Package apierr implements the error taxonomy from the trust-and-access
// core's design: a small set of kinds, not concrete error values, each
// mapping onto one HTTP status family.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the seven error categories the core recognizes.
type Kind int

const (
	// Validation covers malformed input: unknown permission variant,
	// non-S256 PKCE method, bad redirect URI.
	Validation Kind = iota
	// Authentication covers a missing, invalid, or expired credential.
	Authentication
	// Authorization covers an authenticated caller with insufficient
	// permission, or the wrong peer (e.g. a non-loopback API key use).
	Authorization
	// NotFound covers an unknown plugin, client, or resource.
	NotFound
	// Conflict covers a duplicate registration or a scope already
	// granted where uniqueness matters.
	Conflict
	// Transient covers a downstream container unreachable or a store
	// briefly locked; retriable.
	Transient
	// Fatal covers a disk write failure or store corruption.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authentication:
		return "authentication"
	case Authorization:
		return "authorization"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Status returns the HTTP status family a Kind surfaces as.
func (k Kind) Status() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Authentication:
		return http.StatusUnauthorized
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Transient:
		return http.StatusServiceUnavailable
	case Fatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is an apierr-tagged error. Use New or Wrap to build one; use
// As/errors.As to recover the Kind at an HTTP boundary.
type Error struct {
	Kind        Kind
	Description string
	err         error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error { return e.err }

// New creates a Kind-tagged error with no underlying cause.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Wrap tags an underlying error with a Kind, composing with %w so
// errors.Is/As still see the cause.
func Wrap(kind Kind, description string, err error) *Error {
	return &Error{Kind: kind, Description: description, err: err}
}

// As recovers the Kind and description from err, if it (or something it
// wraps) is an *Error. ok is false for plain errors, which callers
// should treat as Fatal.
func As(err error) (e *Error, ok bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to Fatal for untagged errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Fatal
}
