// Package apperr classifies errors into the kinds reported by the HTTP surface.
package apperr

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind is an error classification.
type Kind string

const (
	BadRequest      Kind = "BadRequest"
	Unauthenticated Kind = "Unauthenticated"
	NotAuthorized   Kind = "NotAuthorized"
	NotFound        Kind = "NotFound"
	Conflict        Kind = "Conflict"
	Unavailable     Kind = "Unavailable"
	Internal        Kind = "Internal"
)

// classified carries a kind, the user-facing message and an optional cause.
type classified struct {
	Kind    Kind
	Message string
	cause   error
}

func (c classified) Error() string {
	if c.cause != nil {
		return c.Message + ": " + c.cause.Error()
	}
	return c.Message
}

func (c classified) Unwrap() error { return c.cause }

// Is matches any classified error of the same kind.
func (c classified) Is(err error) bool {
	if e, ok := err.(classified); ok && c.Kind == e.Kind {
		return true
	}
	return false
}

// New returns an error of the given kind with a user-facing message.
func New(kind Kind, message string) error {
	return errors.WithStack(classified{Kind: kind, Message: message})
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err. The message is what the caller sees; err is kept for logs.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(classified{Kind: kind, Message: message, cause: err})
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return errors.Is(err, classified{Kind: kind})
}

// KindOf returns the kind of the outermost classified error in the chain.
// Context expiry reads as Unavailable; anything else unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var c classified
	if errors.As(err, &c) {
		return c.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Unavailable
	}
	return Internal
}

// Message returns the single-line message safe to show a caller.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var c classified
	if errors.As(err, &c) && c.Kind != Internal {
		return c.Message
	}
	if KindOf(err) == Unavailable {
		return "service unavailable"
	}
	return "internal error"
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case NotAuthorized:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
