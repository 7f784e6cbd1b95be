// Package apierr defines the typed errors raised by the Tokens API
// components and their mapping to HTTP status codes.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	// KindInternal indicates a signing or serialization bug.
	KindInternal Kind = iota
	// KindInvalidRequest indicates a malformed payload, header, or claim collision.
	KindInvalidRequest
	// KindAuthentication indicates missing or invalid credentials.
	KindAuthentication
	// KindPermission indicates an authenticated but unauthorized caller.
	KindPermission
	// KindUpstream indicates an SK, Tenants, or site-router failure.
	KindUpstream
	// KindInconsistency indicates a partial key-rotation failure; the SK and
	// the Tenants registry disagree and an operator must reconcile them.
	KindInconsistency
)

// String returns the wire name of the error kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindAuthentication:
		return "authentication"
	case KindPermission:
		return "permission"
	case KindUpstream:
		return "upstream_unavailable"
	case KindInconsistency:
		return "inconsistency"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to the status code the REST boundary returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed error carrying a kind and a client-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error with a client-safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a typed error with a formatted client-safe message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error wrapping an underlying cause. The cause is
// logged server-side but never serialized to the client.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message extracts the client-safe message from an error chain. Untyped
// errors get a generic message so internal details never leak.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Unexpected error. Please contact system administrators."
}
