// Package errkind defines the closed set of error kinds that cross
// component boundaries and their mapping to HTTP status codes.
package errkind

import (
	"errors"
	"net/http"
)

// Kind is a closed taxonomy of error categories shared by every component.
type Kind string

const (
	InvalidRequest Kind = "invalid_request"
	NotFound       Kind = "not_found"
	Conflict       Kind = "conflict"
	Forbidden      Kind = "forbidden"
	IO             Kind = "io"
	SpawnFailed    Kind = "spawn_failed"
	Timeout        Kind = "timeout"
	Unavailable    Kind = "unavailable"
)

// HTTPStatus maps a Kind to the status code an HTTP handler should send.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidRequest:
		return http.StatusBadRequest
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Timeout:
		return http.StatusRequestTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps an underlying error with a Kind, so that handlers can map
// it to a status code without parsing error strings.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error with a message only.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a kinded error that carries an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Of extracts the Kind from err, defaulting to IO when err does not carry
// a recognized kind (mirrors the "anything else" branch of the mapping
// table: unclassified internal failures surface as 500s).
func Of(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return IO
}

// HTTPStatus returns the status code to use for err, falling back to 500
// for errors that carry no Kind.
func HTTPStatus(err error) int {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind.HTTPStatus()
	}
	return http.StatusInternalServerError
}
