// Package fault defines the error taxonomy shared by the HTTP API and the core
// components: not_found, bad_request, invalid_state, conflict. Callers classify
// with the Is* helpers and map to status codes at the API boundary.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error category.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindBadRequest   Kind = "bad_request"
	KindInvalidState Kind = "invalid_state"
	KindConflict     Kind = "conflict"
	KindInternal     Kind = "internal"
)

// Error carries a kind plus a human message. It supports errors.Is against
// sentinel errors of the same kind and errors.As for extraction.
type Error struct {
	Kind    Kind
	Message string
	Err     error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a fault error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a not_found fault.
func NotFound(format string, args ...any) *Error { return New(KindNotFound, format, args...) }

// BadRequest returns a bad_request fault.
func BadRequest(format string, args ...any) *Error { return New(KindBadRequest, format, args...) }

// InvalidState returns an invalid_state fault.
func InvalidState(format string, args ...any) *Error { return New(KindInvalidState, format, args...) }

// Conflict returns a conflict fault.
func Conflict(format string, args ...any) *Error { return New(KindConflict, format, args...) }

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for non-fault errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsNotFound reports whether err is a not_found fault.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsBadRequest reports whether err is a bad_request fault.
func IsBadRequest(err error) bool { return KindOf(err) == KindBadRequest }

// IsInvalidState reports whether err is an invalid_state fault.
func IsInvalidState(err error) bool { return KindOf(err) == KindInvalidState }

// IsConflict reports whether err is a conflict fault.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
