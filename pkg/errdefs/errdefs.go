// Package errdefs carries the daemon error taxonomy. Handlers map
// these kinds onto HTTP statuses; everything unclassified is internal.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the API boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindBadInput
	KindNotFound
	KindConflict
)

// Error is a kinded error with a user-facing message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// BadInput reports a malformed or invalid request.
func BadInput(format string, args ...any) error {
	return &Error{Kind: KindBadInput, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing object.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Conflict reports an operation refused by an ownership or uniqueness
// invariant.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Internal wraps an unclassified failure.
func Internal(err error, format string, args ...any) error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// IsNotFound reports whether err carries the NotFound kind.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// IsBadInput reports whether err carries the BadInput kind.
func IsBadInput(err error) bool { return kindOf(err) == KindBadInput }

// IsConflict reports whether err carries the Conflict kind.
func IsConflict(err error) bool { return kindOf(err) == KindConflict }

func kindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int {
	switch kindOf(err) {
	case KindBadInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
