// pkg/problems/errors.go
package problems

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindNotFound   Kind = "not-found"
	KindConflict   Kind = "conflict"
)

func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) title() string {
	switch k {
	case KindValidation:
		return "Validation failed"
	case KindPermission:
		return "Permission denied"
	case KindNotFound:
		return "Not found"
	case KindConflict:
		return "Conflict"
	default:
		return "Internal error"
	}
}

// Error is a classified error. The wrapped cause, if any, is reachable via errors.Is/As.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Msg: err.Error(), Err: errors.Unwrap(err)}
}

func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }
func Permission(format string, args ...any) error { return newf(KindPermission, format, args...) }
func NotFound(format string, args ...any) error   { return newf(KindNotFound, format, args...) }
func Conflict(format string, args ...any) error   { return newf(KindConflict, format, args...) }

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Status maps err to an HTTP status code; unclassified errors are 500.
func Status(err error) int { return KindOf(err).Status() }
