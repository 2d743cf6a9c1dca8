// Package apperr defines the typed errors returned by the lifecycle and
// moderation services and their mapping to HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how a caller should react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is malformed input; retrying the same call fails again.
	KindValidation
	// KindNotFound means the entity never existed.
	KindNotFound
	// KindGone means the entity existed but its lifecycle ended
	// (expired or deleted post, blocked relationship).
	KindGone
	// KindConflict means the entity is in an unexpected state.
	KindConflict
	// KindForbidden means the actor lacks the required relationship.
	KindForbidden
	// KindTransient is an infrastructure failure (blob store, cache).
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindGone:
		return "gone"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Code is a machine-readable error code.
type Code string

const (
	CodeInvalidInput   Code = "INVALID_INPUT"
	CodeSelfTarget     Code = "SELF_TARGET"
	CodeUserNotFound   Code = "USER_NOT_FOUND"
	CodePostNotFound   Code = "POST_NOT_FOUND"
	CodePostGone       Code = "POST_GONE"
	CodeGroupNotFound  Code = "GROUP_NOT_FOUND"
	CodeNotMember      Code = "NOT_MEMBER"
	CodeEdgeNotFound   Code = "EDGE_NOT_FOUND"
	CodeAlreadyHandled Code = "ALREADY_HANDLED"
	CodeAlreadyBlocked Code = "ALREADY_BLOCKED"
	CodeBlocked        Code = "BLOCKED"
	CodeNotOwner       Code = "NOT_OWNER"
	CodeNotTarget      Code = "NOT_TARGET"
	CodeWaitForReply   Code = "WAIT_FOR_REPLY"
	CodeMediaStore     Code = "MEDIA_STORE"
	CodeUnknown        Code = "UNKNOWN"
)

// Error is a typed application error.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and code, so sentinel values can be
// compared with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newErr(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code Code, format string, args ...any) *Error {
	return newErr(KindValidation, code, format, args...)
}

func NotFound(code Code, format string, args ...any) *Error {
	return newErr(KindNotFound, code, format, args...)
}

func Gone(code Code, format string, args ...any) *Error {
	return newErr(KindGone, code, format, args...)
}

func Conflict(code Code, format string, args ...any) *Error {
	return newErr(KindConflict, code, format, args...)
}

func Forbidden(code Code, format string, args ...any) *Error {
	return newErr(KindForbidden, code, format, args...)
}

// Transient wraps an infrastructure failure.
func Transient(code Code, err error, format string, args ...any) *Error {
	e := newErr(KindTransient, code, format, args...)
	e.Err = err
	return e
}

// KindOf returns the Kind of err, or KindUnknown for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the Code of err, or CodeUnknown for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind to the HTTP status the REST layer returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
