// Package hosterrors implements the host's closed error taxonomy:
// every failure the host produces is one of a small set of kinds, each
// with a fixed HTTP status and numeric code for the {status, code,
// message} envelope the HTTP layer serializes.
package hosterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed taxonomy of host error kinds.
type Kind string

const (
	KindValidation            Kind = "ValidationError"
	KindAuth                  Kind = "AuthError"
	KindForbidden             Kind = "ForbiddenError"
	KindCapabilityUnavailable Kind = "CapabilityUnavailable"
	KindSupervisorState       Kind = "SupervisorState"
	KindChildFailure          Kind = "ChildFailure"
	KindPersistence           Kind = "PersistenceError"
)

// Fixed numeric codes of the error envelope.
const (
	CodeUnauthorized  = 1
	CodeForbidden     = 2
	CodeBadRequest    = 3
	CodeInternalError = -1
)

// HostError is the single error type surfaced across package boundaries.
type HostError struct {
	Kind    Kind
	Status  int
	Code    int
	Message string
	wrapped error
}

func (e *HostError) Error() string {
	return e.Message
}

func (e *HostError) Unwrap() error {
	return e.wrapped
}

// BadRequest builds a ValidationError-kind HostError (HTTP 400, code 3).
func BadRequest(format string, args ...any) *HostError {
	return &HostError{Kind: KindValidation, Status: 400, Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized builds an AuthError-kind HostError (HTTP 401, code 1).
func Unauthorized(format string, args ...any) *HostError {
	return &HostError{Kind: KindAuth, Status: 401, Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Forbidden builds a ForbiddenError-kind HostError (HTTP 403, code 2).
func Forbidden(format string, args ...any) *HostError {
	return &HostError{Kind: KindForbidden, Status: 403, Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// InternalErrorKind builds an InternalError-surfaced HostError of the given
// taxonomy kind (CapabilityUnavailable, SupervisorState, PersistenceError),
// all surfaced as HTTP 500, code -1.
func InternalErrorKind(kind Kind, format string, args ...any) *HostError {
	return &HostError{Kind: kind, Status: 500, Code: CodeInternalError, Message: fmt.Sprintf(format, args...)}
}

// InternalError is a convenience for PersistenceError-kind wraps of a lower
// level error.
func InternalError(err error) *HostError {
	return &HostError{Kind: KindPersistence, Status: 500, Code: CodeInternalError, Message: err.Error(), wrapped: err}
}

// Is supports errors.Is comparisons against the sentinel Kind values by
// wrapping a Kind itself as a target.
func (e *HostError) Is(target error) bool {
	var k kindSentinel
	if errors.As(target, &k) {
		return e.Kind == Kind(k)
	}
	return false
}

type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// KindOf returns a sentinel error usable with errors.Is(err, KindOf(Kind)).
func KindOf(k Kind) error { return kindSentinel(k) }

// FieldErrors aggregates multiple validation failures into a single
// descriptive BadRequest message.
type FieldErrors struct {
	errs []string
}

func (f *FieldErrors) Add(format string, args ...any) {
	f.errs = append(f.errs, fmt.Sprintf(format, args...))
}

func (f *FieldErrors) HasErrors() bool {
	return len(f.errs) > 0
}

// AsHostError collapses the aggregated field errors into one BadRequest, or
// returns nil when empty.
func (f *FieldErrors) AsHostError() *HostError {
	if !f.HasErrors() {
		return nil
	}
	return BadRequest("%s", strings.Join(f.errs, "; "))
}
