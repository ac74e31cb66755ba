// Package svcerr carries the service error taxonomy shared by every CityCrew domain package.
package svcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure for propagation and transport mapping.
type Kind string

const (
	// KindUnauthenticated means no valid caller identity was supplied.
	KindUnauthenticated Kind = "unauthenticated"
	// KindNotFound means the referenced row is absent or not visible to the caller.
	KindNotFound Kind = "not_found"
	// KindConflict means a uniqueness rule rejected the write.
	KindConflict Kind = "conflict"
	// KindForbidden means the caller may not perform an owner-only mutation.
	KindForbidden Kind = "forbidden"
	// KindValidation means the input was rejected before touching storage.
	KindValidation Kind = "validation"
	// KindTransient means the gateway failed; the caller may retry explicitly.
	KindTransient Kind = "transient"
)

// Error is the concrete error returned by domain services.
type Error struct {
	kind   Kind
	code   string
	reason string
	err    error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" identifier.
func (e *Error) Code() string {
	return e.code
}

// Reason returns the short reason segment of the code.
func (e *Error) Reason() string {
	return e.reason
}

// Kind returns the failure classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// New builds a service error for the operation.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{
		kind:   kind,
		code:   fmt.Sprintf("%s.%s", operation, reason),
		reason: reason,
		err:    cause,
	}
}

// Transient wraps a gateway failure.
func Transient(operation, reason string, cause error) error {
	return New(KindTransient, operation, reason, cause)
}

// KindOf reports the classification of err. Unclassified errors are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindTransient
}

// CodeOf returns the service error code, or an empty string for foreign errors.
func CodeOf(err error) string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}

// ReasonOf returns the service error reason, or an empty string for foreign errors.
func ReasonOf(err error) string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.reason
	}
	return ""
}

// Retryable reports whether a caller-directed retry can change the outcome.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
