// Package apperr defines the error kinds surfaced to the HTTP boundary.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindQuotaDisabled       Kind = "quota_disabled"
	KindCollaboratorFailure Kind = "collaborator_failure"
	KindInternal            Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	// Details is passed through to the client, e.g. the quota status on a denial.
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, apperr.NotFound("")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func QuotaExceeded(message string, details any) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: message, Details: details}
}

func QuotaDisabled(message string, details any) *Error {
	return &Error{Kind: KindQuotaDisabled, Message: message, Details: details}
}

func Collaborator(err error, format string, args ...any) *Error {
	return &Error{Kind: KindCollaboratorFailure, Message: fmt.Sprintf(format, args...), Err: err}
}

func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	return KindOf(err) == KindCollaboratorFailure
}
