package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing subsystem boundaries. Handlers and
// the job runtime branch on the kind, never on error strings.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindProviderUnavailable
	KindProviderTransient
	KindUnrecognizedFormat
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindProviderUnavailable:
		return "provider_unavailable"
	case KindProviderTransient:
		return "provider_transient"
	case KindUnrecognizedFormat:
		return "unrecognized_format"
	default:
		return "internal"
	}
}

// AppError carries an ErrorKind across boundaries while preserving the cause.
type AppError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *AppError) Unwrap() error { return e.Err }

// E builds a new kinded error.
func E(kind ErrorKind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a kind to an underlying error.
func WrapErr(kind ErrorKind, err error, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Unknown failures are
// Internal per the propagation policy.
func KindOf(err error) ErrorKind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Retryable reports whether a job handler failure should be retried with
// backoff rather than failing the job outright.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindProviderTransient || k == KindProviderUnavailable
}

func IsConflict(err error) bool { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
