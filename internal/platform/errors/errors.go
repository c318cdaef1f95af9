package errors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindQueueFull   Kind = "queue_full"
	KindBreakerOpen Kind = "breaker_open"
	KindProvider    Kind = "provider"
	KindTranscode   Kind = "transcode"
	KindTransport   Kind = "transport"
	KindConfig      Kind = "config"
	KindShutdown    Kind = "shutdown"
	KindUnknown     Kind = "unknown"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func Wrap(kind Kind, op, message string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// IsKind checks whether any error in the chain matches the provided kind.
func IsKind(err error, kind Kind) bool {
	var target *Error
	for errors.As(err, &target) {
		if target.Kind == kind {
			return true
		}
		err = target.Cause
	}
	return false
}

// KindOf returns the kind of the first typed error in the chain, or
// KindUnknown when the chain carries no typed error.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return KindUnknown
}
