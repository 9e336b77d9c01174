// Package etlerr defines the error taxonomy shared by all pipeline stages.
//
// Every stage reports failures as *Error with a Kind. The kind decides
// whether the failure is retried locally, demoted to a per-symbol failure,
// or propagated to the run's FAILED state.
package etlerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindSourceUnavailable Kind = "SourceUnavailable"
	KindParse             Kind = "ParseError"
	KindQuoteUnavailable  Kind = "QuoteUnavailable"
	KindRateLimited       Kind = "RateLimited"
	KindStageWrite        Kind = "StageWriteError"
	KindLoadSchema        Kind = "LoadSchemaError"
	KindLoadTransient     Kind = "LoadTransientError"
	KindCancelled         Kind = "Cancelled"
	KindInternal          Kind = "Internal"
)

// Error is a classified stage failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed (e.g., "roster.fetch", "quotes AAPL")
	Err  error

	// Temporary marks a failure that may succeed if repeated.
	Temporary bool

	// RetryAfter is a server-provided lower bound for the next attempt.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure should be retried locally.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindLoadTransient:
		return true
	case KindSourceUnavailable, KindQuoteUnavailable:
		return e.Temporary
	}
	return false
}

// New returns a permanent error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient returns a temporary error of the given kind.
func Transient(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Temporary: true}
}

// Errorf formats a permanent error of the given kind.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain. Context
// cancellation maps to KindCancelled and anything unclassified to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// RetryAfter returns the server-provided retry delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
