package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// ErrorKind classifies a failed tool call. Retry and circuit breaker
// decisions are made from the kind only, never from the concrete error.
type ErrorKind string

const (
	// KindTransient is a network blip or 5xx-equivalent. Retryable.
	KindTransient ErrorKind = "transient"
	// KindTimeout is retryable only when the request is idempotent.
	KindTimeout ErrorKind = "timeout"
	// KindCircuitOpen means the call was rejected locally without reaching the upstream.
	KindCircuitOpen ErrorKind = "circuit_open"
	// KindValidation is a bad tool name or bad params: a caller bug.
	KindValidation ErrorKind = "validation_error"
	// KindPermanent needs operator intervention, e.g. rejected credentials.
	KindPermanent ErrorKind = "permanent_upstream_error"

	KindUnknownUpstream   ErrorKind = "unknown_upstream"
	KindDuplicateUpstream ErrorKind = "duplicate_upstream"
)

func (k ErrorKind) String() string {
	return string(k)
}

// NewError builds a coded error. kv are alternating key/value context pairs.
func NewError(kind ErrorKind, msg string, kv ...any) error {
	return oops.Code(kind).With(kv...).New(msg)
}

// Errorf builds a coded error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return oops.Code(kind).Errorf(format, args...)
}

// Wrap attaches kind to err, replacing any kind err already carries.
// Returns nil when err is nil.
func Wrap(err error, kind ErrorKind, msg string, kv ...any) error {
	if err == nil {
		return nil
	}
	return &kindError{
		kind: kind,
		err:  oops.Code(kind).With(kv...).Wrapf(err, "%s", msg),
	}
}

// kindError pins the kind of a wrapped error. oops reports the innermost
// code of a chain, so relabelling needs its own marker.
type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() error {
	return e.err
}

// KindOf classifies err. The outermost Wrap wins, then the oops code,
// context deadlines are timeouts and anything else is treated as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var pinned *kindError
	if errors.As(err, &pinned) {
		return pinned.kind
	}

	if oopsErr, ok := oops.AsOops(err); ok {
		switch code := oopsErr.Code().(type) {
		case ErrorKind:
			return code
		case string:
			if code != "" {
				return ErrorKind(code)
			}
		case nil:
		default:
			return ErrorKind(fmt.Sprintf("%v", code))
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	return KindTransient
}

// Is reports whether err is classified as kind.
func Is(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ContextOf returns the structured context attached to a coded error.
func ContextOf(err error) map[string]any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}
