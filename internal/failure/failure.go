// Package failure defines the error taxonomy shared by every adapter and the
// orchestrator. Adapters classify raw errors at their boundary; the
// orchestrator only ever sees classified failures and decides retry vs
// permanent from the Kind alone.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is the classified failure category. Kinds, not concrete types, drive
// DLQ retry policy and breaker accounting.
type Kind string

const (
	// KindValidation is bad input. Surfaced to the caller, never retried.
	KindValidation Kind = "validation"

	// KindExtractionSchema is a malformed extractor response. Permanent;
	// needs an operator fix upstream.
	KindExtractionSchema Kind = "extraction_schema"

	// KindTimeout is a per-call deadline expiry. Retried with backoff.
	KindTimeout Kind = "timeout"

	// KindBackend5xx is a server-side failure from an external collaborator.
	// Retried with backoff.
	KindBackend5xx Kind = "backend_5xx"

	// KindBreakerOpen means the circuit breaker refused the call. Retried
	// after a short delay without consuming an attempt.
	KindBreakerOpen Kind = "breaker_open"

	// KindGraphLogic is a constraint violation from the graph backend.
	// The bridge invariants should make this unreachable; permanent and
	// alert-worthy when it happens.
	KindGraphLogic Kind = "graph_logic"

	// KindCancelled is operator- or deadline-initiated cancellation.
	// Terminal, distinct from dead-lettering.
	KindCancelled Kind = "cancelled"

	// KindUnknown is anything unclassified. Bounded retries, then permanent.
	KindUnknown Kind = "unknown"
)

// Retryable reports whether the DLQ may schedule another attempt for this
// kind. KindUnknown is retryable but bounded by max_attempts.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindBackend5xx, KindBreakerOpen, KindUnknown:
		return true
	default:
		return false
	}
}

// CountsAttempt reports whether a failure of this kind consumes an attempt
// from the DLQ budget. Breaker rejections are load shedding, not evidence
// about the operation itself, so they do not.
func (k Kind) CountsAttempt() bool {
	return k != KindBreakerOpen
}

// TripsBreaker reports whether a failure of this kind counts toward opening
// the circuit breaker. Only connectivity/backend failures do; logical errors
// are surfaced to the caller without tripping.
func (k Kind) TripsBreaker() bool {
	switch k {
	case KindTimeout, KindBackend5xx:
		return true
	default:
		return false
	}
}

// Error is a classified failure. It wraps the underlying cause so callers
// can still use errors.Is/As on the original error chain.
type Error struct {
	Kind Kind
	Op   string // short operation name, e.g. "extract", "graph_tx"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a classified kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf constructs a classified failure from a format string.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classified kind from an error chain. Unclassified
// errors report KindUnknown; context errors report cancellation/timeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Is lets errors.Is match on a bare *Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// FromHTTPStatus classifies an HTTP status from an external collaborator.
// Mirrors the retryability split used by the provider adapters: 5xx and 408
// retry, 4xx is permanent, anything else is unknown.
func FromHTTPStatus(op string, status int, message string) *Error {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "request failed"
	}
	err := fmt.Errorf("status %d: %s", status, msg)
	switch {
	case status == 408 || status == 504:
		return New(KindTimeout, op, err)
	case status >= 500:
		return New(KindBackend5xx, op, err)
	case status == 400 || status == 422:
		return New(KindValidation, op, err)
	case status >= 400:
		return New(KindValidation, op, err)
	default:
		return New(KindUnknown, op, err)
	}
}

// FromTransport classifies a transport-level error: deadline expiry and
// connection failures are connectivity kinds that trip the breaker.
func FromTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return New(KindCancelled, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return New(KindTimeout, op, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return New(KindBackend5xx, op, err)
	}
	return New(KindUnknown, op, err)
}
