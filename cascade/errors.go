package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for recovery purposes. Components return
// kind-tagged errors; the pipeline turns kinds into a retry, an escalation,
// or a terminal error event.
type Kind string

const (
	KindConfig            Kind = "config"             // invalid model/config at construction, fatal
	KindAdmission         Kind = "admission"          // budget/tier denial or rate limit, carries RetryAfter
	KindTransientProvider Kind = "transient_provider" // timeouts, 429/5xx, network; retried with backoff
	KindAuthProvider      Kind = "auth_provider"      // 401/403, never retried
	KindBadRequest        Kind = "bad_request"        // 400 with provider-parsed reason, never retried
	KindValidation        Kind = "validation"         // quality fail or invalid tool call, triggers escalation
	KindToolExecution     Kind = "tool_execution"     // tool handler failure, reported as TOOL_ERROR
	KindTimeout           Kind = "timeout"            // step or request deadline exceeded
	KindCancelled         Kind = "cancelled"          // caller cancellation
	KindInternal          Kind = "internal"           // invariant violation
)

// Error is the kind-tagged error unit crossing component boundaries.
type Error struct {
	Kind       Kind
	Op         string // operation that failed, e.g. "pipeline.draft"
	Model      string // model involved, if any
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Model != "" {
		msg += " (model " + e.Model + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kind-tagged error wrapping err.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kind-tagged error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// AsError unwraps err to the nearest *Error if one exists.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf resolves the kind of any error. Context errors map to their
// taxonomy kinds; untagged errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ce, ok := AsError(err); ok {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether the pipeline may retry the failed call.
// Only transient provider failures qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientProvider
}

// RetryAfterOf extracts the retry hint from an admission or rate-limit
// error, zero when absent.
func RetryAfterOf(err error) time.Duration {
	if ce, ok := AsError(err); ok {
		return ce.RetryAfter
	}
	return 0
}
