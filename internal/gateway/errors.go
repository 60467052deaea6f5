// Package gateway mediates every tool call an agent makes: per-call timeout,
// bounded retry with backoff, a per-capability circuit breaker, and a
// normalized error taxonomy so agents never see raw transport failures.
package gateway

import (
	"errors"
	"fmt"
)

// Class buckets a tool failure for the caller's control flow.
type Class string

const (
	// ClassRetryable marks transient faults worth another attempt.
	ClassRetryable Class = "retryable"
	// ClassFatal marks faults no retry can fix (bad request, auth, policy).
	ClassFatal Class = "fatal"
	// ClassDegraded marks exhausted retries: the call failed but the caller
	// may proceed on partial data.
	ClassDegraded Class = "degraded"
	// ClassCircuitOpen marks calls rejected without execution because the
	// capability's breaker is open.
	ClassCircuitOpen Class = "circuit_open"
)

// Error is the gateway's normalized failure, carrying the classification and
// how many attempts were made.
type Error struct {
	Capability Capability
	Class      Class
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Capability, e.Class, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the failure class of an error, or "" for nil / non-gateway
// errors.
func Classify(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ""
}

// IsFatal reports whether the error is a fatal tool failure.
func IsFatal(err error) bool { return Classify(err) == ClassFatal }

// IsDegraded reports whether the error represents exhausted retries or an
// open circuit, both of which the caller may absorb as degraded output.
func IsDegraded(err error) bool {
	c := Classify(err)
	return c == ClassDegraded || c == ClassCircuitOpen
}

// Fatal wraps err so the gateway (and its retry loop) treats it as
// non-retryable. Backends return this for invalid input, auth failures and
// the like.
func Fatal(err error) error { return fatalError{err} }

type fatalError struct{ err error }

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

func isFatalBackendErr(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}
