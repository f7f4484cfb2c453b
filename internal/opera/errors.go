// Package opera holds the error taxonomy shared across the runtime
// orchestrator: sentinel errors distinguishing drop-and-count failures
// from the two fatal kinds that terminate the process.
package opera

import "errors"

// ErrMalformedMessage marks a message that failed to decode or validate.
// Dropped, counted, logged; the runtime continues.
var ErrMalformedMessage = errors.New("opera: malformed message")

// ErrOutOfOrder marks a RobotState acquisition rejected for a non-monotone
// or duplicate timestamp. Dropped, counted; the runtime continues.
var ErrOutOfOrder = errors.New("opera: out-of-order or duplicate state")

// ErrModelConflict marks a second, non-equivalent BodyPresentation for a
// body that already has one installed. Fatal for the run.
var ErrModelConflict = errors.New("opera: conflicting body presentation")

// ErrBrokerTransient marks a publish failure eligible for retry with
// backoff. Once retries are exhausted the notification is dropped and
// logged; the runtime continues.
var ErrBrokerTransient = errors.New("opera: transient broker failure")

// ErrInternalInvariant marks an assertion failure in the core pipeline
// (e.g. a barrier policy violating monotonicity). Fatal for the run.
var ErrInternalInvariant = errors.New("opera: internal invariant violated")

// Fatal reports whether err (or any error it wraps) is one of the two
// fatal kinds that should terminate the process.
func Fatal(err error) bool {
	return errors.Is(err, ErrModelConflict) || errors.Is(err, ErrInternalInvariant)
}
