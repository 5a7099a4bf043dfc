// Package errs defines the error kinds shared across the exchange core.
//
// Package-level sentinels wrap one of these kinds so callers (and the HTTP
// layer) can classify any error with errors.Is without knowing which package
// produced it.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before it reaches an engine.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an absent order, market or settlement. Expected under races.
	ErrNotFound = errors.New("not found")
	// ErrOverloaded marks mailbox backpressure. The caller should retry later.
	ErrOverloaded = errors.New("overloaded")
	// ErrSettlementFailure marks a chain submission or confirmation error.
	ErrSettlementFailure = errors.New("settlement failure")
	// ErrInvariantViolation marks corrupted in-memory state. Never recoverable.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Validation returns a validation error with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns a not-found error naming the missing entity.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Kind reports which taxonomy kind err belongs to, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrSettlementFailure):
		return "settlement_failure"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "internal"
	}
}
