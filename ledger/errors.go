/*
errors.go - Centralized error types for the credit ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with the helpers at the bottom rather than
  matching individual sentinels.

ERROR CATEGORIES:
  1. Validation errors - rejected before any mutation (InvalidAmount)
  2. Recoverable conditions - caller should handle gracefully
     (InsufficientCredit, TemporarilyUnavailable)
  3. Transient conflicts - recovered internally via bounded retry
     (ConcurrentModification)
  4. Fatal invariant breaches - never caused by correct callers
     (ConsistencyViolation); logged with full context, never retried

SEE ALSO:
  - engine.go: Retry policy around ErrConcurrentModification
  - store.go: Which operations return which errors
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when issuance or consumption is requested
	// with a non-positive amount. Rejected before any mutation.
	ErrInvalidAmount = errors.New("invalid amount: must be positive")

	// ErrInsufficientCredit is returned when consumption exceeds the current
	// balance. Rejected before any mutation; the caller is expected to fall
	// back to another payment method.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrConcurrentModification is returned when the version compare-and-swap
	// on a lot detects a conflict. Recovered internally via bounded retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrTemporarilyUnavailable is returned when the retry budget is
	// exhausted under contention. Retryable by the caller.
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable: retries exhausted")

	// ErrConsistencyViolation indicates an invariant was about to be broken
	// (e.g. decrementing a lot below zero). This is a bug, never caused by
	// correct callers. Fatal for the operation, never retried.
	ErrConsistencyViolation = errors.New("consistency violation")

	// ErrLotNotFound is returned when a lot reference is unknown.
	ErrLotNotFound = errors.New("credit lot not found")

	// ErrDuplicateIssuance is returned by stores when a lot with the same
	// (owner, sourceEventRef, creditType) already exists. The engine resolves
	// this to the existing lot, making retried issuance a no-op.
	ErrDuplicateIssuance = errors.New("duplicate issuance for source event")

	// ErrDuplicateWriteOff is returned by stores when an "expired" entry for
	// a lot already exists. The expiration sweep skips such lots.
	ErrDuplicateWriteOff = errors.New("lot already written off")

	// ErrNotProvisioned is returned when the underlying ledger tables are
	// absent. Surfaced to the operator instead of reporting a zero balance
	// indistinguishable from a genuinely empty ledger.
	ErrNotProvisioned = errors.New("ledger storage not provisioned")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditError provides details about a balance shortage.
type InsufficientCreditError struct {
	Owner     OwnerID
	Available Amount
	Requested Amount
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for %s: available %s, requested %s, shortfall %s",
		e.Owner, e.Available, e.Requested, e.Requested.Sub(e.Available))
}

func (e *InsufficientCreditError) Unwrap() error {
	return ErrInsufficientCredit
}

// ConsistencyError provides full context for an invariant breach. These must
// reach operator logs, never end users.
type ConsistencyError struct {
	Op        string
	LotID     LotID
	Remaining Amount
	Requested Amount
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation in %s: lot %s has %s remaining, attempted to take %s",
		e.Op, e.LotID, e.Remaining, e.Requested)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrConsistencyViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrTemporarilyUnavailable)
}

// IsClientError returns true if the error is due to invalid or unsatisfiable
// client input rather than a system fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientCredit)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLotNotFound)
}
