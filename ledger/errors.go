/*
errors.go - Centralized error types for the lot ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match sentinels with errors.Is() and extract context with
  errors.As() on the structured variants.

ERROR CATEGORIES:
  1. Store errors - missing lots, optimistic-concurrency collisions
  2. Allocation errors - shortfall, contention, invalid requests
  3. Graph errors - cycle detection, append violations

PROPAGATION POLICY:
  - ErrConflict is retried internally by the Allocator up to a fixed bound
    before becoming ErrContention, which is surfaced to the caller.
  - Shortfall, InvalidTransition and NotFound are caller errors, surfaced
    immediately with no retry.
  - ErrCorruptGraph is a fatal integrity violation: surfaced with the cyclic
    lot set for operator investigation, never repaired automatically.

SEE ALSO:
  - allocation.go: Retry loop producing ErrContention
  - trace.go: CorruptGraphError detection
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
	// ErrLotNotFound is returned when a referenced lot doesn't exist.
	ErrLotNotFound = errors.New("lot not found")

	// ErrConflict is returned when an optimistic status check fails because
	// another caller changed the lot first. Retryable.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrInsufficientQuantity is returned when a single-lot delta would push
	// quantity_remaining outside [0, quantity_original].
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrShortfall is returned when FEFO allocation cannot meet demand from
	// all candidate lots combined.
	ErrShortfall = errors.New("allocation shortfall")

	// ErrContention is returned when the allocation retry budget is
	// exhausted without a clean commit.
	ErrContention = errors.New("allocation contention: retry budget exhausted")

	// ErrInvalidTransition is returned on a status state-machine violation,
	// e.g. disposing an already-disposed lot.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidQuantity is returned when a caller passes a zero or negative
	// quantity. Rejected, never silently a no-op.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrCorruptGraph is returned when a cycle is detected in the genealogy
	// graph. Fatal integrity violation.
	ErrCorruptGraph = errors.New("corrupt genealogy graph: cycle detected")

	// ErrDuplicateBatch is returned when edges for an allocation batch id
	// already exist. Protects against double-recording on retries.
	ErrDuplicateBatch = errors.New("duplicate allocation batch")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ShortfallError reports the actual available total so the caller can decide
// to partially fulfill, wait, or split the request.
type ShortfallError struct {
	MaterialID MaterialID
	Requested  Quantity
	Available  Quantity
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("shortfall for %s: requested %v, available %v",
		e.MaterialID, e.Requested.Value, e.Available.Value)
}

func (e *ShortfallError) Unwrap() error { return ErrShortfall }

// InvalidTransitionError describes a rejected status change.
type InvalidTransitionError struct {
	LotID LotID
	From  LotStatus
	To    LotStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for lot %s: %s -> %s", e.LotID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// ContentionError reports how many attempts were made before giving up.
type ContentionError struct {
	MaterialID MaterialID
	Attempts   int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("allocation for %s still conflicting after %d attempts", e.MaterialID, e.Attempts)
}

func (e *ContentionError) Unwrap() error { return ErrContention }

// CorruptGraphError carries the cyclic lot set for operator investigation.
type CorruptGraphError struct {
	Cycle []LotID
}

func (e *CorruptGraphError) Error() string {
	return fmt.Sprintf("genealogy cycle through lots %v", e.Cycle)
}

func (e *CorruptGraphError) Unwrap() error { return ErrCorruptGraph }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrShortfall) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInsufficientQuantity) ||
		errors.Is(err, ErrDuplicateBatch)
}

// IsNotFound returns true if the error indicates a missing lot.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLotNotFound)
}
