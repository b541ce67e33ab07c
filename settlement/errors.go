/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All engine error types in one place for consistency and discoverability.
  Store implementations and the worklog package wrap these errors with
  additional context.

ERROR CATEGORIES:
  1. Input errors    - Invalid periods and amounts, rejected before writes
  2. Concurrency     - Claim conflicts and run-lock contention
  3. Store errors    - Persistence-level failures (systemic)

PROPAGATION POLICY:
  Entry-level and worker-level errors are contained and logged by the
  orchestrator; they never abort a run. Run-level (systemic) errors
  propagate to the caller as a failed run.

USAGE:
  if errors.Is(err, settlement.ErrConcurrentClaim) {
      // another run claimed the entry first; retry or skip this worker
  }

SEE ALSO:
  - orchestrator.go: Applies the propagation policy
  - store/sqlite: Maps database failures onto these errors
*/
package settlement

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidPeriod is returned when period_start > period_end (or a
	// bound is missing). Rejected before any Settlement record is created.
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrConcurrentClaim is returned when two runs race for the same
	// ledger entry; the losing transaction retries its worker once, then
	// skips the worker for this run.
	ErrConcurrentClaim = errors.New("concurrent claim conflict")

	// ErrRunInProgress is returned when the run-level advisory lock is
	// already held. The caller (an external scheduler) re-invokes later.
	ErrRunInProgress = errors.New("settlement run already in progress")

	// ErrStoreUnavailable wraps persistence failures. Systemic: aborts
	// the whole run with Settlement.Status = FAILED.
	ErrStoreUnavailable = errors.New("store unavailable")

	// Lookup misses.
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrRemittanceNotFound = errors.New("remittance not found")
	ErrWorkLogNotFound    = errors.New("work log not found")
	ErrSegmentNotFound    = errors.New("segment not found")

	// ErrInvalidStatusTransition is returned when the external payment
	// rail reports a status a remittance cannot move to (e.g. re-opening
	// a PAID remittance).
	ErrInvalidStatusTransition = errors.New("invalid remittance status transition")

	// ErrSegmentPaid is returned when a caller tries to soft-delete a
	// segment covered by a PAID remittance. Settled history is immutable;
	// disputes of paid work go through an adjustment instead.
	ErrSegmentPaid = errors.New("segment settled by a paid remittance")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ClaimConflictError reports which entry lost a claim race.
type ClaimConflictError struct {
	WorkerID     WorkerID
	SegmentID    SegmentID
	AdjustmentID AdjustmentID
}

func (e *ClaimConflictError) Error() string {
	if e.SegmentID != "" {
		return fmt.Sprintf("concurrent claim on segment %s (worker %s)", e.SegmentID, e.WorkerID)
	}
	return fmt.Sprintf("concurrent claim on adjustment %s (worker %s)", e.AdjustmentID, e.WorkerID)
}

func (e *ClaimConflictError) Unwrap() error { return ErrConcurrentClaim }

// StatusTransitionError reports a rejected remittance status change.
type StatusTransitionError struct {
	RemittanceID RemittanceID
	From         RemittanceStatus
	To           RemittanceStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("remittance %s: cannot move %s -> %s", e.RemittanceID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error { return ErrInvalidStatusTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsSystemic reports whether an error must abort the whole run rather
// than just the current worker's transaction.
func IsSystemic(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsRetryable returns true if the error might succeed on an immediate retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentClaim)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidStatusTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSettlementNotFound) ||
		errors.Is(err, ErrRemittanceNotFound) ||
		errors.Is(err, ErrWorkLogNotFound) ||
		errors.Is(err, ErrSegmentNotFound)
}
