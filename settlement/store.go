/*
store.go - Persistence interfaces for the settlement engine

PURPOSE:
  Defines the contract between the engine and the database. Implementations
  exist for SQLite (store/sqlite) and in-memory (settlement/store).

KEY INTERFACES:
  LedgerStore: Work ledger reads + the single state-transition write
  RunStore:    Settlement runs, remittances, remittance lines
  WorkStore:   Entry boundary (record/dispute work) and the read surface
  TxStore:     Transactional composition of all of the above

STATE-TRANSITION CONTRACT:
  The engine's only write to ledger entries is ApplyRemittance, which
  atomically flips settlement_state to REMITTED and attaches the
  remittance ID on every entry in the batch. It must run in the SAME
  transaction as the Remittance/RemittanceLine writes (via WithTx) so a
  crash between them cannot leave an entry marked REMITTED with no
  remittance, or a remittance with unflipped entries.

CLAIM GUARD:
  ApplyRemittance must refuse to claim an entry another run already
  claimed (its current remittance is PENDING or PAID) and report
  ErrConcurrentClaim. Implementations use a conditional update plus
  rows-affected check - an optimistic concurrency guard.

SNAPSHOT READS:
  All reads for one settlement run observe a consistent snapshot. The
  run-level advisory lock (RunLocker) additionally serializes whole runs,
  so two eligibility passes never race over overlapping periods.

SOFT DELETES:
  Soft-deleted segments are excluded from every query on every interface.

SEE ALSO:
  - settlement/store/memory.go: In-memory implementation
  - store/sqlite/sqlite.go: SQLite implementation
*/
package settlement

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - The Work Ledger Store contract (eligibility reads + ApplyRemittance)
// =============================================================================

// LedgerStore is the engine's view of recorded work. Read-only except for
// ApplyRemittance.
type LedgerStore interface {
	// FindUnsettledSegments returns non-deleted segments with
	// settlement_state = UNSETTLED dated within the period (inclusive),
	// with WorkerID populated from the owning work log.
	FindUnsettledSegments(ctx context.Context, p Period) ([]TimeSegment, error)

	// FindStrandedSegments returns segments stranded in FAILED or
	// CANCELLED remittances from any period: state = REMITTED, and no
	// remittance containing the segment has status PAID or PENDING.
	FindStrandedSegments(ctx context.Context) ([]TimeSegment, error)

	// FindUnsettledAdjustments returns UNSETTLED adjustments regardless
	// of effective date. Adjustments are retroactive: a correction for
	// an old period settles in the next run that sees it.
	FindUnsettledAdjustments(ctx context.Context) ([]Adjustment, error)

	// FindStrandedAdjustments is the adjustment counterpart of
	// FindStrandedSegments, under the same eligibility rule.
	FindStrandedAdjustments(ctx context.Context) ([]Adjustment, error)

	// ApplyRemittance flips every entry to REMITTED and attaches the
	// remittance ID, atomically for the batch. Returns a
	// ClaimConflictError if any entry is no longer claimable.
	ApplyRemittance(ctx context.Context, entries []Entry, id RemittanceID) error
}

// =============================================================================
// RUN STORE - Settlement runs and remittances
// =============================================================================

// RunStore persists runs and payout instructions.
type RunStore interface {
	CreateSettlement(ctx context.Context, s *Settlement) error

	// FinishSettlement records the terminal status, finished_at, and the
	// summary fields. A finished settlement is immutable afterwards.
	FinishSettlement(ctx context.Context, s *Settlement) error

	GetSettlement(ctx context.Context, id SettlementID) (*Settlement, error)
	ListSettlements(ctx context.Context) ([]Settlement, error)

	// CreateRemittance writes the remittance and all its lines.
	CreateRemittance(ctx context.Context, r *Remittance, lines []RemittanceLine) error

	GetRemittance(ctx context.Context, id RemittanceID) (*Remittance, error)
	ListRemittanceLines(ctx context.Context, id RemittanceID) ([]RemittanceLine, error)
	ListRemittancesByWorker(ctx context.Context, workerID WorkerID) ([]Remittance, error)
	ListRemittancesBySettlement(ctx context.Context, id SettlementID) ([]Remittance, error)

	// UpdateRemittanceStatus records the external payment rail's verdict.
	// Only PENDING remittances may transition; anything else returns a
	// StatusTransitionError.
	UpdateRemittanceStatus(ctx context.Context, id RemittanceID, status RemittanceStatus, paidAt *time.Time) error
}

// =============================================================================
// WORK STORE - Entry boundary and the companion read surface
// =============================================================================

// WorkStore records work and serves the read interface. Creation and soft
// deletion happen at the portal boundary (worklog package), never inside
// the engine.
type WorkStore interface {
	CreateWorkLog(ctx context.Context, w *WorkLog) error
	GetWorkLog(ctx context.Context, id WorkLogID) (*WorkLog, error)

	// ListWorkLogs returns all work logs, or one worker's when workerID
	// is non-empty.
	ListWorkLogs(ctx context.Context, workerID WorkerID) ([]WorkLog, error)

	CreateSegment(ctx context.Context, s *TimeSegment) error
	CreateAdjustment(ctx context.Context, a *Adjustment) error

	// SoftDeleteSegment marks a segment disputed/removed. The segment
	// disappears from every other query.
	SoftDeleteSegment(ctx context.Context, id SegmentID, at time.Time) error

	// SegmentsByWorkLog includes soft-deleted segments so callers can
	// distinguish "all settled" from "nothing left".
	SegmentsByWorkLog(ctx context.Context, id WorkLogID) ([]TimeSegment, error)
	AdjustmentsByWorkLog(ctx context.Context, id WorkLogID) ([]Adjustment, error)

	// RemittanceStatusesForSegment returns the status of every remittance
	// that holds a line for the segment, oldest first. Feeds the
	// reconciliation predicate and the REMITTED/UNREMITTED read filter.
	RemittanceStatusesForSegment(ctx context.Context, id SegmentID) ([]RemittanceStatus, error)
}

// =============================================================================
// COMPOSED INTERFACES
// =============================================================================

// Store is the full persistence surface.
type Store interface {
	LedgerStore
	RunStore
	WorkStore
}

// TxStore adds transactional composition. The orchestrator wraps each
// worker's remittance + lines + ApplyRemittance in one WithTx call.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// RunLocker serializes whole settlement runs. Acquire is non-blocking:
// contention returns ErrRunInProgress and the caller re-invokes later.
type RunLocker interface {
	AcquireRunLock(ctx context.Context) (release func(), err error)
}
