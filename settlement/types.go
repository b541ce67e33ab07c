/*
Package settlement is the core settlement engine.

PURPOSE:
  Converts recorded work (time segments) and manual corrections
  (adjustments) into periodic payout instructions (remittances). The
  engine guarantees that no entry is paid twice, that failed or cancelled
  payouts are re-offered in later runs, and that every remittance is
  reconstructable from its lines.

KEY CONCEPTS IN THIS FILE (types.go):
  - WorkLog:        Container of work for one worker against one task
  - TimeSegment:    A recorded span of billable work (rate snapshot)
  - Adjustment:     A manual correction (addition or deduction)
  - Settlement:     One run of the engine over a period
  - Remittance:     One payout instruction per worker per run
  - RemittanceLine: Audit line tying one entry to one remittance
  - Entry:          A segment OR an adjustment, as seen by the resolver

DESIGN PRINCIPLES:
  1. Rate snapshot: a segment captures hourly_rate at recording time;
     later task rate changes never alter recorded segments.
  2. No live object graph: entities reference each other by ID and are
     loaded on demand through the store.
  3. Exact money: all amounts are money.Money - no floats anywhere.
  4. Append-style history: an entry keeps its remittance_id as an audit
     pointer even after the remittance fails; re-eligibility is decided
     from remittance status history, never by erasing history.

SEE ALSO:
  - store.go: Persistence interfaces
  - eligibility.go: Which entries are payable now
  - orchestrator.go: The run state machine
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/money"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WorkerID string
type WorkLogID string
type SegmentID string
type AdjustmentID string
type SettlementID string
type RemittanceID string

// =============================================================================
// WORK LEDGER ENTITIES
// =============================================================================

// WorkLog is a container of work for one worker against one task reference.
// Immutable once created except through its children.
type WorkLog struct {
	ID            WorkLogID
	WorkerID      WorkerID
	TaskReference string
	CreatedAt     time.Time
}

// SettlementState tracks whether an entry has been attached to a remittance.
type SettlementState string

const (
	StateUnsettled SettlementState = "unsettled"
	StateRemitted  SettlementState = "remitted"
)

// TimeSegment is a recorded span of billable work.
//
// Amount = HoursWorked x HourlyRate, computed at settlement time from the
// rate captured at recording time. Mutated only by creation, soft deletion,
// and the orchestrator attaching a RemittanceID. Never mutated once its
// remittance reaches PAID.
type TimeSegment struct {
	ID           SegmentID
	WorkLogID    WorkLogID
	WorkerID     WorkerID // denormalized from the owning work log on load
	HoursWorked  decimal.Decimal
	HourlyRate   decimal.Decimal // snapshot, not a live reference
	Date         Date
	State        SettlementState
	RemittanceID RemittanceID // last remittance that claimed it; historical audit pointer
	DeletedAt    *time.Time   // soft delete (dispute/removal)
	CreatedAt    time.Time
}

// Deleted reports whether the segment was soft-deleted.
func (s TimeSegment) Deleted() bool { return s.DeletedAt != nil }

// AdjustmentType determines the sign an adjustment contributes.
type AdjustmentType string

const (
	AdjustmentAddition  AdjustmentType = "addition"
	AdjustmentDeduction AdjustmentType = "deduction"
)

// Adjustment is a manual correction. Amount is a non-negative magnitude;
// the sign is implied by Type. Adjustments are period-agnostic: a
// correction applies retroactively to any prior period.
type Adjustment struct {
	ID            AdjustmentID
	WorkLogID     WorkLogID
	WorkerID      WorkerID // denormalized from the owning work log on load
	Type          AdjustmentType
	Amount        money.Money
	Reason        string
	EffectiveDate Date
	State         SettlementState
	RemittanceID  RemittanceID
	CreatedAt     time.Time
}

// Signed returns the amount this adjustment contributes to a net total.
func (a Adjustment) Signed() money.Money {
	if a.Type == AdjustmentDeduction {
		return a.Amount.Neg()
	}
	return a.Amount
}

// =============================================================================
// ENTRY - A segment or an adjustment, exactly one
// =============================================================================

// Entry is the resolver's and calculator's unit of work: exactly one of
// Segment or Adjustment is non-nil.
type Entry struct {
	Segment    *TimeSegment
	Adjustment *Adjustment
}

func SegmentEntry(s TimeSegment) Entry     { return Entry{Segment: &s} }
func AdjustmentEntry(a Adjustment) Entry   { return Entry{Adjustment: &a} }
func (e Entry) IsSegment() bool            { return e.Segment != nil }

// WorkerID returns the owning worker.
func (e Entry) WorkerID() WorkerID {
	if e.Segment != nil {
		return e.Segment.WorkerID
	}
	return e.Adjustment.WorkerID
}

// EffectiveDate orders entries within a worker's remittance.
func (e Entry) EffectiveDate() Date {
	if e.Segment != nil {
		return e.Segment.Date
	}
	return e.Adjustment.EffectiveDate
}

// CreatedAt is the tie-break after EffectiveDate.
func (e Entry) CreatedAt() time.Time {
	if e.Segment != nil {
		return e.Segment.CreatedAt
	}
	return e.Adjustment.CreatedAt
}

// =============================================================================
// SETTLEMENT RUN
// =============================================================================

// RunStatus is the lifecycle of a settlement run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Settlement is one execution of the engine over a period. Immutable after
// FinishedAt is set except for the summary fields.
type Settlement struct {
	ID                 SettlementID
	PeriodStart        Date
	PeriodEnd          Date
	StartedAt          time.Time
	FinishedAt         *time.Time
	Status             RunStatus
	RemittancesCreated int
	TotalGross         money.Money
	TotalNet           money.Money
}

// =============================================================================
// REMITTANCE
// =============================================================================

// RemittanceStatus is the payout lifecycle. Transitions beyond PENDING
// happen outside the engine: the external payment rail reports PAID,
// FAILED, or CANCELLED.
type RemittanceStatus string

const (
	RemittancePending   RemittanceStatus = "pending"
	RemittancePaid      RemittanceStatus = "paid"
	RemittanceFailed    RemittanceStatus = "failed"
	RemittanceCancelled RemittanceStatus = "cancelled"
)

// Remittance is one payout instruction per worker per run.
//
// INVARIANT: Net = Gross + Adjustments, and Net equals the sum of this
// remittance's line amounts exactly.
type Remittance struct {
	ID           RemittanceID
	SettlementID SettlementID
	WorkerID     WorkerID
	Gross        money.Money
	Adjustments  money.Money // signed
	Net          money.Money
	Status       RemittanceStatus
	CreatedAt    time.Time
	PaidAt       *time.Time
}

// RemittanceLine ties exactly one TimeSegment OR one Adjustment (never
// both) to a remittance, with the signed amount contributed.
type RemittanceLine struct {
	ID           string
	RemittanceID RemittanceID
	SegmentID    *SegmentID
	AdjustmentID *AdjustmentID
	Amount       money.Money // signed contribution to Net
	CreatedAt    time.Time
}
