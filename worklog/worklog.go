/*
Package worklog is the entry boundary of the work ledger.

PURPOSE:
  Wraps the settlement store with the recording rules: work logs are
  created per worker/task pairing, segments capture a rate snapshot at
  recording time, adjustments carry a non-negative magnitude with the
  sign implied by their type, and disputed segments are soft-deleted
  rather than erased.

WHY A WRAPPER?
  The settlement engine treats the ledger as given: it resolves, sums,
  and claims entries but never judges whether they were recordable. That
  judgement - negative hours, unknown adjustment types, segments against
  missing work logs - lives here, before anything is persisted.

VALIDATION:
  1. RecordSegment: hours > 0, rate >= 0, a real calendar date, and an
     existing work log.
  2. RecordAdjustment: known type, magnitude >= 0 (the type carries the
     sign - a "negative deduction" is rejected, not interpreted).
  3. RemoveSegment: soft delete only; settled history stays auditable.

READ SURFACE:
  View/ListViews return work logs with their segments, adjustments, and a
  computed remittance status: REMITTED when every non-deleted segment is
  covered by a PAID remittance, UNREMITTED otherwise.

SEE ALSO:
  - settlement/types.go: The entities recorded here
  - settlement/eligibility.go: Consumes what this package records
*/
package worklog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/money"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrMissingWorker is returned when a work log names no worker.
	ErrMissingWorker = errors.New("missing worker id")

	// ErrInvalidDate is returned when a segment or adjustment carries no
	// usable calendar date.
	ErrInvalidDate = errors.New("invalid date")

	// ErrUnknownAdjustmentType is returned for adjustment types other
	// than addition and deduction.
	ErrUnknownAdjustmentType = errors.New("unknown adjustment type")
)

// =============================================================================
// SERVICE
// =============================================================================

// Service records work and reads it back. All writes validate before
// touching the store.
type Service struct {
	store settlement.Store

	// Now is swappable for tests. Defaults to time.Now (UTC).
	Now func() time.Time
}

func NewService(store settlement.Store) *Service {
	return &Service{
		store: store,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// WRITES
// =============================================================================

// CreateWorkLog opens a ledger container for one worker against one task.
func (s *Service) CreateWorkLog(ctx context.Context, workerID settlement.WorkerID, taskReference string) (*settlement.WorkLog, error) {
	if workerID == "" {
		return nil, ErrMissingWorker
	}
	w := &settlement.WorkLog{
		ID:            settlement.WorkLogID("wl-" + uuid.NewString()),
		WorkerID:      workerID,
		TaskReference: taskReference,
		CreatedAt:     s.Now(),
	}
	if err := s.store.CreateWorkLog(ctx, w); err != nil {
		return nil, fmt.Errorf("create work log: %w", err)
	}
	return w, nil
}

// RecordSegment records billable work. The hourly rate is snapshotted
// into the segment: later rate changes on the task never reprice it.
func (s *Service) RecordSegment(ctx context.Context, worklogID settlement.WorkLogID, hours, rate decimal.Decimal, date settlement.Date) (*settlement.TimeSegment, error) {
	if date.IsZero() {
		return nil, ErrInvalidDate
	}
	if !hours.IsPositive() {
		return nil, fmt.Errorf("hours %s: %w", hours, money.ErrInvalidAmount)
	}
	if rate.IsNegative() {
		return nil, fmt.Errorf("rate %s: %w", rate, money.ErrInvalidAmount)
	}

	w, err := s.store.GetWorkLog(ctx, worklogID)
	if err != nil {
		return nil, err
	}

	seg := &settlement.TimeSegment{
		ID:          settlement.SegmentID("seg-" + uuid.NewString()),
		WorkLogID:   w.ID,
		WorkerID:    w.WorkerID,
		HoursWorked: hours,
		HourlyRate:  rate,
		Date:        date,
		State:       settlement.StateUnsettled,
		CreatedAt:   s.Now(),
	}
	if err := s.store.CreateSegment(ctx, seg); err != nil {
		return nil, fmt.Errorf("record segment: %w", err)
	}
	return seg, nil
}

// RecordAdjustment records a manual correction with a non-negative
// magnitude. The sign lives in the type: record a deduction, never a
// negative addition.
func (s *Service) RecordAdjustment(ctx context.Context, worklogID settlement.WorkLogID, typ settlement.AdjustmentType, amount money.Money, reason string, effectiveDate settlement.Date) (*settlement.Adjustment, error) {
	if typ != settlement.AdjustmentAddition && typ != settlement.AdjustmentDeduction {
		return nil, fmt.Errorf("type %q: %w", typ, ErrUnknownAdjustmentType)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("magnitude %s: %w", amount, money.ErrInvalidAmount)
	}
	if effectiveDate.IsZero() {
		return nil, ErrInvalidDate
	}

	w, err := s.store.GetWorkLog(ctx, worklogID)
	if err != nil {
		return nil, err
	}

	adj := &settlement.Adjustment{
		ID:            settlement.AdjustmentID("adj-" + uuid.NewString()),
		WorkLogID:     w.ID,
		WorkerID:      w.WorkerID,
		Type:          typ,
		Amount:        amount,
		Reason:        reason,
		EffectiveDate: effectiveDate,
		State:         settlement.StateUnsettled,
		CreatedAt:     s.Now(),
	}
	if err := s.store.CreateAdjustment(ctx, adj); err != nil {
		return nil, fmt.Errorf("record adjustment: %w", err)
	}
	return adj, nil
}

// RemoveSegment soft-deletes a disputed segment. The row and any
// remittance lines pointing at it stay for audit; eligibility simply
// stops seeing it. Segments already settled by a PAID remittance
// refuse the delete (settlement.ErrSegmentPaid).
func (s *Service) RemoveSegment(ctx context.Context, id settlement.SegmentID) error {
	return s.store.SoftDeleteSegment(ctx, id, s.Now())
}

// =============================================================================
// READ SURFACE
// =============================================================================

// PayStatus is the work log's computed payout position.
type PayStatus string

const (
	StatusRemitted   PayStatus = "REMITTED"
	StatusUnremitted PayStatus = "UNREMITTED"
)

// View is a work log with its entries and computed remittance status.
type View struct {
	WorkLog          settlement.WorkLog
	Segments         []settlement.TimeSegment
	Adjustments      []settlement.Adjustment
	RemittanceStatus PayStatus
}

// View loads one work log with its ledger and payout position.
func (s *Service) View(ctx context.Context, id settlement.WorkLogID) (*View, error) {
	w, err := s.store.GetWorkLog(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, *w)
}

// ListViews loads all work logs, or one worker's when workerID is set.
func (s *Service) ListViews(ctx context.Context, workerID settlement.WorkerID) ([]View, error) {
	logs, err := s.store.ListWorkLogs(ctx, workerID)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(logs))
	for _, w := range logs {
		v, err := s.buildView(ctx, w)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

func (s *Service) buildView(ctx context.Context, w settlement.WorkLog) (*View, error) {
	segments, err := s.store.SegmentsByWorkLog(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	adjustments, err := s.store.AdjustmentsByWorkLog(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	status, err := s.remittanceStatus(ctx, segments)
	if err != nil {
		return nil, err
	}
	return &View{
		WorkLog:          w,
		Segments:         segments,
		Adjustments:      adjustments,
		RemittanceStatus: status,
	}, nil
}

// remittanceStatus is REMITTED when every non-deleted segment has a line
// in a PAID remittance. A log with no billable segments left, or any
// segment still unpaid, is UNREMITTED.
func (s *Service) remittanceStatus(ctx context.Context, segments []settlement.TimeSegment) (PayStatus, error) {
	billable := 0
	for _, seg := range segments {
		if seg.Deleted() {
			continue
		}
		billable++

		statuses, err := s.store.RemittanceStatusesForSegment(ctx, seg.ID)
		if err != nil {
			return StatusUnremitted, err
		}
		paid := false
		for _, st := range statuses {
			if st == settlement.RemittancePaid {
				paid = true
				break
			}
		}
		if !paid {
			return StatusUnremitted, nil
		}
	}
	if billable == 0 {
		return StatusUnremitted, nil
	}
	return StatusRemitted, nil
}
