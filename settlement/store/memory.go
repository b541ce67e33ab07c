/*
Package store provides an in-memory Store implementation.

PURPOSE:
  Backs engine tests and dev mode with a full settlement.TxStore that
  needs no database. Semantics mirror store/sqlite exactly: the same
  claim guard, the same stranded-entry predicate (via the reconcile
  policy), the same status-transition rules.

TRANSACTIONS:
  WithTx snapshots all tables up front and restores them if fn returns an
  error - all-or-nothing, like a rolled-back database transaction.

CONCURRENCY:
  A single mutex guards all state. The run lock is a separate flag so
  lock contention is observable without blocking.

SEE ALSO:
  - store/sqlite/sqlite.go: The persistent twin
  - settlement/store.go: Interface contracts
*/
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.Mutex

	worklogs    map[settlement.WorkLogID]settlement.WorkLog
	segments    map[settlement.SegmentID]settlement.TimeSegment
	adjustments map[settlement.AdjustmentID]settlement.Adjustment
	settlements map[settlement.SettlementID]settlement.Settlement
	remittances map[settlement.RemittanceID]settlement.Remittance
	lines       []settlement.RemittanceLine

	runLockHeld bool
}

var _ settlement.TxStore = (*Memory)(nil)
var _ settlement.RunLocker = (*Memory)(nil)

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.worklogs = make(map[settlement.WorkLogID]settlement.WorkLog)
	m.segments = make(map[settlement.SegmentID]settlement.TimeSegment)
	m.adjustments = make(map[settlement.AdjustmentID]settlement.Adjustment)
	m.settlements = make(map[settlement.SettlementID]settlement.Settlement)
	m.remittances = make(map[settlement.RemittanceID]settlement.Remittance)
	m.lines = nil
	m.runLockHeld = false
	return nil
}

func NewMemory() *Memory {
	return &Memory{
		worklogs:    make(map[settlement.WorkLogID]settlement.WorkLog),
		segments:    make(map[settlement.SegmentID]settlement.TimeSegment),
		adjustments: make(map[settlement.AdjustmentID]settlement.Adjustment),
		settlements: make(map[settlement.SettlementID]settlement.Settlement),
		remittances: make(map[settlement.RemittanceID]settlement.Remittance),
	}
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Memory) FindUnsettledSegments(_ context.Context, p settlement.Period) ([]settlement.TimeSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []settlement.TimeSegment
	for _, s := range m.segments {
		if s.Deleted() || s.State != settlement.StateUnsettled {
			continue
		}
		if p.Contains(s.Date) {
			out = append(out, s)
		}
	}
	sortSegments(out)
	return out, nil
}

func (m *Memory) FindStrandedSegments(_ context.Context) ([]settlement.TimeSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []settlement.TimeSegment
	for _, s := range m.segments {
		if s.Deleted() || s.State != settlement.StateRemitted {
			continue
		}
		if settlement.EntryStranded(m.segmentHistoryLocked(s.ID, "")) {
			out = append(out, s)
		}
	}
	sortSegments(out)
	return out, nil
}

func (m *Memory) FindUnsettledAdjustments(_ context.Context) ([]settlement.Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []settlement.Adjustment
	for _, a := range m.adjustments {
		if a.State == settlement.StateUnsettled {
			out = append(out, a)
		}
	}
	sortAdjustments(out)
	return out, nil
}

func (m *Memory) FindStrandedAdjustments(_ context.Context) ([]settlement.Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []settlement.Adjustment
	for _, a := range m.adjustments {
		if a.State != settlement.StateRemitted {
			continue
		}
		if settlement.EntryStranded(m.adjustmentHistoryLocked(a.ID, "")) {
			out = append(out, a)
		}
	}
	sortAdjustments(out)
	return out, nil
}

func (m *Memory) ApplyRemittance(_ context.Context, entries []settlement.Entry, id settlement.RemittanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyRemittanceLocked(entries, id)
}

func (m *Memory) applyRemittanceLocked(entries []settlement.Entry, id settlement.RemittanceID) error {
	// Validate every claim before flipping anything so a conflict leaves
	// the batch untouched.
	for _, e := range entries {
		if e.IsSegment() {
			s, ok := m.segments[e.Segment.ID]
			if !ok || s.Deleted() {
				return fmt.Errorf("apply remittance %s: unknown segment %s", id, e.Segment.ID)
			}
			if !m.segmentClaimableLocked(s, id) {
				return &settlement.ClaimConflictError{WorkerID: s.WorkerID, SegmentID: s.ID}
			}
		} else {
			a, ok := m.adjustments[e.Adjustment.ID]
			if !ok {
				return fmt.Errorf("apply remittance %s: unknown adjustment %s", id, e.Adjustment.ID)
			}
			if !m.adjustmentClaimableLocked(a, id) {
				return &settlement.ClaimConflictError{WorkerID: a.WorkerID, AdjustmentID: a.ID}
			}
		}
	}

	for _, e := range entries {
		if e.IsSegment() {
			s := m.segments[e.Segment.ID]
			s.State = settlement.StateRemitted
			s.RemittanceID = id
			m.segments[s.ID] = s
		} else {
			a := m.adjustments[e.Adjustment.ID]
			a.State = settlement.StateRemitted
			a.RemittanceID = id
			m.adjustments[a.ID] = a
		}
	}
	return nil
}

// segmentClaimableLocked applies the canonical eligibility rule at claim
// time: never claimed, or every prior remittance failed/cancelled. Lines
// belonging to the remittance being applied (written moments earlier in
// the same transaction) are not "prior" and are excluded.
func (m *Memory) segmentClaimableLocked(s settlement.TimeSegment, claiming settlement.RemittanceID) bool {
	if s.State == settlement.StateUnsettled {
		return true
	}
	return settlement.EntryEligible(m.segmentHistoryLocked(s.ID, claiming))
}

func (m *Memory) adjustmentClaimableLocked(a settlement.Adjustment, claiming settlement.RemittanceID) bool {
	if a.State == settlement.StateUnsettled {
		return true
	}
	return settlement.EntryEligible(m.adjustmentHistoryLocked(a.ID, claiming))
}

func (m *Memory) segmentHistoryLocked(id settlement.SegmentID, exclude settlement.RemittanceID) []settlement.RemittanceStatus {
	var history []settlement.RemittanceStatus
	for _, line := range m.linesOrderedLocked() {
		if line.RemittanceID == exclude {
			continue
		}
		if line.SegmentID != nil && *line.SegmentID == id {
			history = append(history, m.remittances[line.RemittanceID].Status)
		}
	}
	return history
}

func (m *Memory) adjustmentHistoryLocked(id settlement.AdjustmentID, exclude settlement.RemittanceID) []settlement.RemittanceStatus {
	var history []settlement.RemittanceStatus
	for _, line := range m.linesOrderedLocked() {
		if line.RemittanceID == exclude {
			continue
		}
		if line.AdjustmentID != nil && *line.AdjustmentID == id {
			history = append(history, m.remittances[line.RemittanceID].Status)
		}
	}
	return history
}

func (m *Memory) linesOrderedLocked() []settlement.RemittanceLine {
	out := make([]settlement.RemittanceLine, len(m.lines))
	copy(out, m.lines)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// =============================================================================
// RUN STORE
// =============================================================================

func (m *Memory) CreateSettlement(_ context.Context, s *settlement.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[s.ID] = *s
	return nil
}

func (m *Memory) FinishSettlement(_ context.Context, s *settlement.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settlements[s.ID]; !ok {
		return settlement.ErrSettlementNotFound
	}
	m.settlements[s.ID] = *s
	return nil
}

func (m *Memory) GetSettlement(_ context.Context, id settlement.SettlementID) (*settlement.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settlements[id]
	if !ok {
		return nil, settlement.ErrSettlementNotFound
	}
	return &s, nil
}

func (m *Memory) ListSettlements(_ context.Context) ([]settlement.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]settlement.Settlement, 0, len(m.settlements))
	for _, s := range m.settlements {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) CreateRemittance(_ context.Context, r *settlement.Remittance, lines []settlement.RemittanceLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRemittanceLocked(r, lines)
}

func (m *Memory) createRemittanceLocked(r *settlement.Remittance, lines []settlement.RemittanceLine) error {
	m.remittances[r.ID] = *r
	m.lines = append(m.lines, lines...)
	return nil
}

func (m *Memory) GetRemittance(_ context.Context, id settlement.RemittanceID) (*settlement.Remittance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.remittances[id]
	if !ok {
		return nil, settlement.ErrRemittanceNotFound
	}
	return &r, nil
}

func (m *Memory) ListRemittanceLines(_ context.Context, id settlement.RemittanceID) ([]settlement.RemittanceLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []settlement.RemittanceLine
	for _, line := range m.linesOrderedLocked() {
		if line.RemittanceID == id {
			out = append(out, line)
		}
	}
	return out, nil
}

func (m *Memory) ListRemittancesByWorker(_ context.Context, workerID settlement.WorkerID) ([]settlement.Remittance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []settlement.Remittance
	for _, r := range m.remittances {
		if r.WorkerID == workerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListRemittancesBySettlement(_ context.Context, id settlement.SettlementID) ([]settlement.Remittance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []settlement.Remittance
	for _, r := range m.remittances {
		if r.SettlementID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateRemittanceStatus(_ context.Context, id settlement.RemittanceID, status settlement.RemittanceStatus, paidAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.remittances[id]
	if !ok {
		return settlement.ErrRemittanceNotFound
	}
	if r.Status.Terminal() {
		return &settlement.StatusTransitionError{RemittanceID: id, From: r.Status, To: status}
	}
	r.Status = status
	r.PaidAt = paidAt
	m.remittances[id] = r
	return nil
}

// =============================================================================
// WORK STORE
// =============================================================================

func (m *Memory) CreateWorkLog(_ context.Context, w *settlement.WorkLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worklogs[w.ID] = *w
	return nil
}

func (m *Memory) GetWorkLog(_ context.Context, id settlement.WorkLogID) (*settlement.WorkLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.worklogs[id]
	if !ok {
		return nil, fmt.Errorf("work log %s: %w", id, settlement.ErrWorkLogNotFound)
	}
	return &w, nil
}

func (m *Memory) ListWorkLogs(_ context.Context, workerID settlement.WorkerID) ([]settlement.WorkLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []settlement.WorkLog
	for _, w := range m.worklogs {
		if workerID == "" || w.WorkerID == workerID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateSegment(_ context.Context, s *settlement.TimeSegment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.WorkerID == "" {
		if w, ok := m.worklogs[s.WorkLogID]; ok {
			s.WorkerID = w.WorkerID
		}
	}
	if s.State == "" {
		s.State = settlement.StateUnsettled
	}
	m.segments[s.ID] = *s
	return nil
}

func (m *Memory) CreateAdjustment(_ context.Context, a *settlement.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.WorkerID == "" {
		if w, ok := m.worklogs[a.WorkLogID]; ok {
			a.WorkerID = w.WorkerID
		}
	}
	if a.State == "" {
		a.State = settlement.StateUnsettled
	}
	m.adjustments[a.ID] = *a
	return nil
}

// SoftDeleteSegment marks a segment disputed. Segments covered by a
// PAID remittance are settled history and refuse the delete.
func (m *Memory) SoftDeleteSegment(_ context.Context, id settlement.SegmentID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.segments[id]
	if !ok {
		return fmt.Errorf("segment %s: %w", id, settlement.ErrSegmentNotFound)
	}
	for _, status := range m.segmentHistoryLocked(id, "") {
		if status == settlement.RemittancePaid {
			return fmt.Errorf("segment %s: %w", id, settlement.ErrSegmentPaid)
		}
	}
	s.DeletedAt = &at
	m.segments[id] = s
	return nil
}

func (m *Memory) SegmentsByWorkLog(_ context.Context, id settlement.WorkLogID) ([]settlement.TimeSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []settlement.TimeSegment
	for _, s := range m.segments {
		if s.WorkLogID == id {
			out = append(out, s)
		}
	}
	sortSegments(out)
	return out, nil
}

func (m *Memory) AdjustmentsByWorkLog(_ context.Context, id settlement.WorkLogID) ([]settlement.Adjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []settlement.Adjustment
	for _, a := range m.adjustments {
		if a.WorkLogID == id {
			out = append(out, a)
		}
	}
	sortAdjustments(out)
	return out, nil
}

func (m *Memory) RemittanceStatusesForSegment(_ context.Context, id settlement.SegmentID) ([]settlement.RemittanceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segmentHistoryLocked(id, ""), nil
}

// =============================================================================
// TRANSACTIONS - snapshot and restore
// =============================================================================

// WithTx executes fn against a view of this store; on error every table is
// restored from a snapshot taken up front.
func (m *Memory) WithTx(ctx context.Context, fn func(settlement.Store) error) error {
	m.mu.Lock()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	if err := fn(&txView{parent: m}); err != nil {
		m.mu.Lock()
		m.restoreLocked(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

type memorySnapshot struct {
	worklogs    map[settlement.WorkLogID]settlement.WorkLog
	segments    map[settlement.SegmentID]settlement.TimeSegment
	adjustments map[settlement.AdjustmentID]settlement.Adjustment
	settlements map[settlement.SettlementID]settlement.Settlement
	remittances map[settlement.RemittanceID]settlement.Remittance
	lines       []settlement.RemittanceLine
}

func (m *Memory) snapshotLocked() memorySnapshot {
	snap := memorySnapshot{
		worklogs:    make(map[settlement.WorkLogID]settlement.WorkLog, len(m.worklogs)),
		segments:    make(map[settlement.SegmentID]settlement.TimeSegment, len(m.segments)),
		adjustments: make(map[settlement.AdjustmentID]settlement.Adjustment, len(m.adjustments)),
		settlements: make(map[settlement.SettlementID]settlement.Settlement, len(m.settlements)),
		remittances: make(map[settlement.RemittanceID]settlement.Remittance, len(m.remittances)),
		lines:       make([]settlement.RemittanceLine, len(m.lines)),
	}
	for k, v := range m.worklogs {
		snap.worklogs[k] = v
	}
	for k, v := range m.segments {
		snap.segments[k] = v
	}
	for k, v := range m.adjustments {
		snap.adjustments[k] = v
	}
	for k, v := range m.settlements {
		snap.settlements[k] = v
	}
	for k, v := range m.remittances {
		snap.remittances[k] = v
	}
	copy(snap.lines, m.lines)
	return snap
}

func (m *Memory) restoreLocked(snap memorySnapshot) {
	m.worklogs = snap.worklogs
	m.segments = snap.segments
	m.adjustments = snap.adjustments
	m.settlements = snap.settlements
	m.remittances = snap.remittances
	m.lines = snap.lines
}

// txView delegates every operation straight to the parent; atomicity
// comes from the snapshot in WithTx.
type txView struct {
	parent *Memory
}

var _ settlement.Store = (*txView)(nil)

func (v *txView) FindUnsettledSegments(ctx context.Context, p settlement.Period) ([]settlement.TimeSegment, error) {
	return v.parent.FindUnsettledSegments(ctx, p)
}
func (v *txView) FindStrandedSegments(ctx context.Context) ([]settlement.TimeSegment, error) {
	return v.parent.FindStrandedSegments(ctx)
}
func (v *txView) FindUnsettledAdjustments(ctx context.Context) ([]settlement.Adjustment, error) {
	return v.parent.FindUnsettledAdjustments(ctx)
}
func (v *txView) FindStrandedAdjustments(ctx context.Context) ([]settlement.Adjustment, error) {
	return v.parent.FindStrandedAdjustments(ctx)
}
func (v *txView) ApplyRemittance(ctx context.Context, entries []settlement.Entry, id settlement.RemittanceID) error {
	return v.parent.ApplyRemittance(ctx, entries, id)
}
func (v *txView) CreateSettlement(ctx context.Context, s *settlement.Settlement) error {
	return v.parent.CreateSettlement(ctx, s)
}
func (v *txView) FinishSettlement(ctx context.Context, s *settlement.Settlement) error {
	return v.parent.FinishSettlement(ctx, s)
}
func (v *txView) GetSettlement(ctx context.Context, id settlement.SettlementID) (*settlement.Settlement, error) {
	return v.parent.GetSettlement(ctx, id)
}
func (v *txView) ListSettlements(ctx context.Context) ([]settlement.Settlement, error) {
	return v.parent.ListSettlements(ctx)
}
func (v *txView) CreateRemittance(ctx context.Context, r *settlement.Remittance, lines []settlement.RemittanceLine) error {
	return v.parent.CreateRemittance(ctx, r, lines)
}
func (v *txView) GetRemittance(ctx context.Context, id settlement.RemittanceID) (*settlement.Remittance, error) {
	return v.parent.GetRemittance(ctx, id)
}
func (v *txView) ListRemittanceLines(ctx context.Context, id settlement.RemittanceID) ([]settlement.RemittanceLine, error) {
	return v.parent.ListRemittanceLines(ctx, id)
}
func (v *txView) ListRemittancesByWorker(ctx context.Context, workerID settlement.WorkerID) ([]settlement.Remittance, error) {
	return v.parent.ListRemittancesByWorker(ctx, workerID)
}
func (v *txView) ListRemittancesBySettlement(ctx context.Context, id settlement.SettlementID) ([]settlement.Remittance, error) {
	return v.parent.ListRemittancesBySettlement(ctx, id)
}
func (v *txView) UpdateRemittanceStatus(ctx context.Context, id settlement.RemittanceID, status settlement.RemittanceStatus, paidAt *time.Time) error {
	return v.parent.UpdateRemittanceStatus(ctx, id, status, paidAt)
}
func (v *txView) CreateWorkLog(ctx context.Context, w *settlement.WorkLog) error {
	return v.parent.CreateWorkLog(ctx, w)
}
func (v *txView) GetWorkLog(ctx context.Context, id settlement.WorkLogID) (*settlement.WorkLog, error) {
	return v.parent.GetWorkLog(ctx, id)
}
func (v *txView) ListWorkLogs(ctx context.Context, workerID settlement.WorkerID) ([]settlement.WorkLog, error) {
	return v.parent.ListWorkLogs(ctx, workerID)
}
func (v *txView) CreateSegment(ctx context.Context, s *settlement.TimeSegment) error {
	return v.parent.CreateSegment(ctx, s)
}
func (v *txView) CreateAdjustment(ctx context.Context, a *settlement.Adjustment) error {
	return v.parent.CreateAdjustment(ctx, a)
}
func (v *txView) SoftDeleteSegment(ctx context.Context, id settlement.SegmentID, at time.Time) error {
	return v.parent.SoftDeleteSegment(ctx, id, at)
}
func (v *txView) SegmentsByWorkLog(ctx context.Context, id settlement.WorkLogID) ([]settlement.TimeSegment, error) {
	return v.parent.SegmentsByWorkLog(ctx, id)
}
func (v *txView) AdjustmentsByWorkLog(ctx context.Context, id settlement.WorkLogID) ([]settlement.Adjustment, error) {
	return v.parent.AdjustmentsByWorkLog(ctx, id)
}
func (v *txView) RemittanceStatusesForSegment(ctx context.Context, id settlement.SegmentID) ([]settlement.RemittanceStatus, error) {
	return v.parent.RemittanceStatusesForSegment(ctx, id)
}

// =============================================================================
// RUN LOCK
// =============================================================================

// AcquireRunLock is non-blocking: a held lock returns ErrRunInProgress.
func (m *Memory) AcquireRunLock(_ context.Context) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runLockHeld {
		return nil, settlement.ErrRunInProgress
	}
	m.runLockHeld = true

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.runLockHeld = false
			m.mu.Unlock()
		})
	}, nil
}

// =============================================================================
// SORT HELPERS
// =============================================================================

func sortSegments(segments []settlement.TimeSegment) {
	sort.SliceStable(segments, func(i, j int) bool {
		if !segments[i].Date.Equal(segments[j].Date) {
			return segments[i].Date.Before(segments[j].Date)
		}
		return segments[i].CreatedAt.Before(segments[j].CreatedAt)
	})
}

func sortAdjustments(adjustments []settlement.Adjustment) {
	sort.SliceStable(adjustments, func(i, j int) bool {
		if !adjustments[i].EffectiveDate.Equal(adjustments[j].EffectiveDate) {
			return adjustments[i].EffectiveDate.Before(adjustments[j].EffectiveDate)
		}
		return adjustments[i].CreatedAt.Before(adjustments[j].CreatedAt)
	})
}
