package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/money"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var segSeq int

func seedSegment(t *testing.T, store *sqlite.Store, workerID settlement.WorkerID, date string) settlement.TimeSegment {
	t.Helper()
	ctx := context.Background()
	segSeq++

	wlID := settlement.WorkLogID(fmt.Sprintf("wl-%s", workerID))
	if _, err := store.GetWorkLog(ctx, wlID); err != nil {
		require.NoError(t, store.CreateWorkLog(ctx, &settlement.WorkLog{
			ID:        wlID,
			WorkerID:  workerID,
			CreatedAt: time.Now().UTC(),
		}))
	}

	d, err := settlement.ParseDate(date)
	require.NoError(t, err)
	seg := settlement.TimeSegment{
		ID:          settlement.SegmentID(fmt.Sprintf("seg-%d", segSeq)),
		WorkLogID:   wlID,
		HoursWorked: decimal.RequireFromString("8"),
		HourlyRate:  decimal.RequireFromString("25.00"),
		Date:        d,
		State:       settlement.StateUnsettled,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateSegment(ctx, &seg))
	seg.WorkerID = workerID
	return seg
}

func mustPeriod(t *testing.T, start, end string) settlement.Period {
	t.Helper()
	s, err := settlement.ParseDate(start)
	require.NoError(t, err)
	e, err := settlement.ParseDate(end)
	require.NoError(t, err)
	return settlement.Period{Start: s, End: e}
}

func runMarch(t *testing.T, store *sqlite.Store) *settlement.Summary {
	t.Helper()
	summary, err := settlement.NewOrchestrator(store).Run(context.Background(), mustPeriod(t, "2025-03-01", "2025-03-31"))
	require.NoError(t, err)
	return summary
}

// =============================================================================
// PERSISTENCE ROUND-TRIPS
// =============================================================================

func TestSQLite_SegmentRoundTrip(t *testing.T) {
	// GIVEN: A recorded segment
	// WHEN: Reading unsettled work for the period
	// THEN: Values survive storage exactly and WorkerID is populated

	store := newTestStore(t)
	seg := seedSegment(t, store, "w-1", "2025-03-10")

	got, err := store.FindUnsettledSegments(context.Background(), mustPeriod(t, "2025-03-01", "2025-03-31"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, seg.ID, got[0].ID)
	assert.Equal(t, settlement.WorkerID("w-1"), got[0].WorkerID)
	assert.True(t, got[0].HoursWorked.Equal(decimal.RequireFromString("8")))
	assert.True(t, got[0].HourlyRate.Equal(decimal.RequireFromString("25.00")))
	assert.Equal(t, "2025-03-10", got[0].Date.String())
}

func TestSQLite_AdjustmentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSegment(t, store, "w-1", "2025-03-10")

	d, _ := settlement.ParseDate("2024-12-01")
	adj := settlement.Adjustment{
		ID:            "adj-1",
		WorkLogID:     "wl-w-1",
		Type:          settlement.AdjustmentDeduction,
		Amount:        money.MustParse("50.00"),
		Reason:        "equipment",
		EffectiveDate: d,
		State:         settlement.StateUnsettled,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateAdjustment(ctx, &adj))

	// Effective date is in the past; the adjustment is offered anyway.
	got, err := store.FindUnsettledAdjustments(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, settlement.WorkerID("w-1"), got[0].WorkerID)
	assert.Equal(t, "50.00", got[0].Amount.String())
}

func TestSQLite_PeriodBoundariesInclusive(t *testing.T) {
	store := newTestStore(t)
	seedSegment(t, store, "w-1", "2025-02-28")
	first := seedSegment(t, store, "w-1", "2025-03-01")
	last := seedSegment(t, store, "w-1", "2025-03-31")
	seedSegment(t, store, "w-1", "2025-04-01")

	got, err := store.FindUnsettledSegments(context.Background(), mustPeriod(t, "2025-03-01", "2025-03-31"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, last.ID, got[1].ID)
}

func TestSQLite_SoftDeleteHidesFromEngineNotFromReads(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seg := seedSegment(t, store, "w-1", "2025-03-10")

	require.NoError(t, store.SoftDeleteSegment(ctx, seg.ID, time.Now().UTC()))

	unsettled, err := store.FindUnsettledSegments(ctx, mustPeriod(t, "2025-03-01", "2025-03-31"))
	require.NoError(t, err)
	assert.Empty(t, unsettled)

	all, err := store.SegmentsByWorkLog(ctx, seg.WorkLogID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].DeletedAt)

	err = store.SoftDeleteSegment(ctx, "seg-missing", time.Now().UTC())
	assert.ErrorIs(t, err, settlement.ErrSegmentNotFound)
}

// =============================================================================
// FULL RUN AGAINST SQLITE
// =============================================================================

func TestSQLite_SettlementRunEndToEnd(t *testing.T) {
	// GIVEN: Two workers with unsettled March work
	// WHEN: Running a settlement, twice
	// THEN: First run pays both, second run finds nothing

	store := newTestStore(t)
	ctx := context.Background()
	seedSegment(t, store, "w-1", "2025-03-10")
	seedSegment(t, store, "w-2", "2025-03-11")

	summary := runMarch(t, store)
	assert.Equal(t, settlement.RunCompleted, summary.Status)
	assert.Equal(t, 2, summary.RemittancesCreated)
	assert.Equal(t, "400.00", summary.TotalGross.String())

	remits, err := store.ListRemittancesBySettlement(ctx, summary.SettlementID)
	require.NoError(t, err)
	require.Len(t, remits, 2)
	lines, err := store.ListRemittanceLines(ctx, remits[0].ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	again := runMarch(t, store)
	assert.Equal(t, 0, again.RemittancesCreated)
}

func TestSQLite_FailedRemittanceStrandsAndReoffers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seg := seedSegment(t, store, "w-1", "2025-03-10")

	summary := runMarch(t, store)
	remits, err := store.ListRemittancesByWorker(ctx, "w-1")
	require.NoError(t, err)
	require.Len(t, remits, 1)

	require.NoError(t, store.UpdateRemittanceStatus(ctx, remits[0].ID, settlement.RemittanceFailed, nil))

	stranded, err := store.FindStrandedSegments(ctx)
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, seg.ID, stranded[0].ID)

	rerun := runMarch(t, store)
	assert.Equal(t, 1, rerun.RemittancesCreated)
	assert.NotEqual(t, summary.SettlementID, rerun.SettlementID)

	stranded, err = store.FindStrandedSegments(ctx)
	require.NoError(t, err)
	assert.Empty(t, stranded)
}

func TestSQLite_PaidSegmentStaysPaid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seg := seedSegment(t, store, "w-1", "2025-03-10")

	runMarch(t, store)
	remits, err := store.ListRemittancesByWorker(ctx, "w-1")
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.UpdateRemittanceStatus(ctx, remits[0].ID, settlement.RemittancePaid, &now))

	for i := 0; i < 3; i++ {
		runMarch(t, store)
	}

	statuses, err := store.RemittanceStatusesForSegment(ctx, seg.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, settlement.RemittancePaid, statuses[0])
}

// =============================================================================
// CONCURRENCY GUARDS
// =============================================================================

func TestSQLite_ClaimGuardRejectsDoubleClaim(t *testing.T) {
	// GIVEN: A segment already claimed by a pending remittance
	// WHEN: Another remittance tries to claim it
	// THEN: The conditional update reports a claim conflict

	store := newTestStore(t)
	ctx := context.Background()
	seg := seedSegment(t, store, "w-1", "2025-03-10")

	runMarch(t, store)

	err := store.ApplyRemittance(ctx, []settlement.Entry{settlement.SegmentEntry(seg)}, "rmt-intruder")
	require.Error(t, err)
	assert.ErrorIs(t, err, settlement.ErrConcurrentClaim)

	var conflict *settlement.ClaimConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestSQLite_RunLockContention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	release, err := store.AcquireRunLock(ctx)
	require.NoError(t, err)

	_, err = store.AcquireRunLock(ctx)
	assert.ErrorIs(t, err, settlement.ErrRunInProgress)

	release()
	release() // idempotent

	release2, err := store.AcquireRunLock(ctx)
	require.NoError(t, err)
	release2()
}

func TestSQLite_WithTxRollsBackRemittanceAndClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seg := seedSegment(t, store, "w-1", "2025-03-10")

	run := settlement.Settlement{
		ID:          "stl-1",
		PeriodStart: mustPeriod(t, "2025-03-01", "2025-03-31").Start,
		PeriodEnd:   mustPeriod(t, "2025-03-01", "2025-03-31").End,
		Status:      settlement.RunRunning,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateSettlement(ctx, &run))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx settlement.Store) error {
		remit := settlement.Remittance{
			ID:           "rmt-1",
			SettlementID: run.ID,
			WorkerID:     "w-1",
			Gross:        money.MustParse("200.00"),
			Net:          money.MustParse("200.00"),
			Adjustments:  money.MustParse("0.00"),
			Status:       settlement.RemittancePending,
			CreatedAt:    time.Now().UTC(),
		}
		lines := []settlement.RemittanceLine{{
			ID:           "rml-1",
			RemittanceID: remit.ID,
			SegmentID:    &seg.ID,
			Amount:       money.MustParse("200.00"),
			CreatedAt:    time.Now().UTC(),
		}}
		if err := tx.CreateRemittance(ctx, &remit, lines); err != nil {
			return err
		}
		if err := tx.ApplyRemittance(ctx, []settlement.Entry{settlement.SegmentEntry(seg)}, remit.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetRemittance(ctx, "rmt-1")
	assert.ErrorIs(t, err, settlement.ErrRemittanceNotFound)

	unsettled, err := store.FindUnsettledSegments(ctx, mustPeriod(t, "2025-03-01", "2025-03-31"))
	require.NoError(t, err)
	assert.Len(t, unsettled, 1)
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

func TestSQLite_RemittanceStatusIsTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSegment(t, store, "w-1", "2025-03-10")
	runMarch(t, store)

	remits, err := store.ListRemittancesByWorker(ctx, "w-1")
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.UpdateRemittanceStatus(ctx, remits[0].ID, settlement.RemittancePaid, &now))

	err = store.UpdateRemittanceStatus(ctx, remits[0].ID, settlement.RemittanceFailed, nil)
	assert.ErrorIs(t, err, settlement.ErrInvalidStatusTransition)

	err = store.UpdateRemittanceStatus(ctx, "rmt-missing", settlement.RemittancePaid, &now)
	assert.ErrorIs(t, err, settlement.ErrRemittanceNotFound)

	got, err := store.GetRemittance(ctx, remits[0].ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.RemittancePaid, got.Status)
	assert.NotNil(t, got.PaidAt)
}

func TestSQLite_Reset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedSegment(t, store, "w-1", "2025-03-10")
	runMarch(t, store)

	require.NoError(t, store.Reset(ctx))

	logs, err := store.ListWorkLogs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, logs)
	runs, err := store.ListSettlements(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// =============================================================================
// RUN FINALIZATION UNDER CANCELLATION
// =============================================================================

// cancelAfterCreateStore cancels the run's context as soon as the
// Settlement row exists, so the rest of the run sees a dead context.
type cancelAfterCreateStore struct {
	*sqlite.Store
	cancel context.CancelFunc
}

func (s *cancelAfterCreateStore) CreateSettlement(ctx context.Context, run *settlement.Settlement) error {
	if err := s.Store.CreateSettlement(ctx, run); err != nil {
		return err
	}
	s.cancel()
	return nil
}

func TestSQLite_CancelledRunStillClosesFailed(t *testing.T) {
	// GIVEN: A run whose context dies right after the RUNNING row lands
	// WHEN: The run aborts
	// THEN: The Settlement row still reaches FAILED with finished_at set

	store := newTestStore(t)
	seedSegment(t, store, "w-1", "2025-03-10")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch := settlement.NewOrchestrator(&cancelAfterCreateStore{Store: store, cancel: cancel})

	_, err := orch.Run(ctx, mustPeriod(t, "2025-03-01", "2025-03-31"))
	require.Error(t, err)

	runs, err := store.ListSettlements(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, settlement.RunFailed, runs[0].Status)
	assert.NotNil(t, runs[0].FinishedAt)
}

// =============================================================================
// TRANSACTION SURFACE
// =============================================================================

func TestSQLite_WithTxWritesGoThroughTheTransaction(t *testing.T) {
	// GIVEN: Ledger writes issued inside WithTx
	// WHEN: fn fails after the writes
	// THEN: They return (no self-deadlock) and roll back with the tx

	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx settlement.Store) error {
		if err := tx.CreateWorkLog(ctx, &settlement.WorkLog{
			ID: "wl-tx", WorkerID: "w-9", CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		d, _ := settlement.ParseDate("2025-03-10")
		if err := tx.CreateSegment(ctx, &settlement.TimeSegment{
			ID:          "seg-tx",
			WorkLogID:   "wl-tx",
			HoursWorked: decimal.RequireFromString("8"),
			HourlyRate:  decimal.RequireFromString("25.00"),
			Date:        d,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetWorkLog(ctx, "wl-tx")
	assert.ErrorIs(t, err, settlement.ErrWorkLogNotFound)

	// And they commit when fn succeeds.
	require.NoError(t, store.WithTx(ctx, func(tx settlement.Store) error {
		return tx.CreateWorkLog(ctx, &settlement.WorkLog{
			ID: "wl-tx2", WorkerID: "w-9", CreatedAt: time.Now().UTC(),
		})
	}))
	_, err = store.GetWorkLog(ctx, "wl-tx2")
	require.NoError(t, err)
}

// =============================================================================
// SETTLED HISTORY IS IMMUTABLE
// =============================================================================

func TestSQLite_PaidSegmentCannotBeSoftDeleted(t *testing.T) {
	// GIVEN: A segment whose remittance the rail reported PAID
	// WHEN: Trying to dispute it
	// THEN: The delete is refused and the row stays visible

	store := newTestStore(t)
	ctx := context.Background()
	seg := seedSegment(t, store, "w-1", "2025-03-10")
	runMarch(t, store)

	remits, err := store.ListRemittancesByWorker(ctx, "w-1")
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.UpdateRemittanceStatus(ctx, remits[0].ID, settlement.RemittancePaid, &now))

	err = store.SoftDeleteSegment(ctx, seg.ID, now)
	assert.ErrorIs(t, err, settlement.ErrSegmentPaid)

	all, err := store.SegmentsByWorkLog(ctx, seg.WorkLogID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Nil(t, all[0].DeletedAt)
}

func TestSQLite_FailedPayoutSegmentStillDeletable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seg := seedSegment(t, store, "w-1", "2025-03-10")
	runMarch(t, store)

	remits, err := store.ListRemittancesByWorker(ctx, "w-1")
	require.NoError(t, err)
	require.NoError(t, store.UpdateRemittanceStatus(ctx, remits[0].ID, settlement.RemittanceFailed, nil))

	require.NoError(t, store.SoftDeleteSegment(ctx, seg.ID, time.Now().UTC()))
}
