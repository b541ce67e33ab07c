package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/money"
	"github.com/warp/settlement-engine/settlement"
	memstore "github.com/warp/settlement-engine/settlement/store"
)

func seedSegment(t *testing.T, st *memstore.Memory, id, worker, date string) settlement.TimeSegment {
	t.Helper()
	ctx := context.Background()
	wlID := settlement.WorkLogID("wl-" + worker)
	if _, err := st.GetWorkLog(ctx, wlID); err != nil {
		require.NoError(t, st.CreateWorkLog(ctx, &settlement.WorkLog{
			ID: wlID, WorkerID: settlement.WorkerID(worker), CreatedAt: time.Now().UTC(),
		}))
	}
	d, err := settlement.ParseDate(date)
	require.NoError(t, err)
	seg := settlement.TimeSegment{
		ID:          settlement.SegmentID(id),
		WorkLogID:   wlID,
		HoursWorked: decimal.RequireFromString("8"),
		HourlyRate:  decimal.RequireFromString("25.00"),
		Date:        d,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.CreateSegment(ctx, &seg))
	return seg
}

func seedRemittance(t *testing.T, st *memstore.Memory, id string, worker string, segIDs ...settlement.SegmentID) settlement.RemittanceID {
	t.Helper()
	ctx := context.Background()
	rID := settlement.RemittanceID(id)
	r := &settlement.Remittance{
		ID:           rID,
		SettlementID: "stl-1",
		WorkerID:     settlement.WorkerID(worker),
		Gross:        money.MustParse("200.00"),
		Adjustments:  money.Zero(),
		Net:          money.MustParse("200.00"),
		Status:       settlement.RemittancePending,
		CreatedAt:    time.Now().UTC(),
	}
	var lines []settlement.RemittanceLine
	for i, segID := range segIDs {
		sid := segID
		lines = append(lines, settlement.RemittanceLine{
			ID:           string(rID) + "-line-" + string(rune('a'+i)),
			RemittanceID: rID,
			SegmentID:    &sid,
			Amount:       money.MustParse("200.00"),
			CreatedAt:    time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		})
	}
	require.NoError(t, st.CreateRemittance(ctx, r, lines))
	return rID
}

// =============================================================================
// TRANSACTION ROLLBACK
// =============================================================================

func TestWithTx_RollbackRestoresEverything(t *testing.T) {
	// GIVEN: A store with one unsettled segment
	// WHEN: A transaction creates a remittance, claims the segment, then fails
	// THEN: No remittance, no lines, and the segment is back to UNSETTLED

	st := memstore.NewMemory()
	ctx := context.Background()
	seg := seedSegment(t, st, "seg-1", "w-1", "2025-03-03")

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx settlement.Store) error {
		sid := seg.ID
		r := &settlement.Remittance{
			ID: "rmt-1", SettlementID: "stl-1", WorkerID: "w-1",
			Gross: money.MustParse("200.00"), Adjustments: money.Zero(), Net: money.MustParse("200.00"),
			Status: settlement.RemittancePending, CreatedAt: time.Now().UTC(),
		}
		lines := []settlement.RemittanceLine{{
			ID: "rml-1", RemittanceID: "rmt-1", SegmentID: &sid,
			Amount: money.MustParse("200.00"), CreatedAt: time.Now().UTC(),
		}}
		if err := tx.CreateRemittance(ctx, r, lines); err != nil {
			return err
		}
		if err := tx.ApplyRemittance(ctx, []settlement.Entry{settlement.SegmentEntry(seg)}, "rmt-1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.GetRemittance(ctx, "rmt-1")
	require.ErrorIs(t, err, settlement.ErrRemittanceNotFound)

	segs, err := st.FindUnsettledSegments(ctx, mustPeriod(t, "2025-03-01", "2025-03-15"))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, settlement.StateUnsettled, segs[0].State)
}

// =============================================================================
// CLAIM GUARD
// =============================================================================

func TestApplyRemittance_ConflictLeavesBatchUntouched(t *testing.T) {
	// GIVEN: Two segments, one already held by a PENDING remittance
	// WHEN: Applying a remittance over both (held one last)
	// THEN: ErrConcurrentClaim, and the free segment was NOT flipped

	st := memstore.NewMemory()
	ctx := context.Background()
	free := seedSegment(t, st, "seg-free", "w-1", "2025-03-03")
	held := seedSegment(t, st, "seg-held", "w-1", "2025-03-04")

	seedRemittance(t, st, "rmt-prior", "w-1", held.ID)
	require.NoError(t, st.ApplyRemittance(ctx, []settlement.Entry{settlement.SegmentEntry(held)}, "rmt-prior"))

	err := st.ApplyRemittance(ctx, []settlement.Entry{
		settlement.SegmentEntry(free),
		settlement.SegmentEntry(held),
	}, "rmt-new")
	require.ErrorIs(t, err, settlement.ErrConcurrentClaim)

	segs, err := st.FindUnsettledSegments(ctx, mustPeriod(t, "2025-03-01", "2025-03-15"))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, settlement.SegmentID("seg-free"), segs[0].ID)
}

func TestApplyRemittance_ReclaimsStrandedEntry(t *testing.T) {
	// GIVEN: A segment whose only remittance FAILED
	// WHEN: A new remittance (whose own row already exists) claims it
	// THEN: The claim succeeds; the new remittance's own PENDING row does
	//       not block it

	st := memstore.NewMemory()
	ctx := context.Background()
	seg := seedSegment(t, st, "seg-1", "w-1", "2025-03-03")

	seedRemittance(t, st, "rmt-old", "w-1", seg.ID)
	require.NoError(t, st.ApplyRemittance(ctx, []settlement.Entry{settlement.SegmentEntry(seg)}, "rmt-old"))
	require.NoError(t, st.UpdateRemittanceStatus(ctx, "rmt-old", settlement.RemittanceFailed, nil))

	seedRemittance(t, st, "rmt-retry", "w-1", seg.ID)
	seg.State = settlement.StateRemitted
	err := st.ApplyRemittance(ctx, []settlement.Entry{settlement.SegmentEntry(seg)}, "rmt-retry")
	require.NoError(t, err)

	segs, err := st.FindStrandedSegments(ctx)
	require.NoError(t, err)
	assert.Empty(t, segs, "segment is now held by the PENDING retry")
}

// =============================================================================
// RUN LOCK
// =============================================================================

func TestAcquireRunLock_Contention(t *testing.T) {
	st := memstore.NewMemory()
	ctx := context.Background()

	release, err := st.AcquireRunLock(ctx)
	require.NoError(t, err)

	_, err = st.AcquireRunLock(ctx)
	require.ErrorIs(t, err, settlement.ErrRunInProgress)

	release()
	release() // release is idempotent

	release2, err := st.AcquireRunLock(ctx)
	require.NoError(t, err)
	release2()
}

func mustPeriod(t *testing.T, start, end string) settlement.Period {
	t.Helper()
	s, err := settlement.ParseDate(start)
	require.NoError(t, err)
	e, err := settlement.ParseDate(end)
	require.NoError(t, err)
	p, err := settlement.NewPeriod(s, e)
	require.NoError(t, err)
	return p
}

// =============================================================================
// SETTLED HISTORY IS IMMUTABLE
// =============================================================================

func TestSoftDeleteSegment_PaidSegmentRefused(t *testing.T) {
	// GIVEN: A segment held by a PAID remittance
	// WHEN: Trying to dispute it
	// THEN: The delete is refused; a FAILED payout does not block it

	st := memstore.NewMemory()
	ctx := context.Background()
	seg := seedSegment(t, st, "seg-1", "w-1", "2025-03-10")
	rID := seedRemittance(t, st, "rmt-1", "w-1", seg.ID)
	now := time.Now().UTC()
	require.NoError(t, st.UpdateRemittanceStatus(ctx, rID, settlement.RemittancePaid, &now))

	err := st.SoftDeleteSegment(ctx, seg.ID, now)
	assert.ErrorIs(t, err, settlement.ErrSegmentPaid)

	all, err := st.SegmentsByWorkLog(ctx, seg.WorkLogID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Nil(t, all[0].DeletedAt)
}

func TestSoftDeleteSegment_FailedPayoutStillDeletable(t *testing.T) {
	st := memstore.NewMemory()
	ctx := context.Background()
	seg := seedSegment(t, st, "seg-1", "w-1", "2025-03-10")
	rID := seedRemittance(t, st, "rmt-1", "w-1", seg.ID)
	require.NoError(t, st.UpdateRemittanceStatus(ctx, rID, settlement.RemittanceFailed, nil))

	require.NoError(t, st.SoftDeleteSegment(ctx, seg.ID, time.Now().UTC()))
}
