package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
	memstore "github.com/warp/settlement-engine/settlement/store"
)

func eligible(t *testing.T, st *memstore.Memory, p settlement.Period) map[settlement.WorkerID][]settlement.Entry {
	t.Helper()
	byWorker, err := settlement.NewResolver(st).Eligible(context.Background(), p)
	require.NoError(t, err)
	return byWorker
}

// =============================================================================
// PERIOD BOUNDARY TESTS
// =============================================================================

func TestEligible_BoundariesInclusive(t *testing.T) {
	// GIVEN: Segments on the period's first day, last day, and one day
	//        either side
	// WHEN: Resolving eligibility for March 1-15
	// THEN: The boundary segments are in; the outside ones are not

	f := newFixture(t)
	f.addWorkLog(t, "wl-1", "w-1")
	f.addSegment(t, segment("seg-before", "wl-1", "w-1", "1", "10.00", "2025-02-28"))
	f.addSegment(t, segment("seg-start", "wl-1", "w-1", "1", "10.00", "2025-03-01"))
	f.addSegment(t, segment("seg-end", "wl-1", "w-1", "1", "10.00", "2025-03-15"))
	f.addSegment(t, segment("seg-after", "wl-1", "w-1", "1", "10.00", "2025-03-16"))

	byWorker := eligible(t, f.store, period(t, "2025-03-01", "2025-03-15"))
	entries := byWorker["w-1"]
	require.Len(t, entries, 2)
	assert.Equal(t, settlement.SegmentID("seg-start"), entries[0].Segment.ID)
	assert.Equal(t, settlement.SegmentID("seg-end"), entries[1].Segment.ID)
}

func TestEligible_SingleDayPeriod(t *testing.T) {
	// GIVEN: A period where start equals end
	// WHEN: Resolving
	// THEN: Valid; exactly that day's segments qualify

	f := newFixture(t)
	f.addWorkLog(t, "wl-1", "w-1")
	f.addSegment(t, segment("seg-1", "wl-1", "w-1", "1", "10.00", "2025-03-10"))
	f.addSegment(t, segment("seg-2", "wl-1", "w-1", "1", "10.00", "2025-03-11"))

	byWorker := eligible(t, f.store, period(t, "2025-03-10", "2025-03-10"))
	require.Len(t, byWorker["w-1"], 1)
	assert.Equal(t, settlement.SegmentID("seg-1"), byWorker["w-1"][0].Segment.ID)
}

func TestEligible_InvalidPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := settlement.NewResolver(f.store).Eligible(context.Background(), settlement.Period{
		Start: day(t, "2025-03-15"),
		End:   day(t, "2025-03-01"),
	})
	require.ErrorIs(t, err, settlement.ErrInvalidPeriod)
}

// =============================================================================
// ADJUSTMENTS ARE PERIOD-AGNOSTIC
// =============================================================================

func TestEligible_AdjustmentOutsidePeriodIncluded(t *testing.T) {
	// GIVEN: An unsettled adjustment dated months before the period
	// WHEN: Resolving March 1-15
	// THEN: The adjustment is included; corrections apply retroactively

	f := newFixture(t)
	f.addWorkLog(t, "wl-1", "w-1")
	f.addSegment(t, segment("seg-1", "wl-1", "w-1", "1", "10.00", "2025-03-03"))
	f.addAdjustment(t, adjustment("adj-old", "wl-1", "w-1", settlement.AdjustmentAddition, "20.00", "2024-12-01"))

	byWorker := eligible(t, f.store, period(t, "2025-03-01", "2025-03-15"))
	require.Len(t, byWorker["w-1"], 2)
}

func TestEligible_AdjustmentOnlyWorker(t *testing.T) {
	// GIVEN: A worker with no segments in the period but a pending deduction
	// WHEN: Resolving
	// THEN: The worker appears with just the adjustment (the orchestrator
	//       will produce a negative-net remittance)

	f := newFixture(t)
	f.addWorkLog(t, "wl-1", "w-1")
	f.addAdjustment(t, adjustment("adj-1", "wl-1", "w-1", settlement.AdjustmentDeduction, "30.00", "2025-01-15"))

	byWorker := eligible(t, f.store, period(t, "2025-03-01", "2025-03-15"))
	require.Len(t, byWorker["w-1"], 1)
	assert.False(t, byWorker["w-1"][0].IsSegment())
}

// =============================================================================
// SOFT DELETE
// =============================================================================

func TestEligible_SoftDeletedSegmentExcluded(t *testing.T) {
	// GIVEN: A segment soft-deleted after a dispute
	// WHEN: Resolving
	// THEN: It never reaches settlement

	f := newFixture(t)
	f.addWorkLog(t, "wl-1", "w-1")
	f.addSegment(t, segment("seg-1", "wl-1", "w-1", "8", "25.00", "2025-03-03"))
	f.addSegment(t, segment("seg-2", "wl-1", "w-1", "2", "25.00", "2025-03-04"))
	require.NoError(t, f.store.SoftDeleteSegment(context.Background(), "seg-1", time.Now().UTC()))

	byWorker := eligible(t, f.store, period(t, "2025-03-01", "2025-03-15"))
	require.Len(t, byWorker["w-1"], 1)
	assert.Equal(t, settlement.SegmentID("seg-2"), byWorker["w-1"][0].Segment.ID)
}

// =============================================================================
// GROUPING AND ORDERING
// =============================================================================

func TestEligible_GroupedByWorkerOrderedByDate(t *testing.T) {
	// GIVEN: Interleaved entries for two workers, inserted out of date order
	// WHEN: Resolving
	// THEN: Each worker's entries are ordered by effective date, and
	//       Workers() returns a deterministic worker order

	f := newFixture(t)
	f.addWorkLog(t, "wl-1", "w-1")
	f.addWorkLog(t, "wl-2", "w-2")
	f.addSegment(t, segment("seg-late", "wl-1", "w-1", "1", "10.00", "2025-03-10"))
	f.addSegment(t, segment("seg-early", "wl-1", "w-1", "1", "10.00", "2025-03-02"))
	f.addAdjustment(t, adjustment("adj-mid", "wl-1", "w-1", settlement.AdjustmentAddition, "5.00", "2025-03-05"))
	f.addSegment(t, segment("seg-other", "wl-2", "w-2", "1", "10.00", "2025-03-04"))

	byWorker := eligible(t, f.store, period(t, "2025-03-01", "2025-03-15"))
	require.Len(t, byWorker, 2)

	entries := byWorker["w-1"]
	require.Len(t, entries, 3)
	assert.Equal(t, "2025-03-02", entries[0].EffectiveDate().String())
	assert.Equal(t, "2025-03-05", entries[1].EffectiveDate().String())
	assert.Equal(t, "2025-03-10", entries[2].EffectiveDate().String())

	workers := settlement.Workers(byWorker)
	assert.Equal(t, []settlement.WorkerID{"w-1", "w-2"}, workers)
}

func TestEligible_EmptyLedger(t *testing.T) {
	f := newFixture(t)
	byWorker := eligible(t, f.store, period(t, "2025-03-01", "2025-03-15"))
	assert.Empty(t, byWorker)
}

// =============================================================================
// STRANDED ENTRIES MERGE IN
// =============================================================================

func TestEligible_StrandedSegmentFromEarlierPeriodIncluded(t *testing.T) {
	// GIVEN: A February segment settled and then FAILED, plus fresh March work
	// WHEN: Resolving March
	// THEN: The stranded February segment rides along with the March entries

	f := newFixture(t)
	f.addWorkLog(t, "wl-1", "w-1")
	f.addSegment(t, segment("seg-feb", "wl-1", "w-1", "8", "25.00", "2025-02-10"))

	_, err := f.orch.Run(context.Background(), period(t, "2025-02-01", "2025-02-28"))
	require.NoError(t, err)
	f.setStatus(t, f.remittancesFor(t, "w-1")[0].ID, settlement.RemittanceFailed)

	f.addSegment(t, segment("seg-mar", "wl-1", "w-1", "2", "25.00", "2025-03-03"))

	byWorker := eligible(t, f.store, period(t, "2025-03-01", "2025-03-15"))
	entries := byWorker["w-1"]
	require.Len(t, entries, 2)
	assert.Equal(t, settlement.SegmentID("seg-feb"), entries[0].Segment.ID)
	assert.Equal(t, settlement.SegmentID("seg-mar"), entries[1].Segment.ID)
}
