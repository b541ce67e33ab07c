/*
eligibility.go - Which entries are payable in this run

PURPOSE:
  For a requested period, builds the per-worker set of entries the run
  will pay:

    1. UNSETTLED segments dated within [start, end] (inclusive both ends,
       soft-deleted excluded)
    2. Segments stranded in FAILED/CANCELLED remittances from ANY period
       (the reconciliation policy's re-offer set)
    3. UNSETTLED plus stranded adjustments with ANY effective date;
       a correction for an old period settles in the next run to see it

  A worker with zero eligible entries is skipped entirely; no empty
  remittance is ever created.

ORDERING:
  Entries are ordered (effective_date, created_at) per worker for
  deterministic remittance lines. Order never affects computed amounts.

SEE ALSO:
  - reconcile.go: Defines "stranded"
  - orchestrator.go: Consumes the per-worker map
*/
package settlement

import (
	"context"
	"fmt"
	"sort"
)

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver determines the eligible entry set for a settlement run.
type Resolver struct {
	Store LedgerStore
}

func NewResolver(store LedgerStore) *Resolver {
	return &Resolver{Store: store}
}

// Eligible returns the worker -> entries map for the period. All four
// store reads happen before any grouping so one run sees one snapshot.
func (r *Resolver) Eligible(ctx context.Context, p Period) (map[WorkerID][]Entry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	unsettled, err := r.Store.FindUnsettledSegments(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("resolve unsettled segments: %w", err)
	}
	stranded, err := r.Store.FindStrandedSegments(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve stranded segments: %w", err)
	}
	adjustments, err := r.Store.FindUnsettledAdjustments(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve adjustments: %w", err)
	}
	strandedAdj, err := r.Store.FindStrandedAdjustments(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve stranded adjustments: %w", err)
	}

	byWorker := make(map[WorkerID][]Entry)
	seenSegments := make(map[SegmentID]bool)
	seenAdjustments := make(map[AdjustmentID]bool)

	addSegment := func(s TimeSegment) {
		if s.Deleted() || seenSegments[s.ID] {
			return
		}
		seenSegments[s.ID] = true
		byWorker[s.WorkerID] = append(byWorker[s.WorkerID], SegmentEntry(s))
	}
	addAdjustment := func(a Adjustment) {
		if seenAdjustments[a.ID] {
			return
		}
		seenAdjustments[a.ID] = true
		byWorker[a.WorkerID] = append(byWorker[a.WorkerID], AdjustmentEntry(a))
	}

	for _, s := range unsettled {
		// The store already filters by date; re-check so a loose
		// implementation cannot widen the period.
		if p.Contains(s.Date) {
			addSegment(s)
		}
	}
	for _, s := range stranded {
		addSegment(s) // any period
	}
	for _, a := range adjustments {
		addAdjustment(a)
	}
	for _, a := range strandedAdj {
		addAdjustment(a)
	}

	for worker, entries := range byWorker {
		sortEntries(entries)
		byWorker[worker] = entries
	}
	return byWorker, nil
}

// sortEntries orders by (effective_date, created_at) for deterministic
// line ordering.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].EffectiveDate(), entries[j].EffectiveDate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return entries[i].CreatedAt().Before(entries[j].CreatedAt())
	})
}

// Workers returns the map's keys in stable order so runs process workers
// deterministically.
func Workers(byWorker map[WorkerID][]Entry) []WorkerID {
	ids := make([]WorkerID, 0, len(byWorker))
	for id := range byWorker {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
