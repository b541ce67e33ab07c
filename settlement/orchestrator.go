/*
orchestrator.go - The settlement run state machine

PURPOSE:
  Top-level algorithm: open a Settlement run, resolve eligible workers,
  compute amounts, create Remittance + RemittanceLine records, flip ledger
  entry states, and close the run with a summary.

RUN LIFECYCLE:
  CREATED -> RUNNING -> (COMPLETED | FAILED)

  1. Validate the period. InvalidPeriod fails before any record exists.
  2. Acquire the run-level advisory lock (two runs never resolve
     eligibility concurrently over overlapping periods).
  3. Create Settlement{RUNNING}.
  4. Per worker with a non-empty entry set: calculate; skip zero-gross
     zero-net workers; otherwise create Remittance{PENDING} + one line per
     entry + ApplyRemittance, all in ONE transaction.
  5. Close the run: COMPLETED with remittances_created and totals.

FAILURE SEMANTICS:
  - A worker's transaction failure aborts that worker only; its entries
    were never marked REMITTED, so the next run retries them for free.
  - A claim conflict retries the worker once, then skips it for this run.
  - Systemic errors (store unavailable) and external cancellation abort
    the run: remaining workers are not processed, already-committed
    remittances stand, and the Settlement closes FAILED with the partial
    count. No Settlement is ever left RUNNING.

ZERO-NET POLICY:
  A worker whose gross AND net are both zero gets no remittance. A
  net-zero remittance with nonzero gross (adjustment exactly cancels
  work) IS persisted for audit, but never counted in remittances_created
  or the run totals.

SEE ALSO:
  - eligibility.go: Step 4's input
  - calculator.go: Amount computation
  - reconcile.go: Why failed payouts come back
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/money"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator executes settlement runs. Safe for a single logical batch
// job per invocation; the run lock serializes concurrent invocations.
type Orchestrator struct {
	Store    TxStore
	Resolver *Resolver
	Logger   *log.Logger

	// Now is swappable for tests. Defaults to time.Now (UTC).
	Now func() time.Time
}

func NewOrchestrator(store TxStore) *Orchestrator {
	return &Orchestrator{
		Store:    store,
		Resolver: NewResolver(store),
		Logger:   log.Default(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Summary is what callers receive from a run.
type Summary struct {
	SettlementID       SettlementID `json:"settlement_id"`
	PeriodStart        Date         `json:"period_start"`
	PeriodEnd          Date         `json:"period_end"`
	Status             RunStatus    `json:"status"`
	RemittancesCreated int          `json:"remittances_created"`
	TotalGross         money.Money  `json:"total_gross_amount"`
	TotalNet           money.Money  `json:"total_net_amount"`
}

// =============================================================================
// RUN
// =============================================================================

// Run executes one settlement over the period. The returned error is
// run-level: per-worker failures are contained, logged, and retried by
// the next run.
func (o *Orchestrator) Run(ctx context.Context, p Period) (*Summary, error) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveRun(result, time.Since(start))
	}()

	if err := p.Validate(); err != nil {
		result = metrics.ResultError
		return nil, err
	}

	if locker, ok := o.Store.(RunLocker); ok {
		release, err := locker.AcquireRunLock(ctx)
		if err != nil {
			result = metrics.ResultError
			return nil, err
		}
		defer release()
	}

	run := &Settlement{
		ID:          newSettlementID(),
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		StartedAt:   o.Now(),
		Status:      RunRunning,
		TotalGross:  money.Zero(),
		TotalNet:    money.Zero(),
	}
	if err := o.Store.CreateSettlement(ctx, run); err != nil {
		result = metrics.ResultError
		return nil, fmt.Errorf("create settlement: %w", err)
	}

	byWorker, err := o.Resolver.Eligible(ctx, p)
	if err != nil {
		result = metrics.ResultError
		return nil, o.failRun(ctx, run, err)
	}

	for _, workerID := range Workers(byWorker) {
		if ctx.Err() != nil {
			// External cancellation: committed remittances stand,
			// remaining workers wait for the next run.
			result = metrics.ResultError
			return nil, o.failRun(ctx, run, ctx.Err())
		}

		counted, calc, err := o.settleWorker(ctx, run, workerID, byWorker[workerID])
		if err != nil {
			if IsSystemic(err) {
				result = metrics.ResultError
				return nil, o.failRun(ctx, run, err)
			}
			// Contained: entries stay claimable for the next run.
			o.logf("settlement %s: worker %s skipped: %v", run.ID, workerID, err)
			metrics.SkipWorker(skipReason(err))
			continue
		}
		if counted {
			run.RemittancesCreated++
			run.TotalGross = run.TotalGross.Add(calc.Gross)
			run.TotalNet = run.TotalNet.Add(calc.Net)
		}
	}

	now := o.Now()
	run.Status = RunCompleted
	run.FinishedAt = &now
	if err := o.Store.FinishSettlement(context.WithoutCancel(ctx), run); err != nil {
		result = metrics.ResultError
		return nil, fmt.Errorf("finish settlement %s: %w", run.ID, err)
	}

	metrics.AddRemittances(run.RemittancesCreated)
	return o.summary(run), nil
}

// =============================================================================
// PER-WORKER TRANSACTION
// =============================================================================

// settleWorker computes and persists one worker's remittance. The
// remittance, its lines, and the entry state flips commit atomically or
// not at all. Claim conflicts retry once, then surface to the caller.
func (o *Orchestrator) settleWorker(ctx context.Context, run *Settlement, workerID WorkerID, entries []Entry) (bool, Calculation, error) {
	calc, err := Calculate(entries)
	if err != nil {
		return false, Calculation{}, err
	}
	if calc.IsZero() {
		metrics.SkipWorker("zero")
		return false, calc, nil
	}

	counted, err := o.writeRemittance(ctx, run, workerID, calc)
	if IsRetryable(err) {
		o.logf("settlement %s: worker %s claim conflict, retrying once", run.ID, workerID)
		counted, err = o.writeRemittance(ctx, run, workerID, calc)
	}
	if err != nil {
		return false, Calculation{}, err
	}
	return counted, calc, nil
}

func (o *Orchestrator) writeRemittance(ctx context.Context, run *Settlement, workerID WorkerID, calc Calculation) (bool, error) {
	now := o.Now()
	remittance := &Remittance{
		ID:           newRemittanceID(),
		SettlementID: run.ID,
		WorkerID:     workerID,
		Gross:        calc.Gross,
		Adjustments:  calc.Adjustments,
		Net:          calc.Net,
		Status:       RemittancePending,
		CreatedAt:    now,
	}

	lines := make([]RemittanceLine, len(calc.Lines))
	entries := make([]Entry, len(calc.Lines))
	for i, line := range calc.Lines {
		rl := RemittanceLine{
			ID:           newLineID(),
			RemittanceID: remittance.ID,
			Amount:       line.Amount,
			CreatedAt:    now,
		}
		if line.Entry.IsSegment() {
			id := line.Entry.Segment.ID
			rl.SegmentID = &id
		} else {
			id := line.Entry.Adjustment.ID
			rl.AdjustmentID = &id
		}
		lines[i] = rl
		entries[i] = line.Entry
	}

	err := o.Store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateRemittance(ctx, remittance, lines); err != nil {
			return err
		}
		return tx.ApplyRemittance(ctx, entries, remittance.ID)
	})
	if err != nil {
		return false, err
	}

	// Net-zero with nonzero gross: persisted above for audit, but not
	// counted toward remittances_created.
	return !calc.Net.IsZero(), nil
}

// =============================================================================
// RUN-LEVEL FAILURE
// =============================================================================

// failRun closes the settlement FAILED with whatever partial counts it
// accumulated, so no run is left RUNNING. The cause may be the context
// itself, so finalization runs on a detached context.
func (o *Orchestrator) failRun(ctx context.Context, run *Settlement, cause error) error {
	now := o.Now()
	run.Status = RunFailed
	run.FinishedAt = &now
	if finishErr := o.Store.FinishSettlement(context.WithoutCancel(ctx), run); finishErr != nil {
		o.logf("settlement %s: failed to record FAILED status: %v", run.ID, finishErr)
	}
	return fmt.Errorf("settlement %s failed: %w", run.ID, cause)
}

func (o *Orchestrator) summary(run *Settlement) *Summary {
	return &Summary{
		SettlementID:       run.ID,
		PeriodStart:        run.PeriodStart,
		PeriodEnd:          run.PeriodEnd,
		Status:             run.Status,
		RemittancesCreated: run.RemittancesCreated,
		TotalGross:         run.TotalGross,
		TotalNet:           run.TotalNet,
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

func skipReason(err error) string {
	if errors.Is(err, ErrConcurrentClaim) {
		return "conflict"
	}
	return "error"
}

// =============================================================================
// ID GENERATION
// =============================================================================

func newSettlementID() SettlementID { return SettlementID("stl-" + uuid.NewString()) }
func newRemittanceID() RemittanceID { return RemittanceID("rmt-" + uuid.NewString()) }
func newLineID() string             { return "rml-" + uuid.NewString() }
