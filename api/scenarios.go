/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates work logs, segments,
	and adjustments that demonstrate specific parts of the settlement flow.

AVAILABLE SCENARIOS:

	single-contractor: One worker, a week of hours plus a deduction
	multi-worker:      Three workers at different rates across a month
	failed-payment:    A settled run whose payout failed, leaving stranded
	                   work for the next run to re-offer

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Open work logs
 3. Record time segments and adjustments
 4. Optionally run a settlement and report payment verdicts

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "multi-worker"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: API surface the scenarios feed
  - ../worklog/worklog.go: ledger operations the loaders call
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/money"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/worklog"
)

// =============================================================================
// SCENARIO CATALOG
// =============================================================================

// Scenario describes one loadable demo dataset.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []Scenario{
	{
		ID:          "single-contractor",
		Name:        "Single Contractor",
		Description: "One worker with a week of billed hours and an equipment deduction, ready to settle",
	},
	{
		ID:          "multi-worker",
		Name:        "Multiple Workers",
		Description: "Three workers at different rates, with a bonus and a deduction mixed in",
	},
	{
		ID:          "failed-payment",
		Name:        "Failed Payment",
		Description: "A completed run whose payout the rail rejected; the work is stranded until the next run",
	},
}

// resetter is implemented by stores that can wipe their data.
type resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns the available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the database and loads the requested scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	store, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Store does not support reset", nil)
		return
	}
	ctx := r.Context()
	if err := store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "single-contractor":
		err = loadSingleContractorScenario(ctx, h)
	case "multi-worker":
		err = loadMultiWorkerScenario(ctx, h)
	case "failed-payment":
		err = loadFailedPaymentScenario(ctx, h)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "loaded",
		"scenario_id": req.ScenarioID,
	})
}

// =============================================================================
// LOADERS
// =============================================================================

// seedWeek records weekday segments for the week starting at monday.
func seedWeek(ctx context.Context, svc *worklog.Service, id settlement.WorkLogID, monday settlement.Date, hours, rate string) error {
	h := decimal.RequireFromString(hours)
	r := decimal.RequireFromString(rate)
	for i := 0; i < 5; i++ {
		if _, err := svc.RecordSegment(ctx, id, h, r, monday.AddDays(i)); err != nil {
			return err
		}
	}
	return nil
}

func loadSingleContractorScenario(ctx context.Context, h *Handler) error {
	wl, err := h.WorkLogs.CreateWorkLog(ctx, "worker-ana", "warp-site-redesign")
	if err != nil {
		return err
	}
	if err := seedWeek(ctx, h.WorkLogs, wl.ID, settlement.NewDate(2025, time.March, 3), "7.5", "48.00"); err != nil {
		return err
	}
	_, err = h.WorkLogs.RecordAdjustment(ctx, wl.ID,
		settlement.AdjustmentDeduction, money.MustParse("120.00"), "laptop rental",
		settlement.NewDate(2025, time.March, 5))
	return err
}

func loadMultiWorkerScenario(ctx context.Context, h *Handler) error {
	type seed struct {
		worker settlement.WorkerID
		task   string
		hours  string
		rate   string
	}
	seeds := []seed{
		{"worker-ana", "warp-site-redesign", "7.5", "48.00"},
		{"worker-ben", "warp-data-migration", "8", "62.50"},
		{"worker-cleo", "warp-support-rotation", "6.25", "35.00"},
	}

	for i, sd := range seeds {
		wl, err := h.WorkLogs.CreateWorkLog(ctx, sd.worker, sd.task)
		if err != nil {
			return err
		}
		// Stagger start weeks so the month fills out
		monday := settlement.NewDate(2025, time.March, 3).AddDays(7 * i)
		if err := seedWeek(ctx, h.WorkLogs, wl.ID, monday, sd.hours, sd.rate); err != nil {
			return err
		}
		switch sd.worker {
		case "worker-ben":
			if _, err := h.WorkLogs.RecordAdjustment(ctx, wl.ID,
				settlement.AdjustmentAddition, money.MustParse("250.00"), "migration cutover bonus",
				monday.AddDays(4)); err != nil {
				return err
			}
		case "worker-cleo":
			if _, err := h.WorkLogs.RecordAdjustment(ctx, wl.ID,
				settlement.AdjustmentDeduction, money.MustParse("40.00"), "headset",
				monday.AddDays(2)); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadFailedPaymentScenario(ctx context.Context, h *Handler) error {
	wl, err := h.WorkLogs.CreateWorkLog(ctx, "worker-ana", "warp-site-redesign")
	if err != nil {
		return err
	}
	if err := seedWeek(ctx, h.WorkLogs, wl.ID, settlement.NewDate(2025, time.February, 3), "7.5", "48.00"); err != nil {
		return err
	}

	// Settle February, then have the rail reject the payout.
	if _, err := h.Orchestrator.Run(ctx, settlement.Period{
		Start: settlement.NewDate(2025, time.February, 1),
		End:   settlement.NewDate(2025, time.February, 28),
	}); err != nil {
		return err
	}
	remits, err := h.Store.ListRemittancesByWorker(ctx, "worker-ana")
	if err != nil {
		return err
	}
	for _, remit := range remits {
		if err := h.Store.UpdateRemittanceStatus(ctx, remit.ID, settlement.RemittanceFailed, nil); err != nil {
			return err
		}
	}

	// Fresh March work joins the stranded February hours in the next run.
	return seedWeek(ctx, h.WorkLogs, wl.ID, settlement.NewDate(2025, time.March, 3), "7.5", "48.00")
}
