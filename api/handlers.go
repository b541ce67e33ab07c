/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Settlements:
    POST   /api/settlements                   Run settlement over a period
    GET    /api/settlements                   Run history
    GET    /api/settlements/{id}              One run
    GET    /api/settlements/{id}/remittances  Remittances a run created

  Remittances:
    GET    /api/remittances/{id}              Remittance with its lines
    POST   /api/remittances/{id}/status       Payment rail verdict

  Workers:
    GET    /api/workers/{id}/remittances      A worker's payout history

  Work ledger:
    POST   /api/worklogs                      Open a work log
    GET    /api/worklogs                      List (filter: worker_id,
                                              remittance_status)
    GET    /api/worklogs/{id}                 One work log with entries
    POST   /api/worklogs/{id}/segments        Record billable hours
    POST   /api/worklogs/{id}/adjustments     Record a correction
    DELETE /api/segments/{id}                 Soft-delete (dispute)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, invalid period
  - 404: Resource not found
  - 409: Conflict (run in progress, rejected status transition,
         deleting a paid segment)
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware. Deploy behind the gateway that does it.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/money"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/worklog"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        settlement.TxStore
	Orchestrator *settlement.Orchestrator
	WorkLogs     *worklog.Service
}

// NewHandler creates a new handler over the given store.
func NewHandler(store settlement.TxStore) *Handler {
	return &Handler{
		Store:        store,
		Orchestrator: settlement.NewOrchestrator(store),
		WorkLogs:     worklog.NewService(store),
	}
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

// RunSettlement executes one settlement run.
// POST /api/settlements
func (h *Handler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	var req RunSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	start, err := settlement.ParseDate(req.PeriodStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_start", err)
		return
	}
	end, err := settlement.ParseDate(req.PeriodEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_end", err)
		return
	}

	summary, err := h.Orchestrator.Run(r.Context(), settlement.Period{Start: start, End: end})
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrInvalidPeriod):
			writeError(w, http.StatusBadRequest, "Invalid period", err)
		case errors.Is(err, settlement.ErrRunInProgress):
			writeError(w, http.StatusConflict, "A settlement run is already in progress", err)
		default:
			writeError(w, http.StatusInternalServerError, "Settlement run failed", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, summary)
}

// ListSettlements returns the run history.
// GET /api/settlements
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListSettlements(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list settlements", err)
		return
	}
	dtos := make([]SettlementDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSettlementDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSettlement returns one run.
// GET /api/settlements/{id}
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	id := settlement.SettlementID(chi.URLParam(r, "id"))
	run, err := h.Store.GetSettlement(r.Context(), id)
	if err != nil {
		if settlement.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Settlement not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*run))
}

// ListSettlementRemittances returns the remittances one run created.
// GET /api/settlements/{id}/remittances
func (h *Handler) ListSettlementRemittances(w http.ResponseWriter, r *http.Request) {
	id := settlement.SettlementID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetSettlement(r.Context(), id); err != nil {
		if settlement.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Settlement not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get settlement", err)
		return
	}

	remits, err := h.Store.ListRemittancesBySettlement(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list remittances", err)
		return
	}
	dtos := make([]RemittanceDTO, len(remits))
	for i, remit := range remits {
		dtos[i] = toRemittanceDTO(remit, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REMITTANCE HANDLERS
// =============================================================================

// GetRemittance returns a remittance with its audit lines.
// GET /api/remittances/{id}
func (h *Handler) GetRemittance(w http.ResponseWriter, r *http.Request) {
	id := settlement.RemittanceID(chi.URLParam(r, "id"))
	remit, err := h.Store.GetRemittance(r.Context(), id)
	if err != nil {
		if settlement.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Remittance not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get remittance", err)
		return
	}
	lines, err := h.Store.ListRemittanceLines(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list remittance lines", err)
		return
	}
	writeJSON(w, http.StatusOK, toRemittanceDTO(*remit, lines))
}

// ReportRemittanceStatus records the payment rail's verdict.
// POST /api/remittances/{id}/status
func (h *Handler) ReportRemittanceStatus(w http.ResponseWriter, r *http.Request) {
	id := settlement.RemittanceID(chi.URLParam(r, "id"))

	var req ReportStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	status := settlement.RemittanceStatus(req.Status)
	var paidAt *time.Time
	switch status {
	case settlement.RemittancePaid:
		now := time.Now().UTC()
		paidAt = &now
	case settlement.RemittanceFailed, settlement.RemittanceCancelled:
	default:
		writeError(w, http.StatusBadRequest, "Status must be paid, failed, or cancelled", nil)
		return
	}

	err := h.Store.UpdateRemittanceStatus(r.Context(), id, status, paidAt)
	if err != nil {
		switch {
		case settlement.IsNotFound(err):
			writeError(w, http.StatusNotFound, "Remittance not found", nil)
		case errors.Is(err, settlement.ErrInvalidStatusTransition):
			writeError(w, http.StatusConflict, "Remittance status is final", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to update status", err)
		}
		return
	}

	metrics.ObserveStatusReport(string(status))

	remit, err := h.Store.GetRemittance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reload remittance", err)
		return
	}
	writeJSON(w, http.StatusOK, toRemittanceDTO(*remit, nil))
}

// ListWorkerRemittances returns a worker's payout history.
// GET /api/workers/{id}/remittances
func (h *Handler) ListWorkerRemittances(w http.ResponseWriter, r *http.Request) {
	workerID := settlement.WorkerID(chi.URLParam(r, "id"))
	remits, err := h.Store.ListRemittancesByWorker(r.Context(), workerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list remittances", err)
		return
	}
	dtos := make([]RemittanceDTO, len(remits))
	for i, remit := range remits {
		dtos[i] = toRemittanceDTO(remit, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WORK LEDGER HANDLERS
// =============================================================================

// CreateWorkLog opens a work log.
// POST /api/worklogs
func (h *Handler) CreateWorkLog(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wl, err := h.WorkLogs.CreateWorkLog(r.Context(), settlement.WorkerID(req.WorkerID), req.TaskReference)
	if err != nil {
		if errors.Is(err, worklog.ErrMissingWorker) {
			writeError(w, http.StatusBadRequest, "worker_id is required", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create work log", err)
		return
	}

	view, err := h.WorkLogs.View(r.Context(), wl.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load work log", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkLogDTO(*view))
}

// ListWorkLogs lists work logs, optionally filtered by worker and
// computed remittance status.
// GET /api/worklogs?worker_id=&remittance_status=
func (h *Handler) ListWorkLogs(w http.ResponseWriter, r *http.Request) {
	workerID := settlement.WorkerID(r.URL.Query().Get("worker_id"))
	statusFilter := r.URL.Query().Get("remittance_status")
	if statusFilter != "" &&
		statusFilter != string(worklog.StatusRemitted) &&
		statusFilter != string(worklog.StatusUnremitted) {
		writeError(w, http.StatusBadRequest, "remittance_status must be REMITTED or UNREMITTED", nil)
		return
	}

	views, err := h.WorkLogs.ListViews(r.Context(), workerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list work logs", err)
		return
	}

	dtos := make([]WorkLogDTO, 0, len(views))
	for _, v := range views {
		if statusFilter != "" && string(v.RemittanceStatus) != statusFilter {
			continue
		}
		dtos = append(dtos, toWorkLogDTO(v))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetWorkLog returns one work log with its entries.
// GET /api/worklogs/{id}
func (h *Handler) GetWorkLog(w http.ResponseWriter, r *http.Request) {
	id := settlement.WorkLogID(chi.URLParam(r, "id"))
	view, err := h.WorkLogs.View(r.Context(), id)
	if err != nil {
		if settlement.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Work log not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load work log", err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkLogDTO(*view))
}

// RecordSegment records billable hours.
// POST /api/worklogs/{id}/segments
func (h *Handler) RecordSegment(w http.ResponseWriter, r *http.Request) {
	id := settlement.WorkLogID(chi.URLParam(r, "id"))

	var req RecordSegmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	hours, err := decimal.NewFromString(req.HoursWorked)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid hours_worked", err)
		return
	}
	rate, err := decimal.NewFromString(req.HourlyRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid hourly_rate", err)
		return
	}
	date, err := settlement.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	seg, err := h.WorkLogs.RecordSegment(r.Context(), id, hours, rate, date)
	if err != nil {
		switch {
		case settlement.IsNotFound(err):
			writeError(w, http.StatusNotFound, "Work log not found", nil)
		case errors.Is(err, money.ErrInvalidAmount), errors.Is(err, worklog.ErrInvalidDate):
			writeError(w, http.StatusBadRequest, "Invalid segment", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to record segment", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toSegmentDTO(*seg))
}

// RecordAdjustment records a manual correction.
// POST /api/worklogs/{id}/adjustments
func (h *Handler) RecordAdjustment(w http.ResponseWriter, r *http.Request) {
	id := settlement.WorkLogID(chi.URLParam(r, "id"))

	var req RecordAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := money.FromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	date, err := settlement.ParseDate(req.EffectiveDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_date", err)
		return
	}

	adj, err := h.WorkLogs.RecordAdjustment(r.Context(), id,
		settlement.AdjustmentType(req.Type), amount, req.Reason, date)
	if err != nil {
		switch {
		case settlement.IsNotFound(err):
			writeError(w, http.StatusNotFound, "Work log not found", nil)
		case errors.Is(err, worklog.ErrUnknownAdjustmentType),
			errors.Is(err, worklog.ErrInvalidDate),
			errors.Is(err, money.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, "Invalid adjustment", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to record adjustment", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toAdjustmentDTO(*adj))
}

// DeleteSegment soft-deletes a disputed segment.
// DELETE /api/segments/{id}
func (h *Handler) DeleteSegment(w http.ResponseWriter, r *http.Request) {
	id := settlement.SegmentID(chi.URLParam(r, "id"))
	if err := h.WorkLogs.RemoveSegment(r.Context(), id); err != nil {
		switch {
		case settlement.IsNotFound(err):
			writeError(w, http.StatusNotFound, "Segment not found", nil)
		case errors.Is(err, settlement.ErrSegmentPaid):
			writeError(w, http.StatusConflict, "Segment is covered by a paid remittance", err)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to delete segment", err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
