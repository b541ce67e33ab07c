/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNT ENCODING:
  All money and decimal fields travel as JSON strings ("334.76", "7.33")
  so no client-side float ever touches an amount.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - settlement/types.go: The domain model these project
*/
package api

import (
	"time"

	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/worklog"
)

// =============================================================================
// SETTLEMENT RUN TYPES
// =============================================================================

// RunSettlementRequest triggers a settlement run over a period.
type RunSettlementRequest struct {
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// SettlementDTO represents a settlement run in API responses.
type SettlementDTO struct {
	ID                 string  `json:"id"`
	PeriodStart        string  `json:"period_start"`
	PeriodEnd          string  `json:"period_end"`
	StartedAt          string  `json:"started_at"`
	FinishedAt         *string `json:"finished_at,omitempty"`
	Status             string  `json:"status"`
	RemittancesCreated int     `json:"remittances_created"`
	TotalGross         string  `json:"total_gross_amount"`
	TotalNet           string  `json:"total_net_amount"`
}

// =============================================================================
// REMITTANCE TYPES
// =============================================================================

// RemittanceDTO represents a payout instruction.
type RemittanceDTO struct {
	ID           string              `json:"id"`
	SettlementID string              `json:"settlement_id"`
	WorkerID     string              `json:"worker_id"`
	Gross        string              `json:"gross_amount"`
	Adjustments  string              `json:"adjustments_amount"`
	Net          string              `json:"net_amount"`
	Status       string              `json:"status"`
	CreatedAt    string              `json:"created_at"`
	PaidAt       *string             `json:"paid_at,omitempty"`
	Lines        []RemittanceLineDTO `json:"lines,omitempty"`
}

// RemittanceLineDTO is one audit line of a remittance.
type RemittanceLineDTO struct {
	ID           string  `json:"id"`
	SegmentID    *string `json:"segment_id,omitempty"`
	AdjustmentID *string `json:"adjustment_id,omitempty"`
	Amount       string  `json:"amount"`
}

// ReportStatusRequest carries the external payment rail's verdict.
type ReportStatusRequest struct {
	Status string `json:"status"` // paid | failed | cancelled
}

// =============================================================================
// WORK LEDGER TYPES
// =============================================================================

// CreateWorkLogRequest opens a work log.
type CreateWorkLogRequest struct {
	WorkerID      string `json:"worker_id"`
	TaskReference string `json:"task_reference,omitempty"`
}

// RecordSegmentRequest records billable hours against a work log.
type RecordSegmentRequest struct {
	HoursWorked string `json:"hours_worked"`
	HourlyRate  string `json:"hourly_rate"`
	Date        string `json:"date"`
}

// RecordAdjustmentRequest records a manual correction.
type RecordAdjustmentRequest struct {
	Type          string `json:"type"` // addition | deduction
	Amount        string `json:"amount"`
	Reason        string `json:"reason,omitempty"`
	EffectiveDate string `json:"effective_date"`
}

// WorkLogDTO is a work log with its entries and payout position.
type WorkLogDTO struct {
	ID               string          `json:"id"`
	WorkerID         string          `json:"worker_id"`
	TaskReference    string          `json:"task_reference,omitempty"`
	CreatedAt        string          `json:"created_at"`
	RemittanceStatus string          `json:"remittance_status"`
	Segments         []SegmentDTO    `json:"segments"`
	Adjustments      []AdjustmentDTO `json:"adjustments"`
}

// SegmentDTO represents a time segment.
type SegmentDTO struct {
	ID           string  `json:"id"`
	WorkLogID    string  `json:"worklog_id"`
	HoursWorked  string  `json:"hours_worked"`
	HourlyRate   string  `json:"hourly_rate"`
	Date         string  `json:"date"`
	State        string  `json:"settlement_state"`
	RemittanceID string  `json:"remittance_id,omitempty"`
	DeletedAt    *string `json:"deleted_at,omitempty"`
}

// AdjustmentDTO represents an adjustment.
type AdjustmentDTO struct {
	ID            string `json:"id"`
	WorkLogID     string `json:"worklog_id"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	Reason        string `json:"reason,omitempty"`
	EffectiveDate string `json:"effective_date"`
	State         string `json:"settlement_state"`
	RemittanceID  string `json:"remittance_id,omitempty"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// DOMAIN -> DTO MAPPERS
// =============================================================================

func rfc3339(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func toSettlementDTO(s settlement.Settlement) SettlementDTO {
	dto := SettlementDTO{
		ID:                 string(s.ID),
		PeriodStart:        s.PeriodStart.String(),
		PeriodEnd:          s.PeriodEnd.String(),
		StartedAt:          rfc3339(s.StartedAt),
		Status:             string(s.Status),
		RemittancesCreated: s.RemittancesCreated,
		TotalGross:         s.TotalGross.String(),
		TotalNet:           s.TotalNet.String(),
	}
	if s.FinishedAt != nil {
		v := rfc3339(*s.FinishedAt)
		dto.FinishedAt = &v
	}
	return dto
}

func toRemittanceDTO(r settlement.Remittance, lines []settlement.RemittanceLine) RemittanceDTO {
	dto := RemittanceDTO{
		ID:           string(r.ID),
		SettlementID: string(r.SettlementID),
		WorkerID:     string(r.WorkerID),
		Gross:        r.Gross.String(),
		Adjustments:  r.Adjustments.String(),
		Net:          r.Net.String(),
		Status:       string(r.Status),
		CreatedAt:    rfc3339(r.CreatedAt),
	}
	if r.PaidAt != nil {
		v := rfc3339(*r.PaidAt)
		dto.PaidAt = &v
	}
	for _, line := range lines {
		dto.Lines = append(dto.Lines, toLineDTO(line))
	}
	return dto
}

func toLineDTO(line settlement.RemittanceLine) RemittanceLineDTO {
	dto := RemittanceLineDTO{
		ID:     line.ID,
		Amount: line.Amount.String(),
	}
	if line.SegmentID != nil {
		v := string(*line.SegmentID)
		dto.SegmentID = &v
	}
	if line.AdjustmentID != nil {
		v := string(*line.AdjustmentID)
		dto.AdjustmentID = &v
	}
	return dto
}

func toWorkLogDTO(v worklog.View) WorkLogDTO {
	dto := WorkLogDTO{
		ID:               string(v.WorkLog.ID),
		WorkerID:         string(v.WorkLog.WorkerID),
		TaskReference:    v.WorkLog.TaskReference,
		CreatedAt:        rfc3339(v.WorkLog.CreatedAt),
		RemittanceStatus: string(v.RemittanceStatus),
		Segments:         make([]SegmentDTO, 0, len(v.Segments)),
		Adjustments:      make([]AdjustmentDTO, 0, len(v.Adjustments)),
	}
	for _, seg := range v.Segments {
		dto.Segments = append(dto.Segments, toSegmentDTO(seg))
	}
	for _, adj := range v.Adjustments {
		dto.Adjustments = append(dto.Adjustments, toAdjustmentDTO(adj))
	}
	return dto
}

func toSegmentDTO(s settlement.TimeSegment) SegmentDTO {
	dto := SegmentDTO{
		ID:           string(s.ID),
		WorkLogID:    string(s.WorkLogID),
		HoursWorked:  s.HoursWorked.String(),
		HourlyRate:   s.HourlyRate.String(),
		Date:         s.Date.String(),
		State:        string(s.State),
		RemittanceID: string(s.RemittanceID),
	}
	if s.DeletedAt != nil {
		v := rfc3339(*s.DeletedAt)
		dto.DeletedAt = &v
	}
	return dto
}

func toAdjustmentDTO(a settlement.Adjustment) AdjustmentDTO {
	return AdjustmentDTO{
		ID:            string(a.ID),
		WorkLogID:     string(a.WorkLogID),
		Type:          string(a.Type),
		Amount:        a.Amount.String(),
		Reason:        a.Reason,
		EffectiveDate: a.EffectiveDate.String(),
		State:         string(a.State),
		RemittanceID:  string(a.RemittanceID),
	}
}
