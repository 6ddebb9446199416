/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types never
  cross the wire directly: money is always a decimal string and times are
  RFC 3339 in UTC.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  decodeAndValidate; the engine re-checks everything that matters, so tags
  only catch malformed bodies early.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/invoice-engine/invoice"
)

// =============================================================================
// REQUESTS
// =============================================================================

// BuildInvoiceRequest is the body of POST /api/invoices.
type BuildInvoiceRequest struct {
	Client      string `json:"client" validate:"required,max=200"`
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
	Currency    string `json:"currency" validate:"required,len=3,alpha"`
	Actor       string `json:"actor,omitempty" validate:"max=100"`
}

// SubmitSuggestionRequest is the body of both suggestion endpoints. Token
// is required on the public route only.
type SubmitSuggestionRequest struct {
	Token   string          `json:"token,omitempty"`
	Kind    string          `json:"kind" validate:"required,max=64"`
	Payload json.RawMessage `json:"payload" validate:"required"`
	Actor   string          `json:"actor,omitempty" validate:"max=100"`
}

// ApplyRequest is the body of POST /api/invoices/{id}/apply.
type ApplyRequest struct {
	SuggestionIDs []string `json:"suggestion_ids" validate:"required,min=1,max=200,dive,required"`
	Actor         string   `json:"actor,omitempty" validate:"max=100"`
}

// ReviewRequest is the body of approve and reject.
type ReviewRequest struct {
	Reviewer string `json:"reviewer" validate:"required,max=100"`
	Reason   string `json:"reason,omitempty" validate:"max=2000"`
}

// BulkApproveRequest is the body of POST /api/moderation/pending/bulk-approve.
type BulkApproveRequest struct {
	IDs      []string `json:"ids" validate:"required,min=1,max=200,dive,required"`
	Reviewer string   `json:"reviewer" validate:"required,max=100"`
}

// IssueRequest is the optional body of issue and preview-token endpoints.
type IssueRequest struct {
	Actor string `json:"actor,omitempty" validate:"max=100"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type InvoiceDTO struct {
	ID             string `json:"id"`
	Client         string `json:"client"`
	PeriodStart    string `json:"period_start"`
	PeriodEnd      string `json:"period_end"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	CurrentVersion int    `json:"current_version"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type ItemDTO struct {
	TaskID   string `json:"task_id,omitempty"`
	Task     string `json:"task"`
	Worker   string `json:"worker,omitempty"`
	Site     string `json:"site,omitempty"`
	Date     string `json:"date,omitempty"`
	RateCode string `json:"rate_code,omitempty"`
	Rate     string `json:"rate"`
	Qty      string `json:"qty"`
	Unit     string `json:"unit"`
	Amount   string `json:"amount"`
}

type SnapshotDTO struct {
	Client       string    `json:"client"`
	PeriodStart  string    `json:"period_start"`
	PeriodEnd    string    `json:"period_end"`
	Currency     string    `json:"currency"`
	RulesVersion int       `json:"rules_version"`
	RulesHash    string    `json:"rules_hash"`
	Items        []ItemDTO `json:"items"`
	Total        string    `json:"total"`
}

type VersionDTO struct {
	InvoiceID string       `json:"invoice_id"`
	Version   int          `json:"version"`
	Snapshot  *SnapshotDTO `json:"snapshot"`
	HTMLPath  string       `json:"html_path,omitempty"`
	PDFPath   string       `json:"pdf_path,omitempty"`
	CreatedBy string       `json:"created_by"`
	CreatedAt string       `json:"created_at"`
}

// InvoiceResponse pairs the header with its current version.
type InvoiceResponse struct {
	Invoice  InvoiceDTO  `json:"invoice"`
	Version  *VersionDTO `json:"version,omitempty"`
	Replayed bool        `json:"replayed,omitempty"`
}

type PreviewTokenDTO struct {
	Token     string `json:"token"`
	InvoiceID string `json:"invoice_id"`
	ExpiresAt string `json:"expires_at"`
	ViewerURL string `json:"viewer_url"`
}

type SuggestionDTO struct {
	ID             string          `json:"id"`
	InvoiceID      string          `json:"invoice_id"`
	Source         string          `json:"source"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Actor          string          `json:"actor,omitempty"`
	CreatedAt      string          `json:"created_at"`
	AcceptedAt     *string         `json:"accepted_at,omitempty"`
	AppliedVersion int             `json:"applied_version,omitempty"`
}

type PendingChangeDTO struct {
	ID            string          `json:"id"`
	InvoiceID     string          `json:"invoice_id,omitempty"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Actor         string          `json:"actor,omitempty"`
	Reviewer      string          `json:"reviewer,omitempty"`
	ReviewedAt    *string         `json:"reviewed_at,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

type SubmitSuggestionResponse struct {
	Suggestion    SuggestionDTO    `json:"suggestion"`
	PendingChange PendingChangeDTO `json:"pending_change"`
}

type PendingListResponse struct {
	Items  []PendingChangeDTO `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

type ReviewResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type BulkApproveResponse struct {
	Approved []string `json:"approved"`
	Skipped  []string `json:"skipped"`
	Unknown  []string `json:"unknown"`
}

type ApplyResponse struct {
	InvoiceID   string               `json:"invoice_id"`
	FromVersion int                  `json:"from_version"`
	ToVersion   int                  `json:"to_version"`
	Version     *VersionDTO          `json:"version"`
	Diff        *invoice.VersionDiff `json:"diff"`
}

type AuditEntryDTO struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	Entity      string         `json:"entity"`
	EntityID    string         `json:"entity_id"`
	Actor       string         `json:"actor,omitempty"`
	PayloadHash string         `json:"payload_hash,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   string         `json:"ts"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Client      string `json:"client"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toInvoiceDTO(inv *invoice.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:             inv.ID,
		Client:         inv.Client,
		PeriodStart:    inv.PeriodStart.Format(invoice.DateLayout),
		PeriodEnd:      inv.PeriodEnd.Format(invoice.DateLayout),
		Currency:       inv.Currency,
		Status:         string(inv.Status),
		CurrentVersion: inv.CurrentVersion,
		CreatedAt:      formatTime(inv.CreatedAt),
		UpdatedAt:      formatTime(inv.UpdatedAt),
	}
}

func toSnapshotDTO(s *invoice.Snapshot) *SnapshotDTO {
	if s == nil {
		return nil
	}
	dto := &SnapshotDTO{
		Client:       s.Client,
		PeriodStart:  s.PeriodStart,
		PeriodEnd:    s.PeriodEnd,
		Currency:     s.Currency,
		RulesVersion: s.RulesVersion,
		RulesHash:    s.RulesHash,
		Items:        make([]ItemDTO, len(s.Items)),
		Total:        s.Format(s.Total),
	}
	for i, it := range s.Items {
		dto.Items[i] = ItemDTO{
			TaskID:   it.TaskID,
			Task:     it.Task,
			Worker:   it.Worker,
			Site:     it.Site,
			Date:     it.Date,
			RateCode: it.RateCode,
			Rate:     s.Format(it.Rate),
			Qty:      it.Qty.String(),
			Unit:     it.Unit,
			Amount:   s.Format(it.Amount),
		}
	}
	return dto
}

func toVersionDTO(v *invoice.InvoiceVersion) *VersionDTO {
	if v == nil {
		return nil
	}
	return &VersionDTO{
		InvoiceID: v.InvoiceID,
		Version:   v.Version,
		Snapshot:  toSnapshotDTO(v.Snapshot),
		HTMLPath:  v.HTMLPath,
		PDFPath:   v.PDFPath,
		CreatedBy: v.CreatedBy,
		CreatedAt: formatTime(v.CreatedAt),
	}
}

func toSuggestionDTO(s *invoice.Suggestion) SuggestionDTO {
	return SuggestionDTO{
		ID:             s.ID,
		InvoiceID:      s.InvoiceID,
		Source:         string(s.Source),
		Kind:           string(s.Kind),
		Payload:        s.Payload,
		Status:         string(s.Status),
		Actor:          s.Actor,
		CreatedAt:      formatTime(s.CreatedAt),
		AcceptedAt:     formatTimePtr(s.AcceptedAt),
		AppliedVersion: s.AppliedVersion,
	}
}

func toPendingChangeDTO(pc *invoice.PendingChange) PendingChangeDTO {
	return PendingChangeDTO{
		ID:            pc.ID,
		InvoiceID:     pc.InvoiceID,
		Kind:          pc.Kind,
		Payload:       pc.Payload,
		Status:        string(pc.Status),
		Actor:         pc.Actor,
		Reviewer:      pc.Reviewer,
		ReviewedAt:    formatTimePtr(pc.ReviewedAt),
		Reason:        pc.Reason,
		CorrelationID: pc.CorrelationID,
		CreatedAt:     formatTime(pc.CreatedAt),
	}
}

func toAuditEntryDTO(e invoice.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:          e.ID,
		Action:      string(e.Action),
		Entity:      e.Entity,
		EntityID:    e.EntityID,
		Actor:       e.Actor,
		PayloadHash: e.PayloadHash,
		Metadata:    e.Metadata,
		Timestamp:   formatTime(e.Timestamp),
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
