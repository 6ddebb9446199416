/*
handlers.go - HTTP API handlers for the invoice engine

PURPOSE:
  Exposes the invoice engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every decision to invoice.Engine.

ENDPOINTS:
  Invoices:
    POST   /api/invoices                       Build (Idempotency-Key replays)
    GET    /api/invoices?client=               List headers, newest first
    GET    /api/invoices/{id}                  Invoice + current version
    GET    /api/invoices/{id}/versions         All versions
    GET    /api/invoices/{id}/versions/{v}     One version
    GET    /api/invoices/{id}/diff?from=&to=   Version diff
    POST   /api/invoices/{id}/issue            draft -> issued (admin)

  Preview (public, rate limited):
    POST   /api/invoices/{id}/preview-tokens   Issue token (admin)
    GET    /api/preview/{id}?token=            View once, consumes token
    POST   /api/preview/{id}/suggestions       Submit with token in body

  Suggestions and moderation (admin):
    GET    /api/invoices/{id}/suggestions
    POST   /api/invoices/{id}/suggestions      Staff suggestion, no token
    POST   /api/invoices/{id}/apply            Idempotency-Key rejects duplicates
    GET    /api/moderation/pending
    POST   /api/moderation/pending/{id}/approve
    POST   /api/moderation/pending/{id}/reject
    POST   /api/moderation/pending/bulk-approve  Idempotency-Key required

ERROR HANDLING:
  writeEngineError maps engine error categories to statuses:
  - 400: validation, unknown rate code
  - 403: forbidden operation
  - 404: missing invoice, version, suggestion, token
  - 409: idempotency key reuse, approval missing, stale version, issued
  - 410: preview token consumed or expired
  - 500: everything else (logged, details hidden)
  A second review of the same change is 200 {"status":"already_reviewed"}.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/warp/invoice-engine/invoice"
)

// IdempotencyHeader carries the caller's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// LedgerWriter stores billable work. Only demo scenarios write to the ledger.
type LedgerWriter interface {
	SaveLedgerEntry(ctx context.Context, e invoice.LedgerEntry) error
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Pingers is healthy only when every member is.
type Pingers []Pinger

func (ps Pingers) Ping(ctx context.Context) error {
	for _, p := range ps {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *invoice.Engine
	Ledger LedgerWriter // optional
	Health Pinger       // optional
	Logger zerolog.Logger
}

// NewHandler creates a handler around an engine.
func NewHandler(engine *invoice.Engine) *Handler {
	return &Handler{Engine: engine, Logger: zerolog.Nop()}
}

// Healthz reports liveness and, when configured, store reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// BuildInvoice prices the ledger for a client and period into version 1.
// POST /api/invoices
func (h *Handler) BuildInvoice(w http.ResponseWriter, r *http.Request) {
	var req BuildInvoiceRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	start, _ := time.Parse(invoice.DateLayout, req.PeriodStart)
	end, _ := time.Parse(invoice.DateLayout, req.PeriodEnd)

	res, err := h.Engine.Build(r.Context(), invoice.BuildRequest{
		Client:         req.Client,
		PeriodStart:    start,
		PeriodEnd:      end,
		Currency:       req.Currency,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
		Actor:          actorOr(req.Actor, "admin"),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, InvoiceResponse{
		Invoice:  toInvoiceDTO(res.Invoice),
		Version:  toVersionDTO(res.Version),
		Replayed: res.Replayed,
	})
}

// ListInvoices returns invoice headers, optionally for one client.
// GET /api/invoices?client=
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	list, err := h.Engine.Invoices(r.Context(), r.URL.Query().Get("client"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]InvoiceDTO, len(list))
	for i := range list {
		dtos[i] = toInvoiceDTO(&list[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns the invoice header with its current version.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	inv, err := h.Engine.Invoice(ctx, id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	v, err := h.Engine.Version(ctx, id, inv.CurrentVersion)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InvoiceResponse{Invoice: toInvoiceDTO(inv), Version: toVersionDTO(v)})
}

// ListVersions returns every version, oldest first.
// GET /api/invoices/{id}/versions
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Engine.Versions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]*VersionDTO, len(versions))
	for i := range versions {
		dtos[i] = toVersionDTO(&versions[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetVersion returns one stored version.
// GET /api/invoices/{id}/versions/{version}
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid version", err)
		return
	}
	v, err := h.Engine.Version(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toVersionDTO(v))
}

// DiffVersions compares two versions.
// GET /api/invoices/{id}/diff?from=1&to=2
func (h *Handler) DiffVersions(w http.ResponseWriter, r *http.Request) {
	from, errFrom := strconv.Atoi(r.URL.Query().Get("from"))
	to, errTo := strconv.Atoi(r.URL.Query().Get("to"))
	if err := errors.Join(errFrom, errTo); err != nil {
		writeError(w, http.StatusBadRequest, "from and to must be integers", err)
		return
	}
	diff, err := h.Engine.DiffBetween(r.Context(), chi.URLParam(r, "id"), from, to)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// IssueInvoice freezes a draft.
// POST /api/invoices/{id}/issue
func (h *Handler) IssueInvoice(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	inv, err := h.Engine.Issue(r.Context(), chi.URLParam(r, "id"), actorOr(req.Actor, "admin"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// =============================================================================
// PREVIEW HANDLERS
// =============================================================================

// IssuePreviewToken creates a single-use viewer token.
// POST /api/invoices/{id}/preview-tokens
func (h *Handler) IssuePreviewToken(w http.ResponseWriter, r *http.Request) {
	var req IssueRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	tok, err := h.Engine.IssuePreviewToken(r.Context(), chi.URLParam(r, "id"), actorOr(req.Actor, "admin"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PreviewTokenDTO{
		Token:     tok.Token,
		InvoiceID: tok.InvoiceID,
		ExpiresAt: formatTime(tok.ExpiresAt),
		ViewerURL: tok.ViewerURL,
	})
}

// ViewPreview shows the current version once per token.
// GET /api/preview/{id}?token=...
func (h *Handler) ViewPreview(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.ViewPreview(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("token"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InvoiceResponse{Invoice: toInvoiceDTO(p.Invoice), Version: toVersionDTO(p.Version)})
}

// SubmitPreviewSuggestion records a customer suggestion.
// POST /api/preview/{id}/suggestions
func (h *Handler) SubmitPreviewSuggestion(w http.ResponseWriter, r *http.Request) {
	var req SubmitSuggestionRequest
	if !decodeSuggestion(w, r, &req) {
		return
	}
	res, err := h.Engine.SubmitSuggestion(r.Context(), invoice.SuggestionRequest{
		InvoiceID: chi.URLParam(r, "id"),
		Token:     req.Token,
		Kind:      req.Kind,
		Payload:   req.Payload,
		Actor:     req.Actor,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitSuggestionResponse{
		Suggestion:    toSuggestionDTO(res.Suggestion),
		PendingChange: toPendingChangeDTO(res.PendingChange),
	})
}

// =============================================================================
// SUGGESTION HANDLERS
// =============================================================================

// ListSuggestions returns all suggestions for an invoice.
// GET /api/invoices/{id}/suggestions
func (h *Handler) ListSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := h.Engine.Suggestions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]SuggestionDTO, len(suggestions))
	for i := range suggestions {
		dtos[i] = toSuggestionDTO(&suggestions[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SubmitStaffSuggestion records a suggestion from staff. No token needed.
// POST /api/invoices/{id}/suggestions
func (h *Handler) SubmitStaffSuggestion(w http.ResponseWriter, r *http.Request) {
	var req SubmitSuggestionRequest
	if !decodeSuggestion(w, r, &req) {
		return
	}
	res, err := h.Engine.SubmitStaffSuggestion(r.Context(), invoice.SuggestionRequest{
		InvoiceID: chi.URLParam(r, "id"),
		Kind:      req.Kind,
		Payload:   req.Payload,
		Actor:     actorOr(req.Actor, "admin"),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitSuggestionResponse{
		Suggestion:    toSuggestionDTO(res.Suggestion),
		PendingChange: toPendingChangeDTO(res.PendingChange),
	})
}

// ApplySuggestions merges approved suggestions into a new version.
// POST /api/invoices/{id}/apply
func (h *Handler) ApplySuggestions(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.Engine.Apply(r.Context(), invoice.ApplyRequest{
		InvoiceID:      chi.URLParam(r, "id"),
		SuggestionIDs:  req.SuggestionIDs,
		Actor:          actorOr(req.Actor, "admin"),
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ApplyResponse{
		InvoiceID:   res.InvoiceID,
		FromVersion: res.FromVersion,
		ToVersion:   res.ToVersion,
		Version:     toVersionDTO(res.Version),
		Diff:        res.Diff,
	})
}

// =============================================================================
// MODERATION HANDLERS
// =============================================================================

// ListPendingChanges returns a filtered page.
// GET /api/moderation/pending?status=&kind=&actor=&invoice_id=&created_after=&created_before=&limit=&offset=
func (h *Handler) ListPendingChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := invoice.PendingFilter{
		Status:    invoice.PendingStatus(q.Get("status")),
		Kind:      q.Get("kind"),
		Actor:     q.Get("actor"),
		InvoiceID: q.Get("invoice_id"),
	}
	var err error
	if f.CreatedAfter, err = queryTime(q.Get("created_after")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid created_after", err)
		return
	}
	if f.CreatedBefore, err = queryTime(q.Get("created_before")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid created_before", err)
		return
	}
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if f.Offset, err = queryInt(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	page, total, err := h.Engine.ListPendingChanges(r.Context(), f)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	resp := PendingListResponse{
		Items:  make([]PendingChangeDTO, len(page)),
		Total:  total,
		Limit:  f.Limit,
		Offset: f.Offset,
	}
	if resp.Limit <= 0 {
		resp.Limit = invoice.DefaultPageSize
	}
	if resp.Limit > invoice.MaxPageSize {
		resp.Limit = invoice.MaxPageSize
	}
	for i := range page {
		resp.Items[i] = toPendingChangeDTO(&page[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

// ApprovePendingChange approves one change.
// POST /api/moderation/pending/{id}/approve
func (h *Handler) ApprovePendingChange(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.Engine.Approve(r.Context(), chi.URLParam(r, "id"), req.Reviewer)
	h.writeReview(w, r, res, err)
}

// RejectPendingChange rejects one change. A reason is required.
// POST /api/moderation/pending/{id}/reject
func (h *Handler) RejectPendingChange(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.Engine.Reject(r.Context(), chi.URLParam(r, "id"), req.Reviewer, req.Reason)
	h.writeReview(w, r, res, err)
}

func (h *Handler) writeReview(w http.ResponseWriter, r *http.Request, res *invoice.ReviewResult, err error) {
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if !res.Changed {
		writeJSON(w, http.StatusOK, ReviewResponse{ID: res.ID, Status: "already_reviewed"})
		return
	}
	writeJSON(w, http.StatusOK, ReviewResponse{ID: res.ID, Status: string(res.Status)})
}

// BulkApprove approves many changes under one idempotency key.
// POST /api/moderation/pending/bulk-approve
func (h *Handler) BulkApprove(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		writeErrorCode(w, http.StatusBadRequest, "validation", "Idempotency-Key header is required", nil)
		return
	}
	var req BulkApproveRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	res, err := h.Engine.BulkApprove(r.Context(), req.IDs, req.Reviewer, key)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BulkApproveResponse{
		Approved: nonNil(res.Approved),
		Skipped:  nonNil(res.Skipped),
		Unknown:  nonNil(res.Unknown),
	})
}

// =============================================================================
// AUDIT AND EXPLAIN
// =============================================================================

// ListAudit queries the audit log, newest first.
// GET /api/audit?entity=&entity_id=&action=&limit=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if limit <= 0 || limit > invoice.MaxPageSize {
		limit = invoice.MaxPageSize
	}
	entries, err := h.Engine.AuditTrail(r.Context(), invoice.AuditFilter{
		Entity:   q.Get("entity"),
		EntityID: q.Get("entity_id"),
		Action:   invoice.AuditAction(q.Get("action")),
		Limit:    limit,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ExplainTask shows how a ledger task is priced under the current rules.
// GET /api/ledger/tasks/{id}/explain
func (h *Handler) ExplainTask(w http.ResponseWriter, r *http.Request) {
	exp, err := h.Engine.Explain(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeErrorCode(w, status, "", message, err)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps an engine error to a status and stable code.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var tokenErr *invoice.TokenError
	switch {
	case errors.As(err, &tokenErr):
		status := http.StatusGone
		if errors.Is(err, invoice.ErrTokenNotFound) {
			status = http.StatusNotFound
		}
		writeErrorCode(w, status, tokenErr.Code(), "Preview token rejected", err)
	case errors.Is(err, invoice.ErrForbiddenOperation):
		writeErrorCode(w, http.StatusForbidden, "forbidden_operation", "Operation not allowed", err)
	case invoice.IsClientError(err):
		writeErrorCode(w, http.StatusBadRequest, "validation", "Invalid request", err)
	case invoice.IsNotFound(err):
		writeErrorCode(w, http.StatusNotFound, "not_found", "Not found", err)
	case errors.Is(err, invoice.ErrIdempotencyConflict):
		writeErrorCode(w, http.StatusConflict, "idempotency_conflict", "Idempotency key already used", err)
	case errors.Is(err, invoice.ErrApprovalRequired):
		writeErrorCode(w, http.StatusConflict, "approval_required", "Moderation approval required", err)
	case errors.Is(err, invoice.ErrConcurrentModification):
		writeErrorCode(w, http.StatusConflict, "concurrent_modification", "Invoice changed concurrently, retry", err)
	case errors.Is(err, invoice.ErrInvoiceIssued):
		writeErrorCode(w, http.StatusConflict, "invoice_issued", "Invoice already issued", err)
	case invoice.IsConflict(err):
		writeErrorCode(w, http.StatusConflict, "conflict", "Conflict", err)
	default:
		h.Logger.Error().
			Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeErrorCode(w, http.StatusInternalServerError, "internal", "Internal error", nil)
	}
}

// decodeAndValidate reads a JSON body into dst and runs struct validation.
// It writes the 400 itself and returns false on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeStrict(w, http.MaxBytesReader(w, r.Body, maxBodyBytes), dst)
}

func decodeStrict(w http.ResponseWriter, body io.Reader, dst any) bool {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "validation", "Invalid JSON", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "validation", "Invalid request", validationDetails(err))
		return false
	}
	return true
}

// decodeSuggestion lets forbidden operations through to the engine whatever
// the rest of the body looks like, so they are rejected with 403 and audited
// instead of failing request validation.
func decodeSuggestion(w http.ResponseWriter, r *http.Request, req *SubmitSuggestionRequest) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "validation", "Invalid JSON", err)
		return false
	}
	if json.Unmarshal(body, req) == nil && invoice.CheckForbidden(req.Kind, req.Payload) != nil {
		return true
	}
	*req = SubmitSuggestionRequest{}
	return decodeStrict(w, bytes.NewReader(body), req)
}

// decodeOptional is decodeAndValidate for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	return decodeAndValidate(w, r, dst)
}

func validationDetails(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag())
	}
	return errors.New(strings.Join(msgs, "; "))
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func queryTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(invoice.DateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func actorOr(actor, fallback string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return fallback
}
