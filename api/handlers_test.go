/*
handlers_test.go - HTTP tests for the invoice API

Tests run the real router against the in-memory store:
- build with replay, preview single use, suggestion intake
- moderation soft conflict, apply, diff
- error status mapping and the admin gate
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invoice-engine/invoice"
	"github.com/warp/invoice-engine/invoice/store"
	"github.com/warp/invoice-engine/pricing"
)

const testAdminToken = "test-admin-token"

const testRules = `
version: 1
precision: 2
rates:
  hour_electric: "800.00"
  callout: "1500.00"
  km: "12.50"
  hour_plumbing: "650.00"
  hour_helper: "420.00"
modifiers:
  weekend: {percent: "50", applies: weekend}
`

type testServer struct {
	t      *testing.T
	router http.Handler
	engine *invoice.Engine
	ledger *store.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	rules, err := pricing.LoadDocuments([]byte(testRules))
	require.NoError(t, err)

	ledger := store.NewLedger(invoice.LedgerEntry{
		ID:       "task-1",
		Client:   "C1",
		Task:     "Panel wiring",
		Worker:   "ana",
		RateCode: "hour_electric",
		Qty:      decimal.NewFromInt(2),
		Unit:     "h",
		At:       time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	})
	engine := invoice.NewEngine(store.NewMemory(), pricing.StaticSource{Rules: rules}, ledger)
	engine.ViewerBaseURL = "https://viewer.test"

	h := NewHandler(engine)
	h.Ledger = ledger
	router := NewRouter(h, RouterOptions{AdminToken: testAdminToken, CORSOrigins: []string{"*"}})
	return &testServer{t: t, router: router, engine: engine, ledger: ledger}
}

// do sends a request with the admin token and decodes a JSON response into out.
func (s *testServer) do(method, path string, body any, headers map[string]string, out any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func (s *testServer) build(key string) InvoiceResponse {
	s.t.Helper()
	var resp InvoiceResponse
	rec := s.do(http.MethodPost, "/api/invoices", BuildInvoiceRequest{
		Client: "C1", PeriodStart: "2025-01-01", PeriodEnd: "2025-01-31", Currency: "EUR",
	}, map[string]string{IdempotencyHeader: key}, &resp)
	require.Contains(s.t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	return resp
}

func (s *testServer) token(invoiceID string) string {
	s.t.Helper()
	var tok PreviewTokenDTO
	rec := s.do(http.MethodPost, "/api/invoices/"+invoiceID+"/preview-tokens", nil, nil, &tok)
	require.Equal(s.t, http.StatusCreated, rec.Code)
	return tok.Token
}

func (s *testServer) suggest(invoiceID string) SubmitSuggestionResponse {
	s.t.Helper()
	var resp SubmitSuggestionResponse
	rec := s.do(http.MethodPost, "/api/preview/"+invoiceID+"/suggestions", SubmitSuggestionRequest{
		Token:   s.token(invoiceID),
		Kind:    "edit_item",
		Payload: json.RawMessage(`{"path":"items[0].qty","new":3}`),
	}, nil, &resp)
	require.Equal(s.t, http.StatusCreated, rec.Code)
	return resp
}

// =============================================================================
// INVOICES
// =============================================================================

func TestListInvoices_FiltersByClient(t *testing.T) {
	s := newTestServer(t)
	built := s.build("")

	var all []InvoiceDTO
	rec := s.do(http.MethodGet, "/api/invoices", nil, nil, &all)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, all, 1)
	assert.Equal(t, built.Invoice.ID, all[0].ID)

	var none []InvoiceDTO
	rec = s.do(http.MethodGet, "/api/invoices?client=C9", nil, nil, &none)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestBuildInvoice_CreatesThenReplays(t *testing.T) {
	// GIVEN: A ledger with one two-hour electrician task
	s := newTestServer(t)

	// WHEN: Building twice with the same key
	first := s.build("build-1")
	var second InvoiceResponse
	rec := s.do(http.MethodPost, "/api/invoices", BuildInvoiceRequest{
		Client: "C1", PeriodStart: "2025-01-01", PeriodEnd: "2025-01-31", Currency: "EUR",
	}, map[string]string{IdempotencyHeader: "build-1"}, &second)

	// THEN: The second call replays the first invoice
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Invoice.ID, second.Invoice.ID)
	assert.Equal(t, "1600.00", first.Version.Snapshot.Total)
	assert.Equal(t, "800.00", first.Version.Snapshot.Items[0].Rate)
	assert.Equal(t, 1, first.Invoice.CurrentVersion)
}

func TestBuildInvoice_KeyReuseWithDifferentScope(t *testing.T) {
	s := newTestServer(t)
	s.build("build-1")

	var errResp ErrorResponse
	rec := s.do(http.MethodPost, "/api/invoices", BuildInvoiceRequest{
		Client: "C1", PeriodStart: "2025-01-01", PeriodEnd: "2025-01-30", Currency: "EUR",
	}, map[string]string{IdempotencyHeader: "build-1"}, &errResp)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_conflict", errResp.Code)
}

func TestBuildInvoice_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing client", BuildInvoiceRequest{PeriodStart: "2025-01-01", PeriodEnd: "2025-01-31", Currency: "EUR"}},
		{"bad date", BuildInvoiceRequest{Client: "C1", PeriodStart: "01/01/2025", PeriodEnd: "2025-01-31", Currency: "EUR"}},
		{"bad currency", BuildInvoiceRequest{Client: "C1", PeriodStart: "2025-01-01", PeriodEnd: "2025-01-31", Currency: "EURO"}},
		{"end before start", BuildInvoiceRequest{Client: "C1", PeriodStart: "2025-02-01", PeriodEnd: "2025-01-31", Currency: "EUR"}},
		{"unknown field", map[string]string{"client": "C1", "colour": "red"}},
		{"empty ledger", BuildInvoiceRequest{Client: "nobody", PeriodStart: "2025-01-01", PeriodEnd: "2025-01-31", Currency: "EUR"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp ErrorResponse
			rec := s.do(http.MethodPost, "/api/invoices", tt.body, nil, &errResp)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "validation", errResp.Code)
		})
	}
}

func TestGetInvoice_NotFound(t *testing.T) {
	s := newTestServer(t)

	var errResp ErrorResponse
	rec := s.do(http.MethodGet, "/api/invoices/missing", nil, nil, &errResp)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errResp.Code)
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestViewPreview_SingleUse(t *testing.T) {
	// GIVEN: A built invoice and a fresh token
	s := newTestServer(t)
	inv := s.build("")
	tok := s.token(inv.Invoice.ID)
	path := "/api/preview/" + inv.Invoice.ID + "?token=" + tok

	// WHEN: Viewing twice
	var view InvoiceResponse
	first := s.do(http.MethodGet, path, nil, nil, &view)
	var errResp ErrorResponse
	second := s.do(http.MethodGet, path, nil, nil, &errResp)

	// THEN: Only the first view succeeds
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1600.00", view.Version.Snapshot.Total)
	assert.Equal(t, http.StatusGone, second.Code)
	assert.Equal(t, "already_consumed", errResp.Code)
}

func TestViewPreview_UnknownToken(t *testing.T) {
	s := newTestServer(t)
	inv := s.build("")

	var errResp ErrorResponse
	rec := s.do(http.MethodGet, "/api/preview/"+inv.Invoice.ID+"?token=nope", nil, nil, &errResp)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errResp.Code)
}

func TestSubmitSuggestion_ForbiddenIs403(t *testing.T) {
	s := newTestServer(t)
	inv := s.build("")

	var errResp ErrorResponse
	rec := s.do(http.MethodPost, "/api/preview/"+inv.Invoice.ID+"/suggestions", SubmitSuggestionRequest{
		Token:   s.token(inv.Invoice.ID),
		Kind:    "edit_item",
		Payload: json.RawMessage(`{"operation":"delete_item"}`),
	}, nil, &errResp)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden_operation", errResp.Code)

	pending, total, err := s.engine.ListPendingChanges(context.Background(), invoice.PendingFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, pending)
}

func TestSubmitSuggestion_ForbiddenKindSkipsRequestValidation(t *testing.T) {
	bodies := map[string]string{
		"no payload":    `{"token":"x","kind":"delete_item"}`,
		"unknown field": `{"token":"x","kind":"delete_item","payload":{},"extra":1}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			// GIVEN: A forbidden kind in a body that would fail request validation
			s := newTestServer(t)
			inv := s.build("")

			// WHEN: Submitting it on the public route
			var errResp ErrorResponse
			rec := s.do(http.MethodPost, "/api/preview/"+inv.Invoice.ID+"/suggestions", json.RawMessage(body), nil, &errResp)

			// THEN: It is a policy rejection, audited once
			assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
			assert.Equal(t, "forbidden_operation", errResp.Code)
			entries, err := s.engine.AuditTrail(context.Background(), invoice.AuditFilter{Action: invoice.AuditSuggestRejected})
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestSubmitSuggestion_UnknownFieldStillInvalid(t *testing.T) {
	s := newTestServer(t)
	inv := s.build("")

	var errResp ErrorResponse
	rec := s.do(http.MethodPost, "/api/invoices/"+inv.Invoice.ID+"/suggestions",
		json.RawMessage(`{"kind":"comment","payload":{"text":"hi"},"extra":1}`), nil, &errResp)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", errResp.Code)
}

// =============================================================================
// MODERATION AND APPLY
// =============================================================================

func TestSuggestApproveApply_EndToEnd(t *testing.T) {
	// GIVEN: A customer suggestion to raise qty from 2 to 3
	s := newTestServer(t)
	inv := s.build("")
	id := inv.Invoice.ID
	sub := s.suggest(id)
	assert.Equal(t, "pending", sub.Suggestion.Status)
	assert.Equal(t, sub.Suggestion.ID, sub.PendingChange.CorrelationID)

	apply := ApplyRequest{SuggestionIDs: []string{sub.Suggestion.ID}}

	// WHEN: Applying before approval
	var errResp ErrorResponse
	rec := s.do(http.MethodPost, "/api/invoices/"+id+"/apply", apply, nil, &errResp)

	// THEN: Apply is refused
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "approval_required", errResp.Code)

	// WHEN: Approved twice
	var review ReviewResponse
	rec = s.do(http.MethodPost, "/api/moderation/pending/"+sub.PendingChange.ID+"/approve", ReviewRequest{Reviewer: "mod"}, nil, &review)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", review.Status)

	rec = s.do(http.MethodPost, "/api/moderation/pending/"+sub.PendingChange.ID+"/approve", ReviewRequest{Reviewer: "mod2"}, nil, &review)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_reviewed", review.Status)

	// THEN: Apply creates version 2 with the scaled amount
	var applied ApplyResponse
	rec = s.do(http.MethodPost, "/api/invoices/"+id+"/apply", apply, map[string]string{IdempotencyHeader: "apply-1"}, &applied)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, applied.FromVersion)
	assert.Equal(t, 2, applied.ToVersion)
	assert.Equal(t, "2400.00", applied.Version.Snapshot.Total)
	assert.NotEmpty(t, applied.Diff.Changes)

	// AND: The same key again is rejected
	rec = s.do(http.MethodPost, "/api/invoices/"+id+"/apply", apply, map[string]string{IdempotencyHeader: "apply-1"}, &errResp)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "idempotency_conflict", errResp.Code)

	// AND: Diff and versions reflect the new version
	var diff invoice.VersionDiff
	rec = s.do(http.MethodGet, "/api/invoices/"+id+"/diff?from=1&to=2", nil, nil, &diff)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, diff.Total.New.Equal(decimal.RequireFromString("2400")))

	var versions []VersionDTO
	s.do(http.MethodGet, "/api/invoices/"+id+"/versions", nil, nil, &versions)
	assert.Len(t, versions, 2)

	var suggestions []SuggestionDTO
	s.do(http.MethodGet, "/api/invoices/"+id+"/suggestions", nil, nil, &suggestions)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "accepted", suggestions[0].Status)
	assert.Equal(t, 2, suggestions[0].AppliedVersion)
}

func TestRejectPendingChange_ReasonRequired(t *testing.T) {
	s := newTestServer(t)
	inv := s.build("")
	sub := s.suggest(inv.Invoice.ID)
	path := "/api/moderation/pending/" + sub.PendingChange.ID + "/reject"

	var errResp ErrorResponse
	rec := s.do(http.MethodPost, path, ReviewRequest{Reviewer: "mod", Reason: "no"}, nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var review ReviewResponse
	rec = s.do(http.MethodPost, path, ReviewRequest{Reviewer: "mod", Reason: "Hours do not match the timesheet"}, nil, &review)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rejected", review.Status)
}

func TestListPendingChanges_FiltersAndPages(t *testing.T) {
	s := newTestServer(t)
	inv := s.build("")
	for i := 0; i < 3; i++ {
		s.suggest(inv.Invoice.ID)
	}

	var page PendingListResponse
	rec := s.do(http.MethodGet, "/api/moderation/pending?status=pending&kind=edit_item&limit=2", nil, nil, &page)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Limit)

	rec = s.do(http.MethodGet, "/api/moderation/pending?limit=abc", nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBulkApprove(t *testing.T) {
	s := newTestServer(t)
	inv := s.build("")
	a := s.suggest(inv.Invoice.ID)
	b := s.suggest(inv.Invoice.ID)
	body := BulkApproveRequest{IDs: []string{a.PendingChange.ID, b.PendingChange.ID, "ghost"}, Reviewer: "mod"}

	t.Run("requires key", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/moderation/pending/bulk-approve", body, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("approves and partitions", func(t *testing.T) {
		var resp BulkApproveResponse
		rec := s.do(http.MethodPost, "/api/moderation/pending/bulk-approve", body, map[string]string{IdempotencyHeader: "bulk-1"}, &resp)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.ElementsMatch(t, []string{a.PendingChange.ID, b.PendingChange.ID}, resp.Approved)
		assert.Equal(t, []string{"ghost"}, resp.Unknown)
		assert.Empty(t, resp.Skipped)
	})

	t.Run("key reuse conflicts", func(t *testing.T) {
		rec := s.do(http.MethodPost, "/api/moderation/pending/bulk-approve", body, map[string]string{IdempotencyHeader: "bulk-1"}, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestIssueInvoice_BlocksApply(t *testing.T) {
	s := newTestServer(t)
	inv := s.build("")
	sub := s.suggest(inv.Invoice.ID)
	s.do(http.MethodPost, "/api/moderation/pending/"+sub.PendingChange.ID+"/approve", ReviewRequest{Reviewer: "mod"}, nil, nil)

	var issued InvoiceDTO
	rec := s.do(http.MethodPost, "/api/invoices/"+inv.Invoice.ID+"/issue", nil, nil, &issued)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "issued", issued.Status)

	var errResp ErrorResponse
	rec = s.do(http.MethodPost, "/api/invoices/"+inv.Invoice.ID+"/apply", ApplyRequest{SuggestionIDs: []string{sub.Suggestion.ID}}, nil, &errResp)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invoice_issued", errResp.Code)
}

// =============================================================================
// AUDIT, EXPLAIN, GATE
// =============================================================================

func TestListAudit(t *testing.T) {
	s := newTestServer(t)
	inv := s.build("")

	var entries []AuditEntryDTO
	rec := s.do(http.MethodGet, "/api/audit?entity_id="+inv.Invoice.ID+"&action="+string(invoice.AuditVersionCreate), nil, nil, &entries)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin", entries[0].Actor)
}

func TestExplainTask(t *testing.T) {
	s := newTestServer(t)

	var exp pricing.Explanation
	rec := s.do(http.MethodGet, "/api/ledger/tasks/task-1/explain", nil, nil, &exp)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, exp.Total.Equal(decimal.RequireFromString("1600")))
	assert.NotEmpty(t, exp.PricingSHA)

	rec = s.do(http.MethodGet, "/api/ledger/tasks/nope/explain", nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminGate(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/moderation/pending", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/moderation/pending", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealthz_ChecksEveryBackend(t *testing.T) {
	s := newTestServer(t)
	h := NewHandler(s.engine)
	router := NewRouter(h, RouterOptions{AdminToken: testAdminToken})

	h.Health = Pingers{stubPinger{}, stubPinger{}}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// WHEN: The second backend (the Redis guard in production) is down
	h.Health = Pingers{stubPinger{}, stubPinger{err: errors.New("redis down")}}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
