/*
sqlstore_test.go - SQLite-backed store tests

Tests for:
- Row round trips and nil-on-missing getters
- Unique violations mapped to ErrDuplicateKey
- Conditional updates (version pointer, tokens, moderation)
- Savepoints inside transactions
- Pending change filtering and pagination
- Half-open ledger ranges
- The engine running end to end on SQL
*/
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invoice-engine/invoice"
	"github.com/warp/invoice-engine/pricing"
)

var t0 = time.Date(2025, 2, 1, 9, 30, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedInvoice(t *testing.T, s *Store, id string) invoice.Invoice {
	t.Helper()
	inv := invoice.Invoice{
		ID:             id,
		Client:         "C1",
		PeriodStart:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:      time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		Currency:       "EUR",
		Status:         invoice.StatusDraft,
		CurrentVersion: 1,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	require.NoError(t, s.CreateInvoice(context.Background(), inv))
	return inv
}

func snapshot(total string) *invoice.Snapshot {
	return &invoice.Snapshot{
		SchemaVersion: invoice.SnapshotSchemaVersion,
		Client:        "C1",
		Currency:      "EUR",
		Precision:     2,
		Items: []invoice.Item{{
			TaskID: "t1", Task: "Wiring", RateCode: "hour_electric",
			Rate: decimal.RequireFromString("800"), Qty: decimal.NewFromInt(2), Unit: "h",
			Amount: decimal.RequireFromString(total),
		}},
		Total: decimal.RequireFromString(total),
	}
}

func TestOpen_MigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoices.db")
	ctx := context.Background()

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	seedInvoice(t, s1, "inv-1")
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, "sqlite://"+path)
	require.NoError(t, err)
	defer s2.Close()

	inv, err := s2.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, inv)
	assert.Equal(t, SQLite, s2.Dialect())
}

func TestInvoices_RoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	want := seedInvoice(t, s, "inv-1")

	got, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	missing, err := s.GetInvoice(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = s.CreateInvoice(ctx, want)
	assert.ErrorIs(t, err, invoice.ErrDuplicateKey)

	list, err := s.ListInvoices(ctx, "C1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = s.ListInvoices(ctx, "C9")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestVersions_UniqueAndConditionalAdvance(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	seedInvoice(t, s, "inv-1")

	v1 := invoice.InvoiceVersion{InvoiceID: "inv-1", Version: 1, Snapshot: snapshot("1600.00"), HTMLPath: "/a/v1.html", CreatedBy: "admin", CreatedAt: t0}
	require.NoError(t, s.AppendVersion(ctx, v1))
	assert.ErrorIs(t, s.AppendVersion(ctx, v1), invoice.ErrDuplicateKey)

	got, err := s.GetVersion(ctx, "inv-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "/a/v1.html", got.HTMLPath)
	assert.Empty(t, got.PDFPath)
	assert.Equal(t, "1600.00", got.Snapshot.Format(got.Snapshot.Total))

	ok, err := s.AdvanceVersion(ctx, "inv-1", 1, 2, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	// second writer still thinks current is 1
	ok, err = s.AdvanceVersion(ctx, "inv-1", 1, 2, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.SetInvoiceStatus(ctx, "inv-1", invoice.StatusDraft, invoice.StatusIssued, t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetInvoiceStatus(ctx, "inv-1", invoice.StatusDraft, invoice.StatusIssued, t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokens_ConsumeOnceAndPurge(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.SaveToken(ctx, invoice.PreviewToken{Token: "tok", InvoiceID: "inv-1", CreatedAt: t0, TTLSeconds: 60}))

	ok, err := s.ConsumeToken(ctx, "tok", t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeToken(ctx, "tok", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	tok, err := s.GetToken(ctx, "tok")
	require.NoError(t, err)
	require.NotNil(t, tok.ConsumedAt)
	assert.True(t, tok.ConsumedAt.Equal(t0.Add(time.Second)))
	assert.True(t, tok.ExpiresAt().Equal(t0.Add(time.Minute)))

	n, err := s.DeleteTokensExpiredBefore(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.DeleteTokensExpiredBefore(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIdempotency_InsertOrFail(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	rec := invoice.IdempotencyRecord{Key: "k1", ScopeHash: "h", Status: "completed", Result: json.RawMessage(`{"invoice_id":"inv-1","version":1}`), CreatedAt: t0}

	require.NoError(t, s.InsertIdempotencyRecord(ctx, rec))
	assert.ErrorIs(t, s.InsertIdempotencyRecord(ctx, rec), invoice.ErrDuplicateKey)

	got, err := s.GetIdempotencyRecord(ctx, "k1")
	require.NoError(t, err)
	assert.JSONEq(t, string(rec.Result), string(got.Result))

	claimed := invoice.IdempotencyRecord{Key: "k2", ScopeHash: "h", Status: "claimed", CreatedAt: t0}
	require.NoError(t, s.InsertIdempotencyRecord(ctx, claimed))
	got, err = s.GetIdempotencyRecord(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, got.Result)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx invoice.Store) error {
		seedInvoice(t, tx.(*Store), "inv-1")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	inv, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Nil(t, inv)
}

func TestSavepoint_UndoesOnlyInnerWrites(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx invoice.Store) error {
		seedInvoice(t, tx.(*Store), "inv-1")
		spErr := tx.Savepoint(ctx, func(sp invoice.Store) error {
			require.NoError(t, sp.AppendAudit(ctx, invoice.AuditEntry{ID: "a1", Action: invoice.AuditVersionCreate, Entity: "invoice", EntityID: "inv-1", Timestamp: t0}))
			return errors.New("audit sink rejected")
		})
		assert.Error(t, spErr)
		return tx.AppendAudit(ctx, invoice.AuditEntry{ID: "a2", Action: invoice.AuditInvoiceIssue, Entity: "invoice", EntityID: "inv-1", Timestamp: t0})
	})
	require.NoError(t, err)

	inv, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.NotNil(t, inv)

	entries, err := s.QueryAudit(ctx, invoice.AuditFilter{EntityID: "inv-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a2", entries[0].ID)
}

func TestPendingChanges_FilterAndPage(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	kinds := []string{"invoice_suggestion.comment", "invoice_suggestion.edit_item", "invoice_suggestion.comment", "invoice_suggestion.editXitem"}
	for i, k := range kinds {
		require.NoError(t, s.CreatePendingChange(ctx, invoice.PendingChange{
			ID: "pc-" + string(rune('a'+i)), InvoiceID: "inv-1", Kind: k, Payload: json.RawMessage(`{}`),
			Status: invoice.PendingOpen, Actor: "customer", CorrelationID: "sug-" + string(rune('a'+i)),
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, total, err := s.ListPendingChanges(ctx, invoice.PendingFilter{Kind: "comment", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "pc-c", page[0].ID)

	// underscore is not a wildcard
	page, total, err = s.ListPendingChanges(ctx, invoice.PendingFilter{Kind: "edit_item"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "pc-b", page[0].ID)

	before := t0.Add(2 * time.Minute)
	_, total, err = s.ListPendingChanges(ctx, invoice.PendingFilter{CreatedBefore: &before})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	ok, err := s.ReviewPendingChange(ctx, "pc-a", invoice.PendingApproved, "mod", "", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ReviewPendingChange(ctx, "pc-a", invoice.PendingRejected, "mod2", "late reviewer", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	pc, err := s.GetPendingChangeByCorrelation(ctx, "sug-a")
	require.NoError(t, err)
	assert.Equal(t, invoice.PendingApproved, pc.Status)
	assert.Equal(t, "mod", pc.Reviewer)

	ok, err = s.ConsumePendingChange(ctx, "pc-a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumePendingChange(ctx, "pc-b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_HalfOpenRange(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for i, at := range []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC),
		time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	} {
		require.NoError(t, s.SaveLedgerEntry(ctx, invoice.LedgerEntry{
			ID: "e" + string(rune('1'+i)), Client: "C1", RateCode: "hour_electric", Qty: decimal.RequireFromString("1.5"), Unit: "h", At: at,
		}))
	}

	entries, err := s.Entries(ctx, "C1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].ID)
	assert.True(t, entries[0].Qty.Equal(decimal.RequireFromString("1.5")))

	// upsert
	e, err := s.Entry(ctx, "e3")
	require.NoError(t, err)
	e.Qty = decimal.NewFromInt(4)
	require.NoError(t, s.SaveLedgerEntry(ctx, *e))
	e, err = s.Entry(ctx, "e3")
	require.NoError(t, err)
	assert.True(t, e.Qty.Equal(decimal.NewFromInt(4)))
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &Store{dialect: SQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestParseDSN(t *testing.T) {
	d, driver, _ := parseDSN("postgres://u:p@localhost/invoices")
	assert.Equal(t, Postgres, d)
	assert.Equal(t, "pgx", driver)

	d, driver, source := parseDSN("./data/invoices.db")
	assert.Equal(t, SQLite, d)
	assert.Equal(t, "sqlite3", driver)
	assert.Equal(t, "./data/invoices.db?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", source)
}

// =============================================================================
// ENGINE ON SQL
// =============================================================================

func TestEngine_EndToEndOnSQLite(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.SaveLedgerEntry(ctx, invoice.LedgerEntry{
		ID: "task-1", Client: "C1", Task: "Wiring", RateCode: "hour_electric",
		Qty: decimal.NewFromInt(2), Unit: "h", At: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	}))
	rules, err := pricing.LoadDocuments([]byte(`{"rates": {"hour_electric": "800.00"}}`))
	require.NoError(t, err)

	engine := invoice.NewEngine(s, pricing.StaticSource{Rules: rules}, s)
	engine.Clock = func() time.Time { return t0 }

	// build with replay
	req := invoice.BuildRequest{
		Client: "C1", Currency: "eur", IdempotencyKey: "b1",
		PeriodStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	built, err := engine.Build(ctx, req)
	require.NoError(t, err)
	replay, err := engine.Build(ctx, req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, built.Invoice.ID, replay.Invoice.ID)

	// suggest, approve, apply
	tok, err := engine.IssuePreviewToken(ctx, built.Invoice.ID, "admin")
	require.NoError(t, err)
	sub, err := engine.SubmitSuggestion(ctx, invoice.SuggestionRequest{
		InvoiceID: built.Invoice.ID, Token: tok.Token, Kind: "edit_item",
		Payload: json.RawMessage(`{"path":"items[0].qty","new":3}`),
	})
	require.NoError(t, err)
	_, err = engine.Approve(ctx, sub.PendingChange.ID, "mod")
	require.NoError(t, err)

	res, err := engine.Apply(ctx, invoice.ApplyRequest{InvoiceID: built.Invoice.ID, SuggestionIDs: []string{sub.Suggestion.ID}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ToVersion)
	assert.Equal(t, "2400.00", res.Version.Snapshot.Format(res.Version.Snapshot.Total))

	// token is spent
	assert.ErrorIs(t, engine.ValidateAndConsume(ctx, built.Invoice.ID, tok.Token), invoice.ErrTokenConsumed)

	// bulk approve key reuse
	_, err = engine.BulkApprove(ctx, []string{"x"}, "mod", "bulk")
	require.NoError(t, err)
	_, err = engine.BulkApprove(ctx, []string{"x"}, "mod", "bulk")
	assert.ErrorIs(t, err, invoice.ErrIdempotencyConflict)

	trail, err := engine.AuditTrail(ctx, invoice.AuditFilter{EntityID: built.Invoice.ID, Action: invoice.AuditSuggestApply})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.EqualValues(t, 2, trail[0].Metadata["to"])
}
