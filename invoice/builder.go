package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/invoice-engine/pricing"
)

// =============================================================================
// BUILD
// =============================================================================

// BuildRequest asks for an invoice over [PeriodStart, PeriodEnd], both dates inclusive.
type BuildRequest struct {
	Client         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Currency       string
	IdempotencyKey string
	Actor          string
}

// BuildResult is returned by Build. Replayed is true when the result came
// from an earlier call with the same idempotency key.
type BuildResult struct {
	Invoice  *Invoice
	Version  *InvoiceVersion
	Replayed bool
}

// buildScope is what makes two build requests "the same". Actor is excluded.
type buildScope struct {
	Op          string `json:"op"`
	Client      string `json:"client"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
	Currency    string `json:"currency"`
}

type buildReceipt struct {
	InvoiceID string `json:"invoice_id"`
	Version   int    `json:"version"`
}

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

func (r BuildRequest) normalize() (BuildRequest, error) {
	r.Client = strings.TrimSpace(r.Client)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.PeriodStart = truncateDay(r.PeriodStart)
	r.PeriodEnd = truncateDay(r.PeriodEnd)

	if r.Client == "" {
		return r, invalid("client", "required")
	}
	if !currencyRe.MatchString(r.Currency) {
		return r, invalid("currency", "must be a 3-letter code")
	}
	if r.PeriodStart.IsZero() || r.PeriodEnd.IsZero() {
		return r, invalid("period", "start and end are required")
	}
	if r.PeriodEnd.Before(r.PeriodStart) {
		return r, invalid("period", "end before start")
	}
	if r.IdempotencyKey != "" {
		if err := CheckIdempotencyKey(r.IdempotencyKey); err != nil {
			return r, err
		}
	}
	if r.Actor == "" {
		r.Actor = "system"
	}
	return r, nil
}

func (r BuildRequest) scope() buildScope {
	return buildScope{
		Op:          "build",
		Client:      r.Client,
		PeriodStart: r.PeriodStart.Format(DateLayout),
		PeriodEnd:   r.PeriodEnd.Format(DateLayout),
		Currency:    r.Currency,
	}
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Build prices the client's ledger entries for the period and stores the
// result as version 1 of a new draft invoice.
func (e *Engine) Build(ctx context.Context, req BuildRequest) (res *BuildResult, err error) {
	ctx, span := tracer.Start(ctx, "invoice.Build", trace.WithAttributes(
		attribute.String("invoice.client", req.Client),
		attribute.Bool("invoice.idempotent", req.IdempotencyKey != ""),
	))
	defer func() { endSpan(span, err) }()

	req, err = req.normalize()
	if err != nil {
		return nil, err
	}
	scopeHash, err := ScopeHash(req.scope())
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		res, err := e.replayBuild(ctx, req.IdempotencyKey, scopeHash)
		if res != nil || err != nil {
			return res, err
		}
	}

	rules, err := e.Rules.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	entries, err := e.Ledger.Entries(ctx, req.Client, req.PeriodStart, req.PeriodEnd.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	snap, err := PriceSnapshot(rules, req, entries)
	if err != nil {
		return nil, err
	}

	now := e.now()
	inv := &Invoice{
		ID:             uuid.NewString(),
		Client:         req.Client,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
		Currency:       req.Currency,
		Status:         StatusDraft,
		CurrentVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ver := &InvoiceVersion{
		InvoiceID: inv.ID,
		Version:   1,
		Snapshot:  snap,
		CreatedBy: req.Actor,
		CreatedAt: now,
	}
	arts := e.render(ctx, inv, ver)
	ver.HTMLPath, ver.PDFPath = arts.HTMLPath, arts.PDFPath

	receipt, err := json.Marshal(buildReceipt{InvoiceID: inv.ID, Version: 1})
	if err != nil {
		return nil, err
	}

	err = e.Store.WithTx(ctx, func(s Store) error {
		if req.IdempotencyKey != "" {
			if err := s.InsertIdempotencyRecord(ctx, IdempotencyRecord{
				Key:       req.IdempotencyKey,
				ScopeHash: scopeHash,
				Status:    "completed",
				Result:    receipt,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if err := s.CreateInvoice(ctx, *inv); err != nil {
			return fmt.Errorf("create invoice: %w", err)
		}
		if err := s.AppendVersion(ctx, *ver); err != nil {
			return fmt.Errorf("append version: %w", err)
		}
		e.audit(ctx, s, AuditEntry{
			Action:   AuditVersionCreate,
			Entity:   "invoice",
			EntityID: inv.ID,
			Actor:    req.Actor,
			Metadata: map[string]any{"version": 1, "total": snap.Format(snap.Total), "rules_hash": snap.RulesHash},
		}, snap)
		return nil
	})
	if err != nil {
		if req.IdempotencyKey != "" && errors.Is(err, ErrDuplicateKey) {
			// a concurrent call with the same key committed first
			res, rerr := e.replayBuild(ctx, req.IdempotencyKey, scopeHash)
			if res != nil || rerr != nil {
				return res, rerr
			}
			return nil, KeyConflict(req.IdempotencyKey)
		}
		return nil, err
	}

	e.Logger.Info().
		Str("invoice_id", inv.ID).
		Str("client", inv.Client).
		Str("total", snap.Format(snap.Total)).
		Int("items", len(snap.Items)).
		Msg("invoice built")
	e.emit(ctx, Event{Name: "invoice.built", InvoiceID: inv.ID, Attrs: map[string]string{"currency": inv.Currency}})
	return &BuildResult{Invoice: inv, Version: ver}, nil
}

// replayBuild returns (nil, nil) when the key has never been used.
func (e *Engine) replayBuild(ctx context.Context, key, scopeHash string) (*BuildResult, error) {
	rec, err := e.Store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.ScopeHash != scopeHash {
		return nil, KeyConflict(key)
	}

	var receipt buildReceipt
	if err := json.Unmarshal(rec.Result, &receipt); err != nil || receipt.InvoiceID == "" {
		// the key was claimed by a reject-duplicate operation
		return nil, KeyConflict(key)
	}
	inv, err := e.Store.GetInvoice(ctx, receipt.InvoiceID)
	if err != nil {
		return nil, err
	}
	ver, err := e.Store.GetVersion(ctx, receipt.InvoiceID, receipt.Version)
	if err != nil {
		return nil, err
	}
	if inv == nil || ver == nil {
		return nil, &NotFoundError{Entity: "invoice", ID: receipt.InvoiceID}
	}

	e.emit(ctx, Event{Name: "invoice.replayed", InvoiceID: inv.ID})
	return &BuildResult{Invoice: inv, Version: ver, Replayed: true}, nil
}

// PriceSnapshot turns ledger entries into a priced snapshot. Entries are
// ordered by time then id so identical input always yields identical items.
func PriceSnapshot(rules *pricing.RuleSet, req BuildRequest, entries []LedgerEntry) (*Snapshot, error) {
	if len(entries) == 0 {
		return nil, invalid("period", "no billable ledger entries for %s", req.Client)
	}
	sorted := make([]LedgerEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].At.Equal(sorted[j].At) {
			return sorted[i].At.Before(sorted[j].At)
		}
		return sorted[i].ID < sorted[j].ID
	})

	snap := &Snapshot{
		SchemaVersion: SnapshotSchemaVersion,
		Client:        req.Client,
		PeriodStart:   req.PeriodStart.Format(DateLayout),
		PeriodEnd:     req.PeriodEnd.Format(DateLayout),
		Currency:      req.Currency,
		Precision:     rules.Precision,
		RulesVersion:  rules.Version,
		RulesHash:     rules.Hash,
		Items:         make([]Item, 0, len(sorted)),
	}
	for _, en := range sorted {
		_, total, _, err := rules.Price(en.RateCode, en.Qty, en.At)
		if err != nil {
			return nil, fmt.Errorf("price ledger entry %s: %w", en.ID, err)
		}
		rate, _ := rules.Rate(en.RateCode)
		snap.Items = append(snap.Items, Item{
			TaskID:   en.ID,
			Task:     en.Task,
			Worker:   en.Worker,
			Site:     en.Site,
			Date:     en.At.UTC().Format(DateLayout),
			RateCode: en.RateCode,
			Rate:     rate,
			Qty:      en.Qty,
			Unit:     en.Unit,
			Amount:   total,
		})
	}
	snap.Recompute()
	return snap, nil
}

// =============================================================================
// ISSUE
// =============================================================================

// Issue moves a draft invoice to issued. Issued invoices accept no more
// suggestions or applies.
func (e *Engine) Issue(ctx context.Context, invoiceID, actor string) (inv *Invoice, err error) {
	ctx, span := tracer.Start(ctx, "invoice.Issue", trace.WithAttributes(attribute.String("invoice.id", invoiceID)))
	defer func() { endSpan(span, err) }()

	inv, err = e.Invoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusIssued {
		return nil, ErrInvoiceIssued
	}

	now := e.now()
	err = e.Store.WithTx(ctx, func(s Store) error {
		ok, err := s.SetInvoiceStatus(ctx, invoiceID, StatusDraft, StatusIssued, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvoiceIssued
		}
		e.audit(ctx, s, AuditEntry{
			Action:   AuditInvoiceIssue,
			Entity:   "invoice",
			EntityID: invoiceID,
			Actor:    actor,
			Metadata: map[string]any{"version": inv.CurrentVersion},
		}, map[string]any{"invoice_id": invoiceID, "version": inv.CurrentVersion})
		return nil
	})
	if err != nil {
		return nil, err
	}
	inv.Status = StatusIssued
	inv.UpdatedAt = now
	e.emit(ctx, Event{Name: "invoice.issued", InvoiceID: invoiceID})
	return inv, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Invoice returns the invoice header or a NotFoundError.
func (e *Engine) Invoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := e.Store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, &NotFoundError{Entity: "invoice", ID: id}
	}
	return inv, nil
}

// Invoices lists invoice headers newest first. An empty client lists all.
func (e *Engine) Invoices(ctx context.Context, client string) ([]Invoice, error) {
	list, err := e.Store.ListInvoices(ctx, strings.TrimSpace(client))
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []Invoice{}
	}
	return list, nil
}

// Version returns one version; version 0 means current.
func (e *Engine) Version(ctx context.Context, invoiceID string, version int) (*InvoiceVersion, error) {
	if version == 0 {
		inv, err := e.Invoice(ctx, invoiceID)
		if err != nil {
			return nil, err
		}
		version = inv.CurrentVersion
	}
	v, err := e.Store.GetVersion(ctx, invoiceID, version)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &NotFoundError{Entity: "version", ID: fmt.Sprintf("%s/%d", invoiceID, version)}
	}
	return v, nil
}

func (e *Engine) Versions(ctx context.Context, invoiceID string) ([]InvoiceVersion, error) {
	if _, err := e.Invoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return e.Store.ListVersions(ctx, invoiceID)
}

// DiffBetween compares two stored versions of an invoice.
func (e *Engine) DiffBetween(ctx context.Context, invoiceID string, from, to int) (*VersionDiff, error) {
	if from <= 0 || to <= 0 {
		return nil, invalid("version", "from and to must be positive")
	}
	a, err := e.Version(ctx, invoiceID, from)
	if err != nil {
		return nil, err
	}
	b, err := e.Version(ctx, invoiceID, to)
	if err != nil {
		return nil, err
	}
	return DiffVersions(a, b), nil
}

func (e *Engine) Suggestions(ctx context.Context, invoiceID string) ([]Suggestion, error) {
	if _, err := e.Invoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return e.Store.ListSuggestions(ctx, invoiceID)
}

// Explain prices a single ledger task against the current rules.
func (e *Engine) Explain(ctx context.Context, taskID string) (*pricing.Explanation, error) {
	entry, err := e.Ledger.Entry(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &NotFoundError{Entity: "task", ID: taskID}
	}
	rules, err := e.Rules.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return pricing.Explain(rules, pricing.ExplainInput{
		TaskID:   entry.ID,
		RateCode: entry.RateCode,
		Qty:      entry.Qty,
		At:       entry.At,
	})
}
