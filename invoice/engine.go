/*
engine.go - Invoice engine wiring

PURPOSE:
  Engine holds the collaborators every operation needs. Operations live in
  their own files:

    builder.go     Build, Issue, read queries
    preview.go     IssuePreviewToken, ValidateAndConsume, ViewPreview
    intake.go      SubmitSuggestion, SubmitStaffSuggestion
    moderation.go  ListPendingChanges, Approve, Reject, BulkApprove
    apply.go       Apply

UNITS OF WORK:
  Each mutating operation reads what it needs, computes the new state in
  memory, then writes everything in a single Store.WithTx call. Audit
  entries go into the same transaction under a savepoint.

USAGE:
  engine := invoice.NewEngine(store, pricing.FileSource{Paths: paths}, ledger)
  engine.Renderer = render.NewHTMLRenderer(dir)
  engine.Events = metrics.NewSink(registry)

SEE ALSO:
  - store.go: persistence contract
*/
package invoice

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/invoice-engine/pricing"
)

var tracer = otel.Tracer("invoice-engine.invoice")

// Engine runs invoice operations against a Store.
type Engine struct {
	Store    Store
	Rules    pricing.RulesSource
	Ledger   LedgerReader
	Renderer Renderer  // optional
	Events   EventSink // optional
	Guard    Guard     // defaults to StoreGuard over Store
	Logger   zerolog.Logger
	Clock    func() time.Time

	TokenTTL      time.Duration
	ViewerBaseURL string
}

// NewEngine creates an engine with default token TTL and a store-backed guard.
func NewEngine(store Store, rules pricing.RulesSource, ledger LedgerReader) *Engine {
	return &Engine{
		Store:         store,
		Rules:         rules,
		Ledger:        ledger,
		Logger:        zerolog.Nop(),
		TokenTTL:      DefaultTokenTTL,
		ViewerBaseURL: "http://localhost:8080",
	}
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) guard() Guard {
	if e.Guard != nil {
		return e.Guard
	}
	return StoreGuard{Store: e.Store, Clock: e.Clock}
}

// emit never fails the caller, even if the sink panics.
func (e *Engine) emit(ctx context.Context, ev Event) {
	if e.Events == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Warn().Interface("panic", r).Str("event", ev.Name).Msg("event sink panicked")
		}
	}()
	e.Events.Emit(ctx, ev)
}

func (e *Engine) render(ctx context.Context, inv *Invoice, v *InvoiceVersion) Artifacts {
	if e.Renderer == nil {
		return Artifacts{}
	}
	arts, err := e.Renderer.Render(ctx, RenderInput{
		InvoiceID: inv.ID,
		Version:   v.Version,
		Status:    inv.Status,
		Snapshot:  v.Snapshot,
	})
	if err != nil {
		e.Logger.Warn().Err(err).Str("invoice_id", inv.ID).Int("version", v.Version).Msg("artifact rendering failed")
		e.emit(ctx, Event{Name: "render.failed", InvoiceID: inv.ID})
	}
	return arts
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
