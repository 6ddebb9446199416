/*
apply.go - Merging approved suggestions into a new version

PURPOSE:
  Apply turns a batch of approved suggestions into version current+1.
  The batch is all-or-nothing: one unapproved, forbidden or malformed
  suggestion rejects the whole call and no version is written.

PHASES:
  1. Read and check (no writes)
     - every suggestion exists, belongs to the invoice, is not yet applied
     - CheckForbidden again on every stored suggestion
     - every mirrored pending change is approved
     - transforms run on a deep copy of the current snapshot
  2. Render artifacts for the new version (failures tolerated)
  3. One transaction
     - append version current+1
     - advance current_version from current to current+1 (conditional)
     - suggestions pending -> accepted, pending changes approved -> consumed
     - audit version.create and suggest.apply
  Any conditional update that matches no row aborts the transaction with
  ErrConcurrentModification.

IDEMPOTENCY:
  An optional key goes through the reject-duplicate Guard before phase 1.
*/
package invoice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ApplyRequest lists suggestions to merge, in application order.
type ApplyRequest struct {
	InvoiceID      string
	SuggestionIDs  []string
	Actor          string
	IdempotencyKey string
}

// ApplyResult reports the new version and what changed.
type ApplyResult struct {
	InvoiceID   string
	FromVersion int
	ToVersion   int
	Version     *InvoiceVersion
	Diff        *VersionDiff
}

type applyScope struct {
	Op            string   `json:"op"`
	InvoiceID     string   `json:"invoice_id"`
	SuggestionIDs []string `json:"suggestion_ids"`
}

// Apply merges approved suggestions into a new invoice version.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (res *ApplyResult, err error) {
	ctx, span := tracer.Start(ctx, "invoice.Apply", trace.WithAttributes(
		attribute.String("invoice.id", req.InvoiceID),
		attribute.Int("suggestion.count", len(req.SuggestionIDs)),
	))
	defer func() { endSpan(span, err) }()

	if len(req.SuggestionIDs) == 0 {
		return nil, invalid("suggestion_ids", "at least one id is required")
	}
	ids := dedupe(req.SuggestionIDs)
	if len(ids) != len(req.SuggestionIDs) {
		return nil, invalid("suggestion_ids", "ids must be unique and non-empty")
	}
	if strings.TrimSpace(req.Actor) == "" {
		req.Actor = "system"
	}

	if req.IdempotencyKey != "" {
		if err := CheckIdempotencyKey(req.IdempotencyKey); err != nil {
			return nil, err
		}
		scopeHash, err := ScopeHash(applyScope{Op: "apply", InvoiceID: req.InvoiceID, SuggestionIDs: ids})
		if err != nil {
			return nil, err
		}
		if err := e.guard().EnsureIdempotent(ctx, req.IdempotencyKey, scopeHash); err != nil {
			return nil, err
		}
	}

	// ---- phase 1: read and check ----

	inv, err := e.Invoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusIssued {
		return nil, ErrInvoiceIssued
	}

	suggestions := make([]*Suggestion, 0, len(ids))
	for _, id := range ids {
		s, err := e.Store.GetSuggestion(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil || s.InvoiceID != req.InvoiceID {
			return nil, &NotFoundError{Entity: "suggestion", ID: id}
		}
		suggestions = append(suggestions, s)
	}

	for _, s := range suggestions {
		if err := CheckForbidden(string(s.Kind), s.Payload); err != nil {
			var fe *ForbiddenOperationError
			if errors.As(err, &fe) {
				fe.SuggestionID = s.ID
			}
			e.rejectForbidden(ctx, req.InvoiceID, s.ID, req.Actor, "apply", err)
			return nil, err
		}
	}

	pending := make([]*PendingChange, 0, len(suggestions))
	for _, s := range suggestions {
		if s.Status == SuggestionAccepted {
			return nil, fmt.Errorf("%w: suggestion %s already applied in version %d", ErrConflict, s.ID, s.AppliedVersion)
		}
		pc, err := e.Store.GetPendingChangeByCorrelation(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if pc == nil {
			return nil, &ApprovalRequiredError{SuggestionID: s.ID, Status: "missing"}
		}
		if pc.Status != PendingApproved {
			return nil, &ApprovalRequiredError{SuggestionID: s.ID, Status: pc.Status}
		}
		pending = append(pending, pc)
	}

	changes := make([]Change, 0, len(suggestions))
	for _, s := range suggestions {
		c, err := DecodeChange(s.Kind, s.Payload)
		if err != nil {
			return nil, fmt.Errorf("suggestion %s: %w", s.ID, err)
		}
		changes = append(changes, c)
	}

	current, err := e.Version(ctx, inv.ID, inv.CurrentVersion)
	if err != nil {
		return nil, err
	}
	next, err := ApplyChanges(current.Snapshot, changes)
	if err != nil {
		return nil, err
	}

	// ---- phase 2: render ----

	from, to := current.Version, current.Version+1
	now := e.now()
	ver := &InvoiceVersion{
		InvoiceID: inv.ID,
		Version:   to,
		Snapshot:  next,
		CreatedBy: req.Actor,
		CreatedAt: now,
	}
	arts := e.render(ctx, inv, ver)
	ver.HTMLPath, ver.PDFPath = arts.HTMLPath, arts.PDFPath

	// ---- phase 3: write ----

	diff := DiffVersions(current, ver)
	err = e.Store.WithTx(ctx, func(s Store) error {
		if err := s.AppendVersion(ctx, *ver); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return ErrConcurrentModification
			}
			return fmt.Errorf("append version: %w", err)
		}
		ok, err := s.AdvanceVersion(ctx, inv.ID, from, to, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConcurrentModification
		}
		for i, sug := range suggestions {
			ok, err := s.AcceptSuggestion(ctx, sug.ID, to, now)
			if err != nil {
				return err
			}
			if !ok {
				return ErrConcurrentModification
			}
			ok, err = s.ConsumePendingChange(ctx, pending[i].ID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrConcurrentModification
			}
		}

		e.audit(ctx, s, AuditEntry{
			Action:   AuditVersionCreate,
			Entity:   "invoice",
			EntityID: inv.ID,
			Actor:    req.Actor,
			Metadata: map[string]any{"version": to, "total": next.Format(next.Total)},
		}, next)
		e.audit(ctx, s, AuditEntry{
			Action:   AuditSuggestApply,
			Entity:   "invoice",
			EntityID: inv.ID,
			Actor:    req.Actor,
			Metadata: map[string]any{"from": from, "to": to, "suggestion_ids": ids, "changes": len(diff.Changes)},
		}, applyScope{Op: "apply", InvoiceID: inv.ID, SuggestionIDs: ids})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info().
		Str("invoice_id", inv.ID).
		Int("from", from).
		Int("to", to).
		Int("suggestions", len(ids)).
		Str("total", next.Format(next.Total)).
		Msg("suggestions applied")
	e.emit(ctx, Event{Name: "version.created", InvoiceID: inv.ID, Attrs: map[string]string{"version": fmt.Sprint(to)}})

	return &ApplyResult{
		InvoiceID:   inv.ID,
		FromVersion: from,
		ToVersion:   to,
		Version:     ver,
		Diff:        diff,
	}, nil
}
