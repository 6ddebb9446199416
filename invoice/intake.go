package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SuggestionRequest is a proposed edit. Token is required for customer
// submissions and ignored for staff.
type SuggestionRequest struct {
	InvoiceID string
	Token     string
	Kind      string
	Payload   json.RawMessage
	Actor     string
}

// SubmitResult pairs the stored suggestion with its moderation mirror.
type SubmitResult struct {
	Suggestion    *Suggestion
	PendingChange *PendingChange
}

// SubmitSuggestion records a customer suggestion made with a preview token.
//
// Order of checks:
//  1. forbidden operations (audited, never stored)
//  2. kind and payload validation
//  3. token validation, which consumes the token
//  4. suggestion + pending change + audit in one transaction
func (e *Engine) SubmitSuggestion(ctx context.Context, req SuggestionRequest) (*SubmitResult, error) {
	if req.Actor == "" {
		req.Actor = "customer"
	}
	return e.submit(ctx, req, SourceCustomer)
}

// SubmitStaffSuggestion records a suggestion from an authenticated staff
// member. It skips the token but not the forbidden or moderation checks.
func (e *Engine) SubmitStaffSuggestion(ctx context.Context, req SuggestionRequest) (*SubmitResult, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return nil, invalid("actor", "required for staff suggestions")
	}
	return e.submit(ctx, req, SourceStaff)
}

func (e *Engine) submit(ctx context.Context, req SuggestionRequest, source SuggestionSource) (res *SubmitResult, err error) {
	ctx, span := tracer.Start(ctx, "invoice.SubmitSuggestion", trace.WithAttributes(
		attribute.String("invoice.id", req.InvoiceID),
		attribute.String("suggestion.kind", req.Kind),
		attribute.String("suggestion.source", string(source)),
	))
	defer func() { endSpan(span, err) }()

	if err := CheckForbidden(req.Kind, req.Payload); err != nil {
		e.rejectForbidden(ctx, req.InvoiceID, "", req.Actor, "intake", err)
		return nil, err
	}

	kind := Kind(strings.TrimSpace(req.Kind))
	if _, err := DecodeChange(kind, req.Payload); err != nil {
		return nil, err
	}

	inv, err := e.Invoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusIssued {
		return nil, ErrInvoiceIssued
	}

	if source == SourceCustomer {
		if err := e.ValidateAndConsume(ctx, req.InvoiceID, req.Token); err != nil {
			return nil, err
		}
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	now := e.now()
	sug := &Suggestion{
		ID:        uuid.NewString(),
		InvoiceID: req.InvoiceID,
		Source:    source,
		Kind:      kind,
		Payload:   payload,
		Status:    SuggestionPending,
		Actor:     req.Actor,
		CreatedAt: now,
	}
	pc := &PendingChange{
		ID:            uuid.NewString(),
		InvoiceID:     req.InvoiceID,
		Kind:          kind.PendingKind(),
		Payload:       payload,
		Status:        PendingOpen,
		Actor:         req.Actor,
		CorrelationID: sug.ID,
		CreatedAt:     now,
	}

	err = e.Store.WithTx(ctx, func(s Store) error {
		if err := s.CreateSuggestion(ctx, *sug); err != nil {
			return fmt.Errorf("create suggestion: %w", err)
		}
		if err := s.CreatePendingChange(ctx, *pc); err != nil {
			return fmt.Errorf("create pending change: %w", err)
		}
		e.audit(ctx, s, AuditEntry{
			Action:   AuditSuggestCreate,
			Entity:   "suggestion",
			EntityID: sug.ID,
			Actor:    req.Actor,
			Metadata: map[string]any{"invoice_id": req.InvoiceID, "kind": string(kind), "source": string(source), "pending_change_id": pc.ID},
		}, payload)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, Event{Name: "suggestion.submitted", InvoiceID: req.InvoiceID, Attrs: map[string]string{"kind": string(kind), "source": string(source)}})
	return &SubmitResult{Suggestion: sug, PendingChange: pc}, nil
}

// rejectForbidden audits a blocked operation outside any transaction.
func (e *Engine) rejectForbidden(ctx context.Context, invoiceID, suggestionID, actor, phase string, cause error) {
	op := ""
	var fe *ForbiddenOperationError
	if errors.As(cause, &fe) {
		op = fe.Operation
	}
	e.Logger.Warn().
		Str("invoice_id", invoiceID).
		Str("suggestion_id", suggestionID).
		Str("operation", op).
		Str("phase", phase).
		Msg("forbidden operation blocked")
	e.audit(ctx, e.Store, AuditEntry{
		Action:   AuditSuggestRejected,
		Entity:   "invoice",
		EntityID: invoiceID,
		Actor:    actor,
		Metadata: map[string]any{"operation": op, "phase": phase, "suggestion_id": suggestionID},
	}, map[string]any{"invoice_id": invoiceID, "operation": op, "phase": phase})
	e.emit(ctx, Event{Name: "suggestion.rejected", InvoiceID: invoiceID, Attrs: map[string]string{"phase": phase}})
}
