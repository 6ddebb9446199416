/*
moderation.go - Pending change review

STATE MACHINE:
  pending ──approve──▶ approved ──apply──▶ consumed
     │
     └────reject────▶ rejected

  Every transition is a conditional UPDATE on the expected current status.
  When two reviewers race, exactly one write succeeds; the other gets a
  ReviewResult with Changed=false and the status the winner set.

BULK APPROVE:
  Requires an idempotency key. The key is claimed through the Guard before
  any pending change is read or written; reusing it always fails. Ids that
  are no longer pending are skipped, unknown ids are reported, and the
  batch never fails because of them.
*/
package invoice

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MinRejectReason is the minimum trimmed length of a rejection reason.
	MinRejectReason = 5

	DefaultPageSize = 50
	MaxPageSize     = 200
	MaxBulkIDs      = 200
)

// ReviewResult reports a review. Changed is false when the change had
// already been reviewed; Status is then the status found.
type ReviewResult struct {
	ID      string
	Changed bool
	Status  PendingStatus
}

// BulkResult partitions the requested ids.
type BulkResult struct {
	Approved []string
	Skipped  []string
	Unknown  []string
}

// ListPendingChanges returns a page of pending changes and the total count.
func (e *Engine) ListPendingChanges(ctx context.Context, f PendingFilter) ([]PendingChange, int, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		return nil, 0, invalid("offset", "must not be negative")
	}
	switch f.Status {
	case "", PendingOpen, PendingApproved, PendingRejected, PendingConsumed:
	default:
		return nil, 0, invalid("status", "unknown status %q", f.Status)
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedBefore.Before(*f.CreatedAfter) {
		return nil, 0, invalid("created", "range end before start")
	}
	return e.Store.ListPendingChanges(ctx, f)
}

// Approve moves a pending change to approved.
func (e *Engine) Approve(ctx context.Context, id, reviewer string) (*ReviewResult, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, invalid("reviewer", "required")
	}
	return e.review(ctx, id, PendingApproved, reviewer, "", AuditModApprove)
}

// Reject moves a pending change to rejected. The reason is mandatory.
func (e *Engine) Reject(ctx context.Context, id, reviewer, reason string) (*ReviewResult, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, invalid("reviewer", "required")
	}
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < MinRejectReason {
		return nil, invalid("reason", "must be at least %d characters", MinRejectReason)
	}
	return e.review(ctx, id, PendingRejected, reviewer, reason, AuditModReject)
}

func (e *Engine) review(ctx context.Context, id string, to PendingStatus, reviewer, reason string, action AuditAction) (res *ReviewResult, err error) {
	ctx, span := tracer.Start(ctx, "invoice.Review", trace.WithAttributes(
		attribute.String("pending.id", id),
		attribute.String("pending.to", string(to)),
	))
	defer func() { endSpan(span, err) }()

	pc, err := e.Store.GetPendingChange(ctx, id)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, &NotFoundError{Entity: "pending change", ID: id}
	}
	if pc.Status != PendingOpen {
		return &ReviewResult{ID: id, Changed: false, Status: pc.Status}, nil
	}

	now := e.now()
	res = &ReviewResult{ID: id}
	err = e.Store.WithTx(ctx, func(s Store) error {
		ok, err := s.ReviewPendingChange(ctx, id, to, reviewer, reason, now)
		if err != nil {
			return err
		}
		if !ok {
			// lost the race; report what the winner wrote
			current, err := s.GetPendingChange(ctx, id)
			if err != nil {
				return err
			}
			res.Status = PendingOpen
			if current != nil {
				res.Status = current.Status
			}
			return nil
		}
		res.Changed = true
		res.Status = to
		meta := map[string]any{"correlation_id": pc.CorrelationID, "kind": pc.Kind}
		if reason != "" {
			meta["reason"] = reason
		}
		e.audit(ctx, s, AuditEntry{
			Action:   action,
			Entity:   "pending_change",
			EntityID: id,
			Actor:    reviewer,
			Metadata: meta,
		}, map[string]any{"id": id, "status": to, "reason": reason})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Changed {
		e.emit(ctx, Event{Name: "moderation." + string(to), InvoiceID: pc.InvoiceID})
	}
	return res, nil
}

type bulkScope struct {
	Op       string   `json:"op"`
	IDs      []string `json:"ids"`
	Reviewer string   `json:"reviewer"`
}

// BulkApprove approves every listed change that is still pending.
func (e *Engine) BulkApprove(ctx context.Context, ids []string, reviewer, idempotencyKey string) (res *BulkResult, err error) {
	ctx, span := tracer.Start(ctx, "invoice.BulkApprove", trace.WithAttributes(attribute.Int("pending.count", len(ids))))
	defer func() { endSpan(span, err) }()

	if err := CheckIdempotencyKey(idempotencyKey); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reviewer) == "" {
		return nil, invalid("reviewer", "required")
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, invalid("ids", "at least one id is required")
	}
	if len(ids) > MaxBulkIDs {
		return nil, invalid("ids", "at most %d ids per call", MaxBulkIDs)
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	scopeHash, err := ScopeHash(bulkScope{Op: "bulk_approve", IDs: sorted, Reviewer: reviewer})
	if err != nil {
		return nil, err
	}
	if err := e.guard().EnsureIdempotent(ctx, idempotencyKey, scopeHash); err != nil {
		return nil, err
	}

	now := e.now()
	res = &BulkResult{Approved: []string{}, Skipped: []string{}, Unknown: []string{}}
	err = e.Store.WithTx(ctx, func(s Store) error {
		for _, id := range ids {
			pc, err := s.GetPendingChange(ctx, id)
			if err != nil {
				return err
			}
			if pc == nil {
				res.Unknown = append(res.Unknown, id)
				continue
			}
			if pc.Status != PendingOpen {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			ok, err := s.ReviewPendingChange(ctx, id, PendingApproved, reviewer, "", now)
			if err != nil {
				return fmt.Errorf("approve %s: %w", id, err)
			}
			if !ok {
				res.Skipped = append(res.Skipped, id)
				continue
			}
			res.Approved = append(res.Approved, id)
			e.audit(ctx, s, AuditEntry{
				Action:   AuditModApprove,
				Entity:   "pending_change",
				EntityID: id,
				Actor:    reviewer,
				Metadata: map[string]any{"correlation_id": pc.CorrelationID, "bulk": true},
			}, map[string]any{"id": id, "status": PendingApproved})
		}
		e.audit(ctx, s, AuditEntry{
			Action:   AuditModBulkApprove,
			Entity:   "pending_change",
			EntityID: idempotencyKey,
			Actor:    reviewer,
			Metadata: map[string]any{"approved": len(res.Approved), "skipped": len(res.Skipped), "unknown": len(res.Unknown)},
		}, bulkScope{Op: "bulk_approve", IDs: sorted, Reviewer: reviewer})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info().
		Int("approved", len(res.Approved)).
		Int("skipped", len(res.Skipped)).
		Int("unknown", len(res.Unknown)).
		Str("reviewer", reviewer).
		Msg("bulk approve")
	e.emit(ctx, Event{Name: "moderation.bulk_approved", Attrs: map[string]string{"count": fmt.Sprint(len(res.Approved))}})
	return res, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
