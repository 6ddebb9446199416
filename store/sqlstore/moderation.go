package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/warp/invoice-engine/invoice"
)

// =============================================================================
// SUGGESTIONS
// =============================================================================

const suggestionColumns = `id, invoice_id, source, kind, payload_json, status, actor, created_at, accepted_at, applied_version`

func (s *Store) CreateSuggestion(ctx context.Context, sug invoice.Suggestion) error {
	return s.insert(ctx, "suggestion", `
		INSERT INTO suggestions (`+suggestionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sug.ID,
		sug.InvoiceID,
		string(sug.Source),
		string(sug.Kind),
		payloadText(sug.Payload),
		string(sug.Status),
		nullString(sug.Actor),
		formatTime(sug.CreatedAt),
		nullTime(sug.AcceptedAt),
		sug.AppliedVersion,
	)
}

func (s *Store) GetSuggestion(ctx context.Context, id string) (*invoice.Suggestion, error) {
	row := s.queryRow(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id = ?`, id)
	sug, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sug, nil
}

func (s *Store) ListSuggestions(ctx context.Context, invoiceID string) ([]invoice.Suggestion, error) {
	rows, err := s.query(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE invoice_id = ? ORDER BY created_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []invoice.Suggestion
	for rows.Next() {
		sug, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sug)
	}
	return out, rows.Err()
}

func (s *Store) AcceptSuggestion(ctx context.Context, id string, version int, at time.Time) (bool, error) {
	return s.execConditional(ctx, `
		UPDATE suggestions SET status = ?, accepted_at = ?, applied_version = ?
		WHERE id = ? AND status = ?`,
		string(invoice.SuggestionAccepted), formatTime(at), version, id, string(invoice.SuggestionPending))
}

func scanSuggestion(row scanner) (*invoice.Suggestion, error) {
	var (
		sug                  invoice.Suggestion
		source, kind, status string
		payload, createdAt   string
		actor, acceptedAt    sql.NullString
	)
	if err := row.Scan(&sug.ID, &sug.InvoiceID, &source, &kind, &payload, &status, &actor,
		&createdAt, &acceptedAt, &sug.AppliedVersion); err != nil {
		return nil, err
	}
	sug.Source = invoice.SuggestionSource(source)
	sug.Kind = invoice.Kind(kind)
	sug.Status = invoice.SuggestionStatus(status)
	sug.Payload = json.RawMessage(payload)
	sug.Actor = actor.String

	var err error
	if sug.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sug.AcceptedAt, err = parseNullTime(acceptedAt); err != nil {
		return nil, err
	}
	return &sug, nil
}

// =============================================================================
// PENDING CHANGES
// =============================================================================

const pendingColumns = `id, invoice_id, kind, payload_json, status, actor, reviewer, reviewed_at, reason, correlation_id, created_at`

func (s *Store) CreatePendingChange(ctx context.Context, pc invoice.PendingChange) error {
	// seq keeps listing in insertion order on both dialects
	return s.insert(ctx, "pending change", `
		INSERT INTO pending_changes (seq, `+pendingColumns+`)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM pending_changes), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pc.ID,
		nullString(pc.InvoiceID),
		pc.Kind,
		payloadText(pc.Payload),
		string(pc.Status),
		nullString(pc.Actor),
		nullString(pc.Reviewer),
		nullTime(pc.ReviewedAt),
		nullString(pc.Reason),
		nullString(pc.CorrelationID),
		formatTime(pc.CreatedAt),
	)
}

func (s *Store) GetPendingChange(ctx context.Context, id string) (*invoice.PendingChange, error) {
	return s.getPending(ctx, `SELECT `+pendingColumns+` FROM pending_changes WHERE id = ?`, id)
}

func (s *Store) GetPendingChangeByCorrelation(ctx context.Context, correlationID string) (*invoice.PendingChange, error) {
	return s.getPending(ctx, `SELECT `+pendingColumns+` FROM pending_changes WHERE correlation_id = ?`, correlationID)
}

func (s *Store) getPending(ctx context.Context, query string, arg string) (*invoice.PendingChange, error) {
	pc, err := scanPending(s.queryRow(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (s *Store) ListPendingChanges(ctx context.Context, f invoice.PendingFilter) ([]invoice.PendingChange, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, `(kind = ? OR kind LIKE ? ESCAPE '\')`)
		args = append(args, f.Kind, likeSuffix("."+f.Kind))
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.InvoiceID != "" {
		where = append(where, "invoice_id = ?")
		args = append(args, f.InvoiceID)
	}
	if f.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*f.CreatedBefore))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM pending_changes`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + pendingColumns + ` FROM pending_changes` + clause + ` ORDER BY seq`
	pageArgs := append([]any(nil), args...)
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		pageArgs = append(pageArgs, f.Limit, f.Offset)
	}
	rows, err := s.query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	page := []invoice.PendingChange{}
	for rows.Next() {
		pc, err := scanPending(rows)
		if err != nil {
			return nil, 0, err
		}
		page = append(page, *pc)
	}
	return page, total, rows.Err()
}

func (s *Store) ReviewPendingChange(ctx context.Context, id string, to invoice.PendingStatus, reviewer, reason string, at time.Time) (bool, error) {
	return s.execConditional(ctx, `
		UPDATE pending_changes SET status = ?, reviewer = ?, reason = ?, reviewed_at = ?
		WHERE id = ? AND status = ?`,
		string(to), nullString(reviewer), nullString(reason), formatTime(at), id, string(invoice.PendingOpen))
}

func (s *Store) ConsumePendingChange(ctx context.Context, id string) (bool, error) {
	return s.execConditional(ctx, `
		UPDATE pending_changes SET status = ?
		WHERE id = ? AND status = ?`,
		string(invoice.PendingConsumed), id, string(invoice.PendingApproved))
}

func scanPending(row scanner) (*invoice.PendingChange, error) {
	var (
		pc                                 invoice.PendingChange
		status, payload, createdAt         string
		invoiceID, actor, reviewer, reason sql.NullString
		reviewedAt, correlationID          sql.NullString
	)
	if err := row.Scan(&pc.ID, &invoiceID, &pc.Kind, &payload, &status, &actor, &reviewer,
		&reviewedAt, &reason, &correlationID, &createdAt); err != nil {
		return nil, err
	}
	pc.InvoiceID = invoiceID.String
	pc.Payload = json.RawMessage(payload)
	pc.Status = invoice.PendingStatus(status)
	pc.Actor = actor.String
	pc.Reviewer = reviewer.String
	pc.Reason = reason.String
	pc.CorrelationID = correlationID.String

	var err error
	if pc.ReviewedAt, err = parseNullTime(reviewedAt); err != nil {
		return nil, err
	}
	if pc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &pc, nil
}

func payloadText(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}
