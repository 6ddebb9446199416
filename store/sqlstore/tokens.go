package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/invoice-engine/invoice"
)

// =============================================================================
// PREVIEW TOKENS
// =============================================================================

func (s *Store) SaveToken(ctx context.Context, t invoice.PreviewToken) error {
	return s.insert(ctx, "preview token", `
		INSERT INTO preview_tokens (token, invoice_id, created_at, ttl_seconds, expires_at, consumed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.Token,
		t.InvoiceID,
		formatTime(t.CreatedAt),
		t.TTLSeconds,
		formatTime(t.ExpiresAt()),
		nullTime(t.ConsumedAt),
	)
}

func (s *Store) GetToken(ctx context.Context, token string) (*invoice.PreviewToken, error) {
	var (
		t          invoice.PreviewToken
		createdAt  string
		consumedAt sql.NullString
	)
	err := s.queryRow(ctx, `
		SELECT token, invoice_id, created_at, ttl_seconds, consumed_at
		FROM preview_tokens WHERE token = ?`, token,
	).Scan(&t.Token, &t.InvoiceID, &createdAt, &t.TTLSeconds, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.ConsumedAt, err = parseNullTime(consumedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ConsumeToken(ctx context.Context, token string, at time.Time) (bool, error) {
	return s.execConditional(ctx, `
		UPDATE preview_tokens SET consumed_at = ?
		WHERE token = ? AND consumed_at IS NULL`,
		formatTime(at), token)
}

func (s *Store) DeleteTokensExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM preview_tokens WHERE expires_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func (s *Store) InsertIdempotencyRecord(ctx context.Context, rec invoice.IdempotencyRecord) error {
	var result sql.NullString
	if len(rec.Result) > 0 {
		result = sql.NullString{String: string(rec.Result), Valid: true}
	}
	return s.insert(ctx, "idempotency key", `
		INSERT INTO idempotency_keys (idem_key, scope_hash, status, result_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Key, rec.ScopeHash, rec.Status, result, formatTime(rec.CreatedAt))
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*invoice.IdempotencyRecord, error) {
	var (
		rec       invoice.IdempotencyRecord
		result    sql.NullString
		createdAt string
	)
	err := s.queryRow(ctx, `
		SELECT idem_key, scope_hash, status, result_json, created_at
		FROM idempotency_keys WHERE idem_key = ?`, key,
	).Scan(&rec.Key, &rec.ScopeHash, &rec.Status, &result, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e invoice.AuditEntry) error {
	var meta sql.NullString
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("audit metadata: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}
	return s.insert(ctx, "audit entry", `
		INSERT INTO audit_log (seq, id, action, entity, entity_id, actor, payload_hash, metadata_json, ts)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_log), ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		string(e.Action),
		e.Entity,
		e.EntityID,
		nullString(e.Actor),
		nullString(e.PayloadHash),
		meta,
		formatTime(e.Timestamp),
	)
}

func (s *Store) QueryAudit(ctx context.Context, f invoice.AuditFilter) ([]invoice.AuditEntry, error) {
	query := `SELECT id, action, entity, entity_id, actor, payload_hash, metadata_json, ts FROM audit_log WHERE 1 = 1`
	var args []any
	if f.Entity != "" {
		query += ` AND entity = ?`
		args = append(args, f.Entity)
	}
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(f.Action))
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []invoice.AuditEntry{}
	for rows.Next() {
		var (
			e                        invoice.AuditEntry
			action, ts               string
			actor, payloadHash, meta sql.NullString
		)
		if err := rows.Scan(&e.ID, &action, &e.Entity, &e.EntityID, &actor, &payloadHash, &meta, &ts); err != nil {
			return nil, err
		}
		e.Action = invoice.AuditAction(action)
		e.Actor = actor.String
		e.PayloadHash = payloadHash.String
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit %s metadata: %w", e.ID, err)
			}
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
