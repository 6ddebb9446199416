package invoice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// PayloadHash fingerprints an audited payload without storing it.
func PayloadHash(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// audit appends an entry under a savepoint of s. Failures are logged and
// counted, never returned.
func (e *Engine) audit(ctx context.Context, s Store, entry AuditEntry, payload any) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.now()
	}
	if entry.PayloadHash == "" {
		entry.PayloadHash = PayloadHash(payload)
	}

	err := s.Savepoint(ctx, func(sp Store) error {
		return sp.AppendAudit(ctx, entry)
	})
	if err != nil {
		e.Logger.Warn().
			Err(err).
			Str("action", string(entry.Action)).
			Str("entity_id", entry.EntityID).
			Msg("audit write failed")
		e.emit(ctx, Event{Name: "audit.failed", InvoiceID: entry.EntityID, Attrs: map[string]string{"action": string(entry.Action)}})
	}
}

// AuditTrail returns audit entries, newest first.
func (e *Engine) AuditTrail(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	if f.Limit <= 0 || f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	return e.Store.QueryAudit(ctx, f)
}
