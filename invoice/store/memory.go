// Package store provides in-memory invoice.Store and invoice.LedgerReader
// implementations for tests and local development.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/invoice-engine/invoice"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements invoice.Store. WithTx works on a copy of the state and
// swaps it in on success, so a failed unit of work leaves nothing behind.
type Memory struct {
	db *memdb
	tx *state // non-nil inside WithTx
}

type memdb struct {
	mu        sync.Mutex
	st        *state
	auditFail error
}

type state struct {
	invoices     map[string]invoice.Invoice
	versions     map[string][]invoice.InvoiceVersion
	suggestions  map[string]invoice.Suggestion
	pending      map[string]invoice.PendingChange
	pendingOrder []string
	tokens       map[string]invoice.PreviewToken
	idempotency  map[string]invoice.IdempotencyRecord
	audit        []invoice.AuditEntry
}

var _ invoice.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{db: &memdb{st: newState()}}
}

func newState() *state {
	return &state{
		invoices:    make(map[string]invoice.Invoice),
		versions:    make(map[string][]invoice.InvoiceVersion),
		suggestions: make(map[string]invoice.Suggestion),
		pending:     make(map[string]invoice.PendingChange),
		tokens:      make(map[string]invoice.PreviewToken),
		idempotency: make(map[string]invoice.IdempotencyRecord),
	}
}

// clone copies every map. Stored values are structs whose pointer fields are
// replaced, never mutated, so a shallow copy per entry is enough.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.versions {
		c.versions[k] = append([]invoice.InvoiceVersion(nil), v...)
	}
	for k, v := range s.suggestions {
		c.suggestions[k] = v
	}
	for k, v := range s.pending {
		c.pending[k] = v
	}
	c.pendingOrder = append([]string(nil), s.pendingOrder...)
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	c.audit = append([]invoice.AuditEntry(nil), s.audit...)
	return c
}

// FailAuditWith makes every audit append return err (nil to reset).
func (m *Memory) FailAuditWith(err error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	m.db.auditFail = err
}

func (m *Memory) do(fn func(st *state) error) error {
	if m.tx != nil {
		return fn(m.tx)
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return fn(m.db.st)
}

func (m *Memory) WithTx(ctx context.Context, fn func(invoice.Store) error) error {
	if m.tx != nil {
		return fn(m)
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()

	work := m.db.st.clone()
	if err := fn(&Memory{db: m.db, tx: work}); err != nil {
		return err
	}
	m.db.st = work
	return nil
}

func (m *Memory) Savepoint(ctx context.Context, fn func(invoice.Store) error) error {
	if m.tx == nil {
		return fn(m)
	}
	saved := m.tx.clone()
	if err := fn(m); err != nil {
		*m.tx = *saved
		return err
	}
	return nil
}

// =============================================================================
// INVOICES AND VERSIONS
// =============================================================================

func (m *Memory) CreateInvoice(_ context.Context, inv invoice.Invoice) error {
	return m.do(func(st *state) error {
		if _, ok := st.invoices[inv.ID]; ok {
			return invoice.ErrDuplicateKey
		}
		st.invoices[inv.ID] = inv
		return nil
	})
}

func (m *Memory) GetInvoice(_ context.Context, id string) (*invoice.Invoice, error) {
	var out *invoice.Invoice
	err := m.do(func(st *state) error {
		if inv, ok := st.invoices[id]; ok {
			out = &inv
		}
		return nil
	})
	return out, err
}

func (m *Memory) ListInvoices(_ context.Context, client string) ([]invoice.Invoice, error) {
	var out []invoice.Invoice
	err := m.do(func(st *state) error {
		for _, inv := range st.invoices {
			if client == "" || inv.Client == client {
				out = append(out, inv)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (m *Memory) AppendVersion(_ context.Context, v invoice.InvoiceVersion) error {
	return m.do(func(st *state) error {
		for _, existing := range st.versions[v.InvoiceID] {
			if existing.Version == v.Version {
				return invoice.ErrDuplicateKey
			}
		}
		st.versions[v.InvoiceID] = append(st.versions[v.InvoiceID], v)
		return nil
	})
}

func (m *Memory) GetVersion(_ context.Context, invoiceID string, version int) (*invoice.InvoiceVersion, error) {
	var out *invoice.InvoiceVersion
	err := m.do(func(st *state) error {
		for _, v := range st.versions[invoiceID] {
			if v.Version == version {
				v := v
				out = &v
			}
		}
		return nil
	})
	return out, err
}

func (m *Memory) ListVersions(_ context.Context, invoiceID string) ([]invoice.InvoiceVersion, error) {
	var out []invoice.InvoiceVersion
	err := m.do(func(st *state) error {
		out = append(out, st.versions[invoiceID]...)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, err
}

func (m *Memory) AdvanceVersion(_ context.Context, invoiceID string, from, to int, at time.Time) (bool, error) {
	var ok bool
	err := m.do(func(st *state) error {
		inv, found := st.invoices[invoiceID]
		if !found || inv.CurrentVersion != from {
			return nil
		}
		inv.CurrentVersion = to
		inv.UpdatedAt = at
		st.invoices[invoiceID] = inv
		ok = true
		return nil
	})
	return ok, err
}

func (m *Memory) SetInvoiceStatus(_ context.Context, invoiceID string, from, to invoice.InvoiceStatus, at time.Time) (bool, error) {
	var ok bool
	err := m.do(func(st *state) error {
		inv, found := st.invoices[invoiceID]
		if !found || inv.Status != from {
			return nil
		}
		inv.Status = to
		inv.UpdatedAt = at
		st.invoices[invoiceID] = inv
		ok = true
		return nil
	})
	return ok, err
}

// =============================================================================
// SUGGESTIONS AND PENDING CHANGES
// =============================================================================

func (m *Memory) CreateSuggestion(_ context.Context, s invoice.Suggestion) error {
	return m.do(func(st *state) error {
		if _, ok := st.suggestions[s.ID]; ok {
			return invoice.ErrDuplicateKey
		}
		st.suggestions[s.ID] = s
		return nil
	})
}

func (m *Memory) GetSuggestion(_ context.Context, id string) (*invoice.Suggestion, error) {
	var out *invoice.Suggestion
	err := m.do(func(st *state) error {
		if s, ok := st.suggestions[id]; ok {
			out = &s
		}
		return nil
	})
	return out, err
}

func (m *Memory) ListSuggestions(_ context.Context, invoiceID string) ([]invoice.Suggestion, error) {
	out := []invoice.Suggestion{}
	err := m.do(func(st *state) error {
		for _, s := range st.suggestions {
			if s.InvoiceID == invoiceID {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, err
}

func (m *Memory) AcceptSuggestion(_ context.Context, id string, version int, at time.Time) (bool, error) {
	var ok bool
	err := m.do(func(st *state) error {
		s, found := st.suggestions[id]
		if !found || s.Status != invoice.SuggestionPending {
			return nil
		}
		s.Status = invoice.SuggestionAccepted
		s.AcceptedAt = &at
		s.AppliedVersion = version
		st.suggestions[id] = s
		ok = true
		return nil
	})
	return ok, err
}

func (m *Memory) CreatePendingChange(_ context.Context, pc invoice.PendingChange) error {
	return m.do(func(st *state) error {
		if _, ok := st.pending[pc.ID]; ok {
			return invoice.ErrDuplicateKey
		}
		st.pending[pc.ID] = pc
		st.pendingOrder = append(st.pendingOrder, pc.ID)
		return nil
	})
}

func (m *Memory) GetPendingChange(_ context.Context, id string) (*invoice.PendingChange, error) {
	var out *invoice.PendingChange
	err := m.do(func(st *state) error {
		if pc, ok := st.pending[id]; ok {
			out = &pc
		}
		return nil
	})
	return out, err
}

func (m *Memory) GetPendingChangeByCorrelation(_ context.Context, correlationID string) (*invoice.PendingChange, error) {
	var out *invoice.PendingChange
	err := m.do(func(st *state) error {
		for _, id := range st.pendingOrder {
			if pc := st.pending[id]; pc.CorrelationID == correlationID {
				out = &pc
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (m *Memory) ListPendingChanges(_ context.Context, f invoice.PendingFilter) ([]invoice.PendingChange, int, error) {
	var matched []invoice.PendingChange
	err := m.do(func(st *state) error {
		for _, id := range st.pendingOrder {
			pc := st.pending[id]
			if matchPending(pc, f) {
				matched = append(matched, pc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	total := len(matched)
	page := []invoice.PendingChange{}
	if f.Offset < total {
		end := total
		if f.Limit > 0 && f.Offset+f.Limit < end {
			end = f.Offset + f.Limit
		}
		page = append(page, matched[f.Offset:end]...)
	}
	return page, total, nil
}

func matchPending(pc invoice.PendingChange, f invoice.PendingFilter) bool {
	if f.Status != "" && pc.Status != f.Status {
		return false
	}
	if f.Kind != "" && pc.Kind != f.Kind && !strings.HasSuffix(pc.Kind, "."+f.Kind) {
		return false
	}
	if f.Actor != "" && pc.Actor != f.Actor {
		return false
	}
	if f.InvoiceID != "" && pc.InvoiceID != f.InvoiceID {
		return false
	}
	if f.CreatedAfter != nil && pc.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !pc.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func (m *Memory) ReviewPendingChange(_ context.Context, id string, to invoice.PendingStatus, reviewer, reason string, at time.Time) (bool, error) {
	var ok bool
	err := m.do(func(st *state) error {
		pc, found := st.pending[id]
		if !found || pc.Status != invoice.PendingOpen {
			return nil
		}
		pc.Status = to
		pc.Reviewer = reviewer
		pc.Reason = reason
		pc.ReviewedAt = &at
		st.pending[id] = pc
		ok = true
		return nil
	})
	return ok, err
}

func (m *Memory) ConsumePendingChange(_ context.Context, id string) (bool, error) {
	var ok bool
	err := m.do(func(st *state) error {
		pc, found := st.pending[id]
		if !found || pc.Status != invoice.PendingApproved {
			return nil
		}
		pc.Status = invoice.PendingConsumed
		st.pending[id] = pc
		ok = true
		return nil
	})
	return ok, err
}

// =============================================================================
// TOKENS, IDEMPOTENCY, AUDIT
// =============================================================================

func (m *Memory) SaveToken(_ context.Context, t invoice.PreviewToken) error {
	return m.do(func(st *state) error {
		if _, ok := st.tokens[t.Token]; ok {
			return invoice.ErrDuplicateKey
		}
		st.tokens[t.Token] = t
		return nil
	})
}

func (m *Memory) GetToken(_ context.Context, token string) (*invoice.PreviewToken, error) {
	var out *invoice.PreviewToken
	err := m.do(func(st *state) error {
		if t, ok := st.tokens[token]; ok {
			out = &t
		}
		return nil
	})
	return out, err
}

func (m *Memory) ConsumeToken(_ context.Context, token string, at time.Time) (bool, error) {
	var ok bool
	err := m.do(func(st *state) error {
		t, found := st.tokens[token]
		if !found || t.ConsumedAt != nil {
			return nil
		}
		t.ConsumedAt = &at
		st.tokens[token] = t
		ok = true
		return nil
	})
	return ok, err
}

func (m *Memory) DeleteTokensExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := m.do(func(st *state) error {
		for k, t := range st.tokens {
			if t.ExpiresAt().Before(cutoff) {
				delete(st.tokens, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (m *Memory) InsertIdempotencyRecord(_ context.Context, rec invoice.IdempotencyRecord) error {
	return m.do(func(st *state) error {
		if _, ok := st.idempotency[rec.Key]; ok {
			return invoice.ErrDuplicateKey
		}
		st.idempotency[rec.Key] = rec
		return nil
	})
}

func (m *Memory) GetIdempotencyRecord(_ context.Context, key string) (*invoice.IdempotencyRecord, error) {
	var out *invoice.IdempotencyRecord
	err := m.do(func(st *state) error {
		if rec, ok := st.idempotency[key]; ok {
			out = &rec
		}
		return nil
	})
	return out, err
}

func (m *Memory) AppendAudit(_ context.Context, e invoice.AuditEntry) error {
	if m.tx == nil {
		m.db.mu.Lock()
		defer m.db.mu.Unlock()
		if m.db.auditFail != nil {
			return m.db.auditFail
		}
		m.db.st.audit = append(m.db.st.audit, e)
		return nil
	}
	// the tx holds db.mu already
	if m.db.auditFail != nil {
		return m.db.auditFail
	}
	m.tx.audit = append(m.tx.audit, e)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, f invoice.AuditFilter) ([]invoice.AuditEntry, error) {
	out := []invoice.AuditEntry{}
	err := m.do(func(st *state) error {
		for i := len(st.audit) - 1; i >= 0; i-- {
			e := st.audit[i]
			if f.Entity != "" && e.Entity != f.Entity {
				continue
			}
			if f.EntityID != "" && e.EntityID != f.EntityID {
				continue
			}
			if f.Action != "" && e.Action != f.Action {
				continue
			}
			out = append(out, e)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}
