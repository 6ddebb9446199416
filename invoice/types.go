/*
Package invoice implements pricing-backed invoices with moderated versioning.

PURPOSE:
  Invoices are stored as an append-only chain of immutable snapshots.
  External viewers holding a preview token can propose edits; edits only
  reach a new version after a moderator approves them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice:        header row with a current_version pointer
  - Snapshot:       typed, versioned payload of one invoice version
  - InvoiceVersion: (invoice_id, version) + snapshot + artifact paths
  - Suggestion:     proposed edit from a viewer or staff member
  - PendingChange:  moderation mirror of a suggestion
  - PreviewToken:   single-use, time-limited viewer credential
  - IdempotencyRecord / AuditEntry

LIFECYCLE:
  Build ──▶ v1 (draft)
              │
  Preview token ──▶ Suggestion (pending) + PendingChange (pending)
                                              │
                               approve / reject (moderator)
                                              │
  Apply (approved only) ──▶ v(n+1), suggestion accepted, change consumed

DESIGN PRINCIPLES:
  1. Immutability: versions are never updated, corrections make a new version
  2. Precision: decimal.Decimal end to end, serialized as strings
  3. Typed payloads: snapshots and suggestion changes are Go types with an
     explicit encode/decode boundary, not free-form maps

SEE ALSO:
  - store.go: persistence contract
  - engine.go: operations
*/
package invoice

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the on-wire format for calendar dates.
const DateLayout = "2006-01-02"

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	StatusDraft  InvoiceStatus = "draft"
	StatusIssued InvoiceStatus = "issued"
)

// Invoice is the header record. CurrentVersion always equals the highest
// stored version.
type Invoice struct {
	ID             string
	Client         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Currency       string
	Status         InvoiceStatus
	CurrentVersion int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// SNAPSHOT - the versioned payload
// =============================================================================

// SnapshotSchemaVersion is bumped whenever Snapshot or Item change shape.
const SnapshotSchemaVersion = 1

// Item is one priced invoice line.
type Item struct {
	TaskID   string          `json:"task_id,omitempty"`
	Task     string          `json:"task"`
	Worker   string          `json:"worker,omitempty"`
	Site     string          `json:"site,omitempty"`
	Date     string          `json:"date,omitempty"`
	RateCode string          `json:"rate_code,omitempty"`
	Rate     decimal.Decimal `json:"rate"`
	Qty      decimal.Decimal `json:"qty"`
	Unit     string          `json:"unit"`
	Amount   decimal.Decimal `json:"amount"`
}

// Snapshot is the full, materialized content of one invoice version.
type Snapshot struct {
	SchemaVersion int             `json:"schema_version"`
	Client        string          `json:"client"`
	PeriodStart   string          `json:"period_start"`
	PeriodEnd     string          `json:"period_end"`
	Currency      string          `json:"currency"`
	Precision     int32           `json:"precision"`
	RulesVersion  int             `json:"rules_version"`
	RulesHash     string          `json:"rules_hash"`
	Items         []Item          `json:"items"`
	Total         decimal.Decimal `json:"total"`
}

// Clone returns a deep copy. Item holds only values, so copying the slice
// is enough.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Items = make([]Item, len(s.Items))
	copy(c.Items, s.Items)
	return &c
}

// Recompute sets Total to the sum of item amounts. Client-supplied totals
// are never trusted.
func (s *Snapshot) Recompute() {
	total := decimal.Zero
	for _, it := range s.Items {
		total = total.Add(it.Amount)
	}
	s.Total = total.Round(s.Precision)
}

// Format renders an amount at snapshot precision.
func (s *Snapshot) Format(d decimal.Decimal) string {
	return d.StringFixed(s.Precision)
}

// EncodeSnapshot is the only way snapshots are turned into bytes.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SnapshotSchemaVersion
	}
	return json.Marshal(s)
}

// DecodeSnapshot parses stored bytes and refuses unknown schema versions.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.SchemaVersion != SnapshotSchemaVersion {
		return nil, fmt.Errorf("decode snapshot: unsupported schema version %d", s.SchemaVersion)
	}
	if s.Items == nil {
		s.Items = []Item{}
	}
	return &s, nil
}

// InvoiceVersion is immutable once stored.
type InvoiceVersion struct {
	InvoiceID string
	Version   int
	Snapshot  *Snapshot
	HTMLPath  string
	PDFPath   string
	CreatedBy string
	CreatedAt time.Time
}

// =============================================================================
// SUGGESTIONS AND MODERATION
// =============================================================================

type SuggestionSource string

const (
	SourceCustomer SuggestionSource = "customer"
	SourceStaff    SuggestionSource = "staff"
)

type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
)

// Suggestion is a proposed, unapplied edit.
type Suggestion struct {
	ID             string
	InvoiceID      string
	Source         SuggestionSource
	Kind           Kind
	Payload        json.RawMessage
	Status         SuggestionStatus
	Actor          string
	CreatedAt      time.Time
	AcceptedAt     *time.Time
	AppliedVersion int
}

type PendingStatus string

const (
	PendingOpen     PendingStatus = "pending"
	PendingApproved PendingStatus = "approved"
	PendingRejected PendingStatus = "rejected"
	PendingConsumed PendingStatus = "consumed"
)

// PendingKindPrefix namespaces pending changes created from suggestions.
const PendingKindPrefix = "invoice_suggestion."

// PendingChange mirrors a suggestion for moderators. Transitions only go
// pending -> approved|rejected and approved -> consumed.
type PendingChange struct {
	ID            string
	InvoiceID     string
	Kind          string
	Payload       json.RawMessage
	Status        PendingStatus
	Actor         string
	Reviewer      string
	ReviewedAt    *time.Time
	Reason        string
	CorrelationID string
	CreatedAt     time.Time
}

// PendingFilter selects pending changes for moderation listings.
type PendingFilter struct {
	Status        PendingStatus
	Kind          string
	Actor         string
	InvoiceID     string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// =============================================================================
// PREVIEW TOKENS
// =============================================================================

// DefaultTokenTTL is 48 hours.
const DefaultTokenTTL = 172800 * time.Second

type PreviewToken struct {
	Token      string
	InvoiceID  string
	CreatedAt  time.Time
	TTLSeconds int64
	ConsumedAt *time.Time
}

func (t PreviewToken) ExpiresAt() time.Time {
	return t.CreatedAt.Add(time.Duration(t.TTLSeconds) * time.Second)
}

// =============================================================================
// IDEMPOTENCY AND AUDIT
// =============================================================================

type IdempotencyRecord struct {
	Key       string
	ScopeHash string
	Status    string
	Result    json.RawMessage
	CreatedAt time.Time
}

type AuditAction string

const (
	AuditVersionCreate   AuditAction = "version.create"
	AuditInvoiceIssue    AuditAction = "invoice.issue"
	AuditSuggestCreate   AuditAction = "suggest.create"
	AuditSuggestRejected AuditAction = "suggest.rejected"
	AuditSuggestApply    AuditAction = "suggest.apply"
	AuditModApprove      AuditAction = "mod.approve"
	AuditModReject       AuditAction = "mod.reject"
	AuditModBulkApprove  AuditAction = "mod.bulk_approve"
	AuditPreviewIssue    AuditAction = "preview.issue"
	AuditPreviewValidate AuditAction = "preview.validate"
)

// AuditEntry records who did what when. Write-only.
type AuditEntry struct {
	ID          string
	Action      AuditAction
	Entity      string
	EntityID    string
	Actor       string
	PayloadHash string
	Metadata    map[string]any
	Timestamp   time.Time
}

type AuditFilter struct {
	Entity   string
	EntityID string
	Action   AuditAction
	Limit    int
}

// =============================================================================
// LEDGER INPUT
// =============================================================================

// LedgerEntry is one unit of billable work read from the external ledger.
type LedgerEntry struct {
	ID       string
	Client   string
	Task     string
	Worker   string
	Site     string
	RateCode string
	Qty      decimal.Decimal
	Unit     string
	At       time.Time
}
