/*
store.go - Persistence contract for invoices, moderation and audit

PURPOSE:
  Defines the interface between the engine and the database. Versions,
  audit entries and idempotency records are append-only; the only updates
  are guarded state transitions (pointer bump, status flips, token consume)
  that succeed for exactly one caller.

KEY INTERFACES:
  VersionStore:     invoices and their immutable versions
  SuggestionStore:  suggestions
  ModerationStore:  pending changes
  TokenStore:       preview tokens
  IdempotencyStore: idempotency records
  AuditLog:         audit entries
  Store:            all of the above plus WithTx / Savepoint

CONDITIONAL UPDATES:
  Methods returning (bool, error) perform UPDATE ... WHERE <expected state>.
  false means another caller got there first; the engine turns that into a
  soft conflict or ErrConcurrentModification depending on the operation.

NOT FOUND:
  Getters return (nil, nil) when the row does not exist.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite or PostgreSQL
  - invoice/store: in-memory for tests

SEE ALSO:
  - engine.go: the only caller
*/
package invoice

import (
	"context"
	"time"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

type VersionStore interface {
	CreateInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, client string) ([]Invoice, error)

	// AppendVersion returns ErrDuplicateKey if (invoice_id, version) exists.
	AppendVersion(ctx context.Context, v InvoiceVersion) error
	GetVersion(ctx context.Context, invoiceID string, version int) (*InvoiceVersion, error)
	ListVersions(ctx context.Context, invoiceID string) ([]InvoiceVersion, error)

	// AdvanceVersion moves current_version from -> to only if it still equals from.
	AdvanceVersion(ctx context.Context, invoiceID string, from, to int, at time.Time) (bool, error)
	SetInvoiceStatus(ctx context.Context, invoiceID string, from, to InvoiceStatus, at time.Time) (bool, error)
}

type SuggestionStore interface {
	CreateSuggestion(ctx context.Context, s Suggestion) error
	GetSuggestion(ctx context.Context, id string) (*Suggestion, error)
	ListSuggestions(ctx context.Context, invoiceID string) ([]Suggestion, error)

	// AcceptSuggestion flips pending -> accepted.
	AcceptSuggestion(ctx context.Context, id string, version int, at time.Time) (bool, error)
}

type ModerationStore interface {
	CreatePendingChange(ctx context.Context, pc PendingChange) error
	GetPendingChange(ctx context.Context, id string) (*PendingChange, error)
	GetPendingChangeByCorrelation(ctx context.Context, correlationID string) (*PendingChange, error)

	// ListPendingChanges returns one page and the total number of matches.
	ListPendingChanges(ctx context.Context, f PendingFilter) ([]PendingChange, int, error)

	// ReviewPendingChange flips pending -> to (approved or rejected).
	ReviewPendingChange(ctx context.Context, id string, to PendingStatus, reviewer, reason string, at time.Time) (bool, error)

	// ConsumePendingChange flips approved -> consumed.
	ConsumePendingChange(ctx context.Context, id string) (bool, error)
}

type TokenStore interface {
	SaveToken(ctx context.Context, t PreviewToken) error
	GetToken(ctx context.Context, token string) (*PreviewToken, error)

	// ConsumeToken sets consumed_at only if it is still NULL.
	ConsumeToken(ctx context.Context, token string, at time.Time) (bool, error)

	// DeleteTokensExpiredBefore removes tokens whose expiry is before cutoff.
	DeleteTokensExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type IdempotencyStore interface {
	// InsertIdempotencyRecord is an atomic insert-or-fail on the key;
	// an existing key yields ErrDuplicateKey.
	InsertIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is everything the engine persists.
type Store interface {
	VersionStore
	SuggestionStore
	ModerationStore
	TokenStore
	IdempotencyStore
	AuditLog

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise it is committed. Calling WithTx
	// on a tx-bound Store runs fn inline in the same transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Savepoint runs fn so that its writes can be undone without aborting
	// the surrounding transaction.
	Savepoint(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// EXTERNAL COLLABORATORS
// =============================================================================

// LedgerReader is the read-only source of billable work. Entries returns a
// client's entries with from <= At < to.
type LedgerReader interface {
	Entries(ctx context.Context, client string, from, to time.Time) ([]LedgerEntry, error)
	Entry(ctx context.Context, id string) (*LedgerEntry, error)
}

// RenderInput is everything a renderer needs to produce artifacts.
type RenderInput struct {
	InvoiceID string
	Version   int
	Status    InvoiceStatus
	Snapshot  *Snapshot
}

// Artifacts are rendered file paths. Either may be empty.
type Artifacts struct {
	HTMLPath string
	PDFPath  string
}

// Renderer turns a snapshot into files. Errors are tolerated by the engine.
type Renderer interface {
	Render(ctx context.Context, in RenderInput) (Artifacts, error)
}

// Event is a fire-and-forget notification for metrics and dashboards.
type Event struct {
	Name      string
	InvoiceID string
	Attrs     map[string]string
}

// EventSink must not block and has no way to fail the caller.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}
