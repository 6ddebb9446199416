/*
Package sqlstore provides a SQL implementation of invoice.Store.

PURPOSE:
  Persists invoices, versions, suggestions, pending changes, preview
  tokens, idempotency records and the audit log. The same SQL runs on
  SQLite (development, tests) and PostgreSQL (production); queries are
  written with ? placeholders and rebound to $n for Postgres.

DSN:
  postgres://... or postgresql://...  -> pgx stdlib driver
  anything else                       -> SQLite file path (":memory:" ok)

CONDITIONAL UPDATES:
  Every state transition is an UPDATE guarded by the expected current
  value (status, current_version, consumed_at IS NULL). RowsAffected == 0
  means another writer got there first; callers get false, not an error.

TRANSACTIONS:
  WithTx binds a Store to one *sql.Tx. Savepoint wraps SAVEPOINT /
  ROLLBACK TO / RELEASE so a failed audit write does not abort the
  surrounding transaction (required on Postgres, harmless on SQLite).

SQLITE:
  Opened with WAL and a single connection. Writers serialize on it, which
  is also what makes ":memory:" databases shared across calls.

TIMESTAMPS:
  Stored as fixed-width UTC TEXT so lexical order equals time order.
  Decimals are stored as TEXT.

MIGRATION:
  Schema is auto-migrated on Open().

SEE ALSO:
  - invoice/store.go: interface definitions
  - invoice/store/memory.go: in-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/invoice-engine/invoice"
)

// Dialect selects placeholder style and driver.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements invoice.Store and invoice.LedgerReader.
type Store struct {
	db      *sql.DB
	q       queryer
	dialect Dialect

	// set on tx-bound stores only
	tx          *sql.Tx
	savepointNo *int
}

var (
	_ invoice.Store        = (*Store)(nil)
	_ invoice.LedgerReader = (*Store)(nil)
)

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dialect, driver, source := parseDSN(dsn)

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect, err)
	}

	s := &Store{db: db, q: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func parseDSN(dsn string) (Dialect, string, string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres, "pgx", dsn
	}
	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == "" {
		path = ":memory:"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return SQLite, "sqlite3", path + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect reports which database the store talks to.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema. Every statement is valid on both
// SQLite and PostgreSQL.
func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			client TEXT NOT NULL,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			current_version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_client ON invoices(client, created_at)`,

		// (invoice_id, version) is the concurrency backstop: two writers
		// racing for the same next version cannot both insert.
		`CREATE TABLE IF NOT EXISTS invoice_versions (
			invoice_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			snapshot_json TEXT NOT NULL,
			html_path TEXT,
			pdf_path TEXT,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (invoice_id, version)
		)`,

		`CREATE TABLE IF NOT EXISTS suggestions (
			id TEXT PRIMARY KEY,
			invoice_id TEXT NOT NULL,
			source TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			status TEXT NOT NULL,
			actor TEXT,
			created_at TEXT NOT NULL,
			accepted_at TEXT,
			applied_version INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_invoice ON suggestions(invoice_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS pending_changes (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			invoice_id TEXT,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			status TEXT NOT NULL,
			actor TEXT,
			reviewer TEXT,
			reviewed_at TEXT,
			reason TEXT,
			correlation_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_changes(status, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_correlation ON pending_changes(correlation_id)`,

		`CREATE TABLE IF NOT EXISTS preview_tokens (
			token TEXT PRIMARY KEY,
			invoice_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			ttl_seconds INTEGER NOT NULL,
			expires_at TEXT NOT NULL,
			consumed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_expires ON preview_tokens(expires_at)`,

		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			idem_key TEXT PRIMARY KEY,
			scope_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			result_json TEXT,
			created_at TEXT NOT NULL
		)`,

		// Append-only. No UPDATE or DELETE statement touches this table.
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			actor TEXT,
			payload_hash TEXT,
			metadata_json TEXT,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity, entity_id, seq)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			client TEXT NOT NULL,
			task TEXT,
			worker TEXT,
			site TEXT,
			rate_code TEXT NOT NULL,
			qty TEXT NOT NULL,
			unit TEXT,
			at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_client_at ON ledger_entries(client, at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(invoice.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	n := 0
	txStore := &Store{db: s.db, q: sqlTx, dialect: s.dialect, tx: sqlTx, savepointNo: &n}
	if err := fn(txStore); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Savepoint runs fn under a named savepoint when inside a transaction.
func (s *Store) Savepoint(ctx context.Context, fn func(invoice.Store) error) error {
	if s.tx == nil {
		return fn(s)
	}

	*s.savepointNo++
	name := "sp_" + strconv.Itoa(*s.savepointNo)
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(s); err != nil {
		if _, rbErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		_, _ = s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	_, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.rebind(query), args...)
}

// execConditional runs a guarded UPDATE and reports whether a row matched.
func (s *Store) execConditional(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// insert maps unique violations to invoice.ErrDuplicateKey.
func (s *Store) insert(ctx context.Context, what, query string, args ...any) error {
	if _, err := s.exec(ctx, query, args...); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%s: %w", what, invoice.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert %s: %w", what, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// likeSuffix builds a LIKE pattern matching values ending in suffix.
func likeSuffix(suffix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(suffix)
}
