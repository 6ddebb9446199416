package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/invoice-engine/invoice"
)

// =============================================================================
// LEDGER ENTRIES
// =============================================================================
// The engine only reads ledger entries. SaveLedgerEntry exists for imports
// and demo seeding.

const ledgerColumns = `id, client, task, worker, site, rate_code, qty, unit, at`

// SaveLedgerEntry inserts or replaces an entry.
func (s *Store) SaveLedgerEntry(ctx context.Context, e invoice.LedgerEntry) error {
	_, err := s.exec(ctx, `
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			client = excluded.client,
			task = excluded.task,
			worker = excluded.worker,
			site = excluded.site,
			rate_code = excluded.rate_code,
			qty = excluded.qty,
			unit = excluded.unit,
			at = excluded.at`,
		e.ID,
		e.Client,
		nullString(e.Task),
		nullString(e.Worker),
		nullString(e.Site),
		e.RateCode,
		e.Qty.String(),
		nullString(e.Unit),
		formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to save ledger entry: %w", err)
	}
	return nil
}

// Entries returns the client's entries with from <= at < to, oldest first.
func (s *Store) Entries(ctx context.Context, client string, from, to time.Time) ([]invoice.LedgerEntry, error) {
	rows, err := s.query(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE client = ? AND at >= ? AND at < ?
		ORDER BY at, id`,
		client, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []invoice.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *Store) Entry(ctx context.Context, id string) (*invoice.LedgerEntry, error) {
	e, err := scanLedgerEntry(s.queryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func scanLedgerEntry(row scanner) (*invoice.LedgerEntry, error) {
	var (
		e                        invoice.LedgerEntry
		task, worker, site, unit sql.NullString
		qty, at                  string
	)
	if err := row.Scan(&e.ID, &e.Client, &task, &worker, &site, &e.RateCode, &qty, &unit, &at); err != nil {
		return nil, err
	}
	e.Task, e.Worker, e.Site, e.Unit = task.String, worker.String, site.String, unit.String

	var err error
	if e.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("ledger entry %s qty: %w", e.ID, err)
	}
	if e.At, err = parseTime(at); err != nil {
		return nil, err
	}
	return &e, nil
}
