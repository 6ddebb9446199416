package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/invoice-engine/invoice"
)

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `id, client, period_start, period_end, currency, status, current_version, created_at, updated_at`

func (s *Store) CreateInvoice(ctx context.Context, inv invoice.Invoice) error {
	return s.insert(ctx, "invoice", `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		inv.Client,
		inv.PeriodStart.Format(invoice.DateLayout),
		inv.PeriodEnd.Format(invoice.DateLayout),
		inv.Currency,
		string(inv.Status),
		inv.CurrentVersion,
		formatTime(inv.CreatedAt),
		formatTime(inv.UpdatedAt),
	)
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*invoice.Invoice, error) {
	row := s.queryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, client string) ([]invoice.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	var args []any
	if client != "" {
		query += ` WHERE client = ?`
		args = append(args, client)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []invoice.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (s *Store) AdvanceVersion(ctx context.Context, invoiceID string, from, to int, at time.Time) (bool, error) {
	return s.execConditional(ctx, `
		UPDATE invoices SET current_version = ?, updated_at = ?
		WHERE id = ? AND current_version = ?`,
		to, formatTime(at), invoiceID, from)
}

func (s *Store) SetInvoiceStatus(ctx context.Context, invoiceID string, from, to invoice.InvoiceStatus, at time.Time) (bool, error) {
	return s.execConditional(ctx, `
		UPDATE invoices SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), formatTime(at), invoiceID, string(from))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row scanner) (*invoice.Invoice, error) {
	var (
		inv                            invoice.Invoice
		status, periodStart, periodEnd string
		createdAt, updatedAt           string
	)
	if err := row.Scan(&inv.ID, &inv.Client, &periodStart, &periodEnd, &inv.Currency,
		&status, &inv.CurrentVersion, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	inv.Status = invoice.InvoiceStatus(status)

	var err error
	if inv.PeriodStart, err = time.Parse(invoice.DateLayout, periodStart); err != nil {
		return nil, fmt.Errorf("invoice %s: %w", inv.ID, err)
	}
	if inv.PeriodEnd, err = time.Parse(invoice.DateLayout, periodEnd); err != nil {
		return nil, fmt.Errorf("invoice %s: %w", inv.ID, err)
	}
	if inv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}

// =============================================================================
// VERSIONS
// =============================================================================

func (s *Store) AppendVersion(ctx context.Context, v invoice.InvoiceVersion) error {
	data, err := invoice.EncodeSnapshot(v.Snapshot)
	if err != nil {
		return err
	}
	return s.insert(ctx, "invoice version", `
		INSERT INTO invoice_versions (invoice_id, version, snapshot_json, html_path, pdf_path, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.InvoiceID,
		v.Version,
		string(data),
		nullString(v.HTMLPath),
		nullString(v.PDFPath),
		v.CreatedBy,
		formatTime(v.CreatedAt),
	)
}

const versionColumns = `invoice_id, version, snapshot_json, html_path, pdf_path, created_by, created_at`

func (s *Store) GetVersion(ctx context.Context, invoiceID string, version int) (*invoice.InvoiceVersion, error) {
	row := s.queryRow(ctx, `SELECT `+versionColumns+` FROM invoice_versions WHERE invoice_id = ? AND version = ?`,
		invoiceID, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) ListVersions(ctx context.Context, invoiceID string) ([]invoice.InvoiceVersion, error) {
	rows, err := s.query(ctx, `SELECT `+versionColumns+` FROM invoice_versions WHERE invoice_id = ? ORDER BY version`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []invoice.InvoiceVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func scanVersion(row scanner) (*invoice.InvoiceVersion, error) {
	var (
		v                 invoice.InvoiceVersion
		snapshotJSON      string
		htmlPath, pdfPath sql.NullString
		createdAt         string
	)
	if err := row.Scan(&v.InvoiceID, &v.Version, &snapshotJSON, &htmlPath, &pdfPath, &v.CreatedBy, &createdAt); err != nil {
		return nil, err
	}
	snap, err := invoice.DecodeSnapshot([]byte(snapshotJSON))
	if err != nil {
		return nil, fmt.Errorf("invoice %s v%d: %w", v.InvoiceID, v.Version, err)
	}
	v.Snapshot = snap
	v.HTMLPath = htmlPath.String
	v.PDFPath = pdfPath.String
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &v, nil
}
