package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/invoice-engine/invoice"
)

func input() invoice.RenderInput {
	s := &invoice.Snapshot{
		SchemaVersion: invoice.SnapshotSchemaVersion,
		Client:        "ACME <Works>",
		PeriodStart:   "2025-01-01",
		PeriodEnd:     "2025-01-31",
		Currency:      "EUR",
		Precision:     2,
		RulesVersion:  3,
		RulesHash:     "abc123",
		Items: []invoice.Item{{
			TaskID: "t1", Task: "Panel wiring", Worker: "ana", Date: "2025-01-15",
			Rate: decimal.RequireFromString("800"), Qty: decimal.NewFromInt(2), Unit: "h",
			Amount: decimal.RequireFromString("1600"),
		}},
	}
	s.Recompute()
	return invoice.RenderInput{InvoiceID: "inv-1", Version: 2, Status: invoice.StatusDraft, Snapshot: s}
}

type fakePrinter struct {
	got []byte
	err error
}

func (p *fakePrinter) Print(_ context.Context, html []byte) ([]byte, error) {
	p.got = html
	if p.err != nil {
		return nil, p.err
	}
	return []byte("%PDF-1.4 fake"), nil
}

func TestHTML_FormatsAndEscapes(t *testing.T) {
	out, err := HTML(input())
	require.NoError(t, err)

	html := string(out)
	assert.Contains(t, html, "1600.00")
	assert.Contains(t, html, "800.00")
	assert.Contains(t, html, "Panel wiring")
	assert.Contains(t, html, "ACME &lt;Works&gt;")
	assert.NotContains(t, html, "<Works>")
	assert.Contains(t, html, "version 2")
}

func TestHTML_NilSnapshot(t *testing.T) {
	_, err := HTML(invoice.RenderInput{InvoiceID: "inv-1", Version: 1})
	assert.Error(t, err)
}

func TestRender_WritesHTMLOnly(t *testing.T) {
	dir := t.TempDir()
	r := NewHTMLRenderer(dir)

	arts, err := r.Render(context.Background(), input())

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "inv-1"), filepath.Dir(arts.HTMLPath))
	assert.Regexp(t, `^v2-[0-9a-f]{12}\.html$`, filepath.Base(arts.HTMLPath))
	assert.Empty(t, arts.PDFPath)
	data, err := os.ReadFile(arts.HTMLPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "<!doctype html>"))
}

func TestRender_WithPDF(t *testing.T) {
	dir := t.TempDir()
	printer := &fakePrinter{}
	r := NewHTMLRenderer(dir)
	r.PDF = printer

	arts, err := r.Render(context.Background(), input())

	require.NoError(t, err)
	assert.Equal(t, strings.TrimSuffix(arts.HTMLPath, ".html")+".pdf", arts.PDFPath)
	assert.Contains(t, string(printer.got), "1600.00")
	data, err := os.ReadFile(arts.PDFPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))
}

func TestRender_PDFFailureKeepsHTML(t *testing.T) {
	r := NewHTMLRenderer(t.TempDir())
	r.PDF = &fakePrinter{err: ErrPDFDependencyMissing}

	arts, err := r.Render(context.Background(), input())

	assert.True(t, errors.Is(err, ErrPDFDependencyMissing))
	assert.NotEmpty(t, arts.HTMLPath)
	assert.Empty(t, arts.PDFPath)
}

func TestRender_SameVersionDifferentContentKeepsBothFiles(t *testing.T) {
	// GIVEN: Two renders of version 2 with different amounts
	r := NewHTMLRenderer(t.TempDir())
	first := input()
	second := input()
	second.Snapshot.Items[0].Amount = decimal.RequireFromString("4000")
	second.Snapshot.Recompute()

	// WHEN: Rendering both, the second after the first
	a, err := r.Render(context.Background(), first)
	require.NoError(t, err)
	b, err := r.Render(context.Background(), second)
	require.NoError(t, err)

	// THEN: The first file still shows its own total
	assert.NotEqual(t, a.HTMLPath, b.HTMLPath)
	data, err := os.ReadFile(a.HTMLPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "1600.00")
	assert.NotContains(t, string(data), "4000.00")
}
