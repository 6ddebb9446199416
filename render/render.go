/*
Package render turns invoice snapshots into files.

PURPOSE:
  Every stored version gets an HTML artifact and, when a PDF printer is
  configured, a PDF printed from that HTML by headless Chromium.

LAYOUT:
  <dir>/<invoice_id>/v<version>-<content>.html
  <dir>/<invoice_id>/v<version>-<content>.pdf

  <content> is a prefix of the HTML's sha256. Two applies racing for the
  same version render different files, so the one that loses the version
  write never overwrites the winner's artifact.

FAILURES:
  The engine tolerates renderer errors. When only the PDF step fails the
  HTML path is still returned alongside the error.

SEE ALSO:
  - pdf.go: chromedp printer
  - invoice/store.go: Renderer contract
*/
package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/warp/invoice-engine/invoice"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var invoiceTemplate = template.Must(
	template.New("invoice.html.tmpl").
		Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
		ParseFS(templateFS, "templates/invoice.html.tmpl"),
)

// Printer converts an HTML document to PDF bytes.
type Printer interface {
	Print(ctx context.Context, html []byte) ([]byte, error)
}

// Renderer writes artifacts below Dir.
type Renderer struct {
	Dir    string
	PDF    Printer // nil disables PDF output
	Logger zerolog.Logger
}

var _ invoice.Renderer = (*Renderer)(nil)

// NewHTMLRenderer renders HTML only. Set PDF to add PDF output.
func NewHTMLRenderer(dir string) *Renderer {
	return &Renderer{Dir: dir, Logger: zerolog.Nop()}
}

// Render writes the artifacts for one version.
func (r *Renderer) Render(ctx context.Context, in invoice.RenderInput) (invoice.Artifacts, error) {
	var arts invoice.Artifacts

	html, err := HTML(in)
	if err != nil {
		return arts, err
	}

	dir := filepath.Join(r.Dir, in.InvoiceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return arts, fmt.Errorf("create artifact dir: %w", err)
	}
	base := filepath.Join(dir, fmt.Sprintf("v%d-%s", in.Version, contentTag(html)))

	if err := os.WriteFile(base+".html", html, 0o644); err != nil {
		return arts, fmt.Errorf("write html: %w", err)
	}
	arts.HTMLPath = base + ".html"

	if r.PDF == nil {
		return arts, nil
	}
	pdf, err := r.PDF.Print(ctx, html)
	if err != nil {
		return arts, fmt.Errorf("print pdf: %w", err)
	}
	if err := os.WriteFile(base+".pdf", pdf, 0o644); err != nil {
		return arts, fmt.Errorf("write pdf: %w", err)
	}
	arts.PDFPath = base + ".pdf"

	r.Logger.Debug().
		Str("invoice_id", in.InvoiceID).
		Int("version", in.Version).
		Int("pdf_bytes", len(pdf)).
		Msg("artifacts rendered")
	return arts, nil
}

func contentTag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6])
}

// =============================================================================
// HTML
// =============================================================================

type itemView struct {
	Date, Task, Worker, Site, Unit string
	Qty, Rate, Amount              string
}

type invoiceView struct {
	InvoiceID    string
	Version      int
	Status       string
	Client       string
	PeriodStart  string
	PeriodEnd    string
	Currency     string
	Items        []itemView
	Total        string
	RulesVersion int
	RulesHash    string
}

// HTML renders the invoice document. Amounts are printed at snapshot
// precision; every field is escaped by html/template.
func HTML(in invoice.RenderInput) ([]byte, error) {
	s := in.Snapshot
	if s == nil {
		return nil, fmt.Errorf("render %s v%d: nil snapshot", in.InvoiceID, in.Version)
	}

	view := invoiceView{
		InvoiceID:    in.InvoiceID,
		Version:      in.Version,
		Status:       string(in.Status),
		Client:       s.Client,
		PeriodStart:  s.PeriodStart,
		PeriodEnd:    s.PeriodEnd,
		Currency:     s.Currency,
		Total:        s.Format(s.Total),
		RulesVersion: s.RulesVersion,
		RulesHash:    s.RulesHash,
	}
	for _, it := range s.Items {
		view.Items = append(view.Items, itemView{
			Date:   it.Date,
			Task:   it.Task,
			Worker: it.Worker,
			Site:   it.Site,
			Unit:   it.Unit,
			Qty:    it.Qty.String(),
			Rate:   s.Format(it.Rate),
			Amount: s.Format(it.Amount),
		})
	}

	var buf bytes.Buffer
	if err := invoiceTemplate.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render %s v%d: %w", in.InvoiceID, in.Version, err)
	}
	return buf.Bytes(), nil
}
