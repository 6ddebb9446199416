package render

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ErrPDFDependencyMissing is returned when no Chromium binary can be found.
var ErrPDFDependencyMissing = errors.New("pdf dependency missing")

// DefaultPDFTimeout bounds one print run.
const DefaultPDFTimeout = 15 * time.Second

// ChromePrinter prints HTML to PDF with headless Chromium.
type ChromePrinter struct {
	ChromiumPath string // empty: look up chromium on PATH
	Timeout      time.Duration
}

var _ Printer = (*ChromePrinter)(nil)

var chromiumNames = []string{"chromium", "chromium-browser", "google-chrome", "headless-shell"}

// FindChromium returns the first Chromium binary on PATH.
func FindChromium() (string, error) {
	for _, name := range chromiumNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: chromium not installed", ErrPDFDependencyMissing)
}

// Print renders html in a fresh browser and prints it on A4.
func (p *ChromePrinter) Print(ctx context.Context, html []byte) ([]byte, error) {
	execPath := p.ChromiumPath
	if execPath == "" {
		found, err := FindChromium()
		if err != nil {
			return nil, err
		}
		execPath = found
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultPDFTimeout
	}
	runCtx, cancelRun := chromedp.NewContext(allocCtx)
	defer cancelRun()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	var pdf []byte
	dataURL := "data:text/html;charset=utf-8," + url.PathEscape(string(html))
	err := chromedp.Run(runCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.27). // A4
				WithPaperHeight(11.69).
				WithMarginTop(0.5).
				WithMarginBottom(0.5).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = buf
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run failed: %w", err)
	}
	return pdf, nil
}
