package invoice

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// IssuedToken is handed to whoever shares the preview link.
type IssuedToken struct {
	Token     string
	InvoiceID string
	ExpiresAt time.Time
	ViewerURL string
}

// Preview is what a token holder sees.
type Preview struct {
	Invoice *Invoice
	Version *InvoiceVersion
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// tokenFingerprint keeps raw tokens out of audit hashes.
func tokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func (e *Engine) viewerURL(invoiceID, token string) string {
	base := strings.TrimRight(e.ViewerBaseURL, "/")
	return fmt.Sprintf("%s/preview/%s?token=%s", base, url.PathEscape(invoiceID), url.QueryEscape(token))
}

// IssuePreviewToken creates a single-use token for the invoice.
func (e *Engine) IssuePreviewToken(ctx context.Context, invoiceID, actor string) (tok *IssuedToken, err error) {
	ctx, span := tracer.Start(ctx, "invoice.IssuePreviewToken", trace.WithAttributes(attribute.String("invoice.id", invoiceID)))
	defer func() { endSpan(span, err) }()

	if _, err := e.Invoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	raw, err := newToken()
	if err != nil {
		return nil, err
	}

	ttl := e.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	pt := PreviewToken{
		Token:      raw,
		InvoiceID:  invoiceID,
		CreatedAt:  e.now(),
		TTLSeconds: int64(ttl / time.Second),
	}

	err = e.Store.WithTx(ctx, func(s Store) error {
		if err := s.SaveToken(ctx, pt); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		e.audit(ctx, s, AuditEntry{
			Action:   AuditPreviewIssue,
			Entity:   "invoice",
			EntityID: invoiceID,
			Actor:    actor,
			Metadata: map[string]any{"expires_at": pt.ExpiresAt().Format(time.RFC3339), "token": tokenFingerprint(raw)},
		}, map[string]any{"invoice_id": invoiceID, "token": tokenFingerprint(raw)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, Event{Name: "preview.issued", InvoiceID: invoiceID})
	return &IssuedToken{
		Token:     raw,
		InvoiceID: invoiceID,
		ExpiresAt: pt.ExpiresAt(),
		ViewerURL: e.viewerURL(invoiceID, raw),
	}, nil
}

// ValidateAndConsume checks, in order: unknown, already consumed, expired.
// Only a token passing all three is consumed, and only once. Every attempt
// is audited with its outcome.
func (e *Engine) ValidateAndConsume(ctx context.Context, invoiceID, token string) (err error) {
	ctx, span := tracer.Start(ctx, "invoice.ValidateAndConsume", trace.WithAttributes(attribute.String("invoice.id", invoiceID)))
	defer func() { endSpan(span, err) }()

	err = e.consumeToken(ctx, invoiceID, token)

	result := "ok"
	var te *TokenError
	if errors.As(err, &te) {
		result = te.Code()
	} else if err != nil {
		result = "error"
	}
	e.audit(ctx, e.Store, AuditEntry{
		Action:   AuditPreviewValidate,
		Entity:   "invoice",
		EntityID: invoiceID,
		Actor:    "viewer",
		Metadata: map[string]any{"result": result, "token": tokenFingerprint(token)},
	}, map[string]any{"invoice_id": invoiceID, "token": tokenFingerprint(token), "result": result})
	e.emit(ctx, Event{Name: "preview.validated", InvoiceID: invoiceID, Attrs: map[string]string{"result": result}})
	return err
}

func (e *Engine) consumeToken(ctx context.Context, invoiceID, token string) error {
	if strings.TrimSpace(token) == "" {
		return &TokenError{InvoiceID: invoiceID, Reason: ErrTokenNotFound}
	}
	pt, err := e.Store.GetToken(ctx, token)
	if err != nil {
		return err
	}
	if pt == nil || pt.InvoiceID != invoiceID {
		return &TokenError{InvoiceID: invoiceID, Reason: ErrTokenNotFound}
	}
	if pt.ConsumedAt != nil {
		return &TokenError{InvoiceID: invoiceID, Reason: ErrTokenConsumed}
	}
	now := e.now()
	if now.After(pt.ExpiresAt()) {
		return &TokenError{InvoiceID: invoiceID, Reason: ErrTokenExpired}
	}
	ok, err := e.Store.ConsumeToken(ctx, token, now)
	if err != nil {
		return err
	}
	if !ok {
		return &TokenError{InvoiceID: invoiceID, Reason: ErrTokenConsumed}
	}
	return nil
}

// ViewPreview consumes the token and returns the current version.
func (e *Engine) ViewPreview(ctx context.Context, invoiceID, token string) (*Preview, error) {
	if err := e.ValidateAndConsume(ctx, invoiceID, token); err != nil {
		return nil, err
	}
	inv, err := e.Invoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	v, err := e.Version(ctx, invoiceID, inv.CurrentVersion)
	if err != nil {
		return nil, err
	}
	return &Preview{Invoice: inv, Version: v}, nil
}

// PurgeExpiredTokens deletes tokens that expired more than retention ago.
func (e *Engine) PurgeExpiredTokens(ctx context.Context, retention time.Duration) (int64, error) {
	return e.Store.DeleteTokensExpiredBefore(ctx, e.now().Add(-retention))
}
