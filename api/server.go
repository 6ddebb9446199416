/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client IP for the preview rate limiter
  3. RequestLogger: zerolog access log + Prometheus request metrics
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the viewer app

ROUTE GROUPS:
  /healthz, /metrics     Probes
  /api/preview/*         Public, token-gated, rate limited per IP
  /api/invoices/* etc.   Admin bearer token (ADMIN_TOKEN)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Admin gate, rate limiter, request logger
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the surface around the handlers.
type RouterOptions struct {
	AdminToken   string
	CORSOrigins  []string
	PreviewLimit *IPRateLimiter // nil disables rate limiting
	Observer     HTTPObserver   // optional
	Metrics      http.Handler   // served on /metrics when set
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger, opts.Observer))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		// Preview routes: anyone holding a token
		r.Route("/preview/{id}", func(r chi.Router) {
			if opts.PreviewLimit != nil {
				r.Use(opts.PreviewLimit.Middleware)
			}
			r.Get("/", h.ViewPreview)
			r.Post("/suggestions", h.SubmitPreviewSuggestion)
		})

		r.Get("/ledger/tasks/{id}/explain", h.ExplainTask)

		// Everything else is staff only
		r.Group(func(r chi.Router) {
			r.Use(AdminOnly(opts.AdminToken))

			r.Route("/invoices", func(r chi.Router) {
				r.Get("/", h.ListInvoices)
				r.Post("/", h.BuildInvoice)
				r.Get("/{id}", h.GetInvoice)
				r.Get("/{id}/versions", h.ListVersions)
				r.Get("/{id}/versions/{version}", h.GetVersion)
				r.Get("/{id}/diff", h.DiffVersions)
				r.Post("/{id}/issue", h.IssueInvoice)
				r.Post("/{id}/preview-tokens", h.IssuePreviewToken)
				r.Get("/{id}/suggestions", h.ListSuggestions)
				r.Post("/{id}/suggestions", h.SubmitStaffSuggestion)
				r.Post("/{id}/apply", h.ApplySuggestions)
			})

			r.Route("/moderation/pending", func(r chi.Router) {
				r.Get("/", h.ListPendingChanges)
				r.Post("/bulk-approve", h.BulkApprove)
				r.Post("/{id}/approve", h.ApprovePendingChange)
				r.Post("/{id}/reject", h.RejectPendingChange)
			})

			r.Get("/audit", h.ListAudit)

			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		})
	})

	return r
}
