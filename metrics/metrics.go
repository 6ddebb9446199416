// Package metrics exposes Prometheus metrics for the invoice engine.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/invoice-engine/invoice"
)

// Sink counts engine events and HTTP traffic. It implements
// invoice.EventSink.
type Sink struct {
	registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	VersionsCreated   prometheus.Counter
	SuggestionsTotal  *prometheus.CounterVec
	ModerationTotal   *prometheus.CounterVec
	PreviewValidation *prometheus.CounterVec
	DegradedTotal     *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var _ invoice.EventSink = (*Sink)(nil)

// NewSink registers all collectors on registry. A nil registry gets a
// fresh one so tests never collide on the global default.
func NewSink(registry *prometheus.Registry) *Sink {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Sink{
		registry: registry,
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_events_total",
			Help: "Engine events by name",
		}, []string{"event"}),
		VersionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "invoice_versions_created_total",
			Help: "Invoice versions created by build or apply",
		}),
		SuggestionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_suggestions_total",
			Help: "Suggestions submitted, by source and kind",
		}, []string{"source", "kind"}),
		ModerationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_moderation_decisions_total",
			Help: "Moderation decisions by outcome",
		}, []string{"decision"}),
		PreviewValidation: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_preview_validations_total",
			Help: "Preview token validations by result",
		}, []string{"result"}),
		DegradedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_degraded_total",
			Help: "Tolerated collaborator failures",
		}, []string{"component"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoice_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry returns the registry the collectors live on.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// Emit never blocks and never panics into the caller.
func (s *Sink) Emit(_ context.Context, e invoice.Event) {
	defer func() { _ = recover() }()

	s.EventsTotal.WithLabelValues(e.Name).Inc()

	switch e.Name {
	case "invoice.built", "version.created":
		s.VersionsCreated.Inc()
	case "suggestion.submitted":
		s.SuggestionsTotal.WithLabelValues(e.Attrs["source"], e.Attrs["kind"]).Inc()
	case "moderation.approved":
		s.ModerationTotal.WithLabelValues("approved").Inc()
	case "moderation.rejected":
		s.ModerationTotal.WithLabelValues("rejected").Inc()
	case "moderation.bulk_approved":
		n, err := strconv.Atoi(e.Attrs["count"])
		if err == nil {
			s.ModerationTotal.WithLabelValues("approved").Add(float64(n))
		}
	case "preview.validated":
		s.PreviewValidation.WithLabelValues(e.Attrs["result"]).Inc()
	case "render.failed":
		s.DegradedTotal.WithLabelValues("renderer").Inc()
	case "audit.failed":
		s.DegradedTotal.WithLabelValues("audit").Inc()
	}
}

// ObserveHTTP records one finished request.
func (s *Sink) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	s.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	s.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
