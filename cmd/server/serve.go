package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/warp/invoice-engine/api"
	"github.com/warp/invoice-engine/config"
	"github.com/warp/invoice-engine/invoice"
	"github.com/warp/invoice-engine/logging"
	"github.com/warp/invoice-engine/metrics"
	"github.com/warp/invoice-engine/pricing"
	"github.com/warp/invoice-engine/render"
	"github.com/warp/invoice-engine/store/redisstore"
	"github.com/warp/invoice-engine/store/sqlstore"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), config.FromViper(settings))
		},
	}
	f := cmd.Flags()
	f.String(config.KeyAddr, config.FlagDefault[string](config.KeyAddr), "listen address")
	f.String(config.KeyDatabaseURL, config.FlagDefault[string](config.KeyDatabaseURL), "database URL (sqlite://path, :memory:, postgres://...)")
	f.String(config.KeyRules, config.FlagDefault[string](config.KeyRules), "comma-separated rule files, later files override earlier")
	f.String(config.KeyArtifactsDir, config.FlagDefault[string](config.KeyArtifactsDir), "directory for rendered HTML/PDF")
	f.Bool(config.KeyPDFEnabled, false, "render PDFs with headless Chromium")
	f.Duration(config.KeyPreviewTTL, config.FlagDefault[time.Duration](config.KeyPreviewTTL), "lifetime of issued preview tokens")
	f.String(config.KeyViewerBaseURL, config.FlagDefault[string](config.KeyViewerBaseURL), "origin of the preview viewer app")
	f.String(config.KeyLogLevel, config.FlagDefault[string](config.KeyLogLevel), "debug, info, warn, error")
	f.Bool(config.KeyLogPretty, false, "human readable logs")
	f.Bool(config.KeyTraceStdout, false, "print OpenTelemetry spans to stdout")
	if err := config.BindFlags(settings, f); err != nil {
		panic(err)
	}
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	if cfg.TraceStdout {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		defer shutdown()
	}

	// Initialize store
	store, err := sqlstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	log.Info().Str("dialect", store.Dialect().String()).Msg("database ready")

	// Initialize engine
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewSink(registry)

	engine := newEngine(cfg, store, store, log)
	engine.Events = sink
	health := api.Pingers{store}

	if cfg.RedisURL != "" {
		guard, err := redisstore.NewGuard(cfg.RedisURL, cfg.IdempotencyTTL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer guard.Close()
		engine.Guard = guard
		health = append(health, guard)
		log.Info().Msg("idempotency guard: redis")
	}

	if rules, err := engine.Rules.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("pricing rules not loadable yet, builds will fail until fixed")
	} else {
		log.Info().Int("version", rules.Version).Str("hash", rules.Hash).Msg("pricing rules loaded")
	}

	// Background janitor
	janitor := api.NewTokenJanitor(engine, log)
	janitor.CheckInterval = cfg.JanitorInterval
	janitor.Retention = cfg.TokenRetention
	janitor.Start()
	defer janitor.Stop()

	// Create router
	handler := api.NewHandler(engine)
	handler.Ledger = store
	handler.Health = health
	handler.Logger = logging.Component(log, "http")
	if cfg.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN not set, admin routes are open")
	}
	router := api.NewRouter(handler, api.RouterOptions{
		AdminToken:   cfg.AdminToken,
		CORSOrigins:  cfg.CORSOrigins,
		PreviewLimit: api.NewIPRateLimiter(cfg.PreviewRateLimit, cfg.PreviewRateBurst),
		Observer:     sink,
		Metrics:      sink.Handler(),
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // PDF rendering can be slow
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}

// newEngine wires the engine to the configured collaborators. Events and
// the idempotency guard are attached by the caller.
func newEngine(cfg config.Config, st invoice.Store, ledger invoice.LedgerReader, log zerolog.Logger) *invoice.Engine {
	engine := invoice.NewEngine(st, pricing.FileSource{Paths: splitList(cfg.RulesPath)}, ledger)
	engine.Logger = logging.Component(log, "engine")
	engine.TokenTTL = cfg.PreviewTTL
	engine.ViewerBaseURL = cfg.ViewerBaseURL
	engine.Renderer = newRenderer(cfg, log)
	return engine
}

func newRenderer(cfg config.Config, log zerolog.Logger) *render.Renderer {
	r := render.NewHTMLRenderer(cfg.ArtifactsDir)
	r.Logger = logging.Component(log, "render")
	if !cfg.PDFEnabled {
		return r
	}
	if cfg.PDFChromiumPath == "" {
		if _, err := render.FindChromium(); err != nil {
			log.Warn().Err(err).Msg("PDF enabled but Chromium missing, PDFs will be skipped")
			return r
		}
	}
	r.PDF = &render.ChromePrinter{ChromiumPath: cfg.PDFChromiumPath, Timeout: cfg.PDFTimeout}
	return r
}

func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
