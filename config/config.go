/*
Package config loads service configuration through viper.

Every setting has a development default, so the server starts with no
environment at all (SQLite file, HTML-only artifacts, no admin token).
Precedence is flag, then environment, then default. Each key reads its
historical variable (DATABASE_URL, LOG_LEVEL, ...) and also INVOICE_<KEY>.
Malformed values fall back to the default instead of failing startup.
*/
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys double as the serve flag names so BindFlags can match them.
const (
	KeyAddr             = "addr"
	KeyDatabaseURL      = "db"
	KeyRules            = "rules"
	KeyArtifactsDir     = "artifacts"
	KeyPDFEnabled       = "pdf"
	KeyPDFChromiumPath  = "pdf-chromium-path"
	KeyPDFTimeout       = "pdf-timeout"
	KeyPreviewTTL       = "preview-ttl"
	KeyViewerBaseURL    = "viewer-base-url"
	KeyAdminToken       = "admin-token"
	KeyRedisURL         = "redis-url"
	KeyIdempotencyTTL   = "idempotency-ttl"
	KeyLogLevel         = "log-level"
	KeyLogPretty        = "log-pretty"
	KeyCORSOrigins      = "cors-origins"
	KeyPreviewRateLimit = "preview-rate-limit"
	KeyPreviewRateBurst = "preview-rate-burst"
	KeyJanitorInterval  = "token-janitor-interval"
	KeyTokenRetention   = "token-retention"
	KeyTraceStdout      = "trace-stdout"
)

// DefaultPreviewTTL matches invoice.DefaultTokenTTL.
const DefaultPreviewTTL = 172800 * time.Second

type setting struct {
	env string
	def any
}

var settings = map[string]setting{
	KeyAddr:             {"INVOICE_ADDR", ":8080"},
	KeyDatabaseURL:      {"DATABASE_URL", "sqlite://invoices.db"},
	KeyRules:            {"INVOICE_RULES", "rules.yaml"},
	KeyArtifactsDir:     {"INVOICE_ARTIFACTS_DIR", "./data/artifacts"},
	KeyPDFEnabled:       {"PDF_ENABLED", false},
	KeyPDFChromiumPath:  {"PDF_CHROMIUM_PATH", ""},
	KeyPDFTimeout:       {"PDF_TIMEOUT", 15 * time.Second},
	KeyPreviewTTL:       {"PREVIEW_TTL", DefaultPreviewTTL},
	KeyViewerBaseURL:    {"VIEWER_BASE_URL", "http://localhost:5173"},
	KeyAdminToken:       {"ADMIN_TOKEN", ""},
	KeyRedisURL:         {"REDIS_URL", ""},
	KeyIdempotencyTTL:   {"IDEMPOTENCY_TTL", 7 * 24 * time.Hour},
	KeyLogLevel:         {"LOG_LEVEL", "info"},
	KeyLogPretty:        {"LOG_PRETTY", false},
	KeyCORSOrigins:      {"CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}},
	KeyPreviewRateLimit: {"PREVIEW_RATE_LIMIT", 5.0},
	KeyPreviewRateBurst: {"PREVIEW_RATE_BURST", 10},
	KeyJanitorInterval:  {"TOKEN_JANITOR_INTERVAL", time.Hour},
	KeyTokenRetention:   {"TOKEN_RETENTION", 30 * 24 * time.Hour},
	KeyTraceStdout:      {"TRACE_STDOUT", false},
}

type Config struct {
	Addr         string
	DatabaseURL  string
	RulesPath    string
	ArtifactsDir string

	// PDF rendering via headless Chromium
	PDFEnabled      bool
	PDFChromiumPath string
	PDFTimeout      time.Duration

	PreviewTTL    time.Duration
	ViewerBaseURL string // origin of the viewer app, without the /preview path
	AdminToken    string

	// Redis idempotency guard; empty keeps the guard in the database
	RedisURL       string
	IdempotencyTTL time.Duration

	LogLevel    string
	LogPretty   bool
	CORSOrigins []string

	PreviewRateLimit float64 // requests per second per client IP
	PreviewRateBurst int

	JanitorInterval time.Duration // zero or negative disables the janitor
	TokenRetention  time.Duration

	TraceStdout bool
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("INVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, s := range settings {
		v.SetDefault(key, s.def)
		_ = v.BindEnv(key, s.env)
	}
	return v
}

// BindFlags lets changed flags override the environment. Flags whose name
// is not a config key are ignored.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if _, ok := settings[f.Name]; ok && err == nil {
			err = v.BindPFlag(f.Name, f)
		}
	})
	return err
}

// Load reads the environment only.
func Load() Config {
	return FromViper(New())
}

// FromViper resolves every key into a Config.
func FromViper(v *viper.Viper) Config {
	return Config{
		Addr:             str(v, KeyAddr),
		DatabaseURL:      str(v, KeyDatabaseURL),
		RulesPath:        str(v, KeyRules),
		ArtifactsDir:     str(v, KeyArtifactsDir),
		PDFEnabled:       boolean(v, KeyPDFEnabled),
		PDFChromiumPath:  str(v, KeyPDFChromiumPath),
		PDFTimeout:       duration(v, KeyPDFTimeout),
		PreviewTTL:       duration(v, KeyPreviewTTL),
		ViewerBaseURL:    str(v, KeyViewerBaseURL),
		AdminToken:       str(v, KeyAdminToken),
		RedisURL:         str(v, KeyRedisURL),
		IdempotencyTTL:   duration(v, KeyIdempotencyTTL),
		LogLevel:         str(v, KeyLogLevel),
		LogPretty:        boolean(v, KeyLogPretty),
		CORSOrigins:      list(v, KeyCORSOrigins),
		PreviewRateLimit: float(v, KeyPreviewRateLimit),
		PreviewRateBurst: integer(v, KeyPreviewRateBurst),
		JanitorInterval:  duration(v, KeyJanitorInterval),
		TokenRetention:   duration(v, KeyTokenRetention),
		TraceStdout:      boolean(v, KeyTraceStdout),
	}
}

// FlagDefault returns the default for key, for use as a flag default.
func FlagDefault[T any](key string) T {
	d, _ := settings[key].def.(T)
	return d
}

func str(v *viper.Viper, key string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return FlagDefault[string](key)
}

func integer(v *viper.Viper, key string) int {
	n, err := cast.ToIntE(v.Get(key))
	if err != nil {
		return FlagDefault[int](key)
	}
	return n
}

func float(v *viper.Viper, key string) float64 {
	f, err := cast.ToFloat64E(v.Get(key))
	if err != nil {
		return FlagDefault[float64](key)
	}
	return f
}

func boolean(v *viper.Viper, key string) bool {
	b, err := cast.ToBoolE(v.Get(key))
	if err != nil {
		return FlagDefault[bool](key)
	}
	return b
}

// duration accepts Go durations ("90s") or bare seconds ("90").
func duration(v *viper.Viper, key string) time.Duration {
	raw := v.Get(key)
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if secs, err := strconv.Atoi(s); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
		return FlagDefault[time.Duration](key)
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		return FlagDefault[time.Duration](key)
	}
	return d
}

func list(v *viper.Viper, key string) []string {
	var parts []string
	switch raw := v.Get(key).(type) {
	case string:
		parts = strings.Split(raw, ",")
	case []string:
		for _, p := range raw {
			parts = append(parts, strings.Split(p, ",")...)
		}
	}
	var out []string
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return FlagDefault[[]string](key)
	}
	return out
}
