// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database location, cache behavior,
// rate limiting, adapter endpoints, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the
// dashboard-facing API.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// CacheConfig controls the settings/bot-config read-through cache.
type CacheConfig struct {
	TTL       time.Duration // SETTINGS_CACHE_TTL, default 30s
	Backend   string        // memory|redis
	RedisAddr string        // host:port, required when Backend=redis
	RedisDB   int
	RedisPass string
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	// Storage: sqlite file path by default, or a Postgres DSN when set.
	DBPath string // SQLite path
	DBDSN  string // optional Postgres DSN; takes precedence over DBPath

	// Public base URL of this process; used to build per-bot webhook URLs
	// and the payment notification callback.
	PublicBaseURL string

	// Adapters
	AdapterTimeout    time.Duration // per-request timeout for gateway/delivery/transport calls
	GatewayProvider   string        // default payment provider (syncpay|mercadopago); settings may override
	TelegramAPIBase   string        // override for tests; default https://api.telegram.org
	DeliveryAPIBase   string        // fulfillment provider base URL
	TokenSafetyMargin time.Duration // bearer tokens refreshed this long before expiry

	// Bot lifecycle
	PollInterval      time.Duration // long-poll getUpdates timeout hint
	HeartbeatThrottle time.Duration // min interval between last_seen writes per bot
	SyncOnStart       bool          // reconcile persisted active bots at boot

	// Cache
	Cache CacheConfig

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath: getenv("DB_PATH", "app.db"),
		DBDSN:  getenv("DB_DSN", ""),

		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", ""), "/"),

		// Adapters
		AdapterTimeout:    getdur("ADAPTER_TIMEOUT", 15*time.Second),
		GatewayProvider:   strings.ToLower(getenv("PAYMENT_PROVIDER", "syncpay")),
		TelegramAPIBase:   getenv("TELEGRAM_API_BASE", "https://api.telegram.org"),
		DeliveryAPIBase:   getenv("DELIVERY_API_BASE", "https://likesff.online/api/PASS"),
		TokenSafetyMargin: getdur("TOKEN_SAFETY_MARGIN", 5*time.Minute),

		// Bot lifecycle
		PollInterval:      getdur("POLL_INTERVAL", 30*time.Second),
		HeartbeatThrottle: getdur("HEARTBEAT_THROTTLE", 5*time.Minute),
		SyncOnStart:       getbool("SYNC_ON_START", true),

		// Cache
		Cache: CacheConfig{
			TTL:       getdur("SETTINGS_CACHE_TTL", 30*time.Second),
			Backend:   strings.ToLower(getenv("SETTINGS_CACHE_BACKEND", "memory")),
			RedisAddr: getenv("REDIS_ADDR", "localhost:6379"),
			RedisDB:   getint("REDIS_DB", 0),
			RedisPass: getenv("REDIS_PASSWORD", ""),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-bot-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.DBDSN == "" && strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty when DB_DSN is unset")
	}
	switch cfg.GatewayProvider {
	case "syncpay", "mercadopago":
	default:
		return cfg, errors.New("PAYMENT_PROVIDER must be syncpay or mercadopago")
	}
	if cfg.AdapterTimeout <= 0 {
		return cfg, errors.New("ADAPTER_TIMEOUT must be > 0")
	}
	if cfg.TokenSafetyMargin < 0 {
		return cfg, errors.New("TOKEN_SAFETY_MARGIN must be >= 0")
	}
	if cfg.HeartbeatThrottle <= 0 {
		return cfg, errors.New("HEARTBEAT_THROTTLE must be > 0")
	}
	switch cfg.Cache.Backend {
	case "memory", "redis":
	default:
		return cfg, errors.New("SETTINGS_CACHE_BACKEND must be memory or redis")
	}
	if cfg.Cache.TTL <= 0 {
		return cfg, errors.New("SETTINGS_CACHE_TTL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
