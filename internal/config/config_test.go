package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("Port = %q", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("GinMode = %q", cfg.GinMode)
	}
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("APIBasePath = %q", cfg.APIBasePath)
	}
	if cfg.GatewayProvider != "syncpay" {
		t.Fatalf("GatewayProvider = %q", cfg.GatewayProvider)
	}
	if cfg.TokenSafetyMargin != 5*time.Minute {
		t.Fatalf("TokenSafetyMargin = %v", cfg.TokenSafetyMargin)
	}
	if cfg.HeartbeatThrottle != 5*time.Minute {
		t.Fatalf("HeartbeatThrottle = %v", cfg.HeartbeatThrottle)
	}
	if cfg.Cache.Backend != "memory" || cfg.Cache.TTL != 30*time.Second {
		t.Fatalf("Cache = %+v", cfg.Cache)
	}
	if !cfg.SyncOnStart {
		t.Fatal("SyncOnStart must default to true")
	}
}

func TestLoad_OverridesAndNormalization(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("GIN_MODE", "weird")
	t.Setenv("LOG_LEVEL", "WARNING")
	t.Setenv("API_BASE_PATH", "api/v2/")
	t.Setenv("PUBLIC_BASE_URL", "https://pay.example.com/")
	t.Setenv("PAYMENT_PROVIDER", "MercadoPago")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.com, https://b.com ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Port != "9999" {
		t.Fatalf("Port = %q", cfg.Port)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("invalid GIN_MODE must normalize to release, got %q", cfg.GinMode)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LOG_LEVEL warning must normalize to warn, got %q", cfg.LogLevel)
	}
	if cfg.APIBasePath != "/api/v2" {
		t.Fatalf("APIBasePath = %q", cfg.APIBasePath)
	}
	if cfg.PublicBaseURL != "https://pay.example.com" {
		t.Fatalf("PublicBaseURL must drop the trailing slash, got %q", cfg.PublicBaseURL)
	}
	if cfg.GatewayProvider != "mercadopago" {
		t.Fatalf("GatewayProvider = %q", cfg.GatewayProvider)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.com" {
		t.Fatalf("AllowedOrigins = %v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		k, v string
	}{
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"bad provider", "PAYMENT_PROVIDER", "paypal"},
		{"bad cache backend", "SETTINGS_CACHE_BACKEND", "memcached"},
		{"zero heartbeat", "HEARTBEAT_THROTTLE", "0s"},
		{"negative rate", "RATE_RPS", "-1"},
		{"zero burst", "RATE_BURST", "0"},
		{"bad sample ratio", "OTEL_TRACES_SAMPLER_ARG", "1.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.k, tc.v)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s must fail validation", tc.k, tc.v)
			}
		})
	}
}

func TestHelpers(t *testing.T) {
	t.Setenv("X_BOOL", "yes")
	if !getbool("X_BOOL", false) {
		t.Fatal("yes must parse as true")
	}
	t.Setenv("X_DUR", "90s")
	if getdur("X_DUR", time.Second) != 90*time.Second {
		t.Fatal("duration parse failed")
	}
	if getdur("X_MISSING", 7*time.Second) != 7*time.Second {
		t.Fatal("missing duration must fall back")
	}
	if got := normalizeBasePath(""); got != "/" {
		t.Fatalf("normalizeBasePath(\"\") = %q", got)
	}
	if got := normalizeBasePath("v1"); got != "/v1" {
		t.Fatalf("normalizeBasePath(v1) = %q", got)
	}
}
