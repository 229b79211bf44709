package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/passflow/go-bot-backend/internal/channel"
	"github.com/passflow/go-bot-backend/internal/config"
	"github.com/passflow/go-bot-backend/internal/repo"
)

// --- fakes for the injected services ---

type fakeBots struct{}

func (fakeBots) Start(context.Context, string) error { return nil }
func (fakeBots) Stop(context.Context, string) error  { return nil }
func (fakeBots) Sync(context.Context) (int, error)   { return 0, nil }
func (fakeBots) IsRunning(string) bool               { return false }

type fakeSettler struct{ calls int }

func (f *fakeSettler) HandleWebhook(context.Context, string, bool, string) error {
	f.calls++
	return nil
}
func (f *fakeSettler) Approve(context.Context, string) error { return nil }

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(context.Context, string, *channel.Update) error { return nil }

type fakeStock struct{}

func (fakeStock) Balance(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close() // release the file handle before TempDir cleanup on Windows
		}
	})
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   50,
		CORS:        config.CORSConfig{AllowedOrigins: nil},
		Security:    config.SecurityConfig{EnableHSTS: false},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newRouter(t *testing.T) (*gin.Engine, *fakeSettler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	settler := &fakeSettler{}
	RegisterRoutes(r, Deps{
		DB:         newTestDB(t),
		Bots:       fakeBots{},
		Settler:    settler,
		Dispatcher: fakeDispatcher{},
		Stock:      fakeStock{},
	}, testConfig())
	return r, settler
}

func TestRegisterRoutes_HealthMetricsAndFallbacks(t *testing.T) {
	r, _ := newRouter(t)

	// /health works
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatal("request id header missing")
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics: code=%d len=%d", w.Code, w.Body.Len())
	}

	// unknown route → standardized envelope
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "not_found") {
		t.Fatalf("no-route: code=%d body=%s", w.Code, w.Body.String())
	}

	// wrong method → 405 envelope
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("no-method: code=%d", w.Code)
	}
}

func TestRegisterRoutes_WebhookAndAPIEndpointsMounted(t *testing.T) {
	r, settler := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment",
		strings.NewReader(`{"id":"tx-1","status":"PAID"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || settler.calls != 1 {
		t.Fatalf("payment webhook: code=%d calls=%d", w.Code, settler.calls)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/bots", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/bots = %d body=%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /api/v1/orders = %d", w.Code)
	}
}

func TestRegisterRoutes_SecurityHeadersPresent(t *testing.T) {
	r, _ := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
}

func TestRegisterRoutes_CORSPreflightAllowAll(t *testing.T) {
	r, _ := newRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/bots", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("ACAO = %q, want *", got)
	}
}

func TestRegisterRoutes_BodyLimitRejectsHugePayloads(t *testing.T) {
	r, _ := newRouter(t)

	huge := strings.Repeat("a", (1<<20)+1)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment",
		strings.NewReader(`{"junk":"`+huge+`"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized body: code=%d, want 400", w.Code)
	}
}
