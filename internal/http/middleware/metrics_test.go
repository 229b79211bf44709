package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsByRouteAndStatus(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())
	r.GET("/api/v1/orders", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/api/v1/orders", "200"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))

	after := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/api/v1/orders", "200"))
	if after != before+1 {
		t.Fatalf("counter = %v, want %v", after, before+1)
	}
}

func TestMetrics_UnmatchedRouteFallsBackToRawPath(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404"))
	if got < 1 {
		t.Fatalf("404 counter = %v, want >= 1", got)
	}
}

func TestMetrics_InflightReturnsToZero(t *testing.T) {
	r := gin.New()
	r.Use(Metrics())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	if got := testutil.ToFloat64(httpInflight); got != 0 {
		t.Fatalf("inflight = %v after completion, want 0", got)
	}
}
