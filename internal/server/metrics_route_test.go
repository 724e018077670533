package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMetricsRouteServesPrometheusFormat(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "" {
		t.Fatal("expected a content type header from the prometheus handler")
	}
}
