package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeadersSetFixedSet(t *testing.T) {
	var nonceSeen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonceSeen = NonceFromRequest(r)
	})
	handler := SecurityHeaders(false)(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	for _, h := range []string{"X-Frame-Options", "X-Content-Type-Options", "X-XSS-Protection", "Referrer-Policy", "Content-Security-Policy"} {
		if rec.Header().Get(h) == "" {
			t.Fatalf("expected header %s to be set", h)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("expected no HSTS header when TLS is disabled")
	}
	if nonceSeen == "" {
		t.Fatal("expected a CSP nonce reachable from the handler via NonceFromRequest")
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("expected CSP header present")
	}
}

func TestSecurityHeadersSetsHSTSWhenTLSEnabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := SecurityHeaders(true)(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("expected HSTS header when TLS is enabled")
	}
}

func TestSecurityHeadersNoncesDifferPerResponse(t *testing.T) {
	var nonces []string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonces = append(nonces, NonceFromRequest(r))
	})
	handler := SecurityHeaders(false)(next)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}
	if nonces[0] == nonces[1] {
		t.Fatal("expected a fresh nonce per response")
	}
}

func TestCORSReflectsAllowedOrigin(t *testing.T) {
	handler := CORS([]string{"https://fleet.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://fleet.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "https://fleet.example.com" {
		t.Fatalf("expected allowed origin reflected, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	handler := CORS([]string{"https://fleet.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS header for an unlisted origin")
	}
}

func TestCORSHandlesPreflight(t *testing.T) {
	handler := CORS([]string{"https://fleet.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be reached for OPTIONS preflight")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://fleet.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
}

func TestMaxBodySizeRejectsOversizedContentLength(t *testing.T) {
	handler := MaxBodySize(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.ContentLength = 1000
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
