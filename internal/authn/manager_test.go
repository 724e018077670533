package authn

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sraths91/atlas-sub003/internal/credentials"
)

func newTestManager(t *testing.T) (*Manager, *credentials.BoltStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.db")
	store, err := credentials.OpenBoltStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.CreateUser("admin", "Str0ng!Passw0rd", credentials.RoleAdmin); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return NewManager(store, "server-api-key", time.Hour, false), store
}

func TestRequireAPIKeyAcceptsConfiguredKey(t *testing.T) {
	m, _ := newTestManager(t)
	handler := m.RequireAPIKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/fleet/report", nil)
	req.Header.Set("X-API-Key", "server-api-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequireAPIKeyRejectsWrongKey(t *testing.T) {
	m, _ := newTestManager(t)
	handler := m.RequireAPIKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/fleet/report", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginThenRequireSessionSucceeds(t *testing.T) {
	m, _ := newTestManager(t)

	loginRec := httptest.NewRecorder()
	loginReq := httptest.NewRequest(http.MethodPost, "/login", nil)
	sess, err := m.Login(loginRec, loginReq, "admin", "Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	var gotUsername string
	handler := m.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUsername = FromContext(r.Context()).Username
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.Token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || gotUsername != "admin" {
		t.Fatalf("expected authenticated admin, got code=%d user=%q", rec.Code, gotUsername)
	}
}

func TestRequireSessionRedirectsUIPathWithoutCookie(t *testing.T) {
	m, _ := newTestManager(t)
	handler := m.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
}

func TestRequireSessionReturns401ForAPIPathWithoutCookie(t *testing.T) {
	m, _ := newTestManager(t)
	handler := m.RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/machines", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAdminRejectsViewer(t *testing.T) {
	handler := RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req = withRequestContext(req, &RequestContext{Username: "bob", Role: credentials.RoleViewer})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequireCSRFConsumesTokenOnce(t *testing.T) {
	m, _ := newTestManager(t)
	token, err := m.CSRF.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	handler := m.RequireCSRF(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.Header.Set("X-CSRF-Token", token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first use to succeed, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/login", nil)
	req2.Header.Set("X-CSRF-Token", token)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("expected replay to be rejected, got %d", rec2.Code)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	m, _ := newTestManager(t)
	loginRec := httptest.NewRecorder()
	loginReq := httptest.NewRequest(http.MethodPost, "/login", nil)
	sess, err := m.Login(loginRec, loginReq, "admin", "Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	logoutReq := httptest.NewRequest(http.MethodPost, "/logout", nil)
	logoutReq.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sess.Token})
	logoutRec := httptest.NewRecorder()
	m.Logout(logoutRec, logoutReq)

	if _, ok := m.Sessions.Validate(sess.Token); ok {
		t.Fatal("expected session revoked after logout")
	}
}
