package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sraths91/atlas-sub003/internal/authn"
	"github.com/sraths91/atlas-sub003/internal/config"
	"github.com/sraths91/atlas-sub003/internal/credentials"
	"github.com/sraths91/atlas-sub003/internal/fleet"
)

const testAPIKey = "test-api-key"
const testAdminPassword = "Str0ng!Passw0rd"

func newTestApp(t *testing.T) (*App, *credentials.BoltStore) {
	t.Helper()
	dir := t.TempDir()

	store, err := credentials.OpenBoltStore(filepath.Join(dir, "credentials.db"))
	if err != nil {
		t.Fatalf("open credential store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.CreateUser("admin", testAdminPassword, credentials.RoleAdmin); err != nil {
		t.Fatalf("create admin: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fleetStore := fleet.NewStore(log, nil)
	auth := authn.NewManager(store, testAPIKey, time.Hour, false)
	keys := NewKeyManager(filepath.Join(dir, "server-config.json.encrypted"))

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.RateLimitRequests = 1000
	cfg.RateLimitWindow = time.Minute

	return NewApp(cfg, fleetStore, store, auth, keys, nil, nil, log), store
}

func loginSession(t *testing.T, a *App, username, password string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	if _, err := a.Auth.Login(rec, req, username, password); err != nil {
		t.Fatalf("login: %v", err)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == authn.SessionCookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}
