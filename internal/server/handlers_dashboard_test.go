package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListMachinesRequiresSession(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/machines", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", rec.Code)
	}
}

func TestListMachinesReturnsRecordedMachines(t *testing.T) {
	a, _ := newTestApp(t)
	a.Fleet.UpdateMachine("machine-1", map[string]any{}, map[string]any{})
	r := a.Routes()
	cookie := loginSession(t, a, "admin", testAdminPassword)

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/machines", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFleetSummaryReturnsOK(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()
	cookie := loginSession(t, a, "admin", testAdminPassword)

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/summary", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
