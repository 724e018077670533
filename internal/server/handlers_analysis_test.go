package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSpeedtestSummaryReturnsOK(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()
	cookie := loginSession(t, a, "admin", testAdminPassword)

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/speedtest/summary", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSpeedtestMachineUnknownReturns404(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()
	cookie := loginSession(t, a, "admin", testAdminPassword)

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/speedtest/machine/does-not-exist", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSpeedtestAnomaliesEmptyWhenNoSamples(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()
	cookie := loginSession(t, a, "admin", testAdminPassword)

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/speedtest/anomalies", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if want := `"anomalies":[]`; !contains(rec.Body.String(), want) {
		t.Fatalf("expected empty anomalies list, got %s", rec.Body.String())
	}
}

func TestNetworkAnalysisMachineCoversAllKinds(t *testing.T) {
	a, _ := newTestApp(t)
	a.Fleet.UpdateMachine("machine-1", map[string]any{}, map[string]any{})
	r := a.Routes()
	cookie := loginSession(t, a, "admin", testAdminPassword)

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/network-analysis/machine-1", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, kind := range []string{"udp_quality", "connection_rate", "throughput", "mos"} {
		if !contains(rec.Body.String(), `"`+kind+`"`) {
			t.Fatalf("expected response to include %q kind, got %s", kind, rec.Body.String())
		}
	}
}

func TestWidgetLogsReadReturnsOK(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()
	cookie := loginSession(t, a, "admin", testAdminPassword)

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/widget-logs?machine_id=machine-1", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
