package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
)

func TestAgentReportPlaintextAccepted(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()

	body, _ := json.Marshal(agentReportBody{
		MachineID:   "machine-1",
		MachineInfo: map[string]any{"hostname": "box1"},
		Metrics:     map[string]any{"cpu": map[string]any{"percent": 12.0}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/fleet/report", bytes.NewReader(body))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["e2ee_verified"] != false {
		t.Fatalf("expected e2ee_verified=false for plaintext report, got %v", resp["e2ee_verified"])
	}
	if m := a.Fleet.GetMachine("machine-1"); m == nil {
		t.Fatal("expected machine to be recorded")
	}
}

func TestAgentReportRejectsMissingMachineID(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()

	body, _ := json.Marshal(agentReportBody{MachineInfo: map[string]any{"hostname": "box1"}})
	req := httptest.NewRequest(http.MethodPost, "/api/fleet/report", bytes.NewReader(body))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAgentReportRejectsMissingAPIKey(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()

	body, _ := json.Marshal(agentReportBody{MachineID: "machine-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/fleet/report", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAgentReportEncryptedRoundTrip(t *testing.T) {
	a, _ := newTestApp(t)
	key, err := a.Keys.GenerateKey(testAdminPassword)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	r := a.Routes()

	plaintext, _ := json.Marshal(agentReportBody{
		MachineID: "machine-2",
		Metrics:   map[string]any{"cpu": map[string]any{"percent": 5.0}},
	})
	env, err := cryptoutil.Seal(key, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	body, _ := json.Marshal(env)

	req := httptest.NewRequest(http.MethodPost, "/api/fleet/report", bytes.NewReader(body))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["e2ee_verified"] != true {
		t.Fatalf("expected e2ee_verified=true, got %v", resp["e2ee_verified"])
	}
	m := a.Fleet.GetMachine("machine-2")
	if m == nil {
		t.Fatal("expected machine to be recorded")
	}
	if enabled, _ := m.Info["e2ee_enabled"].(bool); !enabled {
		t.Fatal("expected info.e2ee_enabled to be tagged true")
	}
}

func TestAgentReportRejectsBadCiphertextWhenKeyConfigured(t *testing.T) {
	a, _ := newTestApp(t)
	if _, err := a.Keys.GenerateKey(testAdminPassword); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	r := a.Routes()

	env := cryptoutil.Envelope{Encrypted: true, Version: cryptoutil.EnvelopeVersion, Nonce: "bm9uY2U=", Ciphertext: "Z2FyYmFnZQ=="}
	body, _ := json.Marshal(env)
	req := httptest.NewRequest(http.MethodPost, "/api/fleet/report", bytes.NewReader(body))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAgentCommandAckUnknownCommandStillReturnsOK(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()

	body, _ := json.Marshal(ackBody{Status: "completed"})
	req := httptest.NewRequest(http.MethodPost, "/api/fleet/command/does-not-exist/ack?machine_id=machine-1", bytes.NewReader(body))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
