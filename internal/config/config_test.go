package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearFleetEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FLEET_SERVER_HOST", "FLEET_SERVER_PORT", "FLEET_SERVER_CORS_ORIGINS",
		"FLEET_TLS_CERT_DIR", "FLEET_TLS_DISABLED", "FLEET_AUTH_API_KEY",
		"FLEET_AUTH_SESSION_EXPIRY", "FLEET_AUTH_COOKIE_SECURE",
		"FLEET_CLUSTER_SECRET", "FLEET_CLUSTER_BACKEND", "FLEET_CLUSTER_DIR",
		"FLEET_CLUSTER_NODE_TIMEOUT", "FLEET_STORE_DB_PATH", "FLEET_LOG_JSON",
		"FLEET_METRICS_ENABLED", "FLEET_RATE_LIMIT_REQUESTS", "FLEET_RATE_LIMIT_WINDOW",
		"FLEET_TOTP_ENABLED",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearFleetEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8443 {
		t.Errorf("Port = %d, want 8443", cfg.Port)
	}
	if cfg.ClusterBackend != "file" {
		t.Errorf("ClusterBackend = %q, want file", cfg.ClusterBackend)
	}
	if cfg.SessionExpiry != 8*time.Hour {
		t.Errorf("SessionExpiry = %s, want 8h", cfg.SessionExpiry)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	clearFleetEnv(t)
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\ncluster:\n  backend: bolt\n"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("FLEET_SERVER_PORT", "7000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want env override 7000", cfg.Port)
	}
	if cfg.ClusterBackend != "bolt" {
		t.Errorf("ClusterBackend = %q, want file-supplied bolt", cfg.ClusterBackend)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	clearFleetEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for port 0")
	}
}

func TestValidateRejectsUnknownClusterBackend(t *testing.T) {
	clearFleetEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.ClusterBackend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown cluster backend")
	}
}

func TestValidateRequiresCertDirUnlessTLSDisabled(t *testing.T) {
	clearFleetEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.CertDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing cert dir with TLS enabled")
	}
	cfg.NoTLS = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error once TLS is disabled, got %v", err)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("FLEET_TEST_STR", "custom")
	if got := envStr("FLEET_TEST_STR", "default"); got != "custom" {
		t.Errorf("got %q, want custom", got)
	}
	if got := envStr("FLEET_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}

	t.Setenv("FLEET_TEST_INT", "42")
	if got := envInt("FLEET_TEST_INT", 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	t.Setenv("FLEET_TEST_INT", "nope")
	if got := envInt("FLEET_TEST_INT", 99); got != 99 {
		t.Errorf("got %d, want default 99 on parse failure", got)
	}

	t.Setenv("FLEET_TEST_DUR", "5m")
	if got := envDuration("FLEET_TEST_DUR", time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV("a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
