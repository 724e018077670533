package server

import (
	"path/filepath"
	"testing"
)

func TestEnsureSelfSignedCertGeneratesAndReuses(t *testing.T) {
	dir := t.TempDir()

	certPath, keyPath, err := EnsureSelfSignedCert(dir)
	if err != nil {
		t.Fatalf("ensure cert: %v", err)
	}
	if certPath != filepath.Join(dir, "cert.pem") || keyPath != filepath.Join(dir, "key.pem") {
		t.Fatalf("unexpected paths: %s %s", certPath, keyPath)
	}

	cfg, err := TLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate loaded")
	}

	// Calling again must reuse the existing files rather than regenerate.
	certPath2, keyPath2, err := EnsureSelfSignedCert(dir)
	if err != nil {
		t.Fatalf("ensure cert again: %v", err)
	}
	if certPath2 != certPath || keyPath2 != keyPath {
		t.Fatalf("expected same paths on reuse")
	}
}
