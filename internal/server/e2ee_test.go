package server

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/sraths91/atlas-sub003/internal/fleet"
)

func TestKeyManagerGenerateThenReloadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server-config.json.encrypted")
	km := NewKeyManager(path)

	key, err := km.GenerateKey("hunter2")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	reloaded := NewKeyManager(path)
	if err := reloaded.LoadFromDisk("hunter2"); err != nil {
		t.Fatalf("load from disk: %v", err)
	}
	if !reloaded.Configured() {
		t.Fatal("expected reloaded manager to be configured")
	}
	got := reloaded.CurrentKey()
	if string(got) != string(key) {
		t.Fatal("expected reloaded key to match generated key")
	}
}

func TestKeyManagerLoadFromDiskWrongPasswordFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server-config.json.encrypted")
	km := NewKeyManager(path)
	if _, err := km.GenerateKey("correct-password"); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	reloaded := NewKeyManager(path)
	if err := reloaded.LoadFromDisk("wrong-password"); err == nil {
		t.Fatal("expected wrong password to fail to load")
	}
}

func TestRotateQueuesCommandForEveryMachine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server-config.json.encrypted")
	km := NewKeyManager(path)
	if _, err := km.GenerateKey("pw"); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	store := fleet.NewStore(slog.Default(), nil)
	store.UpdateMachine("machine-1", map[string]any{}, map[string]any{})
	store.UpdateMachine("machine-2", map[string]any{}, map[string]any{})

	statuses, err := km.Rotate("pw", store)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}

	cmd, found := RotationStatusFor(store, "machine-1")
	if !found {
		t.Fatal("expected a rotation command to be found for machine-1")
	}
	if cmd.Action != "rotate_encryption_key" {
		t.Fatalf("expected rotate_encryption_key action, got %q", cmd.Action)
	}
}

func TestRotateFailsWithoutExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server-config.json.encrypted")
	km := NewKeyManager(path)
	store := fleet.NewStore(slog.Default(), nil)

	if _, err := km.Rotate("pw", store); err == nil {
		t.Fatal("expected rotate to fail before any key has been generated")
	}
}
