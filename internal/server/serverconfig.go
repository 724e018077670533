package server

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
)

// PersistedConfig is the server's own at-rest secret state: the cluster
// signing secret and, once generated, the active E2EE envelope key.
// Encrypted on disk under a password-derived key so a stolen disk image
// alone cannot recover either secret.
type PersistedConfig struct {
	E2EEKey       []byte `json:"e2ee_key,omitempty"`
	ClusterSecret []byte `json:"cluster_secret,omitempty"`
}

const (
	persistedConfigPBKDF2Iterations = 210_000
	persistedConfigSaltLen          = 16
)

// SaveEncryptedConfig persists cfg to path, encrypted under a key derived
// from password via PBKDF2. The derivation salt is written alongside it at
// path+".salt".
func SaveEncryptedConfig(path, password string, cfg PersistedConfig) error {
	salt, err := cryptoutil.RandomSalt(persistedConfigSaltLen)
	if err != nil {
		return fmt.Errorf("server: generate config salt: %w", err)
	}
	key := cryptoutil.DerivePBKDF2([]byte(password), salt, persistedConfigPBKDF2Iterations, cryptoutil.KeySize)

	plaintext, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("server: marshal persisted config: %w", err)
	}
	nonce, ciphertext, err := cryptoutil.AESGCMEncrypt(key, plaintext)
	if err != nil {
		return fmt.Errorf("server: encrypt persisted config: %w", err)
	}

	envelope := struct {
		Nonce      []byte `json:"nonce"`
		Ciphertext []byte `json:"ciphertext"`
	}{Nonce: nonce, Ciphertext: ciphertext}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("server: marshal config envelope: %w", err)
	}

	if err := os.WriteFile(path+".salt", salt, 0600); err != nil {
		return fmt.Errorf("server: write config salt: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("server: write encrypted config: %w", err)
	}
	return nil
}

// LoadEncryptedConfig reverses SaveEncryptedConfig. Returns an error
// (rather than panicking) on a wrong password, since that is an ordinary
// operator mistake, not a fatal condition.
func LoadEncryptedConfig(path, password string) (PersistedConfig, error) {
	var cfg PersistedConfig
	salt, err := os.ReadFile(path + ".salt")
	if err != nil {
		return cfg, fmt.Errorf("server: read config salt: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("server: read encrypted config: %w", err)
	}
	var envelope struct {
		Nonce      []byte `json:"nonce"`
		Ciphertext []byte `json:"ciphertext"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return cfg, fmt.Errorf("server: parse config envelope: %w", err)
	}
	key := cryptoutil.DerivePBKDF2([]byte(password), salt, persistedConfigPBKDF2Iterations, cryptoutil.KeySize)
	plaintext, err := cryptoutil.AESGCMDecrypt(key, envelope.Nonce, envelope.Ciphertext)
	if err != nil {
		return cfg, fmt.Errorf("server: decrypt config: %w", err)
	}
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return cfg, fmt.Errorf("server: unmarshal persisted config: %w", err)
	}
	return cfg, nil
}

// ConfigExists reports whether a persisted encrypted config already exists
// at path.
func ConfigExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
