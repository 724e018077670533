package agent

import (
	"fmt"
	"os"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
)

// LoadKeyFile reads a 32-byte shared envelope key from path. A missing
// file is not an error: it means E2EE is not yet configured for this
// agent, and (nil, nil) is returned.
//
// Unlike the server's encrypted-at-rest config, the agent has no
// interactive operator present at runtime to supply an unlock password,
// so the key is stored as raw bytes behind a 0600 file permission
// instead of a password-derived envelope.
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if err := cryptoutil.ValidateSecret(data); err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return data, nil
}

// SaveKeyFile atomically persists key to path with 0600 permissions,
// used both for the initial key and for a rotate_encryption_key command.
func SaveKeyFile(path string, key []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, key, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("install key file: %w", err)
	}
	return nil
}

// LoadOrCreateDBKey returns the agent's local database wrap key,
// generating and persisting one on first use. This is the opaque
// agent_db_key the report payload opportunistically attaches once E2EE
// is active, so the server can later decrypt exports this agent produces.
func LoadOrCreateDBKey(path string) ([]byte, error) {
	key, err := LoadKeyFile(path)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	key, err = cryptoutil.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate db key: %w", err)
	}
	if err := SaveKeyFile(path, key); err != nil {
		return nil, err
	}
	return key, nil
}
