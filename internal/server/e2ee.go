package server

import (
	"fmt"
	"sync"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
	"github.com/sraths91/atlas-sub003/internal/fleet"
)

// KeyManager owns the server's single active E2EE envelope key and the
// bookkeeping for a rotation in flight. A nil/empty key means E2EE is not
// yet configured; agent-ingest continues to accept plaintext reports in
// that state, per the wire protocol's tolerant-until-configured rule.
type KeyManager struct {
	mu            sync.Mutex
	key           []byte
	configPath    string
	rotationEpoch int
}

// NewKeyManager returns an unconfigured manager bound to the encrypted
// config at configPath; it does not read that file. LoadFromDisk adopts a
// persisted key: an absent config leaves the manager unconfigured without
// error, while a wrong password is returned as an error.
func NewKeyManager(configPath string) *KeyManager {
	return &KeyManager{configPath: configPath}
}

// Configured reports whether a key is currently active.
func (k *KeyManager) Configured() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.key) == cryptoutil.KeySize
}

// CurrentKey returns the active key, or nil if unconfigured.
func (k *KeyManager) CurrentKey() []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.key) == 0 {
		return nil
	}
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}

// LoadFromDisk unlocks the persisted config under password and, if it
// carries an E2EE key, adopts it as current.
func (k *KeyManager) LoadFromDisk(password string) error {
	if !ConfigExists(k.configPath) {
		return nil
	}
	cfg, err := LoadEncryptedConfig(k.configPath, password)
	if err != nil {
		return err
	}
	if len(cfg.E2EEKey) == cryptoutil.KeySize {
		k.mu.Lock()
		k.key = cfg.E2EEKey
		k.mu.Unlock()
	}
	return nil
}

// persist writes the current key (and whatever cluster secret it already
// held) to the encrypted config under password.
func (k *KeyManager) persist(password string, key []byte) error {
	existing := PersistedConfig{}
	if ConfigExists(k.configPath) {
		if prior, err := LoadEncryptedConfig(k.configPath, password); err == nil {
			existing = prior
		}
	}
	existing.E2EEKey = key
	return SaveEncryptedConfig(k.configPath, password, existing)
}

// GenerateKey mints a fresh key, makes it current, and persists it. Used
// both for first-time setup and for an unconditional (non-fleet-aware)
// forced rotation.
func (k *KeyManager) GenerateKey(password string) ([]byte, error) {
	key, err := cryptoutil.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("e2ee: generate key: %w", err)
	}
	if err := k.persist(password, key); err != nil {
		return nil, fmt.Errorf("e2ee: persist key: %w", err)
	}
	k.mu.Lock()
	k.key = key
	k.mu.Unlock()
	return key, nil
}

// RotationStatus is the per-machine view of an in-progress or completed key
// rotation, derived from the fleet command queue rather than tracked
// separately.
type RotationStatus struct {
	Epoch        int    `json:"epoch"`
	MachineID    string `json:"machine_id"`
	CommandID    string `json:"command_id"`
	CommandState string `json:"command_state"`
}

// Rotate generates K_new, encrypts {new_key: K_new} under the current
// (old) key, enqueues a rotate_encryption_key command for every known
// machine, persists K_new as the new current key, and returns the
// per-machine rotation status.
func (k *KeyManager) Rotate(password string, store *fleet.Store) ([]RotationStatus, error) {
	k.mu.Lock()
	oldKey := k.key
	k.rotationEpoch++
	epoch := k.rotationEpoch
	k.mu.Unlock()

	if len(oldKey) != cryptoutil.KeySize {
		return nil, fmt.Errorf("e2ee: cannot rotate before a key has been generated")
	}

	newKey, err := cryptoutil.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("e2ee: generate rotation key: %w", err)
	}
	env, err := cryptoutil.SealJSON(oldKey, map[string]string{"new_key": string(newKey)})
	if err != nil {
		return nil, fmt.Errorf("e2ee: seal rotation envelope: %w", err)
	}

	machines := store.GetAllMachines()
	statuses := make([]RotationStatus, 0, len(machines))
	for _, m := range machines {
		cmdID := store.AddPendingCommand(m.MachineID, "rotate_encryption_key", map[string]any{
			"encrypted_new_key": env,
		})
		statuses = append(statuses, RotationStatus{
			Epoch:        epoch,
			MachineID:    m.MachineID,
			CommandID:    cmdID,
			CommandState: string(fleet.CommandPending),
		})
	}

	if err := k.persist(password, newKey); err != nil {
		return nil, fmt.Errorf("e2ee: persist rotated key: %w", err)
	}
	k.mu.Lock()
	k.key = newKey
	k.mu.Unlock()

	return statuses, nil
}

// RotationStatusFor reports the delivery state of the rotate_encryption_key
// command most recently issued to machineID, by scanning its recent
// command history; there is no separate rotation-tracking table.
func RotationStatusFor(store *fleet.Store, machineID string) (fleet.Command, bool) {
	for _, cmd := range store.GetRecentCommands(machineID, 20) {
		if cmd.Action == "rotate_encryption_key" {
			return cmd, true
		}
	}
	return fleet.Command{}, false
}
