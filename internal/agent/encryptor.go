package agent

import (
	"sync"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
)

// Encryptor holds the agent's current shared envelope key. It is shared,
// immutable-except-during-rotation state between the report and poll
// loops: a rotate_encryption_key command swaps the key in place so the
// very next report uses it, without restarting either loop.
type Encryptor struct {
	mu  sync.RWMutex
	key []byte
}

// NewEncryptor builds an Encryptor. A nil/empty key means E2EE is
// inactive: Seal/Open are not called and reports go out as plaintext.
func NewEncryptor(key []byte) *Encryptor {
	return &Encryptor{key: key}
}

// Active reports whether a key is currently configured.
func (e *Encryptor) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.key) > 0
}

// SetKey installs a new key, used by the rotate_encryption_key action.
func (e *Encryptor) SetKey(key []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.key = key
}

// CurrentKey returns the active key, or nil if none is configured.
func (e *Encryptor) CurrentKey() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.key
}

// Seal encrypts plaintext under the current key.
func (e *Encryptor) Seal(plaintext []byte) (cryptoutil.Envelope, error) {
	e.mu.RLock()
	key := e.key
	e.mu.RUnlock()
	return cryptoutil.Seal(key, plaintext)
}

// Open decrypts env under the current key, used to unwrap a rotation
// command's params.encrypted_new_key.
func (e *Encryptor) Open(env cryptoutil.Envelope) ([]byte, error) {
	e.mu.RLock()
	key := e.key
	e.mu.RUnlock()
	return cryptoutil.Open(key, env)
}
