package cryptoutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EnvelopeVersion is the only envelope format this implementation produces
// or accepts.
const EnvelopeVersion = "1"

// Envelope is the wire shape for an E2EE-protected payload:
// {encrypted: true, version: "1", nonce: base64(12), ciphertext: base64(*)}.
type Envelope struct {
	Encrypted  bool   `json:"encrypted"`
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Seal encrypts plaintext under key and returns the wire envelope.
func Seal(key, plaintext []byte) (Envelope, error) {
	nonce, ciphertext, err := AESGCMEncrypt(key, plaintext)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal envelope: %w", err)
	}
	return Envelope{
		Encrypted:  true,
		Version:    EnvelopeVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// SealJSON marshals v and seals it under key, for embedding the result
// directly in an outbound JSON field (e.g. params.encrypted_new_key).
func SealJSON(key []byte, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal for seal: %w", err)
	}
	return Seal(key, raw)
}

// Open decrypts env under key. An unsupported version is treated the same
// as ErrDecryptionFailed: callers never get to distinguish "wrong version"
// from "wrong key" via the error.
func Open(key []byte, env Envelope) ([]byte, error) {
	if env.Version != EnvelopeVersion {
		return nil, ErrDecryptionFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return AESGCMDecrypt(key, nonce, ciphertext)
}
