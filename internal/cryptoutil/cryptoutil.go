// Package cryptoutil provides the signing, encryption, and key-derivation
// primitives shared by the envelope, credential, and cluster layers.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the required length, in bytes, of any shared secret accepted
// by this package: envelope keys and cluster secrets alike.
const KeySize = 32

// ErrWeakSecret is returned when a caller-supplied secret is shorter than KeySize.
var ErrWeakSecret = errors.New("cryptoutil: secret shorter than 32 bytes")

// ErrDecryptionFailed covers every way an envelope can fail to decrypt:
// bad version, malformed nonce/ciphertext, or a failed AEAD tag check.
var ErrDecryptionFailed = errors.New("cryptoutil: decryption failed")

// GenerateKey returns a cryptographically random 32-byte key.
func GenerateKey() ([]byte, error) {
	b := make([]byte, KeySize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return b, nil
}

// ValidateSecret rejects any secret under KeySize bytes.
func ValidateSecret(secret []byte) error {
	if len(secret) < KeySize {
		return ErrWeakSecret
	}
	return nil
}

// DeriveClusterAEADKey derives a 32-byte AEAD key from a cluster secret via
// HKDF-SHA256 with a fixed salt and empty info, so the derived key is never
// a truncation or zero-padding of the raw secret.
func DeriveClusterAEADKey(secret []byte) ([]byte, error) {
	if err := ValidateSecret(secret); err != nil {
		return nil, err
	}
	reader := hkdf.New(sha256.New, secret, []byte("cluster-encryption-v1"), nil)
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("derive cluster aead key: %w", err)
	}
	return out, nil
}

// AESGCMEncrypt seals plaintext under key with a fresh random 12-byte nonce
// and empty additional data. Returns the nonce and ciphertext separately so
// callers can shape the envelope however they need to.
func AESGCMEncrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// AESGCMDecrypt opens ciphertext under key and nonce with empty additional
// data. Any failure (wrong key, tampered ciphertext, malformed nonce) is
// reported as ErrDecryptionFailed, never a detailed AEAD error, so callers
// can't distinguish "wrong key" from "corrupted" via error text.
func AESGCMDecrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// CanonicalJSON serializes v with sorted object keys and minimal separators,
// so that signing and verification never diverge between encoder runs.
// Only plain JSON-compatible values are supported (maps, slices, structs via
// json.Marshal's own ordering for struct fields, which is already stable).
func CanonicalJSON(v any) ([]byte, error) {
	// Round-trip through map[string]any so object keys are normalized and
	// sorted regardless of the original struct field order.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return canonicalEncode(generic)
}

func canonicalEncode(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte("[")
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// SignRecord copies obj (expected to be a map[string]any or JSON-marshalable
// struct), injects _timestamp and _security_version, computes an HMAC-SHA256
// over the canonical JSON of that copy (signature field absent), and returns
// the signed map with _signature attached (base64 std encoding).
func SignRecord(secret []byte, obj map[string]any, securityVersion string) (map[string]any, error) {
	if err := ValidateSecret(secret); err != nil {
		return nil, err
	}
	signed := make(map[string]any, len(obj)+2)
	for k, v := range obj {
		signed[k] = v
	}
	signed["_timestamp"] = time.Now().Unix()
	signed["_security_version"] = securityVersion

	canon, err := CanonicalJSON(signed)
	if err != nil {
		return nil, fmt.Errorf("canonicalize for signing: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	sig := mac.Sum(nil)

	signed["_signature"] = base64.StdEncoding.EncodeToString(sig)
	return signed, nil
}

// VerifyRecord checks a signed record's HMAC and freshness. obj must contain
// _signature and _timestamp as produced by SignRecord. maxAge bounds how
// stale _timestamp may be; a future timestamp always fails.
func VerifyRecord(secret []byte, obj map[string]any, maxAge time.Duration) (bool, string) {
	if err := ValidateSecret(secret); err != nil {
		return false, "weak secret"
	}

	sigRaw, ok := obj["_signature"]
	if !ok {
		return false, "missing _signature"
	}
	sigStr, ok := sigRaw.(string)
	if !ok {
		return false, "malformed _signature"
	}
	tsRaw, ok := obj["_timestamp"]
	if !ok {
		return false, "missing _timestamp"
	}
	ts, ok := asUnixSeconds(tsRaw)
	if !ok {
		return false, "malformed _timestamp"
	}

	// Recompute over the object with _signature removed.
	unsigned := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "_signature" {
			continue
		}
		unsigned[k] = v
	}
	canon, err := CanonicalJSON(unsigned)
	if err != nil {
		return false, "canonicalization failed"
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	expected := mac.Sum(nil)

	got, err := base64.StdEncoding.DecodeString(sigStr)
	if err != nil {
		return false, "malformed _signature encoding"
	}
	if subtle.ConstantTimeCompare(expected, got) != 1 {
		return false, "signature mismatch"
	}

	now := time.Now().Unix()
	if ts > now {
		return false, "timestamp in the future"
	}
	if time.Duration(now-ts)*time.Second > maxAge {
		return false, "timestamp too old"
	}
	return true, ""
}

func asUnixSeconds(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// DerivePBKDF2 derives a keyLen-byte key from password and salt using
// PBKDF2-HMAC-SHA256 with the given iteration count. Used for the legacy
// password-hashing fallback path when bcrypt is unavailable.
func DerivePBKDF2(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}

// RandomSalt returns n cryptographically random bytes hex-friendly for use
// as a PBKDF2 salt or similar.
func RandomSalt(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return b, nil
}

// RandomToken returns a cryptographically random token of n bytes, base64
// URL-safe encoded without padding — suitable for session tokens.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
