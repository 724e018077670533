package cryptoutil

import (
	"testing"
	"time"
)

func testSecret() []byte {
	b, err := GenerateKey()
	if err != nil {
		panic(err)
	}
	return b
}

func TestValidateSecretRejectsShort(t *testing.T) {
	if err := ValidateSecret([]byte("too short")); err != ErrWeakSecret {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	key := testSecret()
	plaintext := []byte(`{"hello":"world"}`)
	nonce, ciphertext, err := AESGCMEncrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := AESGCMDecrypt(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("roundtrip mismatch: got %s", got)
	}
}

func TestAESGCMDecryptWrongKeyFails(t *testing.T) {
	key := testSecret()
	other := testSecret()
	nonce, ciphertext, err := AESGCMEncrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := AESGCMDecrypt(other, nonce, ciphertext); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestAESGCMDecryptTamperedFails(t *testing.T) {
	key := testSecret()
	nonce, ciphertext, err := AESGCMEncrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ciphertext[0] ^= 0xFF
	if _, err := AESGCMDecrypt(key, nonce, ciphertext); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	out, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
}

func TestSignAndVerifyRecord(t *testing.T) {
	secret := testSecret()
	obj := map[string]any{"node_id": "abc", "port": float64(9000)}
	signed, err := SignRecord(secret, obj, "1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, reason := VerifyRecord(secret, signed, time.Minute)
	if !ok {
		t.Fatalf("expected valid, got reason %q", reason)
	}
}

func TestVerifyRecordRejectsTamperedSignature(t *testing.T) {
	secret := testSecret()
	signed, err := SignRecord(secret, map[string]any{"x": 1}, "1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed["x"] = 2
	ok, reason := VerifyRecord(secret, signed, time.Minute)
	if ok {
		t.Fatalf("expected rejection, reason was %q", reason)
	}
}

func TestVerifyRecordRejectsStale(t *testing.T) {
	secret := testSecret()
	signed, err := SignRecord(secret, map[string]any{"x": 1}, "1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	signed["_timestamp"] = time.Now().Add(-time.Hour).Unix()
	ok, reason := VerifyRecord(secret, signed, time.Minute)
	if ok {
		t.Fatalf("expected rejection for stale timestamp, got ok; reason %q", reason)
	}
}

func TestVerifyRecordRejectsFutureTimestamp(t *testing.T) {
	secret := testSecret()
	signed, err := SignRecord(secret, map[string]any{"x": 1}, "1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Forge a future timestamp without resigning: the signature will mismatch
	// first, which is also an acceptable rejection path. Verify it's rejected.
	signed["_timestamp"] = time.Now().Add(time.Hour).Unix()
	ok, _ := VerifyRecord(secret, signed, time.Minute)
	if ok {
		t.Fatalf("expected rejection for future timestamp")
	}
}

func TestDeriveClusterAEADKeyNotTrivial(t *testing.T) {
	secret := testSecret()
	derived, err := DeriveClusterAEADKey(secret)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(derived) != KeySize {
		t.Fatalf("expected %d bytes, got %d", KeySize, len(derived))
	}
	matches := true
	for i := range derived {
		if derived[i] != secret[i] {
			matches = false
			break
		}
	}
	if matches {
		t.Fatal("derived key must not equal the raw secret")
	}
}

func TestPBKDF2Deterministic(t *testing.T) {
	salt, err := RandomSalt(16)
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	a := DerivePBKDF2([]byte("password"), salt, 1000, 32)
	b := DerivePBKDF2([]byte("password"), salt, 1000, 32)
	if string(a) != string(b) {
		t.Fatal("same inputs must derive the same key")
	}
}
