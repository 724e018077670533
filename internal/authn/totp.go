package authn

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/sraths91/atlas-sub003/internal/credentials"
)

const (
	pendingTOTPTokenBytes = 32
	pendingTOTPTTL        = 5 * time.Minute

	totpIssuer        = "Fleet Control Plane"
	recoveryCodeCount = 8
	recoveryCodeLen   = 8 // hex characters (4 bytes)
)

// ErrTOTPRequired signals that a password check succeeded but the account
// has a second factor enabled; the caller must complete VerifyTOTP with
// the pending token before a session is minted.
var ErrTOTPRequired = errors.New("authn: totp verification required")

// ErrInvalidTOTPCode signals that neither the TOTP code nor any stored
// recovery code matched during VerifyTOTP.
var ErrInvalidTOTPCode = errors.New("authn: invalid totp code")

// GenerateTOTPSecret creates a fresh TOTP secret and provisioning key for
// username, ready to render as a QR code during setup.
func GenerateTOTPSecret(username string) (*otp.Key, error) {
	return totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: username,
	})
}

// ValidateTOTPCode checks a 6-digit code against secret using the current
// time step (and the adjacent ones the library tolerates for clock skew).
func ValidateTOTPCode(secret, code string) bool {
	if secret == "" {
		return false
	}
	return totp.Validate(code, secret)
}

// GenerateRecoveryCodes mints a set of one-time recovery codes. The plain
// codes are shown to the user once during setup; the same values are what
// gets persisted, matching the teacher's plain-hex storage choice.
func GenerateRecoveryCodes() ([]string, error) {
	codes := make([]string, recoveryCodeCount)
	for i := range codes {
		b := make([]byte, recoveryCodeLen/2)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("authn: generate recovery code: %w", err)
		}
		codes[i] = hex.EncodeToString(b)
	}
	return codes, nil
}

// pendingTOTP is the half-authenticated state between a correct password
// and a confirmed TOTP code.
type pendingTOTP struct {
	username string
	role     credentials.Role
	expires  time.Time
}

// pendingTOTPStore holds short-lived tokens for logins awaiting a second
// factor, the same single-use/TTL shape as CSRFStore.
type pendingTOTPStore struct {
	mu      sync.Mutex
	pending map[string]pendingTOTP
}

func newPendingTOTPStore() *pendingTOTPStore {
	return &pendingTOTPStore{pending: make(map[string]pendingTOTP)}
}

func (p *pendingTOTPStore) issue(username string, role credentials.Role) (string, error) {
	b := make([]byte, pendingTOTPTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune()
	p.pending[token] = pendingTOTP{username: username, role: role, expires: time.Now().Add(pendingTOTPTTL)}
	return token, nil
}

// consume validates and deletes token in one step, single-use like the
// CSRF token it plays the same role alongside.
func (p *pendingTOTPStore) consume(token string) (pendingTOTP, bool) {
	if token == "" {
		return pendingTOTP{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.pending[token]
	delete(p.pending, token)
	if !ok || time.Now().After(entry.expires) {
		return pendingTOTP{}, false
	}
	return entry, true
}

func (p *pendingTOTPStore) prune() {
	now := time.Now()
	for token, entry := range p.pending {
		if now.After(entry.expires) {
			delete(p.pending, token)
		}
	}
}
