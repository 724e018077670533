// Package credentials persists user accounts and enforces the password
// policy, hashing scheme, and per-(username, ip) lockout described for the
// fleet control plane's credential store.
package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
)

const bcryptCost = 12

const (
	// pbkdf2Iterations is the legacy-path iteration count. Used only to
	// verify hashes created before bcrypt became the default, and never
	// for new credentials.
	pbkdf2Iterations = 210_000
	pbkdf2KeyLen     = 32
	legacyPrefix     = "pbkdf2$"
)

const (
	maxLoginAttempts = 5
	loginWindow      = 5 * time.Minute
	lockoutDuration  = 300 * time.Second
)

// Role is a user's access level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

var (
	ErrUserExists        = errors.New("credentials: username already exists")
	ErrUserNotFound      = errors.New("credentials: user not found")
	ErrLastAdmin         = errors.New("credentials: cannot remove the last active admin")
	ErrInvalidCredential = errors.New("credentials: invalid username or password")
	ErrLockedOut         = errors.New("credentials: account temporarily locked")
	ErrResetTokenInvalid = errors.New("credentials: reset token invalid or expired")
	ErrTOTPNotPending    = errors.New("credentials: no pending totp secret to confirm")
)

// PasswordRequirementError lists every unmet password-complexity rule.
type PasswordRequirementError struct {
	Unmet []string
}

func (e *PasswordRequirementError) Error() string {
	return "credentials: password does not meet requirements: " + strings.Join(e.Unmet, ", ")
}

const symbolSet = "!@#$%^&*()-_=+[]{}|;:,.<>/?~"

// ValidatePassword enforces length >= 12, at least one uppercase, one
// lowercase, one digit, and one symbol from a fixed set. Every unmet rule
// is reported together, not just the first.
func ValidatePassword(password string) error {
	var unmet []string
	if len(password) < 12 {
		unmet = append(unmet, "at least 12 characters")
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(symbolSet, r):
			hasSymbol = true
		}
	}
	if !hasUpper {
		unmet = append(unmet, "at least one uppercase letter")
	}
	if !hasLower {
		unmet = append(unmet, "at least one lowercase letter")
	}
	if !hasDigit {
		unmet = append(unmet, "at least one digit")
	}
	if !hasSymbol {
		unmet = append(unmet, "at least one symbol")
	}
	if len(unmet) > 0 {
		return &PasswordRequirementError{Unmet: unmet}
	}
	return nil
}

// HashPassword returns a bcrypt hash of password at the package's fixed cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("credentials: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword verifies password against a stored hash, dispatching on the
// hash's prefix: bcrypt hashes (the only format new credentials ever get)
// or the legacy "pbkdf2$salt_hex$derived_hex" format.
func CheckPassword(hash, password string) bool {
	if strings.HasPrefix(hash, legacyPrefix) {
		return checkLegacyPBKDF2(hash, password)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// hashLegacyPBKDF2 produces the legacy fallback format for a fresh salt.
// Never used for new users; kept so CheckPassword can still verify
// accounts created under the legacy path before bcrypt was available.
func hashLegacyPBKDF2(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("credentials: generate legacy salt: %w", err)
	}
	derived := cryptoutil.DerivePBKDF2([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen)
	return legacyPrefix + hex.EncodeToString(salt) + "$" + hex.EncodeToString(derived), nil
}

func checkLegacyPBKDF2(hash, password string) bool {
	rest := strings.TrimPrefix(hash, legacyPrefix)
	parts := strings.SplitN(rest, "$", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got := cryptoutil.DerivePBKDF2([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// User is a persisted credential record.
type User struct {
	Username             string     `json:"username"`
	PasswordHash         string     `json:"password_hash"`
	Role                 Role       `json:"role"`
	CreatedAt            time.Time  `json:"created_at"`
	LastLogin            time.Time  `json:"last_login,omitempty"`
	IsActive             bool       `json:"is_active"`
	NeedsPasswordUpdate  bool       `json:"needs_password_update"`
	ResetToken           string     `json:"reset_token,omitempty"`
	ResetTokenExpires    *time.Time `json:"reset_token_expires,omitempty"`
	TOTPSecret           string     `json:"totp_secret,omitempty"`
	TOTPEnabled          bool       `json:"totp_enabled"`
	TOTPRecoveryCodes    []string   `json:"totp_recovery_codes,omitempty"`
}

// Store is the persistence and policy interface the credential store
// offers to the auth manager and admin handlers. Implementations own the
// users bucket and the login-attempt ledger exclusively.
type Store interface {
	CreateUser(username, password string, role Role) (*User, error)
	Authenticate(username, password, ip string) (*User, error)
	GetUser(username string) (*User, error)
	ListUsers() ([]*User, error)
	SetPassword(username, newPassword string) error
	DeleteUser(username string) error
	SetActive(username string, active bool) error
	PruneLoginAttempts(olderThan time.Duration) error
	IssueResetToken(username string, ttl time.Duration) (string, error)
	ResetPasswordWithToken(token, newPassword string) error
	SetPendingTOTP(username, secret string, recoveryCodes []string) error
	ConfirmTOTP(username string) error
	DisableTOTP(username string) error
	ConsumeRecoveryCode(username, code string) (bool, error)
}

func loginAttemptKey(username, ip string) string {
	sum := sha256.Sum256([]byte(username + "\x00" + ip))
	return hex.EncodeToString(sum[:])
}
