package credentials

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sraths91/atlas-sub003/internal/cryptoutil"
)

var (
	bucketUsers         = []byte("users")
	bucketLoginAttempts = []byte("login_attempts")
)

var indexPrefix = []byte("idx::")

func isIndexKey(k []byte) bool {
	return bytes.HasPrefix(k, indexPrefix)
}

func attemptKeyPrefix(key string) []byte {
	return []byte("attempt::" + key + "::")
}

func attemptKey(key string, when time.Time) []byte {
	return []byte(fmt.Sprintf("attempt::%s::%s", key, when.UTC().Format(time.RFC3339Nano)))
}

// loginAttemptRecord is one row of the login_attempts ledger, keyed by the
// (username, ip) pair so a lockout is scoped to a single source.
type loginAttemptRecord struct {
	Username  string    `json:"username"`
	IP        string    `json:"ip"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// BoltStore is the bbolt-backed implementation of Store: one users bucket
// keyed by username, and one login_attempts bucket keyed by
// "attempt::<sha256(username,ip)>::<RFC3339Nano>" so a per-pair prefix scan
// recovers the rolling window directly from the cursor.
type BoltStore struct {
	db *bolt.DB
	mu sync.Mutex
}

// OpenBoltStore opens (creating if necessary) the credential database at
// path and ensures its buckets exist.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("credentials: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketLoginAttempts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("credentials: create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func userKey(username string) []byte {
	return []byte("user::" + username)
}

// CreateUser persists a new active user. needs_password_update starts
// false; callers that mint temporary passwords should flip it explicitly.
func (s *BoltStore) CreateUser(username, password string, role Role) (*User, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now(),
		IsActive:     true,
	}
	data, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("credentials: marshal user: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if existing := b.Get(userKey(username)); existing != nil {
			return ErrUserExists
		}
		return b.Put(userKey(username), data)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser fetches a user record by username.
func (s *BoltStore) GetUser(username string) (*User, error) {
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get(userKey(username))
		if v == nil {
			return ErrUserNotFound
		}
		return json.Unmarshal(v, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListUsers returns every user record, skipping secondary-index keys.
func (s *BoltStore) ListUsers() ([]*User, error) {
	var users []*User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if isIndexKey(k) {
				continue
			}
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("credentials: unmarshal user %q: %w", k, err)
			}
			users = append(users, &u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *BoltStore) putUser(tx *bolt.Tx, user *User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("credentials: marshal user: %w", err)
	}
	return tx.Bucket(bucketUsers).Put(userKey(user.Username), data)
}

// SetPassword enforces the complexity policy, rehashes, and clears
// needs_password_update.
func (s *BoltStore) SetPassword(username, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get(userKey(username))
		if v == nil {
			return ErrUserNotFound
		}
		var user User
		if err := json.Unmarshal(v, &user); err != nil {
			return err
		}
		user.PasswordHash = hash
		user.NeedsPasswordUpdate = false
		return s.putUser(tx, &user)
	})
}

// SetActive flips a user's is_active flag, refusing to deactivate the last
// active admin.
func (s *BoltStore) SetActive(username string, active bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get(userKey(username))
		if v == nil {
			return ErrUserNotFound
		}
		var user User
		if err := json.Unmarshal(v, &user); err != nil {
			return err
		}
		if !active && user.Role == RoleAdmin {
			if err := s.requireAnotherActiveAdmin(tx, username); err != nil {
				return err
			}
		}
		user.IsActive = active
		return s.putUser(tx, &user)
	})
}

// SetPendingTOTP stores a freshly generated secret and recovery code set
// against username without yet enabling two-factor login. The secret only
// takes effect once the caller proves possession via ConfirmTOTP, so a
// login attempt mid-setup never starts requiring a code it hasn't shown
// the user yet.
func (s *BoltStore) SetPendingTOTP(username, secret string, recoveryCodes []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get(userKey(username))
		if v == nil {
			return ErrUserNotFound
		}
		var user User
		if err := json.Unmarshal(v, &user); err != nil {
			return err
		}
		user.TOTPSecret = secret
		user.TOTPEnabled = false
		user.TOTPRecoveryCodes = recoveryCodes
		return s.putUser(tx, &user)
	})
}

// ConfirmTOTP flips totp_enabled once the caller has verified a code
// against the pending secret, making it mandatory on subsequent logins.
func (s *BoltStore) ConfirmTOTP(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get(userKey(username))
		if v == nil {
			return ErrUserNotFound
		}
		var user User
		if err := json.Unmarshal(v, &user); err != nil {
			return err
		}
		if user.TOTPSecret == "" {
			return ErrTOTPNotPending
		}
		user.TOTPEnabled = true
		return s.putUser(tx, &user)
	})
}

// DisableTOTP clears the secret, the enabled flag, and every recovery
// code, returning the account to password-only login.
func (s *BoltStore) DisableTOTP(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get(userKey(username))
		if v == nil {
			return ErrUserNotFound
		}
		var user User
		if err := json.Unmarshal(v, &user); err != nil {
			return err
		}
		user.TOTPSecret = ""
		user.TOTPEnabled = false
		user.TOTPRecoveryCodes = nil
		return s.putUser(tx, &user)
	})
}

// ConsumeRecoveryCode checks code against username's stored recovery
// codes in constant time and, on a match, removes it so it cannot be
// reused, returning whether a match was found.
func (s *BoltStore) ConsumeRecoveryCode(username, code string) (bool, error) {
	matched := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get(userKey(username))
		if v == nil {
			return ErrUserNotFound
		}
		var user User
		if err := json.Unmarshal(v, &user); err != nil {
			return err
		}
		idx := -1
		for i, stored := range user.TOTPRecoveryCodes {
			if subtle.ConstantTimeCompare([]byte(code), []byte(stored)) == 1 {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil
		}
		matched = true
		user.TOTPRecoveryCodes = append(user.TOTPRecoveryCodes[:idx], user.TOTPRecoveryCodes[idx+1:]...)
		return s.putUser(tx, &user)
	})
	return matched, err
}

// DeleteUser removes a user outright, refusing to remove the last active
// admin.
func (s *BoltStore) DeleteUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get(userKey(username))
		if v == nil {
			return ErrUserNotFound
		}
		var user User
		if err := json.Unmarshal(v, &user); err != nil {
			return err
		}
		if user.Role == RoleAdmin && user.IsActive {
			if err := s.requireAnotherActiveAdmin(tx, username); err != nil {
				return err
			}
		}
		return b.Delete(userKey(username))
	})
}

// requireAnotherActiveAdmin returns ErrLastAdmin unless some active admin
// other than excludeUsername exists. Must be called within an open tx so
// the check and the mutation it guards are atomic.
func (s *BoltStore) requireAnotherActiveAdmin(tx *bolt.Tx, excludeUsername string) error {
	b := tx.Bucket(bucketUsers)
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if isIndexKey(k) {
			continue
		}
		var u User
		if err := json.Unmarshal(v, &u); err != nil {
			continue
		}
		if u.Username == excludeUsername {
			continue
		}
		if u.Role == RoleAdmin && u.IsActive {
			return nil
		}
	}
	return ErrLastAdmin
}

// Authenticate checks the (username, ip) lockout window, verifies the
// password, and records the attempt either way.
func (s *BoltStore) Authenticate(username, password, ip string) (*User, error) {
	key := loginAttemptKey(username, ip)
	locked, remaining, err := s.checkLockout(key)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, fmt.Errorf("%w: retry in %s", ErrLockedOut, remaining.Round(time.Second))
	}

	user, err := s.GetUser(username)
	ok := err == nil && user.IsActive && CheckPassword(user.PasswordHash, password)
	if recErr := s.recordAttempt(key, username, ip, ok); recErr != nil {
		return nil, recErr
	}
	if !ok {
		return nil, ErrInvalidCredential
	}

	user.LastLogin = time.Now()
	if uerr := s.db.Update(func(tx *bolt.Tx) error {
		return s.putUser(tx, user)
	}); uerr != nil {
		return nil, uerr
	}
	return user, nil
}

// checkLockout scans the rolling window for key and reports whether the
// pair is currently locked out and, if so, how long remains.
func (s *BoltStore) checkLockout(key string) (locked bool, remaining time.Duration, err error) {
	now := time.Now()
	windowStart := now.Add(-loginWindow)
	failures := 0
	var oldestFailure time.Time

	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLoginAttempts)
		c := b.Cursor()
		prefix := attemptKeyPrefix(key)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec loginAttemptRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Success || rec.Timestamp.Before(windowStart) {
				continue
			}
			failures++
			if oldestFailure.IsZero() || rec.Timestamp.Before(oldestFailure) {
				oldestFailure = rec.Timestamp
			}
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	if failures < maxLoginAttempts {
		return false, 0, nil
	}
	lockedUntil := oldestFailure.Add(lockoutDuration)
	if now.After(lockedUntil) {
		return false, 0, nil
	}
	return true, time.Until(lockedUntil), nil
}

func (s *BoltStore) recordAttempt(key, username, ip string, success bool) error {
	rec := loginAttemptRecord{Username: username, IP: ip, Success: success, Timestamp: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("credentials: marshal login attempt: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLoginAttempts).Put(attemptKey(key, rec.Timestamp), data)
	})
}

// PruneLoginAttempts deletes every login-attempt record older than
// olderThan, intended to run on a cron schedule.
func (s *BoltStore) PruneLoginAttempts(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLoginAttempts)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec loginAttemptRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Timestamp.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// IssueResetToken mints a random reset token for username valid for ttl,
// overwriting any prior unused token. The token itself, not the hash, is
// stored: it only ever unlocks a password change, never authentication.
func (s *BoltStore) IssueResetToken(username string, ttl time.Duration) (string, error) {
	token, err := cryptoutil.RandomToken(32)
	if err != nil {
		return "", fmt.Errorf("credentials: generate reset token: %w", err)
	}
	expires := time.Now().Add(ttl)
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get(userKey(username))
		if v == nil {
			return ErrUserNotFound
		}
		var user User
		if err := json.Unmarshal(v, &user); err != nil {
			return err
		}
		user.ResetToken = token
		user.ResetTokenExpires = &expires
		return s.putUser(tx, &user)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// ResetPasswordWithToken consumes a still-valid reset token and sets
// newPassword, enforcing the same complexity policy as SetPassword. A
// password that fails the policy is rejected before the token is looked
// up, so the token stays valid for another attempt. A successful reset
// clears the token; an expired token is cleared when presented.
func (s *BoltStore) ResetPasswordWithToken(token, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if isIndexKey(k) {
				continue
			}
			var user User
			if err := json.Unmarshal(v, &user); err != nil {
				continue
			}
			if user.ResetToken == "" || user.ResetToken != token {
				continue
			}
			expired := user.ResetTokenExpires != nil && time.Now().After(*user.ResetTokenExpires)
			user.ResetToken = ""
			user.ResetTokenExpires = nil
			if expired {
				if err := s.putUser(tx, &user); err != nil {
					return err
				}
				return ErrResetTokenInvalid
			}
			user.PasswordHash = hash
			user.NeedsPasswordUpdate = false
			return s.putUser(tx, &user)
		}
		return ErrResetTokenInvalid
	})
}

var _ Store = (*BoltStore)(nil)
