// Package authn gates every inbound request per the fleet control plane's
// decision table: an X-API-Key header for agent endpoints, a session
// cookie for human endpoints, and single-use CSRF tokens on login.
package authn

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/sraths91/atlas-sub003/internal/credentials"
)

// SessionCookieName is the cookie the server issues on successful login.
const SessionCookieName = "fleet_session"

const sessionTokenBytes = 32 // 256-bit token

// Session is an in-memory session record keyed by its token.
type Session struct {
	Token        string
	Username     string
	Role         credentials.Role
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	AuthMethod   string
}

// SessionStore holds live sessions keyed by token for O(1) lookup.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewSessionStore builds an empty session store with the given absolute
// session lifetime.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session), ttl: ttl}
}

func generateSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Create mints a new session for username and stores it.
func (s *SessionStore) Create(username string, role credentials.Role, authMethod string) (*Session, error) {
	token, err := generateSessionToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := &Session{
		Token:        token,
		Username:     username,
		Role:         role,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
		AuthMethod:   authMethod,
	}
	s.mu.Lock()
	s.sessions[token] = sess
	s.mu.Unlock()
	return sess, nil
}

// Validate looks up token, rejecting and deleting it if expired. A valid
// lookup slides LastActivity forward without extending ExpiresAt.
func (s *SessionStore) Validate(token string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, false
	}
	now := time.Now()
	if now.After(sess.ExpiresAt) {
		delete(s.sessions, token)
		return nil, false
	}
	sess.LastActivity = now
	return sess, true
}

// Revoke deletes a session, used on logout.
func (s *SessionStore) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// GC deletes every session past its ExpiresAt. Intended for a cron-driven
// sweep rather than a per-request check.
func (s *SessionStore) GC() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for token, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// SetCookie writes the session cookie on the response.
func SetCookie(w http.ResponseWriter, token string, expiry time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiry,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// ClearCookie removes the session cookie, used on logout or when a stale
// token fails validation.
func ClearCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// CookieToken extracts the session token from the request, or "" if absent.
func CookieToken(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
