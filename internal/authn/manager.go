package authn

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sraths91/atlas-sub003/internal/credentials"
)

type contextKey int

const requestContextKey contextKey = iota

// RequestContext carries the authenticated principal through a request,
// set by the middleware and read by handlers via FromContext.
type RequestContext struct {
	Username   string
	Role       credentials.Role
	AuthMethod string // "api_key" or "session"
}

// IsAdmin reports whether the principal has the admin role.
func (rc *RequestContext) IsAdmin() bool {
	return rc != nil && rc.Role == credentials.RoleAdmin
}

// FromContext extracts the RequestContext a middleware attached, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey).(*RequestContext)
	return rc
}

func withRequestContext(r *http.Request, rc *RequestContext) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestContextKey, rc))
}

// Manager implements the auth decision table: API-key for agent endpoints,
// session cookie for human endpoints, and the CSRF check on login POSTs.
type Manager struct {
	Users        credentials.Store
	Sessions     *SessionStore
	CSRF         *CSRFStore
	APIKey       string
	CookieSecure bool
	SessionTTL   time.Duration

	pending *pendingTOTPStore
}

// NewManager builds a Manager with a fresh session store sized by ttl.
func NewManager(users credentials.Store, apiKey string, ttl time.Duration, cookieSecure bool) *Manager {
	return &Manager{
		Users:        users,
		Sessions:     NewSessionStore(ttl),
		CSRF:         NewCSRFStore(),
		APIKey:       apiKey,
		CookieSecure: cookieSecure,
		SessionTTL:   ttl,
		pending:      newPendingTOTPStore(),
	}
}

// checkAPIKey constant-time compares the X-API-Key header against the
// configured server key.
func (m *Manager) checkAPIKey(r *http.Request) bool {
	got := r.Header.Get("X-API-Key")
	if got == "" || m.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(m.APIKey)) == 1
}

// RequireAPIKey gates agent-facing endpoints: /api/fleet/report,
// /api/fleet/commands/*, /api/fleet/command/*/ack, /api/fleet/widget-logs.
func (m *Manager) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.checkAPIKey(r) {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession gates human-facing endpoints: dashboard, settings,
// machine pages, password reset, and the remaining /api/fleet/* routes.
// Pages redirect to /login on failure; API requests get 401 JSON.
func (m *Manager) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := CookieToken(r)
		if token != "" {
			sess, ok := m.Sessions.Validate(token)
			if ok {
				next.ServeHTTP(w, withRequestContext(r, &RequestContext{
					Username:   sess.Username,
					Role:       sess.Role,
					AuthMethod: "session",
				}))
				return
			}
			ClearCookie(w, m.CookieSecure)
		}
		if isAPIRequest(r) {
			writeUnauthorized(w)
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	})
}

// RequireCSRF validates the single-use CSRF token on a login POST. The
// token travels as a form field or X-CSRF-Token header; Consume ensures it
// can never be replayed.
func (m *Manager) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-CSRF-Token")
		if token == "" {
			token = r.FormValue("csrf_token")
		}
		if !m.CSRF.Consume(token) {
			http.Error(w, `{"error":"csrf validation failed"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin wraps a handler already behind RequireSession, rejecting
// non-admin principals.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := FromContext(r.Context())
		if !rc.IsAdmin() {
			if isAPIRequest(r) {
				http.Error(w, `{"error":"insufficient permissions"}`, http.StatusForbidden)
			} else {
				http.Error(w, "forbidden", http.StatusForbidden)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Login authenticates username/password against the credential store and,
// on success, mints a session and sets the cookie. If the account has TOTP
// enabled this returns ErrTOTPRequired instead of a session; callers use
// LoginStep1/VerifyTOTP for that flow.
func (m *Manager) Login(w http.ResponseWriter, r *http.Request, username, password string) (*Session, error) {
	sess, pendingToken, err := m.LoginStep1(w, r, username, password)
	if err != nil {
		return nil, err
	}
	if pendingToken != "" {
		return nil, ErrTOTPRequired
	}
	return sess, nil
}

// LoginStep1 verifies username/password and, for an account without TOTP,
// mints a session exactly like Login. For a TOTP-enabled account it mints
// no session yet and instead returns a short-lived pendingToken that
// VerifyTOTP exchanges for one once the second factor checks out.
func (m *Manager) LoginStep1(w http.ResponseWriter, r *http.Request, username, password string) (sess *Session, pendingToken string, err error) {
	ip := clientIP(r)
	user, err := m.Users.Authenticate(username, password, ip)
	if err != nil {
		return nil, "", err
	}
	if user.TOTPEnabled {
		token, err := m.pending.issue(user.Username, user.Role)
		if err != nil {
			return nil, "", err
		}
		return nil, token, nil
	}
	sess, err = m.createSession(w, user.Username, user.Role)
	return sess, "", err
}

// VerifyTOTP completes a pending login: it resolves pendingToken back to
// the username/role LoginStep1 already authenticated by password, checks
// code against the account's TOTP secret (or, failing that, a recovery
// code), and on success mints the session Login would have minted
// directly for a non-TOTP account. pendingToken is consumed either way.
func (m *Manager) VerifyTOTP(w http.ResponseWriter, pendingToken, code string) (*Session, error) {
	entry, ok := m.pending.consume(pendingToken)
	if !ok {
		return nil, ErrTOTPRequired
	}
	user, err := m.Users.GetUser(entry.username)
	if err != nil {
		return nil, err
	}
	if !ValidateTOTPCode(user.TOTPSecret, code) {
		matched, err := m.Users.ConsumeRecoveryCode(entry.username, code)
		if err != nil {
			return nil, err
		}
		if !matched {
			return nil, ErrInvalidTOTPCode
		}
	}
	return m.createSession(w, entry.username, entry.role)
}

func (m *Manager) createSession(w http.ResponseWriter, username string, role credentials.Role) (*Session, error) {
	sess, err := m.Sessions.Create(username, role, "session")
	if err != nil {
		return nil, err
	}
	SetCookie(w, sess.Token, sess.ExpiresAt, m.CookieSecure)
	return sess, nil
}

// Logout revokes the current session and clears its cookie.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) {
	if token := CookieToken(r); token != "" {
		m.Sessions.Revoke(token)
	}
	ClearCookie(w, m.CookieSecure)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func isAPIRequest(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
}
