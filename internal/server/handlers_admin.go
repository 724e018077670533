package server

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sraths91/atlas-sub003/internal/authn"
	"github.com/sraths91/atlas-sub003/internal/credentials"
	"github.com/sraths91/atlas-sub003/internal/httprouter"
)

func (a *App) registerAdminRoutes(r *httprouter.Router) {
	mw := a.Auth.RequireSession
	admin := authn.RequireAdmin

	r.HandleFunc(http.MethodPost, "/api/fleet/admin/users", a.handleAdminCreateUser, mw, admin)
	r.HandleFunc(http.MethodPost, "/api/fleet/admin/users/{username}/change-password", a.handleAdminChangePassword, mw, admin)
	r.HandleFunc(http.MethodDelete, "/api/fleet/admin/users/{username}", a.handleAdminDeleteUser, mw, admin)
	r.HandleFunc(http.MethodPost, "/api/fleet/admin/users/{username}/force-update-password", a.handleAdminForceUpdatePassword, mw, admin)
	r.HandleFunc(http.MethodGet, "/api/fleet/admin/cert-status", a.handleCertStatus, mw, admin)
	r.HandleFunc(http.MethodGet, "/api/fleet/admin/cert-info", a.handleCertInfo, mw, admin)
	r.HandleFunc(http.MethodPost, "/api/fleet/admin/cert-update", a.handleCertUpdate, mw, admin)
	r.HandleFunc(http.MethodPost, "/api/fleet/admin/verify-and-get-key", a.handleVerifyAndGetKey, mw, admin)
	r.HandleFunc(http.MethodPost, "/api/fleet/admin/regenerate-key", a.handleRegenerateKey, mw, admin)
	r.HandleFunc(http.MethodGet, "/api/fleet/admin/e2ee-status", a.handleE2EEStatus, mw, admin)

	r.HandleFunc(http.MethodPost, "/api/fleet/admin/totp/setup", a.handleTOTPSetup, mw, admin)
	r.HandleFunc(http.MethodPost, "/api/fleet/admin/totp/confirm", a.handleTOTPConfirm, mw, admin)
	r.HandleFunc(http.MethodPost, "/api/fleet/admin/totp/disable", a.handleTOTPDisable, mw, admin)
}

// handleTOTPSetup generates a fresh secret and recovery code set for the
// calling admin and stores them as pending: login still only needs a
// password until handleTOTPConfirm proves the authenticator app was
// actually enrolled with this secret.
func (a *App) handleTOTPSetup(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	key, err := authn.GenerateTOTPSecret(rc.Username)
	if err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to generate totp secret")
		return
	}
	codes, err := authn.GenerateRecoveryCodes()
	if err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to generate recovery codes")
		return
	}
	if err := a.Users.SetPendingTOTP(rc.Username, key.Secret(), codes); err != nil {
		writeCredentialsError(w, r, err)
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"secret":           key.Secret(),
		"provisioning_url": key.URL(),
		"recovery_codes":   codes,
	})
}

type totpConfirmRequest struct {
	Code string `json:"code"`
}

// handleTOTPConfirm proves the admin actually enrolled the pending secret
// before two-factor becomes mandatory on future logins.
func (a *App) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	var req totpConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := a.Users.GetUser(rc.Username)
	if err != nil {
		writeCredentialsError(w, r, err)
		return
	}
	if !authn.ValidateTOTPCode(user.TOTPSecret, req.Code) {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid verification code")
		return
	}
	if err := a.Users.ConfirmTOTP(rc.Username); err != nil {
		writeCredentialsError(w, r, err)
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleTOTPDisable turns two-factor back off for the calling admin,
// requiring the current password as proof of presence.
func (a *App) handleTOTPDisable(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := a.Users.Authenticate(rc.Username, req.Password, clientIPFromRequest(r)); err != nil {
		httprouter.WriteError(w, r, http.StatusUnauthorized, "invalid password")
		return
	}
	if err := a.Users.DisableTOTP(rc.Username); err != nil {
		writeCredentialsError(w, r, err)
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

type createUserRequest struct {
	Username string             `json:"username"`
	Password string             `json:"password"`
	Role     credentials.Role   `json:"role"`
}

func (a *App) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" {
		req.Role = credentials.RoleViewer
	}
	user, err := a.Users.CreateUser(req.Username, req.Password, req.Role)
	if err != nil {
		writeCredentialsError(w, r, err)
		return
	}
	httprouter.WriteJSON(w, http.StatusCreated, user)
}

type changePasswordRequest struct {
	NewPassword string `json:"new_password"`
}

func (a *App) handleAdminChangePassword(w http.ResponseWriter, r *http.Request) {
	username := httprouter.Param(r, "username")
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.Users.SetPassword(username, req.NewPassword); err != nil {
		writeCredentialsError(w, r, err)
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *App) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	username := httprouter.Param(r, "username")
	if err := a.Users.DeleteUser(username); err != nil {
		writeCredentialsError(w, r, err)
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleAdminForceUpdatePassword issues a 24-hour reset token for the user
// and returns it, rather than invalidating the account outright. It does
// not set the user's needs-password-update flag, and the current password
// keeps working until the token is used.
func (a *App) handleAdminForceUpdatePassword(w http.ResponseWriter, r *http.Request) {
	username := httprouter.Param(r, "username")
	token, err := a.Users.IssueResetToken(username, 24*time.Hour)
	if err != nil {
		writeCredentialsError(w, r, err)
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"reset_token": token})
}

func (a *App) handleCertStatus(w http.ResponseWriter, r *http.Request) {
	certPath := filepath.Join(a.Config.CertDir, "cert.pem")
	_, err := os.Stat(certPath)
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"cert_present": err == nil, "cert_dir": a.Config.CertDir})
}

func (a *App) handleCertInfo(w http.ResponseWriter, r *http.Request) {
	certPath := filepath.Join(a.Config.CertDir, "cert.pem")
	info, err := os.Stat(certPath)
	if err != nil {
		httprouter.WriteError(w, r, http.StatusNotFound, "certificate not found")
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"path":         certPath,
		"modified_at":  info.ModTime(),
		"size_bytes":   info.Size(),
	})
}

// handleCertUpdate regenerates the server's self-signed certificate. TLS
// listeners constructed after this call pick up the new files; the running
// listener (if any) is not hot-swapped.
func (a *App) handleCertUpdate(w http.ResponseWriter, r *http.Request) {
	if err := os.RemoveAll(a.Config.CertDir); err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to clear cert dir")
		return
	}
	if _, _, err := EnsureSelfSignedCert(a.Config.CertDir); err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to regenerate certificate")
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type adminPasswordRequest struct {
	Password string `json:"password"`
}

// handleVerifyAndGetKey validates the operator's current password and
// either returns the existing E2EE key or generates one if none exists
// yet, per the "used when no key is yet configured" rule.
func (a *App) handleVerifyAndGetKey(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	var req adminPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := a.Users.Authenticate(rc.Username, req.Password, clientIPFromRequest(r)); err != nil {
		httprouter.WriteError(w, r, http.StatusUnauthorized, "invalid password")
		return
	}
	if a.Keys.Configured() {
		httprouter.WriteJSON(w, http.StatusOK, map[string]any{"key": encodeKey(a.Keys.CurrentKey())})
		return
	}
	key, err := a.Keys.GenerateKey(req.Password)
	if err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to generate key")
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"key": encodeKey(key)})
}

// handleRegenerateKey forces an unconditional new key (not a rotation
// across the fleet — existing agents will reject reports until rekeyed
// out of band). Used for the "forced rotation" case §4.6 names.
func (a *App) handleRegenerateKey(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	var req adminPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		httprouter.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := a.Users.Authenticate(rc.Username, req.Password, clientIPFromRequest(r)); err != nil {
		httprouter.WriteError(w, r, http.StatusUnauthorized, "invalid password")
		return
	}
	key, err := a.Keys.GenerateKey(req.Password)
	if err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to generate key")
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"key": encodeKey(key)})
}

func (a *App) handleE2EEStatus(w http.ResponseWriter, r *http.Request) {
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"configured": a.Keys.Configured()})
}

func writeCredentialsError(w http.ResponseWriter, r *http.Request, err error) {
	switch err {
	case credentials.ErrUserExists:
		httprouter.WriteError(w, r, http.StatusConflict, err.Error())
	case credentials.ErrUserNotFound:
		httprouter.WriteError(w, r, http.StatusNotFound, err.Error())
	case credentials.ErrLastAdmin:
		httprouter.WriteError(w, r, http.StatusConflict, err.Error())
	default:
		if _, ok := err.(*credentials.PasswordRequirementError); ok {
			httprouter.WriteError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		httprouter.WriteError(w, r, http.StatusBadRequest, err.Error())
	}
}

func clientIPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
