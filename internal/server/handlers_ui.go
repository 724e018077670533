package server

import (
	"net/http"
	"time"

	"github.com/sraths91/atlas-sub003/internal/authn"
	"github.com/sraths91/atlas-sub003/internal/credentials"
	"github.com/sraths91/atlas-sub003/internal/httprouter"
)

func (a *App) registerUIRoutes(r *httprouter.Router) {
	session := a.Auth.RequireSession

	r.HandleFunc(http.MethodGet, "/", a.handleIndex)
	r.HandleFunc(http.MethodGet, "/login", a.handleLoginPage)
	r.HandleFunc(http.MethodPost, "/login", a.handleLoginSubmit, a.sensitiveMW(), a.Auth.RequireCSRF)
	r.HandleFunc(http.MethodPost, "/login/totp", a.handleLoginTOTPSubmit, a.sensitiveMW())
	r.HandleFunc(http.MethodPost, "/logout", a.handleLogout, session)
	r.HandleFunc(http.MethodGet, "/dashboard", a.handleDashboardPage, session)
	r.HandleFunc(http.MethodGet, "/settings", a.handleSettingsPage, session)
	r.HandleFunc(http.MethodGet, "/password-reset", a.handlePasswordResetPage)
	r.HandleFunc(http.MethodPost, "/password-reset", a.handlePasswordResetSubmit, a.sensitiveMW())
	r.HandleFunc(http.MethodGet, "/reset-password", a.handleResetPasswordPage)
	r.HandleFunc(http.MethodPost, "/reset-password", a.handleResetPasswordSubmit, a.sensitiveMW())
	r.HandleFunc(http.MethodGet, "/machine/{id}", a.handleMachinePage, session)
	r.HandleFunc(http.MethodGet, "/machine/{id}/dashboard", a.handleMachineDashboardPage, session)

	r.HandleFunc(http.MethodGet, "/api/fleet/current-user", a.handleCurrentUser, session)
	r.HandleFunc(http.MethodGet, "/api/fleet/users", a.handleListUsers, session, authn.RequireAdmin)
	r.HandleFunc(http.MethodGet, "/api/fleet/users/check-password-update", a.handleCheckPasswordUpdate, session)
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	renderPage(w, "index.html", nil)
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	token, err := a.Auth.CSRF.Issue()
	if err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to issue csrf token")
		return
	}
	renderPage(w, "login.html", map[string]any{"CSRFToken": token})
}

func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	password := r.FormValue("password")
	_, pendingToken, err := a.Auth.LoginStep1(w, r, username, password)
	if err != nil {
		token, _ := a.Auth.CSRF.Issue()
		renderPage(w, "login.html", map[string]any{
			"CSRFToken": token,
			"Error":     "invalid username or password",
		})
		return
	}
	if pendingToken != "" {
		renderPage(w, "totp.html", map[string]any{"PendingToken": pendingToken})
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// handleLoginTOTPSubmit completes a login that handleLoginSubmit left
// half-authenticated: the form carries the pending token that binds this
// code check back to the username/role the password step already proved.
func (a *App) handleLoginTOTPSubmit(w http.ResponseWriter, r *http.Request) {
	pendingToken := r.FormValue("pending_token")
	code := r.FormValue("code")
	if _, err := a.Auth.VerifyTOTP(w, pendingToken, code); err != nil {
		renderPage(w, "totp.html", map[string]any{
			"PendingToken": pendingToken,
			"Error":        "invalid verification code",
		})
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Auth.Logout(w, r)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (a *App) handleDashboardPage(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	renderPage(w, "dashboard.html", map[string]any{"Username": rc.Username, "Role": rc.Role})
}

func (a *App) handleSettingsPage(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	renderPage(w, "settings.html", map[string]any{
		"Username": rc.Username,
		"Role":     rc.Role,
		"IsAdmin":  rc.IsAdmin(),
	})
}

func (a *App) handlePasswordResetPage(w http.ResponseWriter, r *http.Request) {
	token, err := a.Auth.CSRF.Issue()
	if err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to issue csrf token")
		return
	}
	renderPage(w, "password_reset.html", map[string]any{"CSRFToken": token})
}

// handlePasswordResetSubmit always renders the same "sent" confirmation
// regardless of whether the username exists, so the form can't be used to
// enumerate accounts. The token itself is handed to an administrator out
// of band (see handleAdminForceUpdatePassword), not emailed.
func (a *App) handlePasswordResetSubmit(w http.ResponseWriter, r *http.Request) {
	username := r.FormValue("username")
	_, _ = a.Users.IssueResetToken(username, time.Hour)
	renderPage(w, "password_reset.html", map[string]any{"Sent": true})
}

func (a *App) handleResetPasswordPage(w http.ResponseWriter, r *http.Request) {
	token, err := a.Auth.CSRF.Issue()
	if err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to issue csrf token")
		return
	}
	renderPage(w, "reset_password.html", map[string]any{
		"CSRFToken": token,
		"Token":     r.URL.Query().Get("token"),
	})
}

func (a *App) handleResetPasswordSubmit(w http.ResponseWriter, r *http.Request) {
	resetToken := r.FormValue("token")
	password := r.FormValue("password")
	if err := a.Users.ResetPasswordWithToken(resetToken, password); err != nil {
		csrfToken, _ := a.Auth.CSRF.Issue()
		renderPage(w, "reset_password.html", map[string]any{
			"CSRFToken": csrfToken,
			"Token":     resetToken,
			"Error":     err.Error(),
		})
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (a *App) handleMachinePage(w http.ResponseWriter, r *http.Request) {
	identifier := httprouter.Param(r, "id")
	m := a.Fleet.FindBySerial(identifier)
	if m == nil {
		httprouter.WriteError(w, r, http.StatusNotFound, "machine not found")
		return
	}
	renderPage(w, "machine.html", map[string]any{"MachineID": m.MachineID, "Status": m.Status})
}

func (a *App) handleMachineDashboardPage(w http.ResponseWriter, r *http.Request) {
	machineID, ok := a.resolveMachine(r)
	if !ok {
		httprouter.WriteError(w, r, http.StatusNotFound, "machine not found")
		return
	}
	renderPage(w, "machine_dashboard.html", map[string]any{"MachineID": machineID})
}

func (a *App) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{
		"username": rc.Username,
		"role":     rc.Role,
		"is_admin": rc.IsAdmin(),
	})
}

func (a *App) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.Users.ListUsers()
	if err != nil {
		httprouter.WriteError(w, r, http.StatusInternalServerError, "failed to list users")
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"users": sanitizeUsers(users)})
}

// sanitizeUsers strips password hashes and reset tokens before a user list
// ever reaches a JSON response.
func sanitizeUsers(users []*credentials.User) []map[string]any {
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]any{
			"username":              u.Username,
			"role":                  u.Role,
			"created_at":            u.CreatedAt,
			"last_login":            u.LastLogin,
			"is_active":             u.IsActive,
			"needs_password_update": u.NeedsPasswordUpdate,
		})
	}
	return out
}

func (a *App) handleCheckPasswordUpdate(w http.ResponseWriter, r *http.Request) {
	rc := authn.FromContext(r.Context())
	user, err := a.Users.GetUser(rc.Username)
	if err != nil {
		httprouter.WriteError(w, r, http.StatusNotFound, "user not found")
		return
	}
	httprouter.WriteJSON(w, http.StatusOK, map[string]any{"needs_password_update": user.NeedsPasswordUpdate})
}
