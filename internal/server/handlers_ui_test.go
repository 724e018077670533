package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestLoginPageIssuesCSRFToken(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "csrf_token") {
		t.Fatal("expected login page to embed a csrf_token field")
	}
}

func TestLoginSubmitRejectsWithoutCSRFToken(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()

	form := url.Values{"username": {"admin"}, "password": {testAdminPassword}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without a csrf token, got %d", rec.Code)
	}
}

func TestLoginSubmitSucceedsWithCSRFToken(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()

	token, err := a.Auth.CSRF.Issue()
	if err != nil {
		t.Fatalf("issue csrf token: %v", err)
	}
	form := url.Values{"username": {"admin"}, "password": {testAdminPassword}, "csrf_token": {token}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect to dashboard, got %d: %s", rec.Code, rec.Body.String())
	}
	found := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == "fleet_session" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a session cookie to be set")
	}
}

func TestDashboardRedirectsWithoutSession(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
}

func TestCurrentUserReturnsAuthenticatedPrincipal(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Routes()
	cookie := loginSession(t, a, "admin", testAdminPassword)

	req := httptest.NewRequest(http.MethodGet, "/api/fleet/current-user", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"username":"admin"`) {
		t.Fatalf("expected body to mention admin, got %s", rec.Body.String())
	}
}

func TestPasswordResetFlowEndToEnd(t *testing.T) {
	a, store := newTestApp(t)
	r := a.Routes()

	resetToken, err := store.IssueResetToken("admin", time.Hour)
	if err != nil {
		t.Fatalf("issue reset token: %v", err)
	}

	csrfToken, err := a.Auth.CSRF.Issue()
	if err != nil {
		t.Fatalf("issue csrf: %v", err)
	}
	form := url.Values{
		"token":      {resetToken},
		"password":   {"Br4nd!NewPassw0rd"},
		"csrf_token": {csrfToken},
	}
	req := httptest.NewRequest(http.MethodPost, "/reset-password", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect to /login on success, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := store.Authenticate("admin", "Br4nd!NewPassw0rd", "127.0.0.1"); err != nil {
		t.Fatalf("expected new password to authenticate: %v", err)
	}
}

func TestLoginSubmitRendersTOTPChallengeWhenEnabled(t *testing.T) {
	a, store := newTestApp(t)
	r := a.Routes()

	if err := store.SetPendingTOTP("admin", "JBSWY3DPEHPK3PXP", []string{"aaaa1111"}); err != nil {
		t.Fatalf("set pending totp: %v", err)
	}
	if err := store.ConfirmTOTP("admin"); err != nil {
		t.Fatalf("confirm totp: %v", err)
	}

	token, err := a.Auth.CSRF.Issue()
	if err != nil {
		t.Fatalf("issue csrf token: %v", err)
	}
	form := url.Values{"username": {"admin"}, "password": {testAdminPassword}, "csrf_token": {token}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 rendering the totp challenge, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pending_token") {
		t.Fatal("expected the totp challenge page to carry a pending_token field")
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "fleet_session" {
			t.Fatal("expected no session cookie before the second factor is verified")
		}
	}
}

func TestLoginTOTPSubmitCompletesLoginWithValidCode(t *testing.T) {
	a, store := newTestApp(t)
	r := a.Routes()

	secret := "JBSWY3DPEHPK3PXP"
	if err := store.SetPendingTOTP("admin", secret, []string{"aaaa1111"}); err != nil {
		t.Fatalf("set pending totp: %v", err)
	}
	if err := store.ConfirmTOTP("admin"); err != nil {
		t.Fatalf("confirm totp: %v", err)
	}

	csrfToken, err := a.Auth.CSRF.Issue()
	if err != nil {
		t.Fatalf("issue csrf token: %v", err)
	}
	loginForm := url.Values{"username": {"admin"}, "password": {testAdminPassword}, "csrf_token": {csrfToken}}
	loginReq := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(loginForm.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginRec := httptest.NewRecorder()
	r.ServeHTTP(loginRec, loginReq)

	pendingToken := extractPendingToken(t, loginRec.Body.String())

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}

	totpForm := url.Values{"pending_token": {pendingToken}, "code": {code}}
	totpReq := httptest.NewRequest(http.MethodPost, "/login/totp", strings.NewReader(totpForm.Encode()))
	totpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	totpRec := httptest.NewRecorder()
	r.ServeHTTP(totpRec, totpReq)

	if totpRec.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect to dashboard, got %d: %s", totpRec.Code, totpRec.Body.String())
	}
	found := false
	for _, c := range totpRec.Result().Cookies() {
		if c.Name == "fleet_session" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a session cookie to be set after a valid totp code")
	}
}

func TestLoginTOTPSubmitRejectsWrongCode(t *testing.T) {
	a, store := newTestApp(t)
	r := a.Routes()

	if err := store.SetPendingTOTP("admin", "JBSWY3DPEHPK3PXP", []string{"aaaa1111"}); err != nil {
		t.Fatalf("set pending totp: %v", err)
	}
	if err := store.ConfirmTOTP("admin"); err != nil {
		t.Fatalf("confirm totp: %v", err)
	}

	csrfToken, err := a.Auth.CSRF.Issue()
	if err != nil {
		t.Fatalf("issue csrf token: %v", err)
	}
	loginForm := url.Values{"username": {"admin"}, "password": {testAdminPassword}, "csrf_token": {csrfToken}}
	loginReq := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(loginForm.Encode()))
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginRec := httptest.NewRecorder()
	r.ServeHTTP(loginRec, loginReq)

	pendingToken := extractPendingToken(t, loginRec.Body.String())

	totpForm := url.Values{"pending_token": {pendingToken}, "code": {"000000"}}
	totpReq := httptest.NewRequest(http.MethodPost, "/login/totp", strings.NewReader(totpForm.Encode()))
	totpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	totpRec := httptest.NewRecorder()
	r.ServeHTTP(totpRec, totpReq)

	if totpRec.Code != http.StatusOK {
		t.Fatalf("expected the challenge page re-rendered with an error, got %d", totpRec.Code)
	}
	if !strings.Contains(totpRec.Body.String(), "invalid verification code") {
		t.Fatal("expected an invalid verification code error message")
	}
}

func extractPendingToken(t *testing.T, body string) string {
	t.Helper()
	const marker = `name="pending_token" value="`
	idx := strings.Index(body, marker)
	if idx == -1 {
		t.Fatalf("pending_token field not found in body: %s", body)
	}
	rest := body[idx+len(marker):]
	end := strings.Index(rest, `"`)
	if end == -1 {
		t.Fatalf("malformed pending_token field in body: %s", body)
	}
	return rest[:end]
}
