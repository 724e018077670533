package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestGenerateTOTPSecretProducesUsableKey(t *testing.T) {
	key, err := GenerateTOTPSecret("alice")
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	if key.Secret() == "" {
		t.Fatal("expected a non-empty secret")
	}
	if key.URL() == "" {
		t.Fatal("expected a non-empty provisioning url")
	}
}

func TestValidateTOTPCodeAcceptsCurrentCode(t *testing.T) {
	key, err := GenerateTOTPSecret("alice")
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	code, err := totp.GenerateCode(key.Secret(), time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if !ValidateTOTPCode(key.Secret(), code) {
		t.Fatal("expected the current code to validate")
	}
}

func TestValidateTOTPCodeRejectsWrongCode(t *testing.T) {
	key, err := GenerateTOTPSecret("alice")
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	if ValidateTOTPCode(key.Secret(), "000000") {
		t.Fatal("expected an arbitrary code to be rejected (astronomically unlikely to collide)")
	}
}

func TestValidateTOTPCodeRejectsEmptySecret(t *testing.T) {
	if ValidateTOTPCode("", "123456") {
		t.Fatal("expected an empty secret to never validate")
	}
}

func TestGenerateRecoveryCodesAreUniqueAndCorrectCount(t *testing.T) {
	codes, err := GenerateRecoveryCodes()
	if err != nil {
		t.Fatalf("generate recovery codes: %v", err)
	}
	if len(codes) != recoveryCodeCount {
		t.Fatalf("expected %d codes, got %d", recoveryCodeCount, len(codes))
	}
	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		if seen[c] {
			t.Fatalf("duplicate recovery code generated: %q", c)
		}
		seen[c] = true
	}
}

func TestPendingTOTPStoreIssueAndConsumeSingleUse(t *testing.T) {
	store := newPendingTOTPStore()
	token, err := store.issue("alice", "admin")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	entry, ok := store.consume(token)
	if !ok || entry.username != "alice" {
		t.Fatalf("expected first consume to succeed with username alice, got %+v ok=%v", entry, ok)
	}

	if _, ok := store.consume(token); ok {
		t.Fatal("expected a consumed token to be rejected on reuse")
	}
}

func TestPendingTOTPStoreConsumeUnknownTokenRejected(t *testing.T) {
	store := newPendingTOTPStore()
	if _, ok := store.consume("not-a-real-token"); ok {
		t.Fatal("expected an unknown token to be rejected")
	}
}

func TestPendingTOTPStoreConsumeEmptyTokenRejected(t *testing.T) {
	store := newPendingTOTPStore()
	if _, ok := store.consume(""); ok {
		t.Fatal("expected an empty token to be rejected")
	}
}

func TestManagerLoginStep1ReturnsSessionDirectlyWithoutTOTP(t *testing.T) {
	m, _ := newTestManager(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)

	sess, pendingToken, err := m.LoginStep1(rec, req, "admin", "Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("login step1: %v", err)
	}
	if pendingToken != "" {
		t.Fatalf("expected no pending token for a non-totp account, got %q", pendingToken)
	}
	if sess == nil {
		t.Fatal("expected a session to be minted directly")
	}
}

func TestManagerLoginStep1ReturnsPendingTokenWhenTOTPEnabled(t *testing.T) {
	m, store := newTestManager(t)
	if err := store.SetPendingTOTP("admin", "JBSWY3DPEHPK3PXP", []string{"aaaa1111"}); err != nil {
		t.Fatalf("set pending totp: %v", err)
	}
	if err := store.ConfirmTOTP("admin"); err != nil {
		t.Fatalf("confirm totp: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	sess, pendingToken, err := m.LoginStep1(rec, req, "admin", "Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("login step1: %v", err)
	}
	if sess != nil {
		t.Fatal("expected no session to be minted before the second factor is verified")
	}
	if pendingToken == "" {
		t.Fatal("expected a pending token for a totp-enabled account")
	}

	// Login (the old single-step entry point) must surface ErrTOTPRequired
	// rather than silently succeeding for a totp-enabled account.
	if _, err := m.Login(httptest.NewRecorder(), req, "admin", "Str0ng!Passw0rd"); err != ErrTOTPRequired {
		t.Fatalf("expected ErrTOTPRequired, got %v", err)
	}
}

func TestManagerVerifyTOTPCompletesLoginWithCode(t *testing.T) {
	m, store := newTestManager(t)
	key, err := GenerateTOTPSecret("admin")
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	if err := store.SetPendingTOTP("admin", key.Secret(), []string{"aaaa1111"}); err != nil {
		t.Fatalf("set pending totp: %v", err)
	}
	if err := store.ConfirmTOTP("admin"); err != nil {
		t.Fatalf("confirm totp: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	_, pendingToken, err := m.LoginStep1(httptest.NewRecorder(), req, "admin", "Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("login step1: %v", err)
	}

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}

	rec := httptest.NewRecorder()
	sess, err := m.VerifyTOTP(rec, pendingToken, code)
	if err != nil {
		t.Fatalf("verify totp: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session to be minted after a correct code")
	}
}

func TestManagerVerifyTOTPFallsBackToRecoveryCode(t *testing.T) {
	m, store := newTestManager(t)
	if err := store.SetPendingTOTP("admin", "JBSWY3DPEHPK3PXP", []string{"aaaa1111"}); err != nil {
		t.Fatalf("set pending totp: %v", err)
	}
	if err := store.ConfirmTOTP("admin"); err != nil {
		t.Fatalf("confirm totp: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	_, pendingToken, err := m.LoginStep1(httptest.NewRecorder(), req, "admin", "Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("login step1: %v", err)
	}

	sess, err := m.VerifyTOTP(httptest.NewRecorder(), pendingToken, "aaaa1111")
	if err != nil {
		t.Fatalf("verify totp with recovery code: %v", err)
	}
	if sess == nil {
		t.Fatal("expected a session to be minted after a correct recovery code")
	}
}

func TestManagerVerifyTOTPRejectsWrongCode(t *testing.T) {
	m, store := newTestManager(t)
	if err := store.SetPendingTOTP("admin", "JBSWY3DPEHPK3PXP", []string{"aaaa1111"}); err != nil {
		t.Fatalf("set pending totp: %v", err)
	}
	if err := store.ConfirmTOTP("admin"); err != nil {
		t.Fatalf("confirm totp: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	_, pendingToken, err := m.LoginStep1(httptest.NewRecorder(), req, "admin", "Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("login step1: %v", err)
	}

	if _, err := m.VerifyTOTP(httptest.NewRecorder(), pendingToken, "000000"); err != ErrInvalidTOTPCode {
		t.Fatalf("expected ErrInvalidTOTPCode, got %v", err)
	}
}

func TestManagerVerifyTOTPRejectsUnknownPendingToken(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.VerifyTOTP(httptest.NewRecorder(), "not-a-real-token", "123456"); err != ErrTOTPRequired {
		t.Fatalf("expected ErrTOTPRequired, got %v", err)
	}
}
