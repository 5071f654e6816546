package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAuth() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:       true,
		HMACSecret:    "local-secret",
		Issuer:        "mintd",
		Audience:      "spatters",
		OptionalPaths: []string{"/healthz"},
	}, nil)
}

func serveWithToken(t *testing.T, auth *Authenticator, token, path string, scopes ...string) *httptest.ResponseRecorder {
	t.Helper()
	var seen bool
	handler := auth.Middleware(scopes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = true
		if !HasScope(r.Context(), ScopeRead) && token != "" {
			t.Fatalf("read scope should be in context")
		}
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code == http.StatusOK && !seen {
		t.Fatalf("handler not reached")
	}
	return res
}

func TestAuthenticatorAcceptsIssuedToken(t *testing.T) {
	auth := newTestAuth()
	token, err := auth.IssueToken("ui", []string{ScopeRead, ScopeWrite}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if res := serveWithToken(t, auth, token, "/session", ScopeRead, ScopeWrite); res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsMissingScope(t *testing.T) {
	auth := newTestAuth()
	token, err := auth.IssueToken("ui", []string{ScopeRead}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if res := serveWithToken(t, auth, token, "/session/owner-mint", ScopeOwner); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsMissingAndExpiredTokens(t *testing.T) {
	auth := newTestAuth()
	if res := serveWithToken(t, auth, "", "/session", ScopeRead); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}

	issued := time.Now().Add(-time.Hour)
	auth.now = func() time.Time { return issued }
	token, err := auth.IssueToken("ui", []string{ScopeRead}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	auth.now = time.Now
	if res := serveWithToken(t, auth, token, "/session", ScopeRead); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsForeignSecret(t *testing.T) {
	other := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "other", Issuer: "mintd", Audience: "spatters"}, nil)
	token, err := other.IssueToken("ui", []string{ScopeRead}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if res := serveWithToken(t, newTestAuth(), token, "/session", ScopeRead); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestAuthenticatorSkipsOptionalPaths(t *testing.T) {
	if res := serveWithToken(t, newTestAuth(), "", "/healthz"); res.Code != http.StatusOK {
		t.Fatalf("expected optional path to pass, got %d", res.Code)
	}
}

func TestCORSEchoesAllowedOrigin(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/session", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected origin header %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/session", nil)
	req.Header.Set("Origin", "http://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin should not be echoed, got %q", got)
	}
}
