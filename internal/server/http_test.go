package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"identity-pairing/backend/internal/ceremony"
	"identity-pairing/backend/internal/challenge"
	healthhandler "identity-pairing/backend/internal/health/handler"
	identityhandler "identity-pairing/backend/internal/identity/handler"
	identityrepo "identity-pairing/backend/internal/identity/repository"
	"identity-pairing/backend/internal/identity/service"
	"identity-pairing/backend/internal/security"
	"identity-pairing/backend/internal/server/middleware"
	sessionrepo "identity-pairing/backend/internal/session/repository"
)

func newTestRouter(t *testing.T, limiter *middleware.RateLimiter, dev bool) http.Handler {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	issuer, err := challenge.NewIssuer([]byte("router-secret"))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	svc, err := service.NewPairingService(service.Deps{
		Sessions:   sessionrepo.NewMemoryStore(),
		Identities: identityrepo.NewMemoryRepository(),
		Issuer:     issuer,
		Verifier:   ceremony.FakeVerifier{},
		Tokens:     tokens,
	}, service.Config{PublicBaseURL: "https://pair.example"})
	if err != nil {
		t.Fatalf("NewPairingService: %v", err)
	}
	return NewRouter(RouterDeps{
		Pairing:   identityhandler.NewHandler(svc),
		Tokens:    tokens,
		Limiter:   limiter,
		Health:    healthhandler.NewChecker(nil, nil, nil),
		DevRoutes: dev,
	})
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:4000"
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	r := newTestRouter(t, nil, false)
	if rec := serve(r, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", rec.Code)
	}
}

func TestRouter_ProtectedRoutesRequireToken(t *testing.T) {
	r := newTestRouter(t, nil, false)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/me"},
		{http.MethodGet, "/v1/me/audit"},
		{http.MethodPost, "/v1/oauth/approve"},
	} {
		if rec := serve(r, tc.method, tc.path, "{}"); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", tc.method, tc.path, rec.Code)
		}
	}
}

func TestRouter_CreateSession(t *testing.T) {
	r := newTestRouter(t, nil, false)
	rec := serve(r, http.MethodPost, "/v1/sessions", `{"kind":"qr-login"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /v1/sessions = %d, want 201: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"pairingUrl":"https://pair.example/pair/`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestRouter_RateLimitsSessionCreation(t *testing.T) {
	r := newTestRouter(t, middleware.NewRateLimiter(time.Minute, 2), false)
	for i := 0; i < 2; i++ {
		if rec := serve(r, http.MethodPost, "/v1/sessions", `{"kind":"qr-login"}`); rec.Code != http.StatusCreated {
			t.Fatalf("request %d = %d, want 201", i, rec.Code)
		}
	}
	if rec := serve(r, http.MethodPost, "/v1/sessions", `{"kind":"qr-login"}`); rec.Code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", rec.Code)
	}
	if rec := serve(r, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz is not limited, got %d", rec.Code)
	}
}

func TestRouter_DevRoutes(t *testing.T) {
	if rec := serve(newTestRouter(t, nil, false), http.MethodGet, "/dev/magic-link?email=a@example.com", ""); rec.Code != http.StatusNotFound {
		t.Errorf("dev route without DevRoutes = %d, want 404", rec.Code)
	}
	if rec := serve(newTestRouter(t, nil, true), http.MethodGet, "/dev/magic-link?email=a@example.com", ""); rec.Code != http.StatusNotFound {
		t.Errorf("dev route with no link = %d, want 404", rec.Code)
	}
}
