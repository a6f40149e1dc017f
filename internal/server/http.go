package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"identity-pairing/backend/internal/audit"
	healthhandler "identity-pairing/backend/internal/health/handler"
	identityhandler "identity-pairing/backend/internal/identity/handler"
	"identity-pairing/backend/internal/security"
	"identity-pairing/backend/internal/server/middleware"
	"identity-pairing/backend/internal/telemetry"
)

const eventsRoute = "/v1/sessions/{id}/events"

// RouterDeps holds what the HTTP router needs. Audit, Events, Limiter and Health may be nil.
type RouterDeps struct {
	Pairing *identityhandler.Handler
	Tokens  *security.TokenProvider
	Audit   audit.AuditLogger
	Events  telemetry.EventEmitter
	// Limiter bounds session creation and credential endpoints per client IP.
	Limiter *middleware.RateLimiter
	Health  *healthhandler.Checker
	// DevRoutes mounts /dev/magic-link. Never set in production.
	DevRoutes bool
}

// NewRouter builds the HTTP API.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.ClientIPContext)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Auth(d.Tokens))
	r.Use(middleware.Telemetry(d.Events, map[string]bool{"/healthz": true, "/readyz": true}))
	r.Use(middleware.Audit(d.Audit, map[string]bool{eventsRoute: true, "/v1/me/audit": true}))

	r.Get("/healthz", healthhandler.Liveness)
	if d.Health != nil {
		r.Get("/readyz", d.Health.Readiness)
	}

	h := d.Pairing
	limited := middleware.RateLimit(d.Limiter, middleware.IPKey)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.With(limited).Post("/", h.CreateSession)
			r.Get("/{id}", h.GetSession)
			r.Get("/{id}/events", h.Events)
			r.Post("/{id}/challenge", h.IssueChallenge)
			r.With(limited).Post("/{id}/ceremony", h.SubmitCeremony)
			r.Post("/{id}/claim", h.Claim)
		})

		r.With(limited).Post("/webauthn/register", h.BeginWebAuthnRegister)

		r.Group(func(r chi.Router) {
			r.Use(limited)
			r.Post("/password/register/init", h.PasswordRegisterInit)
			r.Post("/password/register/complete", h.PasswordRegisterComplete)
			r.Post("/password/login/init", h.PasswordLoginInit)
			r.Post("/password/login/complete", h.PasswordLoginComplete)
			r.Post("/magic/verify", h.VerifyMagicLink)
			r.Post("/oauth/token", h.OAuthToken)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)
			r.Post("/oauth/approve", h.ApproveOAuth)
			r.Get("/me", h.Me)
			r.Get("/me/audit", h.AuditTrail)
			r.Get("/me/profile", h.Profile)
			r.Put("/me/profile", h.SetProfile)
		})
	})

	if d.DevRoutes {
		r.Get("/dev/magic-link", h.DevMagicLink)
	}

	return r
}
