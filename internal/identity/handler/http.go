package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"identity-pairing/backend/internal/identity/service"
	"identity-pairing/backend/internal/server/middleware"
	sessiondomain "identity-pairing/backend/internal/session/domain"
)

const (
	maxBodyBytes      = 64 << 10
	keepaliveInterval = 15 * time.Second
)

// Handler serves the pairing HTTP API over a PairingService.
type Handler struct {
	svc *service.PairingService
}

// NewHandler returns a Handler for svc.
func NewHandler(svc *service.PairingService) *Handler {
	return &Handler{svc: svc}
}

type createSessionRequest struct {
	Kind          string `json:"kind"`
	Email         string `json:"email"`
	WalletAddress string `json:"walletAddress"`
	ClientID      string `json:"clientId"`
	RedirectURI   string `json:"redirectUri"`
	State         string `json:"state"`
}

type challengeRequest struct {
	ContextNumber *int `json:"contextNumber"`
}

type ceremonyRequest struct {
	Response      json.RawMessage `json:"response"`
	WalletAddress string          `json:"walletAddress"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type passwordCompleteRequest struct {
	SessionID     string `json:"sessionId"`
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
}

type magicVerifyRequest struct {
	Token string `json:"token"`
}

type claimRequest struct {
	ClaimSecret string `json:"claimSecret"`
}

type approveRequest struct {
	SessionID string `json:"sessionId"`
}

type tokenRequest struct {
	Code         string `json:"code"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// CreateSession handles POST /v1/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.CreateSession(r.Context(), service.CreateSessionRequest{
		Kind:          sessiondomain.Kind(req.Kind),
		Email:         req.Email,
		WalletAddress: req.WalletAddress,
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		State:         req.State,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if res.SessionID == "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// GetSession handles GET /v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Events handles GET /v1/sessions/{id}/events?claimSecret= as a Server-Sent Events stream.
// The secret travels in the query because EventSource cannot set headers. The first event is
// the current status; the stream ends after a terminal event or when the client leaves.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	events, cancel, view, err := h.svc.Subscribe(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("claimSecret"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writeEvent(w, "status", view)
	flusher.Flush()
	if sessiondomain.Status(view.Status).Terminal() {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, string(ev.Type), ev)
			flusher.Flush()
			if ev.Type.Terminal() {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, name string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("pairing: encode %s event: %v", name, err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, raw)
}

// IssueChallenge handles POST /v1/sessions/{id}/challenge. The body is optional.
func (h *Handler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !decode(w, r, &req, true) {
		return
	}
	res, err := h.svc.IssueChallenge(r.Context(), chi.URLParam(r, "id"), req.ContextNumber)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SubmitCeremony handles POST /v1/sessions/{id}/ceremony.
func (h *Handler) SubmitCeremony(w http.ResponseWriter, r *http.Request) {
	var req ceremonyRequest
	if !decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.SubmitCeremony(r.Context(), service.SubmitCeremonyRequest{
		SessionID:     chi.URLParam(r, "id"),
		Response:      req.Response,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Claim handles POST /v1/sessions/{id}/claim {claimSecret}.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req, true) {
		return
	}
	res, err := h.svc.Claim(r.Context(), chi.URLParam(r, "id"), req.ClaimSecret)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BeginWebAuthnRegister handles POST /v1/webauthn/register. With a bearer token the new
// credential is linked to the caller's identity.
func (h *Handler) BeginWebAuthnRegister(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decode(w, r, &req, true) {
		return
	}
	res, err := h.svc.BeginWebAuthnRegister(r.Context(), req.Email, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// PasswordRegisterInit handles POST /v1/password/register/init.
func (h *Handler) PasswordRegisterInit(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.InitPasswordRegister(r.Context(), req.Email, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// PasswordRegisterComplete handles POST /v1/password/register/complete.
func (h *Handler) PasswordRegisterComplete(w http.ResponseWriter, r *http.Request) {
	var req passwordCompleteRequest
	if !decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.CompletePasswordRegister(r.Context(), service.PasswordCompletion(req))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PasswordLoginInit handles POST /v1/password/login/init.
func (h *Handler) PasswordLoginInit(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.InitPasswordLogin(r.Context(), req.Email)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// PasswordLoginComplete handles POST /v1/password/login/complete.
func (h *Handler) PasswordLoginComplete(w http.ResponseWriter, r *http.Request) {
	var req passwordCompleteRequest
	if !decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.CompletePasswordLogin(r.Context(), service.PasswordCompletion{SessionID: req.SessionID, Signature: req.Signature})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VerifyMagicLink handles POST /v1/magic/verify.
func (h *Handler) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicVerifyRequest
	if !decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.VerifyMagicLink(r.Context(), req.Token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ApproveOAuth handles POST /v1/oauth/approve. Requires a bearer token.
func (h *Handler) ApproveOAuth(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil {
		respondWithError(w, http.StatusUnauthorized, "missing or invalid authorization")
		return
	}
	var req approveRequest
	if !decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.ApproveOAuth(r.Context(), *actor, req.SessionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// OAuthToken handles POST /v1/oauth/token.
func (h *Handler) OAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req, false) {
		return
	}
	res, err := h.svc.ExchangeOAuthCode(r.Context(), req.Code, req.ClientID, req.ClientSecret)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Me handles GET /v1/me. Requires a bearer token.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil {
		respondWithError(w, http.StatusUnauthorized, "missing or invalid authorization")
		return
	}
	res, err := h.svc.Me(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type profileBody struct {
	EncryptedProfile []byte `json:"encryptedProfile"`
}

// Profile handles GET /v1/me/profile. The blob is returned base64 encoded, as stored.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil {
		respondWithError(w, http.StatusUnauthorized, "missing or invalid authorization")
		return
	}
	blob, err := h.svc.Profile(r.Context(), actor.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileBody{EncryptedProfile: blob})
}

// SetProfile handles PUT /v1/me/profile with {"encryptedProfile": "<base64>"}.
func (h *Handler) SetProfile(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil {
		respondWithError(w, http.StatusUnauthorized, "missing or invalid authorization")
		return
	}
	var req profileBody
	if !decode(w, r, &req, false) {
		return
	}
	if err := h.svc.SetProfile(r.Context(), actor.UserID, req.EncryptedProfile); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AuditTrail handles GET /v1/me/audit?limit=&offset=. Requires a bearer token.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor == nil {
		respondWithError(w, http.StatusUnauthorized, "missing or invalid authorization")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	logs, err := h.svc.AuditTrail(r.Context(), actor.UserID, int32(limit), int32(offset))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": logs})
}

// DevMagicLink handles GET /dev/magic-link?email=. Mounted only outside production.
func (h *Handler) DevMagicLink(w http.ResponseWriter, r *http.Request) {
	link, ok := h.svc.DevMagicLink(r.Context(), r.URL.Query().Get("email"))
	if !ok {
		respondWithError(w, http.StatusNotFound, "no magic link for email")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"link": link})
}

func actorFrom(r *http.Request) *service.Actor {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok || userID == "" {
		return nil
	}
	email, _ := middleware.GetEmail(r.Context())
	return &service.Actor{UserID: userID, Email: email}
}

// decode reads a JSON body into v. With optional set an empty body is accepted.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	respondWithError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("pairing: encode response: %v", err)
	}
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service errors to HTTP status codes. Credential failures share one
// generic body; validation messages are returned as is.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		respondWithError(w, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, service.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrContextMismatch):
		respondWithError(w, http.StatusConflict, "context number mismatch")
	case errors.Is(err, service.ErrAlreadyCompleted):
		respondWithError(w, http.StatusConflict, "session already completed")
	case errors.Is(err, service.ErrNotAuthenticated):
		respondWithError(w, http.StatusConflict, "session not authenticated yet")
	case errors.Is(err, service.ErrEmailAlreadyRegistered):
		respondWithError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, service.ErrCeremonyRejected), errors.Is(err, service.ErrInvalidCredentials):
		respondWithError(w, http.StatusUnauthorized, "authentication failed")
	default:
		log.Printf("pairing: request failed: %v", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}
