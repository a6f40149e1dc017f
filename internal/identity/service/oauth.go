package service

import (
	"context"
	"net/url"

	"identity-pairing/backend/internal/audit"
	auditdomain "identity-pairing/backend/internal/audit/domain"
	sessiondomain "identity-pairing/backend/internal/session/domain"
	telemetrydomain "identity-pairing/backend/internal/telemetry/domain"
)

func (s *PairingService) oauthPayload(ctx context.Context, req CreateSessionRequest) (*sessiondomain.OAuthAuthorizePayload, error) {
	if req.ClientID == "" || req.RedirectURI == "" {
		return nil, invalid("client_id and redirect_uri are required")
	}
	if s.clients == nil {
		return nil, invalid("unknown client")
	}
	client, err := s.clients.GetByID(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, invalid("unknown client")
	}
	if !client.AllowsRedirect(req.RedirectURI) {
		return nil, invalid("redirect_uri is not registered for this client")
	}
	return &sessiondomain.OAuthAuthorizePayload{
		ClientID:    client.ID,
		RedirectURI: req.RedirectURI,
		State:       req.State,
		Status:      sessiondomain.StatusPending,
	}, nil
}

// OAuthApproval is where the user agent is sent after approval.
type OAuthApproval struct {
	RedirectURL string `json:"redirectUrl"`
	Code        string `json:"code"`
}

// ApproveOAuth consumes a pending authorize session on behalf of actor and issues a short-lived
// authorization code for the client.
func (s *PairingService) ApproveOAuth(ctx context.Context, actor Actor, sessionID string) (res *OAuthApproval, err error) {
	ctx, span := startSpan(ctx, "ApproveOAuth")
	defer func() { endSpan(span, err) }()

	if actor.UserID == "" {
		return nil, ErrInvalidCredentials
	}
	if sessionID == "" {
		return nil, ErrNotFound
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	p, ok := sess.Payload.(*sessiondomain.OAuthAuthorizePayload)
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != sessiondomain.StatusPending {
		return nil, ErrAlreadyCompleted
	}
	consumed, err := s.sessions.Consume(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	p = consumed.Payload.(*sessiondomain.OAuthAuthorizePayload)
	code, err := s.sessions.Create(ctx, sessiondomain.KindOAuthAuthorize, &sessiondomain.OAuthAuthorizePayload{
		ClientID:    p.ClientID,
		RedirectURI: p.RedirectURI,
		State:       p.State,
		Status:      sessiondomain.StatusAuthenticated,
	}, s.cfg.OAuthCodeTTL)
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.Update(ctx, code.ID, func(next *sessiondomain.Session) error {
		next.UserID = actor.UserID
		return nil
	}); err != nil {
		return nil, err
	}

	u, err := url.Parse(p.RedirectURI)
	if err != nil {
		return nil, invalid("invalid redirect_uri")
	}
	q := u.Query()
	q.Set("code", code.ID)
	if p.State != "" {
		q.Set("state", p.State)
	}
	u.RawQuery = q.Encode()
	s.emit(ctx, telemetrydomain.EventCeremonyVerified, consumed, actor.UserID, map[string]any{"client_id": p.ClientID})
	return &OAuthApproval{RedirectURL: u.String(), Code: code.ID}, nil
}

// ExchangeOAuthCode authenticates the client and trades an authorization code for an access
// token. Every failure is reported as ErrInvalidCredentials.
func (s *PairingService) ExchangeOAuthCode(ctx context.Context, code, clientID, clientSecret string) (res *AuthResult, err error) {
	ctx, span := startSpan(ctx, "ExchangeOAuthCode")
	defer func() { endSpan(span, err) }()

	if code == "" || clientID == "" || clientSecret == "" {
		return nil, invalid("code, client_id and client_secret are required")
	}
	if s.clients == nil {
		return nil, ErrInvalidCredentials
	}
	client, err := s.clients.GetByID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	storedHash := ""
	if client != nil {
		storedHash = client.SecretHash
	}
	if !s.hasher.VerifyClientSecret(storedHash, clientSecret) {
		return nil, ErrInvalidCredentials
	}
	sess, err := s.sessions.Get(ctx, code)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	p, ok := sess.Payload.(*sessiondomain.OAuthAuthorizePayload)
	if !ok || p.Status != sessiondomain.StatusAuthenticated || p.ClientID != client.ID || sess.UserID == "" {
		return nil, ErrInvalidCredentials
	}
	consumed, err := s.sessions.Consume(ctx, code)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	ident, err := s.identities.GetByID(ctx, consumed.UserID)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, ErrInvalidCredentials
	}
	s.audit.LogEvent(ctx, audit.Entry{
		UserID:    ident.ID,
		Action:    auditdomain.ActionOAuthToken,
		Resource:  client.ID,
		SessionID: code,
	})
	return s.authResult(ident, methodOAuth, client.ID)
}
