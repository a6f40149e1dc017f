package service

import (
	"context"
	"log"

	"identity-pairing/backend/internal/audit"
	auditdomain "identity-pairing/backend/internal/audit/domain"
	sessiondomain "identity-pairing/backend/internal/session/domain"
	telemetrydomain "identity-pairing/backend/internal/telemetry/domain"
)

// createMagicLink stores a magic session for a known email. The caller sees the same result
// whether or not the email is registered.
func (s *PairingService) createMagicLink(ctx context.Context, email string) (*CreateSessionResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	res := &CreateSessionResult{Kind: string(sessiondomain.KindMagic), ExpiresAt: s.nowF().Add(s.cfg.MagicLinkTTL)}
	ident, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return res, nil
	}
	sess, err := s.sessions.Create(ctx, sessiondomain.KindMagic, &sessiondomain.MagicPayload{Email: email}, s.cfg.MagicLinkTTL)
	if err != nil {
		return nil, err
	}
	res.ExpiresAt = sess.ExpiresAt
	link := s.cfg.PublicBaseURL + "/magic/" + sess.ID
	if s.devLinks != nil {
		s.devLinks.Put(ctx, email, link, sess.ExpiresAt)
	} else {
		log.Printf("pairing: magic link created for user %s; no delivery configured", ident.ID)
	}
	s.emit(ctx, telemetrydomain.EventSessionCreated, sess, ident.ID, nil)
	return res, nil
}

// DevMagicLink returns the latest magic link for email when dev link storage is enabled.
func (s *PairingService) DevMagicLink(ctx context.Context, email string) (string, bool) {
	if s.devLinks == nil {
		return "", false
	}
	return s.devLinks.Get(ctx, email)
}

// VerifyMagicLink consumes the magic session token and returns a token for its identity.
// A link works once.
func (s *PairingService) VerifyMagicLink(ctx context.Context, token string) (res *AuthResult, err error) {
	ctx, span := startSpan(ctx, "VerifyMagicLink")
	defer func() { endSpan(span, err) }()

	if token == "" {
		return nil, invalid("token is required")
	}
	sess, err := s.sessions.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Kind != sessiondomain.KindMagic {
		return nil, ErrNotFound
	}
	consumed, err := s.sessions.Consume(ctx, token)
	if err != nil {
		return nil, err
	}
	p, ok := consumed.Payload.(*sessiondomain.MagicPayload)
	if !ok {
		return nil, ErrNotFound
	}
	ident, err := s.identities.GetByEmail(ctx, p.Email)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, ErrNotFound
	}
	s.audit.LogEvent(ctx, audit.Entry{UserID: ident.ID, Action: auditdomain.ActionMagicLogin, Resource: string(sessiondomain.KindMagic), SessionID: token})
	s.emit(ctx, telemetrydomain.EventCeremonyVerified, consumed, ident.ID, nil)
	return s.authResult(ident, methodMagic, "")
}
