package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"identity-pairing/backend/internal/audit"
	auditdomain "identity-pairing/backend/internal/audit/domain"
	"identity-pairing/backend/internal/ceremony"
	"identity-pairing/backend/internal/challenge"
	"identity-pairing/backend/internal/identity/domain"
	identityrepo "identity-pairing/backend/internal/identity/repository"
	"identity-pairing/backend/internal/notify"
	sessiondomain "identity-pairing/backend/internal/session/domain"
	telemetrydomain "identity-pairing/backend/internal/telemetry/domain"
)

// SubmitCeremonyRequest carries the acting device's WebAuthn response.
type SubmitCeremonyRequest struct {
	SessionID string
	Response  []byte
	// WalletAddress binds a key to a registering identity when the session has none.
	WalletAddress string
}

// CeremonyResult is the outcome of a verified ceremony. AuthResult is set for same-device
// registration, where no other device claims the session.
type CeremonyResult struct {
	SessionID string           `json:"sessionId"`
	Status    string           `json:"status"`
	Identity  *IdentitySummary `json:"identity,omitempty"`
	*AuthResult
}

// SubmitCeremony verifies a WebAuthn response against the session's outstanding challenge.
// The challenge is taken before verification, so of concurrent submissions at most one succeeds.
func (s *PairingService) SubmitCeremony(ctx context.Context, req SubmitCeremonyRequest) (res *CeremonyResult, err error) {
	ctx, span := startSpan(ctx, "SubmitCeremony")
	defer func() { endSpan(span, err) }()

	if req.SessionID == "" {
		return nil, ErrNotFound
	}
	if len(req.Response) == 0 {
		return nil, invalid("response is required")
	}
	wallet := ""
	if req.WalletAddress != "" {
		if wallet, err = ceremony.NormalizeAddress(req.WalletAddress); err != nil {
			return nil, invalid("invalid wallet address")
		}
	}
	sess, chal, err := s.takeChallenge(ctx, req.SessionID,
		sessiondomain.KindQRLogin, sessiondomain.KindQRSignup, sessiondomain.KindWebAuthnRegister)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session.kind", string(sess.Kind)))
	if sess.Kind == sessiondomain.KindQRLogin {
		return s.verifyAssertion(ctx, sess, chal, req.Response)
	}
	return s.verifyEnrollment(ctx, sess, chal, req.Response, wallet)
}

// counterAdvanced reports whether presented may replace stored. The counter must strictly
// increase. Authenticators without a counter report zero on every use; allowZero admits them
// while the stored value is zero too, at the cost of replay detection for that credential.
func counterAdvanced(presented, stored uint32, allowZero bool) bool {
	if allowZero && presented == 0 && stored == 0 {
		return true
	}
	return presented > stored
}

func (s *PairingService) verifyAssertion(ctx context.Context, sess *sessiondomain.Session, chal, response []byte) (*CeremonyResult, error) {
	credID, err := s.verifier.CredentialID(response)
	if err != nil || len(credID) == 0 {
		return nil, s.reject(ctx, sess, "", ErrCeremonyRejected, "malformed assertion")
	}
	ident, err := s.identities.GetByCredentialID(ctx, credID)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, s.reject(ctx, sess, "", ErrCeremonyRejected, "unknown credential")
	}
	p := sess.Payload.(*sessiondomain.QRLoginPayload)
	a, err := s.verifier.VerifyAssertion(ceremony.StoredCredential{
		UserID:       ident.ID,
		CredentialID: ident.CredentialID,
		Counter:      ident.SignCount,
		Credential:   ident.Credential,
	}, chal, p.State, response)
	if err != nil {
		return nil, s.reject(ctx, sess, ident.ID, ErrCeremonyRejected, "assertion verification failed")
	}
	if !counterAdvanced(a.Counter, ident.SignCount, s.cfg.AllowZeroSignCount) {
		return nil, s.reject(ctx, sess, ident.ID, ErrReplayDetected, "signature counter did not increase")
	}
	if a.Counter > 0 {
		ok, err := s.identities.UpdateSignCount(ctx, ident.ID, a.Counter, a.Credential)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, s.reject(ctx, sess, ident.ID, ErrReplayDetected, "signature counter raced")
		}
	}

	done, err := s.sessions.Update(ctx, sess.ID, func(next *sessiondomain.Session) error {
		lp, ok := next.Payload.(*sessiondomain.QRLoginPayload)
		if !ok {
			return ErrNotFound
		}
		if lp.Status.Terminal() {
			return ErrAlreadyCompleted
		}
		lp.Status = sessiondomain.StatusAuthenticated
		lp.State = nil
		lp.CredentialID = base64.RawURLEncoding.EncodeToString(credID)
		next.UserID = ident.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(sess.ID, notify.EventAuthenticated, ident.ID)
	s.audit.LogEvent(ctx, audit.Entry{UserID: ident.ID, Action: auditdomain.ActionLogin, Resource: string(sess.Kind), SessionID: sess.ID})
	s.emit(ctx, telemetrydomain.EventCeremonyVerified, sess, ident.ID, nil)
	return &CeremonyResult{SessionID: done.ID, Status: string(sessiondomain.StatusAuthenticated), Identity: summarize(ident)}, nil
}

func (s *PairingService) verifyEnrollment(ctx context.Context, sess *sessiondomain.Session, chal, response []byte, wallet string) (*CeremonyResult, error) {
	var (
		subject ceremony.Subject
		state   []byte
		email   string
		linkID  string
		err     error
	)
	switch p := sess.Payload.(type) {
	case *sessiondomain.QRSignupPayload:
		subject = ceremony.Subject{ID: p.PendingUserID, Email: p.Email}
		state, email = p.State, p.Email
		if p.WalletAddress != "" {
			wallet = p.WalletAddress
		}
	case *sessiondomain.WebAuthnRegisterPayload:
		if subject, err = s.enrollmentSubject(ctx, p); err != nil {
			return nil, err
		}
		state, email, linkID = p.State, p.Email, p.LinkUserID
	default:
		return nil, ErrNotFound
	}

	enr, err := s.verifier.VerifyEnrollment(subject, chal, state, response)
	if err != nil {
		return nil, s.reject(ctx, sess, linkID, ErrCeremonyRejected, "attestation verification failed")
	}
	var hadDocument bool
	ident, err := s.identities.UpsertByEmail(ctx, email, func(i *domain.Identity) error {
		hadDocument = i.DIDHash != ""
		switch {
		case linkID != "":
			if i.ID != linkID {
				return ErrNotFound
			}
		case i.ID != "":
			return ErrEmailAlreadyRegistered
		default:
			i.ID = subject.ID
		}
		i.CredentialID = enr.CredentialID
		i.CredentialPublicKey = enr.PublicKey
		i.SignCount = enr.Counter
		i.Credential = enr.Credential
		if i.AuthMethod == "" {
			i.AuthMethod = domain.AuthMethodWebAuthn
		}
		if i.WalletAddress == "" {
			i.WalletAddress = wallet
		}
		return s.attachDID(i)
	})
	if errors.Is(err, identityrepo.ErrCredentialInUse) {
		return nil, s.reject(ctx, sess, linkID, ErrCeremonyRejected, "credential enrolled by another identity")
	}
	if err != nil {
		return nil, err
	}

	status := sessiondomain.StatusComplete
	if _, err := s.complete(ctx, sess.ID, status, ident.ID); err != nil {
		return nil, err
	}
	linking := linkID != ""
	newDocument := !hadDocument && ident.DIDHash != ""
	if s.decide(ctx, sess.Kind, linking, newDocument).AnchorIdentity {
		ident.AnchorStatus = s.anchorIdentity(ctx, ident)
	}
	action := auditdomain.ActionSignup
	if linking {
		action = auditdomain.ActionAccountLinked
	}
	s.publish(sess.ID, notify.EventSignupComplete, ident.ID)
	s.audit.LogEvent(ctx, audit.Entry{UserID: ident.ID, Action: action, Resource: string(sess.Kind), SessionID: sess.ID})
	s.emit(ctx, telemetrydomain.EventCeremonyVerified, sess, ident.ID, map[string]any{"linking": linking})

	res := &CeremonyResult{SessionID: sess.ID, Status: string(status), Identity: summarize(ident)}
	if sess.Kind == sessiondomain.KindWebAuthnRegister && !linking {
		if res.AuthResult, err = s.authResult(ident, methodWebAuthn, ""); err != nil {
			return nil, err
		}
		_, _ = s.sessions.Consume(ctx, sess.ID)
	}
	return res, nil
}

// enrollmentSubject is the account a webauthn-register session enrolls for. When linking,
// the identity's current credential is excluded so the same authenticator is not enrolled twice.
func (s *PairingService) enrollmentSubject(ctx context.Context, p *sessiondomain.WebAuthnRegisterPayload) (ceremony.Subject, error) {
	sub := ceremony.Subject{ID: p.PendingUserID, Email: p.Email}
	if p.LinkUserID == "" {
		return sub, nil
	}
	ident, err := s.identities.GetByID(ctx, p.LinkUserID)
	if err != nil {
		return sub, err
	}
	if ident == nil {
		return sub, ErrNotFound
	}
	sub.ID = ident.ID
	if len(ident.Credential) > 0 {
		sub.Existing = [][]byte{ident.Credential}
	}
	return sub, nil
}

// WebAuthnRegistration starts a same-device registration.
type WebAuthnRegistration struct {
	SessionID string          `json:"sessionId"`
	PublicKey json.RawMessage `json:"publicKey"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// BeginWebAuthnRegister creates a webauthn-register session with its challenge already issued.
// With an actor the new credential is linked to the actor's identity and email is ignored.
func (s *PairingService) BeginWebAuthnRegister(ctx context.Context, email string, actor *Actor) (res *WebAuthnRegistration, err error) {
	ctx, span := startSpan(ctx, "BeginWebAuthnRegister")
	defer func() { endSpan(span, err) }()

	p := &sessiondomain.WebAuthnRegisterPayload{}
	if actor != nil && actor.UserID != "" {
		ident, err := s.identities.GetByID(ctx, actor.UserID)
		if err != nil {
			return nil, err
		}
		if ident == nil {
			return nil, ErrNotFound
		}
		p.Email, p.PendingUserID, p.LinkUserID = ident.Email, ident.ID, ident.ID
	} else {
		if email, err = normalizeEmail(email); err != nil {
			return nil, err
		}
		existing, err := s.identities.GetByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, ErrEmailAlreadyRegistered
		}
		p.Email, p.PendingUserID = email, uuid.New().String()
	}
	subject, err := s.enrollmentSubject(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := challenge.Issue(&p.Ceremony); err != nil {
		return nil, err
	}
	opts, err := s.verifier.BeginEnrollment(subject, p.Challenge)
	if err != nil {
		return nil, err
	}
	p.State = opts.State
	sess, err := s.sessions.Create(ctx, sessiondomain.KindWebAuthnRegister, p, s.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, telemetrydomain.EventSessionCreated, sess, p.LinkUserID, nil)
	return &WebAuthnRegistration{SessionID: sess.ID, PublicKey: opts.PublicKey, ExpiresAt: sess.ExpiresAt}, nil
}
