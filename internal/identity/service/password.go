package service

import (
	"context"
	"time"

	"identity-pairing/backend/internal/audit"
	auditdomain "identity-pairing/backend/internal/audit/domain"
	"identity-pairing/backend/internal/ceremony"
	"identity-pairing/backend/internal/challenge"
	"identity-pairing/backend/internal/identity/domain"
	"identity-pairing/backend/internal/security"
	sessiondomain "identity-pairing/backend/internal/session/domain"
	telemetrydomain "identity-pairing/backend/internal/telemetry/domain"
)

// PasswordChallenge tells the client how to derive its key and what to sign.
type PasswordChallenge struct {
	SessionID  string    `json:"sessionId"`
	Salt       string    `json:"salt"`
	Iterations int       `json:"iterations"`
	Challenge  string    `json:"challenge"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// PasswordCompletion is a signature over a password challenge. WalletAddress is required
// when registering and ignored when logging in.
type PasswordCompletion struct {
	SessionID     string
	WalletAddress string
	Signature     string
}

// InitPasswordRegister creates a password-register session with a fresh salt and challenge.
// An actor that owns email may add a password key to an identity that has none.
func (s *PairingService) InitPasswordRegister(ctx context.Context, email string, actor *Actor) (res *PasswordChallenge, err error) {
	ctx, span := startSpan(ctx, "InitPasswordRegister")
	defer func() { endSpan(span, err) }()

	if email, err = normalizeEmail(email); err != nil {
		return nil, err
	}
	existing, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	p := &sessiondomain.PasswordRegisterPayload{Email: email}
	if existing != nil {
		if actor == nil || actor.UserID != existing.ID || existing.HasPasswordKey() {
			return nil, ErrEmailAlreadyRegistered
		}
		p.LinkUserID = existing.ID
	}
	if p.Salt, err = ceremony.NewSalt(); err != nil {
		return nil, err
	}
	return s.createPasswordSession(ctx, p, &p.Ceremony, p.Salt)
}

// InitPasswordLogin creates a password-login session. Unknown emails get a decoy salt that is
// stable per email, so the response does not reveal whether an account exists.
func (s *PairingService) InitPasswordLogin(ctx context.Context, email string) (res *PasswordChallenge, err error) {
	ctx, span := startSpan(ctx, "InitPasswordLogin")
	defer func() { endSpan(span, err) }()

	if email, err = normalizeEmail(email); err != nil {
		return nil, err
	}
	ident, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	p := &sessiondomain.PasswordLoginPayload{Email: email}
	if ident != nil && ident.HasPasswordKey() {
		p.Salt, p.Known = ident.PasswordSalt, true
	} else {
		p.Salt = security.DecoySalt(s.cfg.PasswordPepper, email)
	}
	return s.createPasswordSession(ctx, p, &p.Ceremony, p.Salt)
}

func (s *PairingService) createPasswordSession(ctx context.Context, p sessiondomain.Payload, c *sessiondomain.Ceremony, salt string) (*PasswordChallenge, error) {
	if err := challenge.Issue(c); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Create(ctx, p.Kind(), p, s.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, telemetrydomain.EventSessionCreated, sess, "", nil)
	return &PasswordChallenge{
		SessionID:  sess.ID,
		Salt:       salt,
		Iterations: ceremony.KDFIterations,
		Challenge:  ceremony.ChallengeMessage(c.Challenge),
		ExpiresAt:  sess.ExpiresAt,
	}, nil
}

// recoverSigner returns the address that signed chal, or "" when sig is unusable.
func recoverSigner(chal []byte, sig string) string {
	raw, err := ceremony.DecodeSignature(sig)
	if err != nil {
		return ""
	}
	addr, err := ceremony.RecoverAddress(chal, raw)
	if err != nil {
		return ""
	}
	return addr
}

// CompletePasswordRegister verifies that the claimed wallet address signed the challenge and
// enrolls it as the identity's password-derived key.
func (s *PairingService) CompletePasswordRegister(ctx context.Context, req PasswordCompletion) (res *AuthResult, err error) {
	ctx, span := startSpan(ctx, "CompletePasswordRegister")
	defer func() { endSpan(span, err) }()

	if req.SessionID == "" {
		return nil, ErrNotFound
	}
	wallet, err := ceremony.NormalizeAddress(req.WalletAddress)
	if err != nil {
		return nil, invalid("invalid wallet address")
	}
	if req.Signature == "" {
		return nil, invalid("signature is required")
	}
	sess, chal, err := s.takeChallenge(ctx, req.SessionID, sessiondomain.KindPasswordRegister)
	if err != nil {
		return nil, err
	}
	p := sess.Payload.(*sessiondomain.PasswordRegisterPayload)
	if recoverSigner(chal, req.Signature) != wallet {
		return nil, s.reject(ctx, sess, p.LinkUserID, ErrInvalidCredentials, "signature does not match wallet address")
	}

	var hadDocument bool
	ident, err := s.identities.UpsertByEmail(ctx, p.Email, func(i *domain.Identity) error {
		hadDocument = i.DIDHash != ""
		switch {
		case p.LinkUserID != "":
			if i.ID != p.LinkUserID {
				return ErrEmailAlreadyRegistered
			}
		case i.ID != "":
			return ErrEmailAlreadyRegistered
		}
		if i.HasPasswordKey() {
			return ErrEmailAlreadyRegistered
		}
		if i.WalletAddress != "" && i.WalletAddress != wallet {
			return invalid("wallet address does not match the identity")
		}
		i.WalletAddress = wallet
		i.PasswordSalt = p.Salt
		if i.AuthMethod == "" {
			i.AuthMethod = domain.AuthMethodPassword
		}
		return s.attachDID(i)
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.complete(ctx, sess.ID, sessiondomain.StatusComplete, ident.ID); err != nil {
		return nil, err
	}
	_, _ = s.sessions.Consume(ctx, sess.ID)

	linking := p.LinkUserID != ""
	newDocument := !hadDocument && ident.DIDHash != ""
	if s.decide(ctx, sess.Kind, linking, newDocument).AnchorIdentity {
		ident.AnchorStatus = s.anchorIdentity(ctx, ident)
	}
	action := auditdomain.ActionSignup
	if linking {
		action = auditdomain.ActionAccountLinked
	}
	s.audit.LogEvent(ctx, audit.Entry{UserID: ident.ID, Action: action, Resource: string(sess.Kind), SessionID: sess.ID})
	s.emit(ctx, telemetrydomain.EventCeremonyVerified, sess, ident.ID, nil)
	return s.authResult(ident, methodPassword, "")
}

// CompletePasswordLogin verifies the signature against the identity's enrolled address.
// Wrong passwords, unknown emails and malformed signatures all return ErrInvalidCredentials.
func (s *PairingService) CompletePasswordLogin(ctx context.Context, req PasswordCompletion) (res *AuthResult, err error) {
	ctx, span := startSpan(ctx, "CompletePasswordLogin")
	defer func() { endSpan(span, err) }()

	if req.SessionID == "" {
		return nil, ErrNotFound
	}
	if req.Signature == "" {
		return nil, invalid("signature is required")
	}
	sess, chal, err := s.takeChallenge(ctx, req.SessionID, sessiondomain.KindPasswordLogin)
	if err != nil {
		return nil, err
	}
	p := sess.Payload.(*sessiondomain.PasswordLoginPayload)
	signer := recoverSigner(chal, req.Signature)
	ident, err := s.identities.GetByEmail(ctx, p.Email)
	if err != nil {
		return nil, err
	}
	if signer == "" || !p.Known || ident == nil || !ident.HasPasswordKey() ||
		ident.PasswordSalt != p.Salt || signer != ident.WalletAddress {
		userID := ""
		if ident != nil {
			userID = ident.ID
		}
		return nil, s.reject(ctx, sess, userID, ErrInvalidCredentials, "password signature rejected")
	}
	if _, err := s.complete(ctx, sess.ID, sessiondomain.StatusAuthenticated, ident.ID); err != nil {
		return nil, err
	}
	_, _ = s.sessions.Consume(ctx, sess.ID)
	s.audit.LogEvent(ctx, audit.Entry{UserID: ident.ID, Action: auditdomain.ActionLogin, Resource: string(sess.Kind), SessionID: sess.ID})
	s.emit(ctx, telemetrydomain.EventCeremonyVerified, sess, ident.ID, nil)
	return s.authResult(ident, methodPassword, "")
}
