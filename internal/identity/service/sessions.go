package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"identity-pairing/backend/internal/audit"
	auditdomain "identity-pairing/backend/internal/audit/domain"
	"identity-pairing/backend/internal/ceremony"
	"identity-pairing/backend/internal/challenge"
	"identity-pairing/backend/internal/notify"
	"identity-pairing/backend/internal/security"
	sessiondomain "identity-pairing/backend/internal/session/domain"
	sessionrepo "identity-pairing/backend/internal/session/repository"
	telemetrydomain "identity-pairing/backend/internal/telemetry/domain"
)

// CreateSessionRequest starts a flow that another device or party completes.
type CreateSessionRequest struct {
	Kind sessiondomain.Kind
	// Email is required for qr-signup and magic.
	Email string
	// WalletAddress optionally binds a key to a qr-signup identity up front.
	WalletAddress string
	// ClientID, RedirectURI and State describe an oauth-authorize request.
	ClientID    string
	RedirectURI string
	State       string
}

// CreateSessionResult is returned to the waiting device. For magic sessions SessionID and
// PairingURL are empty: the link is delivered out of band. ClaimSecret is set for QR sessions
// and must stay on the waiting device; Claim and Subscribe require it.
type CreateSessionResult struct {
	SessionID     string    `json:"sessionId,omitempty"`
	Kind          string    `json:"kind"`
	PairingURL    string    `json:"pairingUrl,omitempty"`
	ClaimSecret   string    `json:"claimSecret,omitempty"`
	ContextNumber int       `json:"contextNumber,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// CreateSession creates a qr-login, qr-signup, magic or oauth-authorize session.
// Flows started and finished on one device have their own entry points.
func (s *PairingService) CreateSession(ctx context.Context, req CreateSessionRequest) (res *CreateSessionResult, err error) {
	ctx, span := startSpan(ctx, "CreateSession", attribute.String("session.kind", string(req.Kind)))
	defer func() { endSpan(span, err) }()

	var (
		payload     sessiondomain.Payload
		claimSecret string
	)
	ttl := s.cfg.SessionTTL
	switch req.Kind {
	case sessiondomain.KindQRLogin:
		if claimSecret, err = sessionrepo.NewID(); err != nil {
			return nil, err
		}
		payload = &sessiondomain.QRLoginPayload{
			Ceremony:  sessiondomain.Ceremony{Status: sessiondomain.StatusPending},
			ClaimHash: security.HashSecret(claimSecret),
		}
		ttl = s.cfg.QRSessionTTL
	case sessiondomain.KindQRSignup:
		p, err := s.qrSignupPayload(ctx, req)
		if err != nil {
			return nil, err
		}
		if claimSecret, err = sessionrepo.NewID(); err != nil {
			return nil, err
		}
		p.ClaimHash = security.HashSecret(claimSecret)
		payload = p
		ttl = s.cfg.QRSessionTTL
	case sessiondomain.KindMagic:
		return s.createMagicLink(ctx, req.Email)
	case sessiondomain.KindOAuthAuthorize:
		p, err := s.oauthPayload(ctx, req)
		if err != nil {
			return nil, err
		}
		payload = p
	case "":
		return nil, invalid("kind is required")
	default:
		if req.Kind.Valid() {
			return nil, invalid(fmt.Sprintf("%s sessions are started by their own endpoint", req.Kind))
		}
		return nil, invalid(fmt.Sprintf("unknown session kind %q", req.Kind))
	}

	contextNumber := 0
	if c, ok := payload.(sessiondomain.Ceremonial); ok && s.decide(ctx, req.Kind, false, false).ContextBinding {
		n, err := challenge.NewContextNumber()
		if err != nil {
			return nil, err
		}
		c.CeremonyState().ContextNumber = n
		contextNumber = n
	}
	sess, err := s.sessions.Create(ctx, req.Kind, payload, ttl)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, telemetrydomain.EventSessionCreated, sess, "", map[string]any{"context_bound": contextNumber != 0})
	return &CreateSessionResult{
		SessionID:     sess.ID,
		Kind:          string(sess.Kind),
		PairingURL:    s.pairingURL(sess.ID),
		ClaimSecret:   claimSecret,
		ContextNumber: contextNumber,
		ExpiresAt:     sess.ExpiresAt,
	}, nil
}

func (s *PairingService) pairingURL(id string) string {
	return s.cfg.PublicBaseURL + "/pair/" + id
}

func (s *PairingService) qrSignupPayload(ctx context.Context, req CreateSessionRequest) (*sessiondomain.QRSignupPayload, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	wallet := ""
	if req.WalletAddress != "" {
		if wallet, err = ceremony.NormalizeAddress(req.WalletAddress); err != nil {
			return nil, invalid("invalid wallet address")
		}
	}
	existing, err := s.identities.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailAlreadyRegistered
	}
	return &sessiondomain.QRSignupPayload{
		Ceremony:      sessiondomain.Ceremony{Status: sessiondomain.StatusPending},
		Email:         email,
		PendingUserID: uuid.New().String(),
		WalletAddress: wallet,
	}, nil
}

// SessionView is what any holder of a session id may read about it.
type SessionView struct {
	ID     string `json:"sessionId"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	// Candidates are shown on the acting device; exactly one is the context number.
	Candidates []int     `json:"candidates,omitempty"`
	Email      string    `json:"email,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// GetSession returns the public view of session id.
func (s *PairingService) GetSession(ctx context.Context, id string) (*SessionView, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &SessionView{ID: sess.ID, Kind: string(sess.Kind), ExpiresAt: sess.ExpiresAt}
	switch p := sess.Payload.(type) {
	case *sessiondomain.QRSignupPayload:
		view.Email = p.Email
	case *sessiondomain.WebAuthnRegisterPayload:
		view.Email = p.Email
	case *sessiondomain.OAuthAuthorizePayload:
		view.Status = string(p.Status)
		view.ClientID = p.ClientID
	case *sessiondomain.MagicPayload:
		view.Status = string(sessiondomain.StatusPending)
	}
	if c, ok := sess.Payload.(sessiondomain.Ceremonial); ok {
		st := c.CeremonyState()
		view.Status = string(st.Status)
		if st.ContextNumber != 0 && !st.Status.Terminal() {
			set := s.issuer.CandidateSet(sess.ID, st.ContextNumber)
			view.Candidates = set[:]
		}
	}
	return view, nil
}

// ChallengeResult is handed to the acting device. PublicKey is set for WebAuthn kinds;
// Challenge, Salt and Iterations for password-derived keys.
type ChallengeResult struct {
	SessionID  string          `json:"sessionId"`
	Kind       string          `json:"kind"`
	PublicKey  json.RawMessage `json:"publicKey,omitempty"`
	Challenge  string          `json:"challenge,omitempty"`
	Salt       string          `json:"salt,omitempty"`
	Iterations int             `json:"iterations,omitempty"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

// IssueChallenge verifies the presented context number and issues a fresh challenge,
// replacing any outstanding one. A mismatch leaves the session unchanged.
func (s *PairingService) IssueChallenge(ctx context.Context, id string, presented *int) (res *ChallengeResult, err error) {
	ctx, span := startSpan(ctx, "IssueChallenge")
	defer func() { endSpan(span, err) }()

	current, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var subject ceremony.Subject
	switch p := current.Payload.(type) {
	case *sessiondomain.QRSignupPayload:
		subject = ceremony.Subject{ID: p.PendingUserID, Email: p.Email}
	case *sessiondomain.WebAuthnRegisterPayload:
		if subject, err = s.enrollmentSubject(ctx, p); err != nil {
			return nil, err
		}
	}

	var (
		opts       *ceremony.Options
		wasPending bool
		bound      bool
	)
	updated, err := s.sessions.Update(ctx, id, func(sess *sessiondomain.Session) error {
		c, ok := sess.Payload.(sessiondomain.Ceremonial)
		if !ok {
			return invalid(fmt.Sprintf("%s sessions have no challenge", sess.Kind))
		}
		st := c.CeremonyState()
		if st.Status.Terminal() {
			return ErrAlreadyCompleted
		}
		if err := challenge.VerifyContext(st, presented); err != nil {
			return err
		}
		wasPending = st.Status == sessiondomain.StatusPending
		bound = st.ContextNumber != 0
		if err := challenge.Issue(st); err != nil {
			return err
		}
		var err error
		switch sess.Kind {
		case sessiondomain.KindQRLogin:
			opts, err = s.verifier.BeginAssertion(st.Challenge)
		case sessiondomain.KindQRSignup, sessiondomain.KindWebAuthnRegister:
			opts, err = s.verifier.BeginEnrollment(subject, st.Challenge)
		default:
			st.State = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("begin ceremony: %w", err)
		}
		st.State = opts.State
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrContextMismatch) {
			log.Printf("pairing: context number mismatch on %s session", current.Kind)
			s.audit.LogEvent(ctx, audit.Entry{Action: auditdomain.ActionContextMismatch, Resource: string(current.Kind), SessionID: id})
			s.emit(ctx, telemetrydomain.EventContextMismatch, current, "", nil)
		}
		return nil, err
	}

	if bound && wasPending {
		s.publish(id, notify.EventContextVerified, "")
	}
	s.publish(id, notify.EventChallengeIssued, "")
	s.emit(ctx, telemetrydomain.EventChallengeIssued, updated, "", nil)

	st := updated.Payload.(sessiondomain.Ceremonial).CeremonyState()
	res = &ChallengeResult{SessionID: updated.ID, Kind: string(updated.Kind), ExpiresAt: updated.ExpiresAt}
	switch p := updated.Payload.(type) {
	case *sessiondomain.PasswordRegisterPayload:
		res.Challenge, res.Salt, res.Iterations = ceremony.ChallengeMessage(st.Challenge), p.Salt, ceremony.KDFIterations
	case *sessiondomain.PasswordLoginPayload:
		res.Challenge, res.Salt, res.Iterations = ceremony.ChallengeMessage(st.Challenge), p.Salt, ceremony.KDFIterations
	default:
		res.PublicKey = opts.PublicKey
	}
	return res, nil
}

// takeChallenge removes the outstanding challenge of session id so it can be verified at most once.
// The returned session is the state after the take.
func (s *PairingService) takeChallenge(ctx context.Context, id string, kinds ...sessiondomain.Kind) (*sessiondomain.Session, []byte, error) {
	var taken []byte
	sess, err := s.sessions.Update(ctx, id, func(sess *sessiondomain.Session) error {
		var st *sessiondomain.Ceremony
		for _, k := range kinds {
			if sess.Kind == k {
				st = sess.Payload.(sessiondomain.Ceremonial).CeremonyState()
			}
		}
		if st == nil {
			return invalid(fmt.Sprintf("%s sessions do not accept this ceremony", sess.Kind))
		}
		if st.Status.Terminal() {
			return ErrAlreadyCompleted
		}
		taken = challenge.Take(st)
		if taken == nil {
			return ErrCeremonyRejected
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, taken, nil
}

// complete moves session id to status and records userID, unless it already finished.
func (s *PairingService) complete(ctx context.Context, id string, status sessiondomain.Status, userID string) (*sessiondomain.Session, error) {
	return s.sessions.Update(ctx, id, func(sess *sessiondomain.Session) error {
		c, ok := sess.Payload.(sessiondomain.Ceremonial)
		if !ok {
			return ErrNotFound
		}
		st := c.CeremonyState()
		if st.Status.Terminal() {
			return ErrAlreadyCompleted
		}
		st.Status = status
		st.State = nil
		sess.UserID = userID
		return nil
	})
}

// checkClaim reports ErrNotFound unless claimSecret matches the session's claim hash, so a
// holder of the pairing URL learns nothing more than a stranger.
func checkClaim(sess *sessiondomain.Session, claimSecret string) error {
	var hash string
	switch p := sess.Payload.(type) {
	case *sessiondomain.QRLoginPayload:
		hash = p.ClaimHash
	case *sessiondomain.QRSignupPayload:
		hash = p.ClaimHash
	default:
		return ErrNotFound
	}
	if hash == "" || claimSecret == "" || !security.SecretHashEqual(claimSecret, hash) {
		return ErrNotFound
	}
	return nil
}

// Claim returns a token for the identity that completed session id and consumes the session.
// claimSecret is the value CreateSession returned to the waiting device. Only the first
// claim succeeds.
func (s *PairingService) Claim(ctx context.Context, id, claimSecret string) (res *AuthResult, err error) {
	ctx, span := startSpan(ctx, "Claim")
	defer func() { endSpan(span, err) }()

	if id == "" {
		return nil, ErrNotFound
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkClaim(sess, claimSecret); err != nil {
		log.Printf("pairing: claim rejected for %s session", sess.Kind)
		return nil, err
	}
	switch p := sess.Payload.(type) {
	case *sessiondomain.QRLoginPayload:
		if p.Status != sessiondomain.StatusAuthenticated {
			return nil, ErrNotAuthenticated
		}
	case *sessiondomain.QRSignupPayload:
		if p.Status != sessiondomain.StatusComplete {
			return nil, ErrNotAuthenticated
		}
	default:
		return nil, ErrNotFound
	}
	consumed, err := s.sessions.Consume(ctx, id)
	if err != nil {
		return nil, err
	}
	ident, err := s.identities.GetByID(ctx, consumed.UserID)
	if err != nil {
		return nil, err
	}
	if ident == nil {
		return nil, ErrNotFound
	}
	return s.authResult(ident, methodWebAuthn, "")
}

// Subscribe returns the events of QR session id together with its current view. Only the
// waiting device, which holds claimSecret, may subscribe. The view is read after subscribing,
// so no transition is lost between the two. cancel must be called.
func (s *PairingService) Subscribe(ctx context.Context, id, claimSecret string) (<-chan notify.Event, func(), *SessionView, error) {
	if id == "" {
		return nil, nil, nil, ErrNotFound
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := checkClaim(sess, claimSecret); err != nil {
		return nil, nil, nil, err
	}
	ch, cancel := s.hub.Subscribe(ctx, id)
	view, err := s.GetSession(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ch, cancel, view, nil
}
