package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"identity-pairing/backend/internal/anchor"
	"identity-pairing/backend/internal/audit"
	auditdomain "identity-pairing/backend/internal/audit/domain"
	auditrepo "identity-pairing/backend/internal/audit/repository"
	"identity-pairing/backend/internal/ceremony"
	"identity-pairing/backend/internal/challenge"
	"identity-pairing/backend/internal/devlink"
	"identity-pairing/backend/internal/identity/domain"
	identityrepo "identity-pairing/backend/internal/identity/repository"
	"identity-pairing/backend/internal/notify"
	oauthrepo "identity-pairing/backend/internal/oauthclient/repository"
	policyengine "identity-pairing/backend/internal/policy/engine"
	"identity-pairing/backend/internal/security"
	sessiondomain "identity-pairing/backend/internal/session/domain"
	sessionrepo "identity-pairing/backend/internal/session/repository"
	"identity-pairing/backend/internal/telemetry"
	telemetrydomain "identity-pairing/backend/internal/telemetry/domain"
)

var (
	// ErrNotFound is returned for unknown, expired and already consumed sessions alike.
	ErrNotFound = sessiondomain.ErrNotFound
	// ErrContextMismatch is returned when the acting device presents the wrong context number.
	ErrContextMismatch = challenge.ErrContextMismatch
	// ErrCeremonyRejected is returned when a WebAuthn response fails verification.
	ErrCeremonyRejected = errors.New("ceremony rejected")
	// ErrReplayDetected is returned when an assertion does not advance the signature counter.
	ErrReplayDetected = fmt.Errorf("%w: signature counter did not increase", ErrCeremonyRejected)
	// ErrAlreadyCompleted is returned for submissions against a session that already finished.
	ErrAlreadyCompleted = errors.New("session already completed")
	// ErrNotAuthenticated is returned when a waiting device claims a session too early.
	ErrNotAuthenticated       = errors.New("session not authenticated yet")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrEmailAlreadyRegistered = errors.New("email already registered")
)

// Anchor errors are re-exported for handlers that report degraded registrations.
var (
	ErrAnchorTimeout     = anchor.ErrAnchorTimeout
	ErrAnchorUnavailable = anchor.ErrAnchorUnavailable
)

// ValidationError is returned for malformed requests. Msg is safe to show to the caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(msg string) error { return &ValidationError{Msg: msg} }

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", invalid("email is required")
	}
	if !emailPattern.MatchString(email) {
		return "", invalid("invalid email format")
	}
	return email, nil
}

// Anchorer registers a DID hash on the ledger. *anchor.Relayer implements it.
type Anchorer interface {
	Anchor(ctx context.Context, didHash, controller string) (anchor.Result, error)
}

// Deps are the collaborators of PairingService. Sessions, Identities, Issuer, Verifier and
// Tokens are required.
type Deps struct {
	Sessions   sessionrepo.Store
	Identities identityrepo.Repository
	Clients    oauthrepo.Repository
	Issuer     *challenge.Issuer
	Verifier   ceremony.Verifier
	Anchorer   Anchorer
	Hub        *notify.Hub
	Policy     policyengine.Evaluator
	Tokens     *security.TokenProvider
	Hasher     *security.Hasher
	Audit      audit.AuditLogger
	AuditLogs  auditrepo.Repository
	Events     telemetry.EventEmitter
	// DevLinks receives magic links for local retrieval. Nil in production.
	DevLinks devlink.Store
}

// Config holds the tunables of PairingService.
type Config struct {
	PublicBaseURL string
	SessionTTL    time.Duration
	QRSessionTTL  time.Duration
	MagicLinkTTL  time.Duration
	OAuthCodeTTL  time.Duration
	// PasswordPepper keys decoy salts for unknown emails. A random pepper is used when empty,
	// which makes decoys stable only for the life of the process.
	PasswordPepper []byte
	// AllowZeroSignCount accepts assertions from authenticators that never advance their
	// signature counter. Off by default: a non-increasing counter is a replay.
	AllowZeroSignCount bool
	LedgerConfigured   bool
	Production         bool
}

// PairingService runs the pairing flows: sessions, challenges, ceremonies and the identity
// writes that follow them.
type PairingService struct {
	sessions   sessionrepo.Store
	identities identityrepo.Repository
	clients    oauthrepo.Repository
	issuer     *challenge.Issuer
	verifier   ceremony.Verifier
	anchorer   Anchorer
	hub        *notify.Hub
	policy     policyengine.Evaluator
	tokens     *security.TokenProvider
	hasher     *security.Hasher
	audit      audit.AuditLogger
	auditLogs  auditrepo.Repository
	events     telemetry.EventEmitter
	devLinks   devlink.Store
	cfg        Config

	anchoring sync.WaitGroup
	nowF      func() time.Time
}

// NewPairingService returns a PairingService over d.
func NewPairingService(d Deps, cfg Config) (*PairingService, error) {
	if d.Sessions == nil || d.Identities == nil || d.Issuer == nil || d.Verifier == nil || d.Tokens == nil {
		return nil, errors.New("pairing service: sessions, identities, issuer, verifier and tokens are required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = sessionrepo.DefaultTTL
	}
	if cfg.QRSessionTTL <= 0 {
		cfg.QRSessionTTL = cfg.SessionTTL
	}
	if cfg.MagicLinkTTL <= 0 {
		cfg.MagicLinkTTL = 15 * time.Minute
	}
	if cfg.OAuthCodeTTL <= 0 {
		cfg.OAuthCodeTTL = time.Minute
	}
	if len(cfg.PasswordPepper) == 0 {
		cfg.PasswordPepper = make([]byte, 32)
		if _, err := rand.Read(cfg.PasswordPepper); err != nil {
			return nil, err
		}
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if d.Hub == nil {
		d.Hub = notify.NewHub()
	}
	if d.Policy == nil {
		d.Policy = staticPolicy{}
	}
	if d.Hasher == nil {
		d.Hasher = security.NewHasher(0)
	}
	if d.Audit == nil {
		d.Audit = audit.NewLogger(nil, nil)
	}
	return &PairingService{
		sessions:   d.Sessions,
		identities: d.Identities,
		clients:    d.Clients,
		issuer:     d.Issuer,
		verifier:   d.Verifier,
		anchorer:   d.Anchorer,
		hub:        d.Hub,
		policy:     d.Policy,
		tokens:     d.Tokens,
		hasher:     d.Hasher,
		audit:      d.Audit,
		auditLogs:  d.AuditLogs,
		events:     d.Events,
		devLinks:   d.DevLinks,
		cfg:        cfg,
		nowF:       func() time.Time { return time.Now().UTC() },
	}, nil
}

type staticPolicy struct{}

func (staticPolicy) Evaluate(_ context.Context, in policyengine.Input) (policyengine.Decision, error) {
	return policyengine.DefaultDecision(in), nil
}

func (s *PairingService) decide(ctx context.Context, kind sessiondomain.Kind, linking, newDocument bool) policyengine.Decision {
	d, err := s.policy.Evaluate(ctx, policyengine.Input{
		Kind:             string(kind),
		Production:       s.cfg.Production,
		LedgerConfigured: s.cfg.LedgerConfigured,
		Linking:          linking,
		NewDocument:      newDocument,
	})
	if err != nil {
		log.Printf("pairing: policy evaluation for %s: %v", kind, err)
	}
	return d
}

// Actor is the authenticated caller of an operation, taken from its access token.
type Actor struct {
	UserID string
	Email  string
}

// IdentitySummary is the public view of an identity.
type IdentitySummary struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	WalletAddress  string `json:"walletAddress,omitempty"`
	DID            string `json:"did,omitempty"`
	DIDHash        string `json:"didHash,omitempty"`
	AuthMethod     string `json:"authMethod,omitempty"`
	HasWebAuthn    bool   `json:"hasWebAuthn"`
	HasPasswordKey bool   `json:"hasPasswordKey"`
	AnchorStatus   string `json:"anchorStatus,omitempty"`
	AnchorTx       string `json:"anchorTx,omitempty"`
}

func summarize(i *domain.Identity) *IdentitySummary {
	out := &IdentitySummary{
		ID:             i.ID,
		Email:          i.Email,
		WalletAddress:  i.WalletAddress,
		DIDHash:        i.DIDHash,
		AuthMethod:     string(i.AuthMethod),
		HasWebAuthn:    i.HasWebAuthn(),
		HasPasswordKey: i.HasPasswordKey(),
		AnchorStatus:   string(i.AnchorStatus),
		AnchorTx:       i.AnchorTx,
	}
	if i.DIDHash != "" {
		out.DID = anchor.DIDMethod + i.WalletAddress
	}
	return out
}

// Token methods, carried in the amr claim.
const (
	methodWebAuthn = "webauthn"
	methodPassword = "password"
	methodMagic    = "magic"
	methodOAuth    = "oauth"
)

// AuthResult is returned by every flow that ends with an access token.
type AuthResult struct {
	AccessToken string           `json:"accessToken"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	Identity    *IdentitySummary `json:"identity"`
}

func (s *PairingService) authResult(i *domain.Identity, method, clientID string) (*AuthResult, error) {
	tok, exp, err := s.tokens.IssueAccess(security.Subject{UserID: i.ID, Email: i.Email, Method: method, ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	return &AuthResult{AccessToken: tok, ExpiresAt: exp, Identity: summarize(i)}, nil
}

// Me returns the identity of userID.
func (s *PairingService) Me(ctx context.Context, userID string) (*IdentitySummary, error) {
	if userID == "" {
		return nil, ErrInvalidCredentials
	}
	i, err := s.identities.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if i == nil {
		return nil, ErrNotFound
	}
	return summarize(i), nil
}

// MaxProfileBytes bounds the encrypted profile an identity may store.
const MaxProfileBytes = 32 << 10

// Profile returns the identity's client-encrypted profile, nil when none was stored.
func (s *PairingService) Profile(ctx context.Context, userID string) ([]byte, error) {
	if userID == "" {
		return nil, ErrInvalidCredentials
	}
	i, err := s.identities.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if i == nil {
		return nil, ErrNotFound
	}
	return i.EncryptedProfileBlob, nil
}

// SetProfile replaces the identity's encrypted profile. The blob is opaque to the server;
// an empty blob clears it.
func (s *PairingService) SetProfile(ctx context.Context, userID string, blob []byte) error {
	if userID == "" {
		return ErrInvalidCredentials
	}
	if len(blob) > MaxProfileBytes {
		return invalid("profile is too large")
	}
	i, err := s.identities.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if i == nil {
		return ErrNotFound
	}
	_, err = s.identities.UpsertByEmail(ctx, i.Email, func(cur *domain.Identity) error {
		if cur.ID != userID {
			return ErrNotFound
		}
		cur.EncryptedProfileBlob = append([]byte(nil), blob...)
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.LogEvent(ctx, audit.Entry{UserID: userID, Action: auditdomain.ActionProfileUpdated, Resource: "profile"})
	return nil
}

// AuditTrail returns the audit records of userID, newest first.
func (s *PairingService) AuditTrail(ctx context.Context, userID string, limit, offset int32) ([]*auditdomain.AuditLog, error) {
	if userID == "" {
		return nil, ErrInvalidCredentials
	}
	if s.auditLogs == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.auditLogs.ListByUser(ctx, userID, limit, offset)
}

// attachDID builds the identity's DID document once a wallet address is known.
// An existing document is kept so the anchored hash stays valid.
func (s *PairingService) attachDID(i *domain.Identity) error {
	if i.WalletAddress == "" || i.DIDHash != "" {
		return nil
	}
	created := i.CreatedAt
	if created.IsZero() {
		created = s.nowF()
	}
	raw, hash, err := anchor.BuildDocument(anchor.DocumentInput{
		WalletAddress:       i.WalletAddress,
		CredentialID:        i.CredentialID,
		CredentialPublicKey: i.CredentialPublicKey,
		Created:             created,
	})
	if err != nil {
		return fmt.Errorf("build did document: %w", err)
	}
	i.DIDDocument = raw
	i.DIDHash = hash
	return nil
}

func (s *PairingService) publish(sessionID string, t notify.EventType, userID string) {
	s.hub.Publish(sessionID, notify.Event{Type: t, SessionID: sessionID, UserID: userID, At: s.nowF()})
}

func (s *PairingService) emit(ctx context.Context, eventType string, sess *sessiondomain.Session, userID string, meta map[string]any) {
	ev := &telemetrydomain.Event{
		EventType: eventType,
		Source:    "pairing",
		UserID:    userID,
	}
	if sess != nil {
		ev.Kind = string(sess.Kind)
		ev.SessionRef = security.HashSecret(sess.ID)
	}
	if len(meta) > 0 {
		if raw, err := json.Marshal(meta); err == nil {
			ev.Metadata = raw
		}
	}
	telemetry.EmitAsync(s.events, ctx, ev)
}

func metadata(kv ...string) string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	raw, _ := json.Marshal(m)
	return string(raw)
}

// reject records a failed ceremony and returns err. reason never carries secrets.
func (s *PairingService) reject(ctx context.Context, sess *sessiondomain.Session, userID string, err error, reason string) error {
	action, eventType := auditdomain.ActionCeremonyRejected, telemetrydomain.EventCeremonyRejected
	if errors.Is(err, ErrReplayDetected) {
		action, eventType = auditdomain.ActionReplayDetected, telemetrydomain.EventReplayDetected
	}
	log.Printf("pairing: %s ceremony rejected: %s", sess.Kind, reason)
	s.audit.LogEvent(ctx, audit.Entry{
		UserID:    userID,
		Action:    action,
		Resource:  string(sess.Kind),
		SessionID: sess.ID,
		Metadata:  metadata("reason", reason),
	})
	s.emit(ctx, eventType, sess, userID, map[string]any{"reason": reason})
	s.publish(sess.ID, notify.EventRejected, "")
	return err
}

var tracer = otel.Tracer("identity-pairing/identity/service")

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "PairingService."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
