package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for unknown and expired sessions alike.
	ErrNotFound = errors.New("session not found")
	// ErrKindMismatch is returned when a payload does not belong to the session's kind.
	ErrKindMismatch = errors.New("session payload kind mismatch")
)

// Kind identifies which flow a session belongs to. It never changes after creation.
type Kind string

const (
	KindMagic            Kind = "magic"
	KindWebAuthnRegister Kind = "webauthn-register"
	KindQRLogin          Kind = "qr-login"
	KindQRSignup         Kind = "qr-signup"
	KindPasswordRegister Kind = "password-register"
	KindPasswordLogin    Kind = "password-login"
	KindOAuthAuthorize   Kind = "oauth-authorize"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMagic, KindWebAuthnRegister, KindQRLogin, KindQRSignup,
		KindPasswordRegister, KindPasswordLogin, KindOAuthAuthorize:
		return true
	}
	return false
}

// Status is the position of a session in the pairing state machine.
type Status string

const (
	StatusPending         Status = "pending"
	StatusChallengeIssued Status = "challenge-issued"
	StatusAuthenticated   Status = "authenticated"
	StatusComplete        Status = "complete"
)

// Terminal reports whether no further ceremony may be submitted in this status.
func (s Status) Terminal() bool {
	return s == StatusAuthenticated || s == StatusComplete
}

// Session is the envelope shared by every transient flow.
type Session struct {
	ID        string
	Kind      Kind
	Payload   Payload
	UserID    string // set once authentication succeeds
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its deadline at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Clone returns a deep copy so stores never hand out shared payload pointers.
func (s *Session) Clone() (*Session, error) {
	raw, err := MarshalPayload(s.Payload)
	if err != nil {
		return nil, err
	}
	p, err := UnmarshalPayload(s.Kind, raw)
	if err != nil {
		return nil, err
	}
	c := *s
	c.Payload = p
	return &c, nil
}

// Validate checks the kind and that the payload variant matches it.
func (s *Session) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("unknown session kind %q", s.Kind)
	}
	if s.Payload == nil || s.Payload.Kind() != s.Kind {
		return ErrKindMismatch
	}
	return nil
}

// Payload is the kind-specific part of a session. Each kind has exactly one variant.
type Payload interface {
	Kind() Kind
}

// Ceremonial is implemented by payloads that carry a challenge-response ceremony.
type Ceremonial interface {
	Payload
	CeremonyState() *Ceremony
}

// Ceremony is the challenge-response state of a session.
// Challenge is cleared the moment it is taken for verification, so it is accepted at most once.
type Ceremony struct {
	Status        Status `json:"status"`
	ContextNumber int    `json:"contextNumber,omitempty"`
	Challenge     []byte `json:"challenge,omitempty"`
	// State is opaque data the ceremony verifier needs between issue and verify.
	State []byte `json:"state,omitempty"`
}

type MagicPayload struct {
	Email string `json:"email"`
}

func (*MagicPayload) Kind() Kind { return KindMagic }

type WebAuthnRegisterPayload struct {
	Ceremony
	Email         string `json:"email"`
	PendingUserID string `json:"pendingUserId"`
	// LinkUserID is set when an authenticated user adds a credential to an existing identity.
	LinkUserID string `json:"linkUserId,omitempty"`
}

func (*WebAuthnRegisterPayload) Kind() Kind                 { return KindWebAuthnRegister }
func (p *WebAuthnRegisterPayload) CeremonyState() *Ceremony { return &p.Ceremony }

type QRLoginPayload struct {
	Ceremony
	CredentialID string `json:"credentialId,omitempty"`
	// ClaimHash is the SHA-256 of the waiting device's claim secret. The secret never leaves
	// that device, so the pairing URL alone cannot claim the session.
	ClaimHash string `json:"claimHash,omitempty"`
}

func (*QRLoginPayload) Kind() Kind                 { return KindQRLogin }
func (p *QRLoginPayload) CeremonyState() *Ceremony { return &p.Ceremony }

type QRSignupPayload struct {
	Ceremony
	Email         string `json:"email"`
	PendingUserID string `json:"pendingUserId"`
	WalletAddress string `json:"walletAddress,omitempty"`
	ClaimHash     string `json:"claimHash,omitempty"`
}

func (*QRSignupPayload) Kind() Kind                 { return KindQRSignup }
func (p *QRSignupPayload) CeremonyState() *Ceremony { return &p.Ceremony }

type PasswordRegisterPayload struct {
	Ceremony
	Email string `json:"email"`
	Salt  string `json:"salt"`
	// LinkUserID is set when an authenticated user adds a password key to their identity.
	LinkUserID string `json:"linkUserId,omitempty"`
}

func (*PasswordRegisterPayload) Kind() Kind                 { return KindPasswordRegister }
func (p *PasswordRegisterPayload) CeremonyState() *Ceremony { return &p.Ceremony }

type PasswordLoginPayload struct {
	Ceremony
	Email string `json:"email"`
	Salt  string `json:"salt"`
	// Known is false for decoy sessions issued to unknown emails.
	Known bool `json:"known"`
}

func (*PasswordLoginPayload) Kind() Kind                 { return KindPasswordLogin }
func (p *PasswordLoginPayload) CeremonyState() *Ceremony { return &p.Ceremony }

type OAuthAuthorizePayload struct {
	ClientID    string `json:"clientId"`
	RedirectURI string `json:"redirectUri"`
	State       string `json:"state,omitempty"`
	Status      Status `json:"status"`
}

func (*OAuthAuthorizePayload) Kind() Kind { return KindOAuthAuthorize }

// NewPayload returns an empty payload variant for kind.
func NewPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindMagic:
		return &MagicPayload{}, nil
	case KindWebAuthnRegister:
		return &WebAuthnRegisterPayload{}, nil
	case KindQRLogin:
		return &QRLoginPayload{}, nil
	case KindQRSignup:
		return &QRSignupPayload{}, nil
	case KindPasswordRegister:
		return &PasswordRegisterPayload{}, nil
	case KindPasswordLogin:
		return &PasswordLoginPayload{}, nil
	case KindOAuthAuthorize:
		return &OAuthAuthorizePayload{}, nil
	}
	return nil, fmt.Errorf("unknown session kind %q", kind)
}

// MarshalPayload encodes p for persistence. The kind is stored next to it, not inside it.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, ErrKindMismatch
	}
	return json.Marshal(p)
}

// UnmarshalPayload decodes raw into the variant for kind.
func UnmarshalPayload(kind Kind, raw []byte) (Payload, error) {
	p, err := NewPayload(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return p, nil
}
