package ceremony

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// WebAuthnConfig names the relying party.
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// WebAuthnVerifier implements Verifier with go-webauthn.
type WebAuthnVerifier struct {
	wa *webauthn.WebAuthn
}

// NewWebAuthnVerifier validates cfg and returns a verifier for that relying party.
func NewWebAuthnVerifier(cfg WebAuthnConfig) (*WebAuthnVerifier, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &WebAuthnVerifier{wa: wa}, nil
}

type webauthnUser struct {
	id          []byte
	name        string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return u.id }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func subjectUser(s Subject) (*webauthnUser, error) {
	creds, err := decodeCredentials(s.Existing)
	if err != nil {
		return nil, err
	}
	name := s.Email
	if name == "" {
		name = s.ID
	}
	return &webauthnUser{id: []byte(s.ID), name: name, credentials: creds}, nil
}

func decodeCredentials(raw [][]byte) ([]webauthn.Credential, error) {
	out := make([]webauthn.Credential, 0, len(raw))
	for _, r := range raw {
		var c webauthn.Credential
		if err := json.Unmarshal(r, &c); err != nil {
			return nil, fmt.Errorf("decode credential: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// BeginEnrollment returns creation options carrying challenge.
func (v *WebAuthnVerifier) BeginEnrollment(subject Subject, challenge []byte) (*Options, error) {
	user, err := subjectUser(subject)
	if err != nil {
		return nil, err
	}
	opts := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(user.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(user.credentials).CredentialDescriptors()))
	}
	creation, session, err := v.wa.BeginRegistration(user, opts...)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	creation.Response.Challenge = protocol.URLEncodedBase64(challenge)
	session.Challenge = base64.RawURLEncoding.EncodeToString(challenge)
	return encodeOptions(creation, session)
}

// VerifyEnrollment checks an attestation response against challenge.
func (v *WebAuthnVerifier) VerifyEnrollment(subject Subject, challenge, state, response []byte) (*Enrollment, error) {
	user, err := subjectUser(subject)
	if err != nil {
		return nil, err
	}
	session, err := decodeSession(state, challenge)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		log.Printf("ceremony: parse attestation: %v", err)
		return nil, ErrRejected
	}
	cred, err := v.wa.CreateCredential(user, *session, parsed)
	if err != nil {
		log.Printf("ceremony: attestation rejected: %v", err)
		return nil, ErrRejected
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		CredentialID: cred.ID,
		PublicKey:    cred.PublicKey,
		Counter:      cred.Authenticator.SignCount,
		Credential:   raw,
	}, nil
}

// BeginAssertion returns discoverable request options carrying challenge.
func (v *WebAuthnVerifier) BeginAssertion(challenge []byte) (*Options, error) {
	assertion, session, err := v.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, fmt.Errorf("begin login: %w", err)
	}
	assertion.Response.Challenge = protocol.URLEncodedBase64(challenge)
	session.Challenge = base64.RawURLEncoding.EncodeToString(challenge)
	return encodeOptions(assertion, session)
}

// CredentialID returns the raw id named by an assertion response.
func (v *WebAuthnVerifier) CredentialID(response []byte) ([]byte, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return nil, ErrRejected
	}
	return parsed.RawID, nil
}

// VerifyAssertion checks an assertion made with cred against challenge.
func (v *WebAuthnVerifier) VerifyAssertion(cred StoredCredential, challenge, state, response []byte) (*Assertion, error) {
	stored, err := decodeCredentials([][]byte{cred.Credential})
	if err != nil {
		return nil, err
	}
	session, err := decodeSession(state, challenge)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		log.Printf("ceremony: parse assertion: %v", err)
		return nil, ErrRejected
	}
	if !bytes.Equal(parsed.RawID, cred.CredentialID) {
		return nil, ErrRejected
	}
	user := &webauthnUser{id: []byte(cred.UserID), name: cred.UserID, credentials: stored}
	handler := func(_, userHandle []byte) (webauthn.User, error) {
		if !bytes.Equal(userHandle, user.id) {
			return nil, ErrRejected
		}
		return user, nil
	}
	_, validated, err := v.wa.ValidatePasskeyLogin(handler, *session, parsed)
	if err != nil {
		log.Printf("ceremony: assertion rejected: %v", err)
		return nil, ErrRejected
	}
	// Report the presented counter; the caller owns the monotonicity decision.
	validated.Authenticator.SignCount = parsed.Response.AuthenticatorData.Counter
	validated.Authenticator.CloneWarning = false
	raw, err := json.Marshal(validated)
	if err != nil {
		return nil, err
	}
	return &Assertion{
		CredentialID: validated.ID,
		Counter:      parsed.Response.AuthenticatorData.Counter,
		Credential:   raw,
	}, nil
}

func encodeOptions(publicKey any, session *webauthn.SessionData) (*Options, error) {
	pk, err := json.Marshal(publicKey)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	st, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return &Options{PublicKey: pk, State: st}, nil
}

// decodeSession restores session data and pins its challenge to the one taken from the pairing session.
func decodeSession(state, challenge []byte) (*webauthn.SessionData, error) {
	if len(challenge) == 0 {
		return nil, ErrRejected
	}
	var session webauthn.SessionData
	if err := json.Unmarshal(state, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	session.Challenge = base64.RawURLEncoding.EncodeToString(challenge)
	return &session, nil
}
