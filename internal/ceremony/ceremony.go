// Package ceremony adapts external credential verification to pairing outcomes.
// WebAuthn attestation and assertion parsing is delegated to go-webauthn; password-derived
// keys are verified by recovering the signer of a secp256k1 signature.
package ceremony

import (
	"errors"
)

// ErrRejected is returned when a ceremony response fails verification for any reason.
var ErrRejected = errors.New("ceremony rejected")

// Subject is the account an enrollment is performed for.
type Subject struct {
	// ID is the user handle presented to the authenticator. It is the identity id, or the
	// pending id reserved for a not yet created identity.
	ID    string
	Email string
	// Existing holds serialized credentials already enrolled; they are excluded from re-enrollment.
	Existing [][]byte
}

// Options is what a client needs to run a ceremony and what the server keeps until it is verified.
type Options struct {
	// PublicKey is the JSON options document for navigator.credentials.
	PublicKey []byte
	// State is opaque verifier state persisted with the session.
	State []byte
}

// Enrollment is a verified new credential.
type Enrollment struct {
	CredentialID []byte
	PublicKey    []byte
	Counter      uint32
	// Credential is the verifier's serialized credential record.
	Credential []byte
}

// StoredCredential is an enrolled credential as held by the identity store.
type StoredCredential struct {
	UserID       string
	CredentialID []byte
	Counter      uint32
	Credential   []byte
}

// Assertion is a verified assertion. Counter is the value presented by the authenticator and
// has not been compared with the stored counter.
type Assertion struct {
	CredentialID []byte
	Counter      uint32
	Credential   []byte
}

// Verifier is the WebAuthn capability the orchestrator depends on.
// challenge is always the value issued by this service; verifiers never generate their own.
type Verifier interface {
	BeginEnrollment(subject Subject, challenge []byte) (*Options, error)
	VerifyEnrollment(subject Subject, challenge, state, response []byte) (*Enrollment, error)
	BeginAssertion(challenge []byte) (*Options, error)
	// CredentialID extracts the credential id an assertion response claims, without verifying it.
	CredentialID(response []byte) ([]byte, error)
	VerifyAssertion(cred StoredCredential, challenge, state, response []byte) (*Assertion, error)
}
