package ceremony

import (
	"bytes"
	"encoding/json"
	"errors"
)

// FakeResponse is the response format understood by FakeVerifier. It stands in for a
// browser attestation or assertion in tests and local tooling.
type FakeResponse struct {
	CredentialID []byte `json:"credentialId"`
	PublicKey    []byte `json:"publicKey,omitempty"`
	Challenge    []byte `json:"challenge"`
	Counter      uint32 `json:"counter"`
	// UserHandle is checked against the subject or stored credential owner when set.
	UserHandle string `json:"userHandle,omitempty"`
}

// Encode returns r as JSON.
func (r FakeResponse) Encode() []byte {
	b, _ := json.Marshal(r)
	return b
}

type fakeCredential struct {
	ID        []byte `json:"id"`
	PublicKey []byte `json:"publicKey"`
	Counter   uint32 `json:"counter"`
}

// FakeVerifier accepts a FakeResponse whenever its challenge and ids match. It performs no
// cryptography.
type FakeVerifier struct{}

func (FakeVerifier) BeginEnrollment(subject Subject, challenge []byte) (*Options, error) {
	pk, _ := json.Marshal(map[string]any{"challenge": challenge, "user": subject.ID})
	return &Options{PublicKey: pk, State: []byte(`{}`)}, nil
}

func (FakeVerifier) VerifyEnrollment(subject Subject, challenge, state, response []byte) (*Enrollment, error) {
	r, err := decodeFake(response)
	if err != nil {
		return nil, err
	}
	if len(challenge) == 0 || !bytes.Equal(r.Challenge, challenge) || len(r.CredentialID) == 0 {
		return nil, ErrRejected
	}
	if r.UserHandle != "" && r.UserHandle != subject.ID {
		return nil, ErrRejected
	}
	cred, _ := json.Marshal(fakeCredential{ID: r.CredentialID, PublicKey: r.PublicKey, Counter: r.Counter})
	return &Enrollment{CredentialID: r.CredentialID, PublicKey: r.PublicKey, Counter: r.Counter, Credential: cred}, nil
}

func (FakeVerifier) BeginAssertion(challenge []byte) (*Options, error) {
	pk, _ := json.Marshal(map[string]any{"challenge": challenge})
	return &Options{PublicKey: pk, State: []byte(`{}`)}, nil
}

func (FakeVerifier) CredentialID(response []byte) ([]byte, error) {
	r, err := decodeFake(response)
	if err != nil {
		return nil, err
	}
	return r.CredentialID, nil
}

func (FakeVerifier) VerifyAssertion(cred StoredCredential, challenge, state, response []byte) (*Assertion, error) {
	r, err := decodeFake(response)
	if err != nil {
		return nil, err
	}
	if len(challenge) == 0 || !bytes.Equal(r.Challenge, challenge) || !bytes.Equal(r.CredentialID, cred.CredentialID) {
		return nil, ErrRejected
	}
	if r.UserHandle != "" && r.UserHandle != cred.UserID {
		return nil, ErrRejected
	}
	var stored fakeCredential
	if err := json.Unmarshal(cred.Credential, &stored); err != nil {
		return nil, ErrRejected
	}
	stored.Counter = r.Counter
	raw, _ := json.Marshal(stored)
	return &Assertion{CredentialID: r.CredentialID, Counter: r.Counter, Credential: raw}, nil
}

func decodeFake(response []byte) (*FakeResponse, error) {
	var r FakeResponse
	if err := json.Unmarshal(response, &r); err != nil {
		return nil, errors.Join(ErrRejected, err)
	}
	return &r, nil
}
