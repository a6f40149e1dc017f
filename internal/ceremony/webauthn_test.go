package ceremony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWebAuthn(t *testing.T) *WebAuthnVerifier {
	t.Helper()
	v, err := NewWebAuthnVerifier(WebAuthnConfig{
		RPID:          "localhost",
		RPDisplayName: "Identity Pairing",
		RPOrigins:     []string{"http://localhost:8080"},
	})
	require.NoError(t, err)
	return v
}

func TestWebAuthnVerifier_BeginEnrollmentUsesIssuedChallenge(t *testing.T) {
	v := newTestWebAuthn(t)
	challenge := []byte("0123456789abcdef0123456789abcdef")

	opts, err := v.BeginEnrollment(Subject{ID: "user-1", Email: "alice@example.com"}, challenge)
	require.NoError(t, err)

	var pk struct {
		PublicKey struct {
			Challenge string `json:"challenge"`
		} `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(opts.PublicKey, &pk))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(challenge), pk.PublicKey.Challenge)

	var state struct {
		Challenge string `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(opts.State, &state))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(challenge), state.Challenge)
}

func TestWebAuthnVerifier_BeginAssertionUsesIssuedChallenge(t *testing.T) {
	v := newTestWebAuthn(t)
	challenge := []byte("fedcba9876543210fedcba9876543210")

	opts, err := v.BeginAssertion(challenge)
	require.NoError(t, err)

	var pk struct {
		PublicKey struct {
			Challenge string `json:"challenge"`
		} `json:"publicKey"`
	}
	require.NoError(t, json.Unmarshal(opts.PublicKey, &pk))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(challenge), pk.PublicKey.Challenge)
}

func TestWebAuthnVerifier_GarbageIsRejected(t *testing.T) {
	v := newTestWebAuthn(t)
	challenge := []byte("0123456789abcdef0123456789abcdef")
	opts, err := v.BeginEnrollment(Subject{ID: "user-1"}, challenge)
	require.NoError(t, err)

	_, err = v.VerifyEnrollment(Subject{ID: "user-1"}, challenge, opts.State, []byte(`{"id":"x"}`))
	assert.True(t, errors.Is(err, ErrRejected))

	_, err = v.CredentialID([]byte(`not json`))
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestWebAuthnVerifier_NoChallengeIsRejected(t *testing.T) {
	v := newTestWebAuthn(t)
	opts, err := v.BeginAssertion([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	_, err = v.VerifyAssertion(StoredCredential{UserID: "u", Credential: []byte(`{}`)}, nil, opts.State, []byte(`{}`))
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestNewWebAuthnVerifier_RequiresOrigins(t *testing.T) {
	_, err := NewWebAuthnVerifier(WebAuthnConfig{RPID: "localhost", RPDisplayName: "x"})
	assert.Error(t, err)
}

func TestFakeVerifier_AssertionBindsChallengeAndCredential(t *testing.T) {
	var v FakeVerifier
	challenge := []byte("challenge")
	enr, err := v.VerifyEnrollment(Subject{ID: "u1"}, challenge, nil, FakeResponse{CredentialID: []byte("cred"), Challenge: challenge, Counter: 1}.Encode())
	require.NoError(t, err)

	stored := StoredCredential{UserID: "u1", CredentialID: enr.CredentialID, Counter: enr.Counter, Credential: enr.Credential}
	got, err := v.VerifyAssertion(stored, challenge, nil, FakeResponse{CredentialID: []byte("cred"), Challenge: challenge, Counter: 2}.Encode())
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Counter)

	_, err = v.VerifyAssertion(stored, []byte("other"), nil, FakeResponse{CredentialID: []byte("cred"), Challenge: challenge, Counter: 3}.Encode())
	assert.True(t, errors.Is(err, ErrRejected))
}
