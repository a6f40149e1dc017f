package security

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// SaltHexLen is the length of a hex-encoded password salt.
const SaltHexLen = 32

var (
	// ErrEmptySecret is returned when hashing an empty client secret.
	ErrEmptySecret = errors.New("security: empty client secret")
	// ErrSecretTooLong is returned for secrets past bcrypt's 72-byte input limit.
	ErrSecretTooLong = errors.New("security: client secret longer than 72 bytes")
)

// Hasher hashes and verifies OAuth client secrets with bcrypt.
type Hasher struct {
	Cost  int
	dummy []byte
}

// NewHasher returns a Hasher with the given bcrypt cost. Zero selects bcrypt.DefaultCost;
// other values are clamped to [MinCost, MaxCost].
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	cost = max(bcrypt.MinCost, min(cost, bcrypt.MaxCost))
	dummy, _ := bcrypt.GenerateFromPassword([]byte("unknown-client"), cost)
	return &Hasher{Cost: cost, dummy: dummy}
}

// HashClientSecret returns the bcrypt hash of secret for storage.
func (h *Hasher) HashClientSecret(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if len(secret) > 72 {
		return "", ErrSecretTooLong
	}
	b, err := bcrypt.GenerateFromPassword([]byte(secret), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyClientSecret reports whether secret matches hash. An empty hash stands for an unknown
// client and is compared against a dummy hash so the miss costs as much as a mismatch.
func (h *Hasher) VerifyClientSecret(hash, secret string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(secret))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// DecoySalt returns the salt reported for an email with no password key. It is stable per
// email and pepper and has the shape of a real salt.
func DecoySalt(pepper []byte, email string) string {
	return KeyedDigest(pepper, "password-salt", email)[:SaltHexLen]
}
