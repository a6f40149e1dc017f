package ceremony

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"
)

const (
	// KDFIterations is the PBKDF2-HMAC-SHA256 work factor for password-derived keys.
	KDFIterations = 100000
	saltBytes     = 16
	signatureLen  = 65
)

// NewSalt returns a random hex-encoded salt for a new password-derived key.
func NewSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DeriveKey derives the secp256k1 private key for password and salt.
// Clients run the same derivation; the server only uses it in tests and tooling.
func DeriveKey(password, salt string) *secp256k1.PrivateKey {
	seed := pbkdf2.Key([]byte(password), []byte(salt), KDFIterations, 32, sha256.New)
	return secp256k1.PrivKeyFromBytes(seed)
}

// Address returns the 0x-prefixed lowercase hex address of pub: the last 20 bytes of the
// Keccak-256 hash of its uncompressed X||Y coordinates.
func Address(pub *secp256k1.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(h.Sum(nil)[12:])
}

// NormalizeAddress lowercases addr and checks it is a 20-byte hex address.
func NormalizeAddress(addr string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(addr))
	a = strings.TrimPrefix(a, "0x")
	b, err := hex.DecodeString(a)
	if err != nil || len(b) != 20 {
		return "", fmt.Errorf("invalid address")
	}
	return "0x" + a, nil
}

// ChallengeMessage is the text a client signs for challenge: its unpadded base64url form.
func ChallengeMessage(challenge []byte) string {
	return base64.RawURLEncoding.EncodeToString(challenge)
}

// personalHash is the EIP-191 personal message digest of msg.
func personalHash(msg string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg)) + msg))
	return h.Sum(nil)
}

// SignChallenge signs challenge with key and returns a 65-byte R||S||V signature with V in {27,28}.
func SignChallenge(key *secp256k1.PrivateKey, challenge []byte) []byte {
	compact := ecdsa.SignCompact(key, personalHash(ChallengeMessage(challenge)), false)
	sig := make([]byte, 0, signatureLen)
	sig = append(sig, compact[1:]...)
	return append(sig, compact[0])
}

// RecoverAddress returns the address that produced sig over challenge.
// Any malformed signature is ErrRejected.
func RecoverAddress(challenge, sig []byte) (string, error) {
	if len(challenge) == 0 || len(sig) != signatureLen {
		return "", ErrRejected
	}
	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", ErrRejected
	}
	compact := make([]byte, 0, signatureLen)
	compact = append(compact, v)
	compact = append(compact, sig[:64]...)
	pub, _, err := ecdsa.RecoverCompact(compact, personalHash(ChallengeMessage(challenge)))
	if err != nil {
		return "", ErrRejected
	}
	return Address(pub), nil
}

// DecodeSignature accepts a hex signature with or without 0x.
func DecodeSignature(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(b) != signatureLen {
		return nil, ErrRejected
	}
	return b, nil
}
