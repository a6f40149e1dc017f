package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashSecret returns a hex SHA-256 of a bearer secret such as a session id or magic-link
// token, for audit records and logs that must not carry the secret itself.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// SecretHashEqual reports in constant time whether secret hashes to storedHash.
func SecretHashEqual(secret, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashSecret(secret)), []byte(storedHash)) == 1
}

// KeyedDigest returns hex HMAC-SHA256(key, parts...) with a zero byte between parts.
// It is stable for a given key, so it can stand in for stored values that do not exist.
func KeyedDigest(key []byte, parts ...string) string {
	m := hmac.New(sha256.New, key)
	for i, p := range parts {
		if i > 0 {
			m.Write([]byte{0})
		}
		m.Write([]byte(p))
	}
	return hex.EncodeToString(m.Sum(nil))
}
