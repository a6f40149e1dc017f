package domain

import (
	"errors"
	"time"
)

// Identity is a durable user record: credential material, wallet address and DID anchor.
type Identity struct {
	ID    string
	Email string // unique, lowercase

	WalletAddress string // 0x-prefixed lowercase hex; empty until a key is bound
	DIDDocument   []byte
	DIDHash       string // 0x-prefixed keccak-256 of DIDDocument

	// WebAuthn enrollment. Credential is the verifier's serialized record.
	CredentialID        []byte
	CredentialPublicKey []byte
	SignCount           uint32
	Credential          []byte

	PasswordSalt string // set when a password-derived key is enrolled
	AuthMethod   AuthMethod

	// EncryptedProfileBlob is client-encrypted; the server never decrypts it.
	EncryptedProfileBlob []byte

	AnchorTx     string
	AnchorStatus AnchorStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuthMethod records how the identity was first enrolled.
type AuthMethod string

const (
	AuthMethodWebAuthn AuthMethod = "webauthn"
	AuthMethodPassword AuthMethod = "password"
)

// AnchorStatus is the ledger state of the identity's DID hash.
type AnchorStatus string

const (
	AnchorStatusNone        AnchorStatus = ""
	AnchorStatusPending     AnchorStatus = "pending"
	AnchorStatusConfirmed   AnchorStatus = "confirmed"
	AnchorStatusFailed      AnchorStatus = "failed"
	AnchorStatusUnavailable AnchorStatus = "unavailable"
)

// HasWebAuthn reports whether a WebAuthn credential is enrolled.
func (i *Identity) HasWebAuthn() bool { return len(i.CredentialID) > 0 }

// HasPasswordKey reports whether a password-derived key is enrolled.
func (i *Identity) HasPasswordKey() bool { return i.PasswordSalt != "" && i.WalletAddress != "" }

// Validate validates the identity for persistence.
func (i *Identity) Validate() error {
	if i.ID == "" {
		return errors.New("id is required")
	}
	if i.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	c := *i
	c.DIDDocument = cloneBytes(i.DIDDocument)
	c.CredentialID = cloneBytes(i.CredentialID)
	c.CredentialPublicKey = cloneBytes(i.CredentialPublicKey)
	c.Credential = cloneBytes(i.Credential)
	c.EncryptedProfileBlob = cloneBytes(i.EncryptedProfileBlob)
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
