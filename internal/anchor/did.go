package anchor

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/crypto/sha3"
)

// DIDMethod prefixes every identifier this service issues.
const DIDMethod = "did:pair:"

// VerificationMethod is one key listed in a DID document.
type VerificationMethod struct {
	ID                  string `json:"id"`
	Type                string `json:"type"`
	Controller          string `json:"controller"`
	BlockchainAccountID string `json:"blockchainAccountId,omitempty"`
	PublicKeyMultibase  string `json:"publicKeyMultibase,omitempty"`
}

// Document is the DID document whose hash is anchored.
type Document struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	Controller         string               `json:"controller"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication"`
	Created            string               `json:"created"`
}

// DocumentInput is what an identity contributes to its DID document.
type DocumentInput struct {
	WalletAddress       string
	CredentialID        []byte
	CredentialPublicKey []byte
	Created             time.Time
}

// BuildDocument returns the encoded DID document for in and its 0x-prefixed keccak-256 hash.
func BuildDocument(in DocumentInput) ([]byte, string, error) {
	if in.WalletAddress == "" {
		return nil, "", errors.New("wallet address is required")
	}
	did := DIDMethod + in.WalletAddress
	doc := Document{
		Context:    []string{"https://www.w3.org/ns/did/v1"},
		ID:         did,
		Controller: did,
		VerificationMethod: []VerificationMethod{{
			ID:                  did + "#controller",
			Type:                "EcdsaSecp256k1RecoveryMethod2020",
			Controller:          did,
			BlockchainAccountID: "eip155:1:" + in.WalletAddress,
		}},
		Authentication: []string{did + "#controller"},
		Created:        in.Created.UTC().Format(time.RFC3339),
	}
	if len(in.CredentialID) > 0 {
		vm := VerificationMethod{
			ID:         did + "#webauthn-" + base64.RawURLEncoding.EncodeToString(in.CredentialID),
			Type:       "JsonWebKey2020",
			Controller: did,
		}
		if len(in.CredentialPublicKey) > 0 {
			vm.PublicKeyMultibase = "u" + base64.RawURLEncoding.EncodeToString(in.CredentialPublicKey)
		}
		doc.VerificationMethod = append(doc.VerificationMethod, vm)
		doc.Authentication = append(doc.Authentication, vm.ID)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, "", err
	}
	return raw, HashDocument(raw), nil
}

// HashDocument returns the 0x-prefixed keccak-256 of raw.
func HashDocument(raw []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
