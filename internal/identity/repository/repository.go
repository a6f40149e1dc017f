package repository

import (
	"context"
	"errors"

	"identity-pairing/backend/internal/identity/domain"
)

// ErrCredentialInUse is returned when a credential id is already enrolled by another identity.
var ErrCredentialInUse = errors.New("credential already enrolled")

// Repository defines persistence for identities.
// Lookups return (nil, nil) when no identity matches.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Identity, error)
	GetByEmail(ctx context.Context, email string) (*domain.Identity, error)
	GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Identity, error)
	// UpsertByEmail runs mutate on the identity for email, or on a new identity carrying only
	// the email when none exists, and persists the result. Calls for one email are serialized.
	// A new identity without an ID is assigned one.
	UpsertByEmail(ctx context.Context, email string, mutate func(*domain.Identity) error) (*domain.Identity, error)
	// UpdateSignCount stores counter and the refreshed credential only when counter is greater
	// than the stored value. It reports whether the write happened.
	UpdateSignCount(ctx context.Context, id string, counter uint32, credential []byte) (bool, error)
	SetAnchor(ctx context.Context, id, txRef string, status domain.AnchorStatus) error
}
