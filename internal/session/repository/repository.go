package repository

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"identity-pairing/backend/internal/session/domain"
)

// Store persists transient flow sessions with a TTL.
// Get, Update and Consume return domain.ErrNotFound for missing and expired ids alike.
type Store interface {
	// Create stores a new session of kind with payload and returns it with its id set.
	Create(ctx context.Context, kind domain.Kind, payload domain.Payload, ttl time.Duration) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	// Update runs mutate on a copy of the session while holding the session exclusively and
	// persists the result. If mutate returns an error nothing is written and that error is returned.
	Update(ctx context.Context, id string, mutate func(*domain.Session) error) (*domain.Session, error)
	// Consume atomically reads and deletes the session.
	Consume(ctx context.Context, id string) (*domain.Session, error)
	// Sweep deletes expired sessions and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// DefaultTTL is the session lifetime used when a caller passes a non-positive ttl.
const DefaultTTL = 5 * time.Minute

// idBytes gives session ids and claim secrets 256 bits of entropy.
const idBytes = 32

// NewID returns an unguessable URL-safe session id.
func NewID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func checkUpdated(before, after *domain.Session) error {
	if after.ID != before.ID || after.Kind != before.Kind {
		return domain.ErrKindMismatch
	}
	return after.Validate()
}
