package repository

import (
	"context"

	"identity-pairing/backend/internal/oauthclient/domain"
)

// Repository defines persistence for OAuth clients.
type Repository interface {
	// GetByID returns the client for id, or nil if not found.
	GetByID(ctx context.Context, id string) (*domain.Client, error)
	// Save creates or replaces the client.
	Save(ctx context.Context, c *domain.Client) error
}
