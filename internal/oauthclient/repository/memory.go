package repository

import (
	"context"
	"slices"
	"sync"

	"identity-pairing/backend/internal/oauthclient/domain"
)

// MemoryRepository keeps OAuth clients in process.
type MemoryRepository struct {
	mu      sync.RWMutex
	clients map[string]domain.Client
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{clients: make(map[string]domain.Client)}
}

// GetByID returns a copy of the client for id, or nil if not found.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, nil
	}
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	return &c, nil
}

// Save validates and stores a copy of c.
func (r *MemoryRepository) Save(ctx context.Context, c *domain.Client) error {
	if err := c.Validate(); err != nil {
		return err
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	r.mu.Lock()
	r.clients[c.ID] = cp
	r.mu.Unlock()
	return nil
}
