package repository

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"identity-pairing/backend/internal/identity/domain"
)

// MemoryRepository keeps identities in process memory.
type MemoryRepository struct {
	mu      sync.Mutex
	byID    map[string]*domain.Identity
	byEmail map[string]string
	nowF    func() time.Time
}

// NewMemoryRepository returns an empty identity repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]*domain.Identity),
		byEmail: make(map[string]string),
		nowF:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok {
		return i.Clone(), nil
	}
	return nil, nil
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byEmail[email]; ok {
		return r.byID[id].Clone(), nil
	}
	return nil, nil
}

func (r *MemoryRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Identity, error) {
	if len(credentialID) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, i := range r.byID {
		if bytes.Equal(i.CredentialID, credentialID) {
			return i.Clone(), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) UpsertByEmail(ctx context.Context, email string, mutate func(*domain.Identity) error) (*domain.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowF()
	var next *domain.Identity
	if id, ok := r.byEmail[email]; ok {
		next = r.byID[id].Clone()
	} else {
		next = &domain.Identity{Email: email, CreatedAt: now}
	}
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Email = email
	if next.ID == "" {
		next.ID = uuid.New().String()
	}
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if len(next.CredentialID) > 0 {
		for id, other := range r.byID {
			if id != next.ID && bytes.Equal(other.CredentialID, next.CredentialID) {
				return nil, ErrCredentialInUse
			}
		}
	}
	r.byID[next.ID] = next.Clone()
	r.byEmail[email] = next.ID
	return next, nil
}

func (r *MemoryRepository) UpdateSignCount(ctx context.Context, id string, counter uint32, credential []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.byID[id]
	if !ok || counter <= i.SignCount {
		return false, nil
	}
	i.SignCount = counter
	if credential != nil {
		i.Credential = append([]byte(nil), credential...)
	}
	i.UpdatedAt = r.nowF()
	return true, nil
}

func (r *MemoryRepository) SetAnchor(ctx context.Context, id, txRef string, status domain.AnchorStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.byID[id]; ok {
		i.AnchorTx = txRef
		i.AnchorStatus = status
		i.UpdatedAt = r.nowF()
	}
	return nil
}
