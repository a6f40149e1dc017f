package repository

import (
	"context"
	"sync"
	"time"

	"identity-pairing/backend/internal/session/domain"
)

// MemoryStore is an in-memory Store. A single mutex makes Update and Consume atomic.
type MemoryStore struct {
	mu   sync.Mutex
	m    map[string]*domain.Session
	nowF func() time.Time
	idF  func() (string, error)
}

// NewMemoryStore returns an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		m:    make(map[string]*domain.Session),
		nowF: func() time.Time { return time.Now().UTC() },
		idF:  NewID,
	}
}

// Create stores a new session.
func (s *MemoryStore) Create(ctx context.Context, kind domain.Kind, payload domain.Payload, ttl time.Duration) (*domain.Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id, err := s.idF()
	if err != nil {
		return nil, err
	}
	now := s.nowF()
	sess := &domain.Session{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	stored, err := sess.Clone()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.m[id] = stored
	s.mu.Unlock()
	return sess, nil
}

// Get returns a copy of the session, or ErrNotFound if missing or expired.
func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveLocked(id)
	if err != nil {
		return nil, err
	}
	return sess.Clone()
}

// Update applies mutate to a copy and stores it if mutate succeeds.
func (s *MemoryStore) Update(ctx context.Context, id string, mutate func(*domain.Session) error) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.liveLocked(id)
	if err != nil {
		return nil, err
	}
	next, err := cur.Clone()
	if err != nil {
		return nil, err
	}
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkUpdated(cur, next); err != nil {
		return nil, err
	}
	stored, err := next.Clone()
	if err != nil {
		return nil, err
	}
	s.m[id] = stored
	return next, nil
}

// Consume removes and returns the session.
func (s *MemoryStore) Consume(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveLocked(id)
	if err != nil {
		return nil, err
	}
	delete(s.m, id)
	return sess, nil
}

// Sweep deletes every expired session.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowF()
	n := 0
	for id, sess := range s.m {
		if sess.Expired(now) {
			delete(s.m, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) liveLocked(id string) (*domain.Session, error) {
	sess, ok := s.m[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if sess.Expired(s.nowF()) {
		delete(s.m, id)
		return nil, domain.ErrNotFound
	}
	return sess, nil
}
