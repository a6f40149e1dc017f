package anchor

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// MemoryJobStore keeps jobs in process memory.
type MemoryJobStore struct {
	mu sync.Mutex
	m  map[jobKey]Job
}

// NewMemoryJobStore returns an empty job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{m: make(map[jobKey]Job)}
}

func (s *MemoryJobStore) Get(ctx context.Context, didHash, controller string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.m[jobKey{didHash, controller}]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *MemoryJobStore) Save(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[jobKey{job.DIDHash, job.Controller}] = *job
	return nil
}

// PostgresJobStore persists jobs in the anchor_jobs table.
type PostgresJobStore struct {
	db *sql.DB
}

// NewPostgresJobStore returns a job store backed by db.
func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

// Get returns the job for the pair, or nil if none was recorded.
func (s *PostgresJobStore) Get(ctx context.Context, didHash, controller string) (*Job, error) {
	var (
		j       Job
		status  string
		txRef   sql.NullString
		lastErr sql.NullString
		nonce   int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT did_hash, controller, status, tx_ref, nonce, last_error, created_at, updated_at
		FROM anchor_jobs WHERE did_hash = $1 AND controller = $2`, didHash, controller).
		Scan(&j.DIDHash, &j.Controller, &status, &txRef, &nonce, &lastErr, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	j.Status = Status(status)
	j.TxRef = txRef.String
	j.LastError = lastErr.String
	j.Nonce = uint64(nonce)
	return &j, nil
}

// Save upserts the job for its pair.
func (s *PostgresJobStore) Save(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO anchor_jobs (did_hash, controller, status, tx_ref, nonce, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (did_hash, controller) DO UPDATE SET
			status = EXCLUDED.status, tx_ref = EXCLUDED.tx_ref, nonce = EXCLUDED.nonce,
			last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at`,
		job.DIDHash, job.Controller, string(job.Status), nullString(job.TxRef), int64(job.Nonce),
		nullString(job.LastError), job.CreatedAt, job.UpdatedAt)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
