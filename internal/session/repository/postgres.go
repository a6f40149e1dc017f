package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"identity-pairing/backend/internal/session/domain"
)

type PostgresRepository struct {
	db   *sql.DB
	nowF func() time.Time
}

// NewPostgresRepository returns a session store backed by the pairing_sessions table.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, nowF: func() time.Time { return time.Now().UTC() }}
}

const sessionColumns = `id, kind, payload, user_id, created_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// Create inserts a new session.
func (r *PostgresRepository) Create(ctx context.Context, kind domain.Kind, payload domain.Payload, ttl time.Duration) (*domain.Session, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	now := r.nowF()
	sess := &domain.Session{ID: id, Kind: kind, Payload: payload, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	raw, err := domain.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO pairing_sessions (`+sessionColumns+`) VALUES ($1, $2, $3, NULL, $4, $5)`,
		sess.ID, string(sess.Kind), raw, sess.CreatedAt, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Get returns the live session for id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM pairing_sessions WHERE id = $1 AND expires_at > $2`, id, r.nowF())
	return scanSession(row)
}

// Update locks the row with FOR UPDATE so concurrent mutations of one session serialize.
func (r *PostgresRepository) Update(ctx context.Context, id string, mutate func(*domain.Session) error) (*domain.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM pairing_sessions WHERE id = $1 AND expires_at > $2 FOR UPDATE`, id, r.nowF())
	cur, err := scanSession(row)
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
	raw, err := domain.MarshalPayload(next.Payload)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE pairing_sessions SET payload = $2, user_id = $3 WHERE id = $1`,
		id, raw, nullString(next.UserID))
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// Consume deletes the live session and returns it; two concurrent consumers cannot both win.
func (r *PostgresRepository) Consume(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`DELETE FROM pairing_sessions WHERE id = $1 AND expires_at > $2 RETURNING `+sessionColumns, id, r.nowF())
	return scanSession(row)
}

// Sweep deletes expired rows.
func (r *PostgresRepository) Sweep(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM pairing_sessions WHERE expires_at <= $1`, r.nowF())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s      domain.Session
		kind   string
		raw    []byte
		userID sql.NullString
	)
	if err := row.Scan(&s.ID, &kind, &raw, &userID, &s.CreatedAt, &s.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	s.Kind = domain.Kind(kind)
	p, err := domain.UnmarshalPayload(s.Kind, raw)
	if err != nil {
		return nil, err
	}
	s.Payload = p
	if userID.Valid {
		s.UserID = userID.String
	}
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
