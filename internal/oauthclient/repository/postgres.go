package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"identity-pairing/backend/internal/oauthclient/domain"
)

// PostgresRepository stores clients in the oauth_clients table. Redirect URIs are kept
// newline-separated in one text column.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an OAuth client repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the client for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Client, error) {
	var (
		c         domain.Client
		redirects string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, secret_hash, redirect_uris, created_at FROM oauth_clients WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.SecretHash, &redirects, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if redirects != "" {
		c.RedirectURIs = strings.Split(redirects, "\n")
	}
	return &c, nil
}

// Save inserts the client or replaces its name, secret and redirect URIs.
func (r *PostgresRepository) Save(ctx context.Context, c *domain.Client) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO oauth_clients (id, name, secret_hash, redirect_uris, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, secret_hash = EXCLUDED.secret_hash, redirect_uris = EXCLUDED.redirect_uris`,
		c.ID, c.Name, c.SecretHash, strings.Join(c.RedirectURIs, "\n"), c.CreatedAt)
	return err
}
