package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"identity-pairing/backend/internal/identity/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an identity repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const identityColumns = `id, email, wallet_address, did_document, did_hash,
	credential_id, credential_public_key, sign_count, credential,
	password_salt, auth_method, encrypted_profile_blob, anchor_tx, anchor_status,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// GetByID returns the identity for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Identity, error) {
	return scanIdentity(r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id))
}

// GetByEmail returns the identity for email, or nil if not found.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	return scanIdentity(r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, email))
}

// GetByCredentialID returns the identity that enrolled credentialID, or nil if none did.
func (r *PostgresRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*domain.Identity, error) {
	if len(credentialID) == 0 {
		return nil, nil
	}
	return scanIdentity(r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE credential_id = $1`, credentialID))
}

// UpsertByEmail serializes writers for one email with a transaction-scoped advisory lock,
// which also covers the case where no row exists yet.
func (r *PostgresRepository) UpsertByEmail(ctx context.Context, email string, mutate func(*domain.Identity) error) (*domain.Identity, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, email); err != nil {
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	cur, err := scanIdentity(tx.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, email))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next := cur
	if next == nil {
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

	if cur == nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO identities (`+identityColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			next.ID, next.Email, nullString(next.WalletAddress), next.DIDDocument, nullString(next.DIDHash),
			nullBytes(next.CredentialID), next.CredentialPublicKey, int64(next.SignCount), next.Credential,
			nullString(next.PasswordSalt), string(next.AuthMethod), next.EncryptedProfileBlob,
			nullString(next.AnchorTx), string(next.AnchorStatus), next.CreatedAt, next.UpdatedAt)
	} else {
		// SetAnchor and UpdateSignCount write outside the email lock. Anchor columns are left
		// alone and a counter for the same credential never moves backwards.
		var (
			anchorTx     sql.NullString
			anchorStatus string
			signCount    int64
		)
		err = tx.QueryRowContext(ctx, `UPDATE identities SET
			wallet_address = $2, did_document = $3, did_hash = $4,
			credential_id = $5, credential_public_key = $6,
			sign_count = CASE WHEN credential_id IS NOT DISTINCT FROM $5 AND sign_count > $7 THEN sign_count ELSE $7 END,
			credential = CASE WHEN credential_id IS NOT DISTINCT FROM $5 AND sign_count > $7 THEN credential ELSE $8 END,
			password_salt = $9, auth_method = $10, encrypted_profile_blob = $11, updated_at = $12
			WHERE id = $1
			RETURNING anchor_tx, anchor_status, sign_count, credential`,
			next.ID, nullString(next.WalletAddress), next.DIDDocument, nullString(next.DIDHash),
			nullBytes(next.CredentialID), next.CredentialPublicKey, int64(next.SignCount), next.Credential,
			nullString(next.PasswordSalt), string(next.AuthMethod), next.EncryptedProfileBlob, next.UpdatedAt,
		).Scan(&anchorTx, &anchorStatus, &signCount, &next.Credential)
		if err == nil {
			next.AnchorTx = anchorTx.String
			next.AnchorStatus = domain.AnchorStatus(anchorStatus)
			next.SignCount = uint32(signCount)
		}
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "identities_credential_id_key" {
			return nil, ErrCredentialInUse
		}
		return nil, fmt.Errorf("upsert identity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// UpdateSignCount is a compare-and-set on sign_count.
func (r *PostgresRepository) UpdateSignCount(ctx context.Context, id string, counter uint32, credential []byte) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE identities
		SET sign_count = $2, credential = COALESCE($3, credential), updated_at = now()
		WHERE id = $1 AND sign_count < $2`, id, int64(counter), credential)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetAnchor records the ledger reference and status for the identity's DID hash.
func (r *PostgresRepository) SetAnchor(ctx context.Context, id, txRef string, status domain.AnchorStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE identities SET anchor_tx = $2, anchor_status = $3, updated_at = now() WHERE id = $1`,
		id, nullString(txRef), string(status))
	return err
}

func scanIdentity(row rowScanner) (*domain.Identity, error) {
	var (
		i                               domain.Identity
		wallet, didHash, salt, anchorTx sql.NullString
		authMethod, anchorStatus        string
		signCount                       int64
	)
	err := row.Scan(&i.ID, &i.Email, &wallet, &i.DIDDocument, &didHash,
		&i.CredentialID, &i.CredentialPublicKey, &signCount, &i.Credential,
		&salt, &authMethod, &i.EncryptedProfileBlob, &anchorTx, &anchorStatus,
		&i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	i.WalletAddress = wallet.String
	i.DIDHash = didHash.String
	i.PasswordSalt = salt.String
	i.AnchorTx = anchorTx.String
	i.AuthMethod = domain.AuthMethod(authMethod)
	i.AnchorStatus = domain.AnchorStatus(anchorStatus)
	i.SignCount = uint32(signCount)
	return &i, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
