package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rookery-ai/rookery/internal/model"
)

const apiKeyColumns = `id, prefix, key_hash, label, role, created_at, last_used_at, expires_at, revoked_at`

// CreateAPIKey inserts a new operator API key.
func (db *DB) CreateAPIKey(ctx context.Context, key model.APIKey) (model.APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.Prefix, key.KeyHash, key.Label, string(key.Role),
		key.CreatedAt, key.LastUsedAt, key.ExpiresAt, key.RevokedAt,
	)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// GetActiveAPIKeysByPrefix returns all active (not revoked, not expired)
// keys with the given prefix. The prefix pre-filter keeps Argon2
// verification to a handful of candidates.
func (db *DB) GetActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+apiKeyColumns+`
		 FROM api_keys
		 WHERE prefix = $1
		   AND revoked_at IS NULL
		   AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY created_at ASC`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get api keys by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// GetAPIKeyByID retrieves a single API key by its UUID.
func (db *DB) GetAPIKeyByID(ctx context.Context, keyID uuid.UUID) (model.APIKey, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, keyID)
	key, err := scanAPIKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.APIKey{}, fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
		}
		return model.APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys returns all keys, newest first, including revoked ones so
// operators can audit credential history.
func (db *DB) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// RevokeAPIKey stamps revoked_at. Idempotent: revoking an already
// revoked key keeps the original timestamp.
func (db *DB) RevokeAPIKey(ctx context.Context, keyID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = COALESCE(revoked_at, now()) WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
	}
	return nil
}

// TouchAPIKeyLastUsed updates last_used_at to now(). Fire-and-forget;
// callers should not block on the result.
func (db *DB) TouchAPIKeyLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("storage: touch api key last_used: %w", err)
	}
	return nil
}

func scanAPIKey(row pgx.Row) (model.APIKey, error) {
	var k model.APIKey
	var role string
	err := row.Scan(&k.ID, &k.Prefix, &k.KeyHash, &k.Label, &role,
		&k.CreatedAt, &k.LastUsedAt, &k.ExpiresAt, &k.RevokedAt)
	if err != nil {
		return model.APIKey{}, err
	}
	k.Role = model.OperatorRole(role)
	return k, nil
}

func scanAPIKeys(rows pgx.Rows) ([]model.APIKey, error) {
	var keys []model.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
