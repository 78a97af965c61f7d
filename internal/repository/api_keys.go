package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyMeta contains non-sensitive metadata for an API key, suitable for
// listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// perform the bcrypt comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once; it cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if name == "" {
		name = "api-key-" + keyID[:8]
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash)); err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var key APIKeyMeta
		if err := rows.Scan(&key.ID, &key.Name, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at timestamp.
// Returns pgx.ErrNoRows (wrapped) if the key does not exist or is already
// revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("revoke api key: %w", pgx.ErrNoRows)
	}

	return nil
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
