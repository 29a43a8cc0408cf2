package models

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKey authenticates admin/storefront calls. Only the SHA256 hash is
// stored; the raw key is shown once at creation.
type APIKey struct {
	ID         int        `json:"id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type APIKeyStore struct {
	db *sql.DB
}

func NewAPIKeyStore(db *sql.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// GenerateAPIKey generates a new random API key.
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// HashAPIKey creates a SHA256 hash of the API key.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func (s *APIKeyStore) Create(ctx context.Context, name string) (string, *APIKey, error) {
	rawKey, err := GenerateAPIKey()
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to generate api key")
	}

	keyHash := HashAPIKey(rawKey)

	apiKey := &APIKey{}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (key_hash, name)
		VALUES (?, ?)
		RETURNING id, key_hash, name, created_at, last_used_at
	`, keyHash, name).Scan(
		&apiKey.ID,
		&apiKey.KeyHash,
		&apiKey.Name,
		&apiKey.CreatedAt,
		&apiKey.LastUsedAt,
	)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to insert api key")
	}

	return rawKey, apiKey, nil
}

// Validate looks up a raw key by its hash and touches last_used_at.
func (s *APIKeyStore) Validate(ctx context.Context, rawKey string) (*APIKey, error) {
	keyHash := HashAPIKey(rawKey)

	apiKey := &APIKey{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, name, created_at, last_used_at
		FROM api_keys
		WHERE key_hash = ?
	`, keyHash).Scan(
		&apiKey.ID,
		&apiKey.KeyHash,
		&apiKey.Name,
		&apiKey.CreatedAt,
		&apiKey.LastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up api key")
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?
	`, apiKey.ID); err != nil {
		return nil, errors.Wrap(err, "failed to update api key usage")
	}

	return apiKey, nil
}

func (s *APIKeyStore) List(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key_hash, name, created_at, last_used_at
		FROM api_keys
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list api keys")
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		apiKey := &APIKey{}
		if err := rows.Scan(
			&apiKey.ID,
			&apiKey.KeyHash,
			&apiKey.Name,
			&apiKey.CreatedAt,
			&apiKey.LastUsedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan api key")
		}
		keys = append(keys, apiKey)
	}

	return keys, rows.Err()
}

func (s *APIKeyStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete api key")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if rows == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}
