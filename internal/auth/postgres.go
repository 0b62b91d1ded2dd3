package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agenticwork/awchat/internal/storage"
)

// PostgresKeyStore is the production key store over api_keys.
type PostgresKeyStore struct {
	db *sql.DB
}

// NewPostgresKeyStore creates a store backed by the given db.
func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

const keyColumns = `id, user_id, name, prefix, key_hash, is_system, tier, per_minute, per_hour, burst, active, last_used_at, created_at`

func (s *PostgresKeyStore) Insert(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, user_id, name, prefix, key_hash, is_system, tier, per_minute, per_hour, burst, active, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		key.ID,
		key.UserID,
		key.Name,
		key.Prefix,
		key.hash,
		key.IsSystem,
		key.Tier,
		key.PerMinute,
		key.PerHour,
		key.Burst,
		key.Active,
		key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) FindByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE prefix = $1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("find api keys: %w", err)
	}
	defer rows.Close()
	return scanKeys(rows)
}

func (s *PostgresKeyStore) ListByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanKeys(rows)
}

func (s *PostgresKeyStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("delete api key %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *PostgresKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func scanKeys(rows *sql.Rows) ([]*APIKey, error) {
	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan api keys: %w", err)
	}
	return keys, nil
}

func scanKey(rows *sql.Rows) (*APIKey, error) {
	var (
		key      APIKey
		lastUsed sql.NullTime
	)
	if err := rows.Scan(
		&key.ID,
		&key.UserID,
		&key.Name,
		&key.Prefix,
		&key.hash,
		&key.IsSystem,
		&key.Tier,
		&key.PerMinute,
		&key.PerHour,
		&key.Burst,
		&key.Active,
		&lastUsed,
		&key.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	if lastUsed.Valid {
		at := lastUsed.Time
		key.LastUsedAt = &at
	}
	return &key, nil
}

