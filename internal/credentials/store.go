// Package credentials persists and refreshes delegated access tokens.
//
// Each user has at most one credential record. Expired records are kept
// until a refresh succeeds, the user unlinks, or the daily sweep removes
// them; callers decide whether an expired record warrants re-auth.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agenticwork/awchat/pkg/models"
)

var (
	// ErrTokenMissing means no credential record exists for the user.
	ErrTokenMissing = errors.New("token missing")

	// ErrTokenExpiredNoRefresh means the record is expired and cannot be
	// refreshed (no refresh token, or a service principal).
	ErrTokenExpiredNoRefresh = errors.New("token expired and not refreshable")

	// ErrUpstreamRefresh means the identity provider rejected or failed the
	// refresh attempt.
	ErrUpstreamRefresh = errors.New("upstream refresh failed")
)

// Store persists credential records.
type Store interface {
	// Get returns the record for the user, or ErrTokenMissing.
	Get(ctx context.Context, userID string) (*models.Credential, error)

	// Put upserts the record for cred.UserID.
	Put(ctx context.Context, cred *models.Credential) error

	// Delete removes the record for the user. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, userID string) error

	// SweepExpired deletes records whose expiry is before the cutoff and
	// returns how many were removed.
	SweepExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore is the production credential store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*models.Credential, error) {
	if userID == "" {
		return nil, ErrTokenMissing
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, access_token, id_token, refresh_token, expires_at, scope, tenant_id, created_at, updated_at
		 FROM delegated_credentials WHERE user_id = $1`, userID)

	var cred models.Credential
	if err := row.Scan(
		&cred.UserID,
		&cred.AccessToken,
		&cred.IDToken,
		&cred.RefreshToken,
		&cred.ExpiresAt,
		&cred.Scope,
		&cred.TenantID,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenMissing
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &cred, nil
}

func (s *PostgresStore) Put(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.UserID == "" {
		return fmt.Errorf("credential with user id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delegated_credentials (user_id, access_token, id_token, refresh_token, expires_at, scope, tenant_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		 ON CONFLICT (user_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			id_token = EXCLUDED.id_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			tenant_id = EXCLUDED.tenant_id,
			updated_at = now()`,
		cred.UserID,
		cred.AccessToken,
		cred.IDToken,
		cred.RefreshToken,
		cred.ExpiresAt,
		cred.Scope,
		cred.TenantID,
	)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM delegated_credentials WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM delegated_credentials WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep credentials: %w", err)
	}
	return n, nil
}

// MemoryStore is an in-memory credential store for tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*models.Credential
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*models.Credential)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[userID]
	if !ok {
		return nil, ErrTokenMissing
	}
	clone := *cred
	return &clone, nil
}

func (s *MemoryStore) Put(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.UserID == "" {
		return fmt.Errorf("credential with user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *cred
	now := time.Now()
	if existing, ok := s.creds[cred.UserID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.creds[cred.UserID] = &clone
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, userID)
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for userID, cred := range s.creds {
		if cred.ExpiresAt.Before(cutoff) {
			delete(s.creds, userID)
			removed++
		}
	}
	return removed, nil
}
