// Package identity is the platform user directory.
//
// User records are provisioned by admins or on access-request approval
// and read on every key-authenticated request. Emails are normalized to
// lower case at this boundary so allowlist and lookup comparisons never
// depend on caller casing.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/pkg/models"
)

// Store resolves and persists user records.
type Store interface {
	// Get returns the user, or storage.ErrNotFound.
	Get(ctx context.Context, id string) (*models.User, error)

	// GetByEmail returns the user with the given email, case-insensitive,
	// or storage.ErrNotFound.
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// GroupsFor returns the group memberships for the user. Unknown
	// users have no groups, not an error.
	GroupsFor(ctx context.Context, userID string) ([]string, error)

	// Upsert creates or replaces the record for user.ID.
	Upsert(ctx context.Context, user *models.User) error
}

// PostgresStore is the production directory over the users table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, name, groups, is_admin, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *PostgresStore) GroupsFor(ctx context.Context, userID string) ([]string, error) {
	user, err := s.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user.Groups, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, user *models.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user with id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, groups, is_admin, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,now(),now())
		 ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			groups = EXCLUDED.groups,
			is_admin = EXCLUDED.is_admin,
			updated_at = now()`,
		user.ID,
		normalizeEmail(user.Email),
		strings.TrimSpace(user.Name),
		pq.Array(user.Groups),
		user.IsAdmin,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		pq.Array(&user.Groups),
		&user.IsAdmin,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryStore is an in-memory directory for tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryStore creates an empty in-memory directory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*models.User)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	email = normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.Email == email {
			clone := *user
			return &clone, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) GroupsFor(ctx context.Context, userID string) ([]string, error) {
	user, err := s.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user.Groups, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, user *models.User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *user
	clone.Email = normalizeEmail(user.Email)
	clone.Name = strings.TrimSpace(user.Name)
	now := time.Now()
	if existing, ok := s.users[user.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	s.users[user.ID] = &clone
	return nil
}
