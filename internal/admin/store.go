package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agenticwork/awchat/internal/storage"
)

// Store persists the control-plane tables.
type Store interface {
	// GetConfig returns one runtime config entry, or storage.ErrNotFound.
	GetConfig(ctx context.Context, key string) (*ConfigEntry, error)

	// SetConfig upserts a runtime config entry.
	SetConfig(ctx context.Context, entry *ConfigEntry) error

	// ListConfig returns all runtime config entries ordered by key.
	ListConfig(ctx context.Context) ([]ConfigEntry, error)

	// CreateAccessRequest inserts a new access request.
	CreateAccessRequest(ctx context.Context, req *AccessRequest) error

	// GetAccessRequest returns one request, or storage.ErrNotFound.
	GetAccessRequest(ctx context.Context, id string) (*AccessRequest, error)

	// FindPendingRequest returns the pending request for an email, or
	// storage.ErrNotFound.
	FindPendingRequest(ctx context.Context, email string) (*AccessRequest, error)

	// ListAccessRequests returns requests newest first, filtered by status
	// when status is non-empty.
	ListAccessRequests(ctx context.Context, status RequestStatus) ([]AccessRequest, error)

	// DecideAccessRequest transitions a pending request and returns the
	// decided row. A missing id yields storage.ErrNotFound; a request that
	// is no longer pending yields ErrAlreadyDecided.
	DecideAccessRequest(ctx context.Context, id string, status RequestStatus, decidedBy string, decidedAt time.Time) (*AccessRequest, error)

	// AddAllowedUser adds an email to the allowed-user list; adding an
	// existing email is a no-op.
	AddAllowedUser(ctx context.Context, email, addedBy string) error

	// RemoveAllowedUser deletes an entry, or storage.ErrNotFound.
	RemoveAllowedUser(ctx context.Context, email string) error

	// ListAllowedUsers returns the allowed-user entries ordered by value.
	ListAllowedUsers(ctx context.Context) ([]AllowlistEntry, error)

	// AllowedUserExists reports whether the email is explicitly allowed.
	AllowedUserExists(ctx context.Context, email string) (bool, error)

	// AddAllowedDomain adds a domain; adding an existing domain is a no-op.
	AddAllowedDomain(ctx context.Context, domain, addedBy string) error

	// RemoveAllowedDomain deletes an entry, or storage.ErrNotFound.
	RemoveAllowedDomain(ctx context.Context, domain string) error

	// ListAllowedDomains returns the allowed-domain entries ordered by value.
	ListAllowedDomains(ctx context.Context) ([]AllowlistEntry, error)

	// AllowedDomainExists reports whether the domain is allowed.
	AllowedDomainExists(ctx context.Context, domain string) (bool, error)
}

// PostgresStore is the production control-plane store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const accessRequestColumns = `id, email, reason, status, decided_by, decided_at, created_at`

func (s *PostgresStore) GetConfig(ctx context.Context, key string) (*ConfigEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, value, updated_by, updated_at
		FROM runtime_config
		WHERE key = $1`, key)

	entry, err := scanConfigEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("runtime config %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get runtime config: %w", err)
	}
	return &entry, nil
}

func (s *PostgresStore) SetConfig(ctx context.Context, entry *ConfigEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtime_config (key, value, updated_by, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		entry.Key, []byte(entry.Value), entry.UpdatedBy, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("set runtime config: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListConfig(ctx context.Context) ([]ConfigEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, updated_by, updated_at
		FROM runtime_config
		ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list runtime config: %w", err)
	}
	defer rows.Close()

	var entries []ConfigEntry
	for rows.Next() {
		entry, err := scanConfigEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan runtime config: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runtime config: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) CreateAccessRequest(ctx context.Context, req *AccessRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_requests (id, email, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		req.ID, req.Email, req.Reason, string(req.Status), req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create access request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccessRequest(ctx context.Context, id string) (*AccessRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accessRequestColumns+`
		FROM access_requests
		WHERE id = $1`, id)
	req, err := scanAccessRequest(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("access request %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get access request: %w", err)
	}
	return &req, nil
}

func (s *PostgresStore) FindPendingRequest(ctx context.Context, email string) (*AccessRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accessRequestColumns+`
		FROM access_requests
		WHERE email = $1 AND status = 'pending'
		ORDER BY created_at
		LIMIT 1`, email)
	req, err := scanAccessRequest(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pending access request for %s: %w", email, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find pending access request: %w", err)
	}
	return &req, nil
}

func (s *PostgresStore) ListAccessRequests(ctx context.Context, status RequestStatus) ([]AccessRequest, error) {
	query := `
		SELECT ` + accessRequestColumns + `
		FROM access_requests`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list access requests: %w", err)
	}
	defer rows.Close()

	var reqs []AccessRequest
	for rows.Next() {
		req, err := scanAccessRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan access request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list access requests: %w", err)
	}
	return reqs, nil
}

func (s *PostgresStore) DecideAccessRequest(ctx context.Context, id string, status RequestStatus, decidedBy string, decidedAt time.Time) (*AccessRequest, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE access_requests
		SET status = $2, decided_by = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'`,
		id, string(status), decidedBy, decidedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("decide access request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("decide access request: %w", err)
	}
	if affected == 0 {
		// Missing row and already-decided row are different failures.
		if _, err := s.GetAccessRequest(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("decide access request %s: %w", id, ErrAlreadyDecided)
	}
	return s.GetAccessRequest(ctx, id)
}

func (s *PostgresStore) AddAllowedUser(ctx context.Context, email, addedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allowed_users (email, added_by, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO NOTHING`,
		email, addedBy, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add allowed user: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveAllowedUser(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM allowed_users WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("remove allowed user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove allowed user: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("allowed user %s: %w", email, storage.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListAllowedUsers(ctx context.Context) ([]AllowlistEntry, error) {
	return s.listAllowlist(ctx, `
		SELECT email, added_by, created_at
		FROM allowed_users
		ORDER BY email`)
}

func (s *PostgresStore) AllowedUserExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM allowed_users WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check allowed user: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) AddAllowedDomain(ctx context.Context, domain, addedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allowed_domains (domain, added_by, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (domain) DO NOTHING`,
		domain, addedBy, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add allowed domain: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveAllowedDomain(ctx context.Context, domain string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM allowed_domains WHERE domain = $1`, domain)
	if err != nil {
		return fmt.Errorf("remove allowed domain: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove allowed domain: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("allowed domain %s: %w", domain, storage.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListAllowedDomains(ctx context.Context) ([]AllowlistEntry, error) {
	return s.listAllowlist(ctx, `
		SELECT domain, added_by, created_at
		FROM allowed_domains
		ORDER BY domain`)
}

func (s *PostgresStore) AllowedDomainExists(ctx context.Context, domain string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM allowed_domains WHERE domain = $1)`, domain).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check allowed domain: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) listAllowlist(ctx context.Context, query string) ([]AllowlistEntry, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list allowlist: %w", err)
	}
	defer rows.Close()

	var entries []AllowlistEntry
	for rows.Next() {
		var entry AllowlistEntry
		if err := rows.Scan(&entry.Value, &entry.AddedBy, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan allowlist entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list allowlist: %w", err)
	}
	return entries, nil
}

func scanConfigEntry(scan func(dest ...any) error) (ConfigEntry, error) {
	var (
		entry ConfigEntry
		value []byte
	)
	if err := scan(&entry.Key, &value, &entry.UpdatedBy, &entry.UpdatedAt); err != nil {
		return ConfigEntry{}, err
	}
	entry.Value = value
	return entry, nil
}

func scanAccessRequest(scan func(dest ...any) error) (AccessRequest, error) {
	var (
		req       AccessRequest
		status    string
		decidedAt sql.NullTime
	)
	err := scan(&req.ID, &req.Email, &req.Reason, &status,
		&req.DecidedBy, &decidedAt, &req.CreatedAt)
	if err != nil {
		return AccessRequest{}, err
	}
	req.Status = RequestStatus(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return req, nil
}
