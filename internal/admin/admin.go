// Package admin is the control plane for runtime configuration: role-to-model
// assignments, routing thresholds, slider overrides, access requests, and the
// allowed-user and allowed-domain lists.
//
// Every operation on the Service demands an admin actor except the two that
// exist for the login flow: RequestAccess and IsAllowed. Mutations emit an
// audit entry and publish a cache invalidation before returning, so consumer
// caches never serve a value older than the write that displaced it plus
// their TTL.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenticwork/awchat/internal/audit"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/storage"
	"github.com/agenticwork/awchat/pkg/models"
)

var (
	// ErrAdminRequired is returned when the acting user lacks the admin flag.
	ErrAdminRequired = errors.New("admin required")

	// ErrAlreadyDecided is returned when deciding an access request that is
	// no longer pending.
	ErrAlreadyDecided = errors.New("access request already decided")

	// ErrAlreadyAllowed is returned when filing an access request for an
	// email that the allowlists already admit.
	ErrAlreadyAllowed = errors.New("email already allowed")

	// ErrInvalidInput flags malformed arguments: emails without an "@",
	// domains with one, blank config keys, or non-JSON config values.
	ErrInvalidInput = errors.New("invalid input")
)

// RequestStatus is the lifecycle state of an access request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
)

// ConfigEntry is one runtime configuration value. Values are opaque JSON;
// well-known keys are read through ConfigReader accessors.
type ConfigEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedBy string          `json:"updated_by,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AccessRequest is a pending or decided request for platform access.
type AccessRequest struct {
	ID        string        `json:"id"`
	Email     string        `json:"email"`
	Reason    string        `json:"reason,omitempty"`
	Status    RequestStatus `json:"status"`
	DecidedBy string        `json:"decided_by,omitempty"`
	DecidedAt *time.Time    `json:"decided_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// AllowlistEntry is one allowed email or domain.
type AllowlistEntry struct {
	Value     string    `json:"value"`
	AddedBy   string    `json:"added_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Well-known runtime configuration keys.
const (
	// KeyModelRoles maps group names to model identifiers:
	// {"analyst": "gpt-4o", "*": "gpt-4o-mini"}.
	KeyModelRoles = "model_roles"

	// KeyRoutingThresholds overrides template-routing thresholds:
	// {"score_threshold": 0.5}.
	KeyRoutingThresholds = "routing_thresholds"

	// KeySliderOverrides overrides generation sliders:
	// {"temperature": 0.4, "top_p": 0.9}.
	KeySliderOverrides = "slider_overrides"
)

// Service exposes the control-plane operations.
type Service struct {
	store  Store
	bus    *Bus
	audit  *audit.Logger
	logger *observability.Logger
}

// NewService creates the control plane over the given store. The bus carries
// invalidations to consumer caches; auditor may be nil in tests.
func NewService(store Store, bus *Bus, auditor *audit.Logger, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if bus == nil {
		bus = NewBus()
	}
	return &Service{
		store:  store,
		bus:    bus,
		audit:  auditor,
		logger: logger,
	}
}

// Bus returns the invalidation bus consumer caches subscribe to.
func (s *Service) Bus() *Bus {
	return s.bus
}

// GetConfig reads one runtime configuration entry.
func (s *Service) GetConfig(ctx context.Context, actor *models.User, key string) (*ConfigEntry, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.store.GetConfig(ctx, key)
}

// ListConfig returns all runtime configuration entries.
func (s *Service) ListConfig(ctx context.Context, actor *models.User) ([]ConfigEntry, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.store.ListConfig(ctx)
}

// SetConfig upserts one runtime configuration entry. The invalidation is
// published before SetConfig returns.
func (s *Service) SetConfig(ctx context.Context, actor *models.User, key string, value json.RawMessage) (*ConfigEntry, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: config key is required", ErrInvalidInput)
	}
	if !json.Valid(value) {
		return nil, fmt.Errorf("%w: config value for %s is not valid JSON", ErrInvalidInput, key)
	}

	entry := &ConfigEntry{
		Key:       key,
		Value:     value,
		UpdatedBy: actor.ID,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.SetConfig(ctx, entry); err != nil {
		return nil, err
	}

	s.bus.Publish(key)
	s.audit.LogConfigUpdated(ctx, actor.ID, key, value)
	s.logger.Info(ctx, "runtime config updated", "key", key, "updated_by", actor.ID)
	return entry, nil
}

// RequestAccess files an access request for an email. Callers need no admin
// flag; the login flow records a request when a non-allowed user signs in.
// A pending request per email is kept unique, and already-allowed emails are
// rejected with ErrAlreadyAllowed.
func (s *Service) RequestAccess(ctx context.Context, email, reason string) (*AccessRequest, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}

	allowed, err := s.IsAllowed(ctx, email)
	if err != nil {
		return nil, err
	}
	if allowed {
		return nil, ErrAlreadyAllowed
	}

	existing, err := s.store.FindPendingRequest(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	req := &AccessRequest{
		ID:        uuid.NewString(),
		Email:     email,
		Reason:    strings.TrimSpace(reason),
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAccessRequest(ctx, req); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "access requested", "email", email)
	return req, nil
}

// ListAccessRequests returns access requests, optionally filtered by status.
func (s *Service) ListAccessRequests(ctx context.Context, actor *models.User, status RequestStatus) ([]AccessRequest, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.store.ListAccessRequests(ctx, status)
}

// DecideAccessRequest approves or denies a pending request. Approval also
// adds the email to the allowed-user list.
func (s *Service) DecideAccessRequest(ctx context.Context, actor *models.User, id string, approve bool) (*AccessRequest, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	status := StatusDenied
	if approve {
		status = StatusApproved
	}
	req, err := s.store.DecideAccessRequest(ctx, id, status, actor.ID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if approve {
		if err := s.store.AddAllowedUser(ctx, req.Email, actor.ID); err != nil {
			return nil, fmt.Errorf("allowlist approved email: %w", err)
		}
	}

	s.audit.LogAccessDecision(ctx, actor.ID, req.ID, req.Email, approve)
	s.logger.Info(ctx, "access request decided",
		"request_id", req.ID, "approved", approve)
	return req, nil
}

// AllowedUsers lists the allowed-user entries.
func (s *Service) AllowedUsers(ctx context.Context, actor *models.User) ([]AllowlistEntry, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.store.ListAllowedUsers(ctx)
}

// AllowedDomains lists the allowed-domain entries.
func (s *Service) AllowedDomains(ctx context.Context, actor *models.User) ([]AllowlistEntry, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.store.ListAllowedDomains(ctx)
}

// AllowUser adds an email to the allowed-user list. Adding an existing entry
// is a no-op.
func (s *Service) AllowUser(ctx context.Context, actor *models.User, email string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if err := s.store.AddAllowedUser(ctx, email, actor.ID); err != nil {
		return err
	}
	s.audit.LogAllowlistChange(ctx, actor.ID, "user", email, true)
	return nil
}

// DisallowUser removes an email from the allowed-user list.
func (s *Service) DisallowUser(ctx context.Context, actor *models.User, email string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	email = normalizeEmail(email)
	if err := s.store.RemoveAllowedUser(ctx, email); err != nil {
		return err
	}
	s.audit.LogAllowlistChange(ctx, actor.ID, "user", email, false)
	return nil
}

// AllowDomain adds a domain to the allowed-domain list. Adding an existing
// entry is a no-op.
func (s *Service) AllowDomain(ctx context.Context, actor *models.User, domain string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	domain = normalizeDomain(domain)
	if domain == "" || strings.Contains(domain, "@") {
		return fmt.Errorf("%w: a valid domain is required", ErrInvalidInput)
	}
	if err := s.store.AddAllowedDomain(ctx, domain, actor.ID); err != nil {
		return err
	}
	s.audit.LogAllowlistChange(ctx, actor.ID, "domain", domain, true)
	return nil
}

// DisallowDomain removes a domain from the allowed-domain list.
func (s *Service) DisallowDomain(ctx context.Context, actor *models.User, domain string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	domain = normalizeDomain(domain)
	if err := s.store.RemoveAllowedDomain(ctx, domain); err != nil {
		return err
	}
	s.audit.LogAllowlistChange(ctx, actor.ID, "domain", domain, false)
	return nil
}

// IsAllowed reports whether an email passes the allowlists, either as an
// exact allowed user or by domain suffix.
func (s *Service) IsAllowed(ctx context.Context, email string) (bool, error) {
	email = normalizeEmail(email)
	if email == "" {
		return false, nil
	}
	allowed, err := s.store.AllowedUserExists(ctx, email)
	if err != nil {
		return false, err
	}
	if allowed {
		return true, nil
	}
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return false, nil
	}
	return s.store.AllowedDomainExists(ctx, email[at+1:])
}

func requireAdmin(actor *models.User) error {
	if actor == nil || !actor.IsAdmin {
		return ErrAdminRequired
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(domain, "@")))
}
