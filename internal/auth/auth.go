// Package auth authenticates platform callers.
//
// Two credential shapes are accepted: HS256 bearer tokens for
// interactive users, and awc_/awc_system_ API keys for integrations
// and service principals. Keys are bcrypt-hashed at rest and carry a
// rate tier plus optional per-key throughput overrides.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/ratelimit"
	"github.com/agenticwork/awchat/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
	ErrKeyDisabled  = errors.New("api key deactivated")
)

// UserSource resolves stored user records, used to hydrate
// key-authenticated callers with their directory entry.
type UserSource interface {
	Get(ctx context.Context, id string) (*models.User, error)
}

// Service validates bearer tokens and API keys and owns the key
// issue/list/delete surface.
type Service struct {
	jwt    *JWTService
	keys   KeyStore
	users  UserSource
	tiers  map[string]ratelimit.Tier
	logger *observability.Logger
}

// NewService constructs the auth service. users may be nil, in which
// case key-authenticated callers carry only their user id.
func NewService(cfg config.AuthConfig, keys KeyStore, users UserSource, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Service{
		keys:   keys,
		users:  users,
		tiers:  make(map[string]ratelimit.Tier, len(cfg.RateTiers)),
		logger: logger,
	}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		s.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	for name, tier := range cfg.RateTiers {
		s.tiers[name] = ratelimit.Tier{
			Name:      name,
			PerMinute: tier.PerMinute,
			PerHour:   tier.PerHour,
			Burst:     tier.Burst,
		}
	}
	return s
}

// IssueToken signs a bearer token for the given user.
func (s *Service) IssueToken(user *models.User) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(user)
}

// ValidateToken verifies a bearer token and returns the caller it
// encodes.
func (s *Service) ValidateToken(token string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// VerifyKey checks a presented API key against the stored hashes and
// returns the matching record. Deactivated keys are refused with
// ErrKeyDisabled; everything else that fails to match is ErrInvalidKey.
func (s *Service) VerifyKey(ctx context.Context, raw string) (*APIKey, error) {
	if s == nil || s.keys == nil {
		return nil, ErrAuthDisabled
	}
	raw = strings.TrimSpace(raw)
	prefix, ok := lookupPrefix(raw)
	if !ok {
		return nil, ErrInvalidKey
	}

	candidates, err := s.keys.FindByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("look up api key: %w", err)
	}
	for _, key := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(key.hash), []byte(raw)) != nil {
			continue
		}
		if !key.Active {
			return nil, ErrKeyDisabled
		}
		if err := s.keys.TouchLastUsed(ctx, key.ID, time.Now().UTC()); err != nil {
			s.logger.Warn(ctx, "api key last-used update failed", "key_id", key.ID, "error", err)
		}
		return key, nil
	}
	return nil, ErrInvalidKey
}

// KeyOptions configure a new API key. Zero values mean a standard-tier
// user key with no throughput overrides.
type KeyOptions struct {
	System    bool
	Tier      string
	PerMinute int
	PerHour   int
	Burst     int
}

// CreateKey mints a key for the user and stores its hash. The returned
// plaintext is shown once and cannot be recovered.
func (s *Service) CreateKey(ctx context.Context, userID, name string, opts KeyOptions) (*APIKey, string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, "", errors.New("user id required")
	}
	plaintext, prefix, err := newKeyPlaintext(opts.System)
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}

	tier := strings.TrimSpace(opts.Tier)
	if tier == "" {
		tier = ratelimit.StandardTier().Name
	}
	key := &APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		Prefix:    prefix,
		IsSystem:  opts.System,
		Tier:      tier,
		PerMinute: opts.PerMinute,
		PerHour:   opts.PerHour,
		Burst:     opts.Burst,
		Active:    true,
		CreatedAt: time.Now().UTC(),
		hash:      string(hash),
	}
	if err := s.keys.Insert(ctx, key); err != nil {
		return nil, "", fmt.Errorf("store api key: %w", err)
	}
	s.logger.Info(ctx, "api key issued",
		"key_id", key.ID,
		"user_id", userID,
		"tier", tier,
		"system", opts.System,
	)
	return key, plaintext, nil
}

// ListKeys returns the user's keys, newest first.
func (s *Service) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return s.keys.ListByUser(ctx, userID)
}

// DeleteKey removes one of the user's keys.
func (s *Service) DeleteKey(ctx context.Context, userID, id string) error {
	if err := s.keys.Delete(ctx, userID, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "api key deleted", "key_id", id, "user_id", userID)
	return nil
}

// TierFor resolves the rate tier for a key, applying per-key overrides
// on top of the configured tier. A nil key (bearer-token callers) gets
// the standard tier.
func (s *Service) TierFor(key *APIKey) ratelimit.Tier {
	if key == nil {
		return s.tierNamed(ratelimit.StandardTier().Name)
	}
	tier := s.tierNamed(key.Tier)
	if key.PerMinute > 0 {
		tier.PerMinute = key.PerMinute
	}
	if key.PerHour > 0 {
		tier.PerHour = key.PerHour
	}
	if key.Burst > 0 {
		tier.Burst = key.Burst
	}
	return tier
}

func (s *Service) tierNamed(name string) ratelimit.Tier {
	if tier, ok := s.tiers[name]; ok {
		return tier
	}
	return ratelimit.StandardTier()
}
