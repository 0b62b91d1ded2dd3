package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/agenticwork/awchat/internal/infra"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/pkg/models"
)

// Manager wraps a Store with transparent refresh. Concurrent refreshes for
// the same user collapse into one upstream call.
type Manager struct {
	store     Store
	refresher Refresher
	logger    *observability.Logger
	metrics   *observability.Metrics
	flight    infra.Group[string, *models.Credential]
	now       func() time.Time
}

// NewManager creates a credential manager. refresher may be nil when no
// identity provider is configured; GetOrRefresh then reports expired
// records as not refreshable.
func NewManager(store Store, refresher Refresher, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		store:     store,
		refresher: refresher,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Get returns the stored record and whether it is expired. It never
// refreshes.
func (m *Manager) Get(ctx context.Context, userID string) (*models.Credential, bool, error) {
	cred, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return cred, cred.Expired(m.now()), nil
}

// GetOrRefresh returns a non-expired credential, refreshing at most once
// when the stored record is expired and refreshable. On refresh failure
// the expired record stays in place and ErrUpstreamRefresh is returned.
func (m *Manager) GetOrRefresh(ctx context.Context, userID string) (*models.Credential, error) {
	cred, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cred.Expired(m.now()) {
		return cred, nil
	}
	if !cred.Refreshable() || m.refresher == nil {
		return nil, ErrTokenExpiredNoRefresh
	}

	refreshed, err, shared := m.flight.Do(userID, func() (*models.Credential, error) {
		return m.refresh(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.Debug(ctx, "credential refresh coalesced", "user_id", userID)
	}
	return refreshed, nil
}

// refresh re-reads the record (another flight may have just renewed it),
// performs one upstream refresh, and persists the result.
func (m *Manager) refresh(ctx context.Context, userID string) (*models.Credential, error) {
	cred, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !cred.Expired(m.now()) {
		return cred, nil
	}

	result, err := m.refresher.Refresh(ctx, cred)
	if err != nil {
		m.metrics.RecordCredentialRefresh("error")
		m.logger.Warn(ctx, "credential refresh failed", "user_id", userID, "error", err)
		if errors.Is(err, ErrUpstreamRefresh) || errors.Is(err, ErrTokenExpiredNoRefresh) {
			return nil, err
		}
		return nil, errors.Join(ErrUpstreamRefresh, err)
	}

	updated := *cred
	updated.AccessToken = result.AccessToken
	updated.ExpiresAt = result.ExpiresAt
	if result.IDToken != "" {
		updated.IDToken = result.IDToken
	}
	// Keep the old refresh token unless the provider rotated it.
	if result.RefreshToken != "" {
		updated.RefreshToken = result.RefreshToken
	}

	if err := m.store.Put(ctx, &updated); err != nil {
		m.metrics.RecordCredentialRefresh("error")
		return nil, err
	}

	m.metrics.RecordCredentialRefresh("success")
	m.logger.Info(ctx, "credential refreshed", "user_id", userID, "expires_at", updated.ExpiresAt)
	return &updated, nil
}

// Store upserts token material for a user.
func (m *Manager) Store(ctx context.Context, userID, accessToken, idToken, refreshToken string, expiresAt time.Time, scope, tenantID string) error {
	return m.store.Put(ctx, &models.Credential{
		UserID:       userID,
		AccessToken:  accessToken,
		IDToken:      idToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		Scope:        scope,
		TenantID:     tenantID,
	})
}

// Delete unlinks the user's credential.
func (m *Manager) Delete(ctx context.Context, userID string) error {
	return m.store.Delete(ctx, userID)
}

// SweepExpired removes records expired for longer than olderThan.
func (m *Manager) SweepExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := m.now().Add(-olderThan)
	removed, err := m.store.SweepExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Info(ctx, "swept expired credentials", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
