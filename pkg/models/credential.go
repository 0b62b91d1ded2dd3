package models

import "time"

// ServicePrincipalSentinel marks credential records that authenticate as an
// application rather than a delegated user. Such records skip signature
// validation and are never refreshed.
const ServicePrincipalSentinel = "service_principal"

// Credential is a delegated token record, one per user.
type Credential struct {
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"-"`
	IDToken      string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token has passed its expiry at the
// given instant.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// IsServicePrincipal reports whether the record carries the sentinel
// refresh token for application identities.
func (c *Credential) IsServicePrincipal() bool {
	return c.RefreshToken == ServicePrincipalSentinel
}

// Refreshable reports whether a refresh can be attempted at all.
func (c *Credential) Refreshable() bool {
	return c.RefreshToken != "" && !c.IsServicePrincipal()
}
