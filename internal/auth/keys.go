package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// API key shape: a fixed prefix plus 32 hex characters of entropy. The
// prefix column stores the leading characters shown in listings and used
// to narrow verification to a handful of bcrypt comparisons.
const (
	UserKeyPrefix   = "awc_"
	SystemKeyPrefix = "awc_system_"

	keySecretHexLen = 32
	keyLookupLen    = 8
)

// APIKey is a stored key record. The bcrypt hash never leaves the
// package and the plaintext exists only in the create response.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name,omitempty"`
	Prefix     string     `json:"prefix"`
	IsSystem   bool       `json:"is_system"`
	Tier       string     `json:"tier"`
	PerMinute  int        `json:"per_minute,omitempty"`
	PerHour    int        `json:"per_hour,omitempty"`
	Burst      int        `json:"burst,omitempty"`
	Active     bool       `json:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`

	hash string
}

// KeyStore persists API key records.
type KeyStore interface {
	// Insert stores a new key record, hash included.
	Insert(ctx context.Context, key *APIKey) error

	// FindByPrefix returns every record sharing the display prefix,
	// active or not.
	FindByPrefix(ctx context.Context, prefix string) ([]*APIKey, error)

	// ListByUser returns the user's keys, newest first.
	ListByUser(ctx context.Context, userID string) ([]*APIKey, error)

	// Delete removes the user's key, or storage.ErrNotFound when the id
	// does not exist or belongs to someone else.
	Delete(ctx context.Context, userID, id string) error

	// TouchLastUsed records a successful verification.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// newKeyPlaintext mints a key and its display prefix.
func newKeyPlaintext(system bool) (plaintext, prefix string, err error) {
	buf := make([]byte, keySecretHexLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	secret := hex.EncodeToString(buf)

	lead := UserKeyPrefix
	if system {
		lead = SystemKeyPrefix
	}
	return lead + secret, lead + secret[:keyLookupLen], nil
}

// lookupPrefix maps a presented key to its display prefix, rejecting
// anything that is not prefix + 32 hex characters.
func lookupPrefix(raw string) (string, bool) {
	lead := UserKeyPrefix
	if strings.HasPrefix(raw, SystemKeyPrefix) {
		lead = SystemKeyPrefix
	} else if !strings.HasPrefix(raw, UserKeyPrefix) {
		return "", false
	}

	secret := raw[len(lead):]
	if len(secret) != keySecretHexLen {
		return "", false
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return "", false
	}
	return lead + secret[:keyLookupLen], true
}

func cloneKey(key *APIKey) *APIKey {
	clone := *key
	if key.LastUsedAt != nil {
		at := *key.LastUsedAt
		clone.LastUsedAt = &at
	}
	return &clone
}
