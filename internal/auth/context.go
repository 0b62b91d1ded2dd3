package auth

import (
	"context"

	"github.com/agenticwork/awchat/pkg/models"
)

type userContextKey struct{}

type keyContextKey struct{}

// WithUser attaches the authenticated caller to the context.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext retrieves the authenticated caller.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*models.User)
	return user, ok
}

// WithAPIKey attaches the verified API key to the context.
func WithAPIKey(ctx context.Context, key *APIKey) context.Context {
	if key == nil {
		return ctx
	}
	return context.WithValue(ctx, keyContextKey{}, key)
}

// APIKeyFromContext retrieves the verified API key, absent for
// bearer-token callers.
func APIKeyFromContext(ctx context.Context) (*APIKey, bool) {
	key, ok := ctx.Value(keyContextKey{}).(*APIKey)
	return key, ok
}
