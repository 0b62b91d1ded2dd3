package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/agenticwork/awchat/pkg/models"
)

// RefreshResult carries the token material returned by a refresh. An empty
// RefreshToken means the provider did not rotate it.
type RefreshResult struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges a refresh token for fresh token material.
type Refresher interface {
	Refresh(ctx context.Context, cred *models.Credential) (*RefreshResult, error)
}

// OAuth2Refresher refreshes against an OAuth2/OIDC token endpoint.
type OAuth2Refresher struct {
	config oauth2.Config
}

// NewOAuth2Refresher creates a refresher for the given client and token
// endpoint.
func NewOAuth2Refresher(clientID, clientSecret, tokenURL string, scopes []string) (*OAuth2Refresher, error) {
	if strings.TrimSpace(tokenURL) == "" {
		return nil, errors.New("token url is required")
	}
	return &OAuth2Refresher{
		config: oauth2.Config{
			ClientID:     strings.TrimSpace(clientID),
			ClientSecret: strings.TrimSpace(clientSecret),
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL: strings.TrimSpace(tokenURL),
			},
		},
	}, nil
}

// Refresh performs exactly one refresh-token grant. The seed token is
// marked already expired so the token source cannot return it as-is.
func (r *OAuth2Refresher) Refresh(ctx context.Context, cred *models.Credential) (*RefreshResult, error) {
	if cred == nil || cred.RefreshToken == "" {
		return nil, ErrTokenExpiredNoRefresh
	}

	seed := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}
	token, err := r.config.TokenSource(ctx, seed).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamRefresh, err)
	}

	result := &RefreshResult{
		AccessToken: token.AccessToken,
		ExpiresAt:   token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		result.IDToken = idToken
	}
	if token.RefreshToken != "" && token.RefreshToken != cred.RefreshToken {
		result.RefreshToken = token.RefreshToken
	}
	return result, nil
}
