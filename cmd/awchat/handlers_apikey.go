package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agenticwork/awchat/internal/auth"
	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/identity"
	"github.com/agenticwork/awchat/internal/observability"
	"github.com/agenticwork/awchat/internal/storage"
)

// =============================================================================
// API Key Command Handlers
// =============================================================================

// runAPIKeyCreate issues a key for the user with the given email and
// prints the plaintext exactly once.
func runAPIKeyCreate(cmd *cobra.Command, configPath, email, name, tier string, system bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db, err := storage.Open(cfg.Database.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	users := identity.NewPostgresStore(db)
	user, err := users.GetByEmail(cmd.Context(), email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no user with email %q", email)
		}
		return fmt.Errorf("look up user: %w", err)
	}

	svc := auth.NewService(cfg.Auth, auth.NewPostgresKeyStore(db), users, observability.NewNopLogger())
	key, plaintext, err := svc.CreateKey(cmd.Context(), user.ID, name, auth.KeyOptions{
		System: system,
		Tier:   tier,
	})
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "API key created")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  ID:    %s\n", key.ID)
	fmt.Fprintf(out, "  Name:  %s\n", key.Name)
	fmt.Fprintf(out, "  Tier:  %s\n", key.Tier)
	fmt.Fprintf(out, "  User:  %s (%s)\n", user.Email, user.ID)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Key:   %s\n", plaintext)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Store this key now - it cannot be shown again.")
	return nil
}
