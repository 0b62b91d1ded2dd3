package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "awchat.yaml"

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that starts the HTTP server.
// This is the primary command for running awchat in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the awchat server",
		Long: `Start the awchat orchestration server.

The server will:
1. Load configuration from the specified file (or awchat.yaml)
2. Connect to Postgres and the pgvector index
3. Initialize the blob backend, tool registry, and model provider
4. Start the background job watcher and scheduled maintenance
5. Serve the chat, session, and admin APIs over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  awchat serve

  # Start with custom config
  awchat serve --config /etc/awchat/production.yaml

  # Start with debug logging
  awchat serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage database migrations.

Migrations ensure your schema matches the version of awchat you are
running. They are applied in order based on their numeric prefix.`,
	}

	cmd.AddCommand(buildMigrateUpCmd())
	cmd.AddCommand(buildMigrateDownCmd())
	cmd.AddCommand(buildMigrateStatusCmd())

	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		Example: `  # Apply all pending migrations
  awchat migrate up

  # Apply only the next 2 migrations
  awchat migrate up --steps 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, resolveConfigPath(configPath), steps)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")

	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		Long: `Rollback the last N database migrations.

Use with caution in production! Rolling back migrations may cause data
loss if the migration removed columns or tables.`,
		Example: `  # Rollback the last migration
  awchat migrate down

  # Rollback the last 3 migrations
  awchat migrate down --steps 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, resolveConfigPath(configPath), steps)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")

	return cmd
}

// =============================================================================
// API Key Commands
// =============================================================================

// buildAPIKeyCmd creates the "apikey" command group.
func buildAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API key management",
	}

	cmd.AddCommand(buildAPIKeyCreateCmd())

	return cmd
}

func buildAPIKeyCreateCmd() *cobra.Command {
	var (
		configPath string
		email      string
		name       string
		tier       string
		system     bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for a user",
		Long: `Issue an API key for an existing user.

The plaintext key is printed once and cannot be recovered; only its hash
is stored. System keys and non-standard tiers are for service-to-service
callers.`,
		Example: `  # Standard key
  awchat apikey create --email dev@example.com --name laptop

  # Elevated system key
  awchat apikey create --email ops@example.com --name ingest --tier elevated --system`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPIKeyCreate(cmd, resolveConfigPath(configPath), email, name, tier, system)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	cmd.Flags().StringVar(&email, "email", "", "Email of the key's owner (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name for the key (required)")
	cmd.Flags().StringVar(&tier, "tier", "", "Rate-limit tier (default: standard)")
	cmd.Flags().BoolVar(&system, "system", false, "Issue a system key")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}
