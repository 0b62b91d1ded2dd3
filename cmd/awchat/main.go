// Package main provides the CLI entry point for the awchat orchestration
// service.
//
// awchat is the chat core of the Agentic Work platform: it prepares
// per-tenant context from memory tiers and retrieval, routes prompt
// templates, runs tool-calling turns against an OpenAI-compatible model,
// and streams results over SSE.
//
// # Basic Usage
//
// Start the server:
//
//	awchat serve --config awchat.yaml
//
// Manage database migrations:
//
//	awchat migrate up
//	awchat migrate status
//
// Issue an API key:
//
//	awchat apikey create --email dev@example.com --name laptop
//
// # Environment Variables
//
//   - AWCHAT_CONFIG: Path to configuration file (default: awchat.yaml)
//   - DATABASE_URL: Postgres connection string (overrides database.url)
//   - OPENAI_API_KEY: API key for the completion and embedding endpoints
//   - BLOB_STORAGE_TYPE: Force a blob backend (s3, azure, gcs, local)
//   - VECTOR_BACKEND_ENDPOINT: Postgres DSN for the vector index
//   - IDENTITY_TENANT_ID: OAuth2 tenant for delegated credential refresh
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Load .env if present; absence is not an error.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "awchat",
		Short: "awchat - chat orchestration service",
		Long: `awchat runs multi-tenant assistant conversations: memory-tiered context
assembly, semantic prompt routing, tool-calling turns, and SSE streaming,
backed by Postgres and pgvector.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildAPIKeyCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the AWCHAT_CONFIG fallback when the flag kept
// its default.
func resolveConfigPath(flagValue string) string {
	if flagValue != defaultConfigPath {
		return flagValue
	}
	if env := os.Getenv("AWCHAT_CONFIG"); env != "" {
		return env
	}
	return flagValue
}
