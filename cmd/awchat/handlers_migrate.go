package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenticwork/awchat/internal/config"
	"github.com/agenticwork/awchat/internal/storage"
)

// =============================================================================
// Migration Command Handlers
// =============================================================================

// openMigrationDB loads the config and opens a database handle for
// migration commands.
func openMigrationDB(configPath string) (*sql.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := storage.Open(cfg.Database.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, configPath string, steps int) error {
	slog.Info("running database migrations",
		"config", configPath,
		"steps", steps,
	)

	db, err := openMigrationDB(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := storage.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}

	slog.Info("migrations completed successfully")
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, configPath string, steps int) error {
	slog.Warn("rolling back migrations",
		"config", configPath,
		"steps", steps,
	)

	db, err := openMigrationDB(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := storage.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}

	rolled, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(rolled) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No migrations to roll back.")
		return nil
	}
	for _, id := range rolled {
		slog.Info("rolled back migration", "id", id)
	}
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	db, err := openMigrationDB(configPath)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := storage.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Migration Status")
	fmt.Fprintln(out, "================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, entry := range applied {
			fmt.Fprintf(out, "  - %s (%s)\n", entry.ID, entry.AppliedAt.Format(time.RFC3339))
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	} else {
		for _, entry := range pending {
			fmt.Fprintf(out, "  - %s\n", entry.ID)
		}
	}
	fmt.Fprintln(out)

	return nil
}
