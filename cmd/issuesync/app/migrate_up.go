package app

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/stacklok/issuesync/internal/app/storage"
)

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending warehouse migrations",
		Long: `Apply all pending migrations to bring the warehouse schema up to date.
This command reads the warehouse connection parameters from the config file
and applies all migrations that haven't been run yet.`,
		RunE: runMigrateUp,
	}
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	cfg, m, err := setupMigration(cmd)
	if err != nil {
		return err
	}

	// SQLite applies its migrations on open
	if m == nil {
		wh, err := storage.Open(cmd.Context(), &cfg.Warehouse)
		if err != nil {
			return err
		}
		slog.Info("SQLite warehouse is up to date", "path", cfg.Warehouse.SQLite.Path)
		return wh.Close()
	}
	defer closeMigrator(m)

	numSteps, err := cmd.Flags().GetUint("num-steps")
	if err != nil {
		return fmt.Errorf("failed to get num-steps flag: %w", err)
	}

	ok, err := confirmed(cmd, fmt.Sprintf("About to apply migrations to %s@%s/%s. Continue?",
		cfg.Warehouse.Postgres.User, cfg.Warehouse.Postgres.Host, cfg.Warehouse.Postgres.Database))
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("Migration cancelled by user")
		return nil
	}

	slog.Info("Applying warehouse migrations...")
	if numSteps == 0 {
		err = m.Up()
	} else {
		if numSteps > math.MaxInt {
			return fmt.Errorf("number of steps exceeds maximum allowed value")
		}
		err = m.Steps(int(numSteps)) // #nosec G115 -- overflow checked above
	}
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No migrations to apply, schema is up to date")
			displayMigrationVersion(m)
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	displayMigrationVersion(m)
	return nil
}
