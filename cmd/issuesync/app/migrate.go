package app

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stacklok/issuesync/database"
	"github.com/stacklok/issuesync/internal/config"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Warehouse schema migration tool",
		Long: `Warehouse schema migration tool for managing schema versions. Use with 'up' or 'down' subcommands.

SQLite warehouses are migrated automatically when opened; 'up' only creates the file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}

	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	migrateCmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")

	migrateCmd.AddCommand(newMigrateUpCmd())
	migrateCmd.AddCommand(newMigrateDownCmd())
	return migrateCmd
}

// setupMigration loads the configuration and opens a migrator on the Postgres warehouse
func setupMigration(cmd *cobra.Command) (*config.Config, database.Migrator, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Warehouse.Type != config.WarehouseTypePostgres {
		return cfg, nil, nil
	}

	connString, err := cfg.Warehouse.Postgres.GetConnectionString()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	m, err := database.NewFromConnectionString(connString)
	if err != nil {
		return nil, nil, err
	}
	return cfg, m, nil
}

func closeMigrator(m database.Migrator) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		slog.Warn("Error closing migration source", "error", srcErr)
	}
	if dbErr != nil {
		slog.Warn("Error closing database connection", "error", dbErr)
	}
}

// confirm asks prompt on out and reads a yes/no answer from in
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(out, "%s (yes/no): ", prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y"
}

// confirmed returns true when --yes is set or the user agrees to prompt
func confirmed(cmd *cobra.Command, prompt string) (bool, error) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return true, nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, fmt.Errorf("stdin is not a terminal: pass --yes to confirm non-interactively")
	}
	return confirm(in, cmd.OutOrStdout(), prompt), nil
}

func displayMigrationVersion(m database.Migrator) {
	version, dirty, err := m.Version()
	switch {
	case err != nil:
		slog.Info("Warehouse schema has no applied migrations", "reason", err.Error())
	case dirty:
		slog.Warn("Warehouse schema is dirty, manual intervention may be required", "version", version)
	default:
		slog.Info("Current migration version", "version", version)
	}
}
