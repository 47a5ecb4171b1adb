package app

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	syncapp "github.com/stacklok/issuesync/internal/app"
	"github.com/stacklok/issuesync/internal/app/storage"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync and print its report",
		Long: `Run a single sync over the configured window and print the run report.

The window starts at --since when given, otherwise at the configured lookback before now.
The command exits non-zero when the run fails; the report then names the failure kind.

Examples:
  issuesync run --config config.yaml
  issuesync run --config config.yaml --since 2024-05-01T00:00:00Z
  issuesync run --config config.yaml --format table`,
		RunE: runOnce,
	}
	runCmd.Flags().String("since", "", "Start of the window (ISO-8601, UTC when no offset is given), overrides the lookback")
	runCmd.Flags().String("format", formatJSON, "Report format (json or table)")
	return runCmd
}

func runOnce(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, v, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if format := v.GetString("format"); format != formatJSON && format != formatTable {
		return fmt.Errorf("unsupported output format %q (expected %s or %s)", format, formatJSON, formatTable)
	}

	release, err := storage.AcquireLock(&cfg.Warehouse)
	if err != nil {
		return err
	}
	defer release()

	tel, shutdownTelemetry, err := newTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	wh, err := storage.Open(ctx, &cfg.Warehouse, storage.WithMigrations(true))
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer func() {
		if err := wh.Close(); err != nil {
			slog.Warn("Failed to close warehouse", "error", err)
		}
	}()

	orch, err := syncapp.NewOrchestrator(ctx, cfg, wh, tel)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	run, runErr := orch.Run(ctx, v.GetString("since"))

	if err := writeReport(cmd.OutOrStdout(), run, v.GetString("format")); err != nil {
		return fmt.Errorf("failed to write run report: %w", err)
	}

	return runErr
}
