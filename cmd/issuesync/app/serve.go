package app

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	syncapp "github.com/stacklok/issuesync/internal/app"
	"github.com/stacklok/issuesync/internal/app/storage"
)

// defaultGracefulTimeout bounds the HTTP shutdown once the active run has finished
const defaultGracefulTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run syncs on a schedule and serve the trigger API",
		Long: `Run a sync every configured interval and serve health, metrics and the manual trigger.

The server exposes:
- GET  /healthz, /readyz and /version
- GET  /metrics when the Prometheus exporter is enabled
- POST /api/v1/sync and GET /api/v1/sync/last when a trigger token is configured

Only one run is active at a time; a trigger during a run is answered with 409.`,
		RunE: runServe,
	}

	serveCmd.Flags().String("address", "", "Address to listen on (overrides trigger.address)")
	serveCmd.Flags().Bool("run-on-start", true, "Start the first run immediately instead of after one interval")
	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, v, err := loadConfig(cmd)
	if err != nil {
		return err
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

	opts := []syncapp.SyncAppOptions{
		syncapp.WithConfig(cfg),
		syncapp.WithTelemetry(tel),
		syncapp.WithRunOnStart(v.GetBool("run-on-start")),
	}
	if address := v.GetString("address"); address != "" {
		opts = append(opts, syncapp.WithAddress(address))
	}

	app, err := syncapp.NewSyncApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Start()
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case startErr := <-errChan:
		if stopErr := app.Stop(defaultGracefulTimeout); stopErr != nil {
			slog.Error("Failed to stop application", "error", stopErr)
		}
		return startErr
	case sig := <-quit:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	return app.Stop(defaultGracefulTimeout)
}
