// Package app provides the command tree of the issuesync binary.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stacklok/issuesync/internal/config"
	"github.com/stacklok/issuesync/internal/telemetry"
	"github.com/stacklok/issuesync/internal/versions"
)

// EnvPrefix is the prefix of every environment variable read by the binary
const EnvPrefix = "ISSUESYNC"

// telemetryShutdownTimeout bounds the final flush of traces and metrics
const telemetryShutdownTimeout = 10 * time.Second

// NewRootCmd creates a new root command with all subcommands attached
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "issuesync",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Incremental issue tracker sync into an analytical warehouse",
		Long: `issuesync copies issues updated within a time window from the tracker's search API
into a warehouse table, staging every page and merging the stage in one transaction.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, or ISSUESYNC_CONFIG)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newViper returns a viper instance reading ISSUESYNC_* variables and bound to flags
func newViper(flags ...*pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, fs := range flags {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}
	return v, nil
}

// loadConfig reads the configuration file named by --config or ISSUESYNC_CONFIG
func loadConfig(cmd *cobra.Command) (*config.Config, *viper.Viper, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}

	path := v.GetString("config")
	if path == "" {
		return nil, nil, fmt.Errorf("a configuration file is required (--config or %s_CONFIG)", EnvPrefix)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Telemetry != nil && cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = versions.Version
	}

	slog.Info("Loaded configuration",
		"path", path,
		"warehouse", cfg.Warehouse.Type,
		"credentials_source", cfg.Credentials.GetSource())
	return cfg, v, nil
}

// newTelemetry initializes telemetry from configuration and returns its shutdown function
func newTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, func(), error) {
	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	shutdown := func() {
		// The command context may already be cancelled
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to shut down telemetry", "error", err)
		}
	}
	return tel, shutdown, nil
}

func newVersionCmd() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return err
		},
	}
	versionCmd.Flags().String("format", "", "Output format (json)")
	return versionCmd
}
