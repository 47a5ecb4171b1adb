// Package storage opens the warehouse selected by configuration.
// It is the single decision point between the PostgreSQL and SQLite backends.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/issuesync/database"
	"github.com/stacklok/issuesync/internal/config"
	"github.com/stacklok/issuesync/internal/warehouse"
	"github.com/stacklok/issuesync/internal/warehouse/postgres"
	"github.com/stacklok/issuesync/internal/warehouse/sqlite"
)

// Option configures Open
type Option func(*openConfig)

type openConfig struct {
	migrate    bool
	sqliteOpts []sqlite.Option
}

// WithMigrations applies pending PostgreSQL migrations before connecting.
// SQLite databases are always migrated on open.
func WithMigrations(enabled bool) Option {
	return func(c *openConfig) {
		c.migrate = enabled
	}
}

// WithSQLiteOptions passes options through to the SQLite store
func WithSQLiteOptions(opts ...sqlite.Option) Option {
	return func(c *openConfig) {
		c.sqliteOpts = append(c.sqliteOpts, opts...)
	}
}

// Open returns the warehouse named by cfg.Type. The caller must Close it.
func Open(ctx context.Context, cfg *config.WarehouseConfig, opts ...Option) (warehouse.Warehouse, error) {
	if cfg == nil {
		return nil, fmt.Errorf("warehouse configuration cannot be nil")
	}

	oc := &openConfig{}
	for _, opt := range opts {
		opt(oc)
	}

	switch cfg.Type {
	case config.WarehouseTypePostgres:
		return openPostgres(ctx, cfg.Postgres, oc)
	case config.WarehouseTypeSQLite:
		if cfg.SQLite == nil {
			return nil, fmt.Errorf("sqlite configuration is required for warehouse type %q", cfg.Type)
		}
		slog.InfoContext(ctx, "Opening SQLite warehouse", "path", cfg.SQLite.Path)
		store, err := sqlite.Open(ctx, cfg.SQLite.Path, oc.sqliteOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite warehouse: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown warehouse type: %q", cfg.Type)
	}
}

func openPostgres(ctx context.Context, cfg *config.DatabaseConfig, oc *openConfig) (warehouse.Warehouse, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres configuration is required for warehouse type %q", config.WarehouseTypePostgres)
	}

	if oc.migrate {
		connString, err := cfg.GetConnectionString()
		if err != nil {
			return nil, fmt.Errorf("failed to build connection string: %w", err)
		}
		slog.InfoContext(ctx, "Applying warehouse migrations", "host", cfg.Host, "database", cfg.Database)
		if err := database.MigrateUp(connString); err != nil {
			return nil, err
		}
	}

	store, err := postgres.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres warehouse: %w", err)
	}
	return store, nil
}
