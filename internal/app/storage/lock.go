package storage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"github.com/stacklok/issuesync/internal/config"
)

// ErrLocked is returned when another process holds the warehouse lock
var ErrLocked = errors.New("warehouse is locked by another issuesync process")

// LockPath returns the lock file guarding the warehouse, empty when the backend needs none.
// Only SQLite files are guarded; a PostgreSQL warehouse is shared by design of its deployment.
func LockPath(cfg *config.WarehouseConfig) string {
	if cfg == nil || cfg.Type != config.WarehouseTypeSQLite || cfg.SQLite == nil || cfg.SQLite.Path == "" {
		return ""
	}
	return cfg.SQLite.Path + ".lock"
}

// AcquireLock takes the cross-process lock of the warehouse without blocking.
// The returned function releases it.
func AcquireLock(cfg *config.WarehouseConfig) (func(), error) {
	path := LockPath(cfg)
	if path == "" {
		return func() {}, nil
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	slog.Debug("Warehouse lock acquired", "path", path)
	return func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("Failed to release warehouse lock", "path", path, "error", err)
		}
	}, nil
}
