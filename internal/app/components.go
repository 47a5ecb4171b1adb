package app

import (
	"github.com/stacklok/issuesync/internal/sync/coordinator"
	"github.com/stacklok/issuesync/internal/warehouse"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Coordinator schedules runs and serializes manual triggers
	Coordinator coordinator.Coordinator

	// Warehouse is the store runs write to. It is closed when the app stops.
	Warehouse warehouse.Warehouse
}
