// Package warehouse defines the stage and merge contract of the analytical store.
//
// Rows are appended to a stage table in fetch order and later collapsed into the
// target table by a single transactional merge. Implementations live in the
// postgres and sqlite subpackages.
package warehouse

import (
	"context"
	"time"

	"github.com/stacklok/issuesync/internal/issue"
)

//go:generate mockgen -destination=mocks/mock_warehouse.go -package=mocks github.com/stacklok/issuesync/internal/warehouse Warehouse

// MergeResult summarizes a completed merge
type MergeResult struct {
	// Staged is the number of stage rows consumed by the merge
	Staged int64

	// Merged is the number of distinct keys inserted or updated in the target
	Merged int64

	// MergedAt is the last_sync value written to every merged row
	MergedAt time.Time
}

// Stager appends normalized rows to the stage
type Stager interface {
	// AppendStage writes rows in order as a single atomic batch and returns the number written
	AppendStage(ctx context.Context, rows []issue.Row) (int64, error)

	// ClearStage removes every stage row and returns the number removed
	ClearStage(ctx context.Context) (int64, error)
}

// Merger moves the stage into the target table
type Merger interface {
	// MergeStage deduplicates the stage by key, keeping the last staged row,
	// upserts the result into the target and empties the stage in one
	// transaction. On error neither table is changed.
	MergeStage(ctx context.Context) (*MergeResult, error)
}

// Warehouse is a store that supports the stage-then-merge cycle
type Warehouse interface {
	Stager
	Merger

	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	// Close releases the underlying connections
	Close() error
}
