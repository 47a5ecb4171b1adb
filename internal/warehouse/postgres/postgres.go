// Package postgres implements the warehouse on PostgreSQL.
//
// Pages are appended to issue_stage with COPY and merged by the
// merge_issue_stage stored procedure inside a transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/issuesync/internal/config"
	"github.com/stacklok/issuesync/internal/issue"
	"github.com/stacklok/issuesync/internal/warehouse"
)

const (
	stageTable  = "issue_stage"
	targetTable = "issues"

	defaultMaxConns        = 4
	defaultConnMaxLifetime = 5 * time.Minute
)

// Store is a PostgreSQL warehouse
type Store struct {
	pool *pgxpool.Pool
}

var _ warehouse.Warehouse = (*Store)(nil)

// New creates a Store on an existing pool. The Store takes ownership of the pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	return &Store{pool: pool}, nil
}

// Connect opens a pool from the database configuration and verifies it
func Connect(ctx context.Context, cfg *config.DatabaseConfig) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration is required")
	}

	connString, err := cfg.GetConnectionString()
	if err != nil {
		return nil, fmt.Errorf("failed to build connection string: %w", err)
	}

	return ConnectString(ctx, connString, cfg.MaxOpenConns, cfg.GetConnMaxLifetime())
}

// ConnectString opens a pool from a connection URL. Zero values select the defaults.
func ConnectString(ctx context.Context, connString string, maxConns int32, maxLifetime time.Duration) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolCfg.MaxConns = defaultMaxConns
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	poolCfg.MaxConnLifetime = defaultConnMaxLifetime
	if maxLifetime > 0 {
		poolCfg.MaxConnLifetime = maxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.InfoContext(ctx, "Database connection established",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database)

	return &Store{pool: pool}, nil
}

// AppendStage copies rows into the stage with a single COPY, which either
// writes every row or none
func (s *Store) AppendStage(ctx context.Context, rows []issue.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	copyCount, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{stageTable},
		issue.Columns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return rows[i].Values(), nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy rows to stage: %w", err)
	}
	if int(copyCount) != len(rows) {
		return copyCount, fmt.Errorf("copy count mismatch: expected %d, got %d", len(rows), copyCount)
	}

	return copyCount, nil
}

// ClearStage deletes every stage row
func (s *Store) ClearStage(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM "+stageTable)
	if err != nil {
		return 0, fmt.Errorf("failed to clear stage: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MergeStage calls merge_issue_stage in a transaction together with the
// counts reported in the result
func (s *Store) MergeStage(ctx context.Context) (*warehouse.MergeResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			slog.WarnContext(ctx, "Failed to roll back merge transaction", "error", rollbackErr)
		}
	}()

	// Lock out concurrent appends so the counts match what the procedure consumes
	if _, err := tx.Exec(ctx, "LOCK TABLE "+stageTable+" IN SHARE ROW EXCLUSIVE MODE"); err != nil {
		return nil, fmt.Errorf("failed to lock stage: %w", err)
	}

	result := &warehouse.MergeResult{}
	err = tx.QueryRow(ctx,
		"SELECT count(*), count(DISTINCT issue_key), now() FROM "+stageTable,
	).Scan(&result.Staged, &result.Merged, &result.MergedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to count stage: %w", err)
	}

	if _, err := tx.Exec(ctx, "CALL merge_issue_stage()"); err != nil {
		return nil, fmt.Errorf("failed to merge stage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit merge: %w", err)
	}

	result.MergedAt = result.MergedAt.UTC()
	return result, nil
}

// StageSize returns the number of rows waiting in the stage
func (s *Store) StageSize(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM "+stageTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count stage: %w", err)
	}
	return n, nil
}

// Issues returns every target row ordered by key
func (s *Store) Issues(ctx context.Context) ([]issue.Row, error) {
	query := fmt.Sprintf("SELECT %s, last_sync FROM %s ORDER BY issue_key",
		strings.Join(issue.Columns, ", "), targetTable)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}

	result, err := pgx.CollectRows(rows, scanRow)
	if err != nil {
		return nil, fmt.Errorf("failed to scan issues: %w", err)
	}
	return result, nil
}

func scanRow(row pgx.CollectableRow) (issue.Row, error) {
	var (
		r        issue.Row
		due      *time.Time
		lastSync time.Time
		ttr      []byte
		ttfr     []byte
	)

	err := row.Scan(
		&r.Key,
		&r.IssueType,
		&r.Summary,
		&r.Description,
		&r.Status,
		&r.Priority,
		&r.Resolution,
		&r.Assignee,
		&r.Reporter,
		&r.Created,
		&r.Updated,
		&r.Resolved,
		&due,
		&r.Labels,
		&r.Team,
		&r.Filiale,
		&ttr,
		&ttfr,
		&r.SLABreached,
		&lastSync,
	)
	if err != nil {
		return issue.Row{}, err
	}

	if due != nil {
		d := issue.DateOf(*due)
		r.DueDate = &d
	}
	if ttr != nil {
		r.TimeToResolution = ttr
	}
	if ttfr != nil {
		r.TimeToFirstResponse = ttfr
	}
	r.Labels = issue.NonNil(r.Labels)
	r.Team = issue.NonNil(r.Team)
	r.Filiale = issue.NonNil(r.Filiale)
	r.Updated = r.Updated.UTC()
	r.Created = utc(r.Created)
	r.Resolved = utc(r.Resolved)
	lastSync = lastSync.UTC()
	r.LastSync = &lastSync

	return r, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
