// Package sqlite implements the warehouse on an embedded SQLite database.
//
// Timestamps are stored as fixed-width UTC text so they sort chronologically,
// lists and SLA objects as JSON text, and booleans as integers.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the sqlite driver

	"github.com/stacklok/issuesync/internal/issue"
	"github.com/stacklok/issuesync/internal/warehouse"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed width so that text comparison orders instants
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var (
	columnList   = strings.Join(issue.Columns, ", ")
	placeholders = strings.TrimSuffix(strings.Repeat("?, ", len(issue.Columns)), ", ")

	insertStage = fmt.Sprintf("INSERT INTO issue_stage (%s) VALUES (%s)", columnList, placeholders)

	// The WHERE clause is required by SQLite to parse an upsert from a SELECT
	mergeStage = fmt.Sprintf(`INSERT INTO issues (%[1]s, last_sync)
SELECT %[1]s, ? FROM (
    SELECT *, ROW_NUMBER() OVER (PARTITION BY issue_key ORDER BY stage_seq DESC) AS rn
    FROM issue_stage
) WHERE rn = 1
ON CONFLICT (issue_key) DO UPDATE SET %[2]s, last_sync = excluded.last_sync`, columnList, updateSet())
)

func updateSet() string {
	sets := make([]string, 0, len(issue.Columns)-1)
	for _, col := range issue.Columns[1:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
	}
	return strings.Join(sets, ", ")
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the clock used for last_sync
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is a SQLite warehouse
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ warehouse.Warehouse = (*Store)(nil)

// Open opens or creates the database at path and applies pending migrations.
// The pool holds a single connection, matching the single-writer model.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate applies the embedded migrations to db
func Migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		slog.DebugContext(ctx, "Applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// AppendStage inserts rows in order inside one transaction
func (s *Store) AppendStage(ctx context.Context, rows []issue.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	stmt, err := tx.PrepareContext(ctx, insertStage)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare stage insert: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		args, err := encodeRow(&rows[i])
		if err != nil {
			return 0, fmt.Errorf("failed to encode row %s: %w", rows[i].Key, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to stage row %s: %w", rows[i].Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit stage batch: %w", err)
	}
	return int64(len(rows)), nil
}

// ClearStage deletes every stage row
func (s *Store) ClearStage(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM issue_stage")
	if err != nil {
		return 0, fmt.Errorf("failed to clear stage: %w", err)
	}
	return res.RowsAffected()
}

// MergeStage upserts the last staged row of every key and empties the stage
// in one transaction
func (s *Store) MergeStage(ctx context.Context) (*warehouse.MergeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	result := &warehouse.MergeResult{MergedAt: s.now().UTC()}
	err = tx.QueryRowContext(ctx,
		"SELECT count(*), count(DISTINCT issue_key) FROM issue_stage",
	).Scan(&result.Staged, &result.Merged)
	if err != nil {
		return nil, fmt.Errorf("failed to count stage: %w", err)
	}

	if _, err := tx.ExecContext(ctx, mergeStage, result.MergedAt.Format(timeLayout)); err != nil {
		return nil, fmt.Errorf("failed to merge stage: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM issue_stage"); err != nil {
		return nil, fmt.Errorf("failed to empty stage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit merge: %w", err)
	}
	return result, nil
}

// StageSize returns the number of rows waiting in the stage
func (s *Store) StageSize(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM issue_stage").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count stage: %w", err)
	}
	return n, nil
}

// Issues returns every target row ordered by key
func (s *Store) Issues(ctx context.Context) ([]issue.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, last_sync FROM issues ORDER BY issue_key", columnList))
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var result []issue.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.WarnContext(ctx, "Failed to roll back transaction", "error", err)
	}
}

func encodeRow(r *issue.Row) ([]any, error) {
	labels, err := json.Marshal(issue.NonNil(r.Labels))
	if err != nil {
		return nil, err
	}
	team, err := json.Marshal(issue.NonNil(r.Team))
	if err != nil {
		return nil, err
	}
	filiale, err := json.Marshal(issue.NonNil(r.Filiale))
	if err != nil {
		return nil, err
	}

	var due *string
	if r.DueDate != nil {
		d := r.DueDate.String()
		due = &d
	}

	return []any{
		r.Key,
		r.IssueType,
		r.Summary,
		r.Description,
		r.Status,
		r.Priority,
		r.Resolution,
		r.Assignee,
		r.Reporter,
		formatTime(r.Created),
		r.Updated.UTC().Format(timeLayout),
		formatTime(r.Resolved),
		due,
		string(labels),
		string(team),
		string(filiale),
		rawText(r.TimeToResolution),
		rawText(r.TimeToFirstResponse),
		r.SLABreached,
	}, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

func rawText(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func scanRow(rows *sql.Rows) (issue.Row, error) {
	var (
		r                                 issue.Row
		created, resolved, due, ttr, ttfr sql.NullString
		updated, lastSync                 string
		labels, team, filiale             string
	)

	err := rows.Scan(
		&r.Key,
		&r.IssueType,
		&r.Summary,
		&r.Description,
		&r.Status,
		&r.Priority,
		&r.Resolution,
		&r.Assignee,
		&r.Reporter,
		&created,
		&updated,
		&resolved,
		&due,
		&labels,
		&team,
		&filiale,
		&ttr,
		&ttfr,
		&r.SLABreached,
		&lastSync,
	)
	if err != nil {
		return issue.Row{}, err
	}

	if r.Created, err = parseNullTime(created); err != nil {
		return issue.Row{}, err
	}
	if r.Resolved, err = parseNullTime(resolved); err != nil {
		return issue.Row{}, err
	}
	if r.Updated, err = time.Parse(timeLayout, updated); err != nil {
		return issue.Row{}, err
	}
	ls, err := time.Parse(timeLayout, lastSync)
	if err != nil {
		return issue.Row{}, err
	}
	r.LastSync = &ls

	if due.Valid {
		d, err := issue.ParseDate(due.String)
		if err != nil {
			return issue.Row{}, err
		}
		r.DueDate = &d
	}

	for _, list := range []struct {
		text string
		dst  *[]string
	}{{labels, &r.Labels}, {team, &r.Team}, {filiale, &r.Filiale}} {
		if err := json.Unmarshal([]byte(list.text), list.dst); err != nil {
			return issue.Row{}, err
		}
		*list.dst = issue.NonNil(*list.dst)
	}

	if ttr.Valid {
		r.TimeToResolution = json.RawMessage(ttr.String)
	}
	if ttfr.Valid {
		r.TimeToFirstResponse = json.RawMessage(ttfr.String)
	}

	return r, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
