package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/issuesync/internal/issue"
	"github.com/stacklok/issuesync/internal/warehouse/warehousetest"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "warehouse.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	t.Parallel()

	warehousetest.Run(t, warehousetest.Harness{
		Open: func(t *testing.T) warehousetest.Store {
			return openTestStore(t)
		},
		FailInsertOf: func(t *testing.T, s warehousetest.Store, key string) {
			t.Helper()
			_, err := s.(*Store).DB().ExecContext(context.Background(), `
CREATE TRIGGER fail_merge BEFORE INSERT ON issues
WHEN NEW.issue_key = '`+key+`'
BEGIN
    SELECT RAISE(ABORT, 'injected merge failure');
END`)
			require.NoError(t, err)
		},
		Parallel: true,
	})
}

func TestOpen_MigratesOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "warehouse.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.AppendStage(ctx, []issue.Row{warehousetest.Row("OPS-1", "Open", time.Now())})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening an existing file keeps its data
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	size, err := s.StageSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestOpen_EmptyPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestMergeStage_UsesClock(t *testing.T) {
	t.Parallel()

	mergedAt := time.Date(2024, time.May, 10, 12, 30, 0, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return mergedAt }))
	ctx := context.Background()

	_, err := s.AppendStage(ctx, []issue.Row{warehousetest.Row("OPS-1", "Open", mergedAt.Add(-time.Hour))})
	require.NoError(t, err)

	result, err := s.MergeStage(ctx)
	require.NoError(t, err)
	assert.Equal(t, mergedAt, result.MergedAt)

	rows, err := s.Issues(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, mergedAt, *rows[0].LastSync)
}

func TestEncodeRow_EmptyLists(t *testing.T) {
	t.Parallel()

	args, err := encodeRow(&issue.Row{Key: "OPS-2", Updated: time.Unix(0, 0)})
	require.NoError(t, err)
	require.Len(t, args, len(issue.Columns))
	assert.Equal(t, "[]", args[13])
	assert.Equal(t, "[]", args[14])
	assert.Equal(t, "[]", args[15])
	assert.Equal(t, "1970-01-01T00:00:00.000000000Z", args[10])
}
