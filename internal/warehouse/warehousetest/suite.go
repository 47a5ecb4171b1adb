// Package warehousetest holds the behavioural test suite shared by every warehouse implementation.
package warehousetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/issuesync/internal/issue"
	"github.com/stacklok/issuesync/internal/warehouse"
)

// Store is a warehouse that can also be inspected by the suite
type Store interface {
	warehouse.Warehouse

	// Issues returns every target row ordered by key
	Issues(ctx context.Context) ([]issue.Row, error)

	// StageSize returns the number of rows waiting in the stage
	StageSize(ctx context.Context) (int64, error)
}

// Harness adapts an implementation to the suite
type Harness struct {
	// Open returns an empty, migrated store
	Open func(t *testing.T) Store

	// FailInsertOf makes every later merge fail when it inserts key into the target
	FailInsertOf func(t *testing.T, s Store, key string)

	// Parallel runs the cases concurrently; each Open must then return an isolated store
	Parallel bool
}

// Run executes the suite against h
func Run(t *testing.T, h Harness) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"last staged row wins", testLastStagedWins},
		{"merge is idempotent", testIdempotent},
		{"merge overwrites every column", testFullOverwrite},
		{"failed merge changes nothing", testAtomicity(h)},
		{"empty stage merges nothing", testEmptyMerge},
		{"clear stage", testClearStage},
		{"columns round trip", testRoundTrip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if h.Parallel {
				t.Parallel()
			}
			s := h.Open(t)
			tt.fn(t, s)
		})
	}
}

// Row builds a row with the fields most tests care about
func Row(key, status string, updated time.Time, team ...string) issue.Row {
	return issue.Row{
		Key:     key,
		Status:  &status,
		Updated: updated.UTC(),
		Labels:  []string{},
		Team:    issue.NonNil(team),
		Filiale: []string{},
	}
}

var base = time.Date(2024, time.May, 2, 8, 0, 0, 0, time.UTC)

func testLastStagedWins(t *testing.T, s Store) {
	ctx := context.Background()

	n, err := s.AppendStage(ctx, []issue.Row{
		Row("OPS-1", "Open", base, "SRE"),
		Row("OPS-2", "Closed", base.Add(time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.AppendStage(ctx, []issue.Row{
		Row("OPS-1", "Closed", base.Add(2*time.Minute), "SRE"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	result, err := s.MergeStage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Staged)
	assert.Equal(t, int64(2), result.Merged)

	rows, err := s.Issues(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "OPS-1", rows[0].Key)
	assert.Equal(t, "Closed", *rows[0].Status)
	assert.Equal(t, base.Add(2*time.Minute), rows[0].Updated)
	assert.Equal(t, []string{"SRE"}, rows[0].Team)

	assert.Equal(t, "OPS-2", rows[1].Key)
	assert.Equal(t, "Closed", *rows[1].Status)
	assert.NotNil(t, rows[1].Team)
	assert.Empty(t, rows[1].Team)

	for _, r := range rows {
		require.NotNil(t, r.LastSync)
		assert.WithinDuration(t, result.MergedAt, *r.LastSync, time.Millisecond)
	}

	size, err := s.StageSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func testIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	batch := []issue.Row{
		Row("OPS-1", "Open", base, "SRE"),
		Row("OPS-2", "Closed", base),
	}

	_, err := s.AppendStage(ctx, batch)
	require.NoError(t, err)
	_, err = s.MergeStage(ctx)
	require.NoError(t, err)
	first, err := s.Issues(ctx)
	require.NoError(t, err)

	_, err = s.AppendStage(ctx, batch)
	require.NoError(t, err)
	_, err = s.MergeStage(ctx)
	require.NoError(t, err)
	second, err := s.Issues(ctx)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.False(t, second[i].LastSync.Before(*first[i].LastSync))
		assert.Equal(t, withoutSync(first[i]), withoutSync(second[i]))
	}
}

func testFullOverwrite(t *testing.T, s Store) {
	ctx := context.Background()

	assignee := "Ada"
	due := issue.Date{Year: 2024, Month: time.June, Day: 1}
	before := Row("OPS-1", "Open", base, "SRE")
	before.Assignee = &assignee
	before.DueDate = &due
	before.Labels = []string{"urgent"}
	before.TimeToResolution = json.RawMessage(`{"ongoingCycle":{"breached":true}}`)
	before.SLABreached = true

	_, err := s.AppendStage(ctx, []issue.Row{before})
	require.NoError(t, err)
	_, err = s.MergeStage(ctx)
	require.NoError(t, err)

	after := Row("OPS-1", "Resolved", base.Add(time.Hour))
	_, err = s.AppendStage(ctx, []issue.Row{after})
	require.NoError(t, err)
	_, err = s.MergeStage(ctx)
	require.NoError(t, err)

	rows, err := s.Issues(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, after, withoutSync(rows[0]))
}

func testAtomicity(h Harness) func(t *testing.T, s Store) {
	return func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.AppendStage(ctx, []issue.Row{Row("OPS-1", "Open", base)})
		require.NoError(t, err)
		_, err = s.MergeStage(ctx)
		require.NoError(t, err)
		snapshot, err := s.Issues(ctx)
		require.NoError(t, err)

		h.FailInsertOf(t, s, "OPS-3")

		_, err = s.AppendStage(ctx, []issue.Row{
			Row("OPS-1", "Closed", base.Add(time.Minute)),
			Row("OPS-3", "Open", base.Add(time.Minute)),
		})
		require.NoError(t, err)

		_, err = s.MergeStage(ctx)
		require.Error(t, err)

		after, err := s.Issues(ctx)
		require.NoError(t, err)
		assert.Equal(t, snapshot, after)

		size, err := s.StageSize(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), size)
	}
}

func testEmptyMerge(t *testing.T, s Store) {
	ctx := context.Background()

	n, err := s.AppendStage(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	result, err := s.MergeStage(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Staged)
	assert.Zero(t, result.Merged)

	rows, err := s.Issues(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testClearStage(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.AppendStage(ctx, []issue.Row{
		Row("OPS-1", "Open", base),
		Row("OPS-1", "Closed", base),
		Row("OPS-2", "Open", base),
	})
	require.NoError(t, err)

	n, err := s.ClearStage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.ClearStage(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	result, err := s.MergeStage(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Merged)
}

func testRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()

	str := func(v string) *string { return &v }
	created := time.Date(2024, time.May, 1, 6, 0, 0, 0, time.UTC)
	resolved := time.Date(2024, time.May, 3, 12, 50, 0, 0, time.UTC)
	due := issue.Date{Year: 2024, Month: time.May, Day: 31}

	want := issue.Row{
		Key:                 "OPS-7",
		IssueType:           str("Incident"),
		Summary:             str("Disk full on db-01"),
		Description:         str("line one\nline two"),
		Status:              str("Done"),
		Priority:            str("High"),
		Resolution:          str("Fixed"),
		Assignee:            str("Ada Lovelace"),
		Reporter:            str("Grace Hopper"),
		Created:             &created,
		Updated:             time.Date(2024, time.May, 2, 8, 15, 30, 123000000, time.UTC),
		Resolved:            &resolved,
		DueDate:             &due,
		Labels:              []string{"disk", "prod"},
		Team:                []string{"SRE", "Platform"},
		Filiale:             []string{"Germany", "Berlin"},
		TimeToResolution:    json.RawMessage(`{"completedCycles":[{"breached":true}]}`),
		TimeToFirstResponse: json.RawMessage(`{"ongoingCycle":{"breached":false}}`),
		SLABreached:         true,
	}

	_, err := s.AppendStage(ctx, []issue.Row{want})
	require.NoError(t, err)
	_, err = s.MergeStage(ctx)
	require.NoError(t, err)

	rows, err := s.Issues(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	got := rows[0]

	assert.JSONEq(t, string(want.TimeToResolution), string(got.TimeToResolution))
	assert.JSONEq(t, string(want.TimeToFirstResponse), string(got.TimeToFirstResponse))

	want.TimeToResolution, want.TimeToFirstResponse = nil, nil
	got.TimeToResolution, got.TimeToFirstResponse = nil, nil
	assert.Equal(t, want, withoutSync(got))
}

// withoutSync returns r with LastSync cleared so rows can be compared across merges
func withoutSync(r issue.Row) issue.Row {
	r.LastSync = nil
	return r
}
