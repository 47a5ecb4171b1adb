package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/issuesync/internal/credentials"
	"github.com/stacklok/issuesync/internal/fetcher"
	"github.com/stacklok/issuesync/internal/issue"
	"github.com/stacklok/issuesync/internal/jira"
	"github.com/stacklok/issuesync/internal/normalizer"
	"github.com/stacklok/issuesync/internal/warehouse/sqlite"
	"github.com/stacklok/issuesync/internal/watermark"
)

type staticProvider struct {
	creds credentials.Credentials
}

func (p staticProvider) Credentials(context.Context) (*credentials.Credentials, error) {
	creds := p.creds
	return &creds, nil
}

// searchServer serves the pages keyed by the continuation token that requests them
func searchServer(t *testing.T, pages map[string]jira.SearchResponse) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != jira.SearchPath {
			http.NotFound(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot@example.com" || pass != "api-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req jira.SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		page, ok := pages[req.NextPageToken]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(server.Close)
	return server
}

func issueRecord(key, status, updated string, team ...string) issue.SourceRecord {
	values := make([]map[string]string, len(team))
	for i, name := range team {
		values[i] = map[string]string{"value": name}
	}
	fields, _ := json.Marshal(map[string]any{
		"status":            map[string]string{"name": status},
		"updated":           updated,
		"customfield_10100": values,
	})
	return issue.SourceRecord{ID: key, Key: key, Fields: fields}
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, time.May, 2, 9, 0, 0, 0, time.UTC)

	server := searchServer(t, map[string]jira.SearchResponse{
		"": {
			Issues: []issue.SourceRecord{
				issueRecord("OPS-1", "Open", "2024-05-02T08:10:00.000+0000", "SRE"),
				issueRecord("OPS-2", "Closed", "2024-05-02T08:20:00.000+0000"),
			},
			NextPageToken: "page-2",
		},
		"page-2": {
			Issues: []issue.SourceRecord{
				issueRecord("OPS-1", "Closed", "2024-05-02T08:30:00.000+0000", "SRE"),
			},
			IsLast: true,
		},
	})

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "issues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mapping := normalizer.DefaultMapping()
	mapping.Team = normalizer.Field{ID: "customfield_10100", Kind: normalizer.KindMultiSelect}

	provider := staticProvider{creds: credentials.Credentials{
		BaseURL:   server.URL,
		Principal: "bot@example.com",
		Token:     "api-token",
	}}
	factory := func(creds *credentials.Credentials) (jira.Client, error) {
		return jira.NewClient(creds, 5*time.Second)
	}

	orch, err := New(provider, factory, store, normalizer.New(mapping),
		WithClock(func() time.Time { return now }),
		WithResolver(watermark.NewResolver(watermark.WithClock(func() time.Time { return now }))),
		WithFetcherOptions(fetcher.WithPageSize(2)),
		WithRunTimeout(time.Minute),
	)
	require.NoError(t, err)

	run, err := orch.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, run.Outcome)
	assert.Equal(t, 2, run.Pages)
	assert.Equal(t, 3, run.Fetched)
	assert.Equal(t, int64(3), run.Staged)
	assert.Equal(t, int64(2), run.Merged)

	first, err := store.Issues(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)

	assert.Equal(t, "OPS-1", first[0].Key)
	require.NotNil(t, first[0].Status)
	assert.Equal(t, "Closed", *first[0].Status)
	assert.Equal(t, []string{"SRE"}, first[0].Team)

	assert.Equal(t, "OPS-2", first[1].Key)
	assert.NotNil(t, first[1].Team)
	assert.Empty(t, first[1].Team)

	size, err := store.StageSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	// A second run over the same window leaves the table unchanged apart from last_sync
	_, err = orch.Run(ctx, "")
	require.NoError(t, err)

	second, err := store.Issues(ctx)
	require.NoError(t, err)
	require.Len(t, second, len(first))
	for i := range first {
		a, b := first[i], second[i]
		a.LastSync, b.LastSync = nil, nil
		assert.Equal(t, a, b)
	}
}

func TestRun_EndToEndRejectedToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server := searchServer(t, map[string]jira.SearchResponse{"": {IsLast: true}})

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "issues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider := staticProvider{creds: credentials.Credentials{
		BaseURL:   server.URL,
		Principal: "bot@example.com",
		Token:     "wrong",
	}}
	factory := func(creds *credentials.Credentials) (jira.Client, error) {
		return jira.NewClient(creds, 5*time.Second)
	}

	orch, err := New(provider, factory, store, normalizer.New(normalizer.DefaultMapping()))
	require.NoError(t, err)

	run, err := orch.Run(ctx, "")
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, KindAuthFailed, run.Err.Kind)

	rows, err := store.Issues(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
