package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/issuesync/internal/config"
	"github.com/stacklok/issuesync/internal/jira"
	pkgsync "github.com/stacklok/issuesync/internal/sync"
	"github.com/stacklok/issuesync/internal/telemetry"
	"github.com/stacklok/issuesync/internal/warehouse/sqlite"
)

func TestNewResolver(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Sync: &config.SyncConfig{Lookback: "2h", ClockSkew: "1m"}}

	window, err := NewResolver(cfg).Resolve("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, window.Until.Sub(window.Since))

	_, err = NewResolver(cfg).Resolve(time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	require.Error(t, err)
}

func TestNewOrchestrator_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := sqlite.Open(context.Background(), filepath.Join(dir, "issues.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tests := []struct {
		name    string
		cfg     *config.Config
		nilWH   bool
		wantErr string
	}{
		{
			name:    "nil config",
			wantErr: "config cannot be nil",
		},
		{
			name: "unknown field kind",
			cfg: &config.Config{Jira: config.JiraConfig{Fields: config.FieldsConfig{
				Team: &config.FieldConfig{ID: "customfield_10100", Kind: "matrix"},
			}}},
			wantErr: "failed to build field mapping",
		},
		{
			name: "file source without path",
			cfg: &config.Config{Credentials: config.CredentialsConfig{
				Source: config.CredentialsSourceFile,
			}},
			wantErr: "failed to create credentials provider",
		},
		{
			name:    "missing warehouse",
			cfg:     &config.Config{},
			nilWH:   true,
			wantErr: "warehouse is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var err error
			if tt.nilWH {
				_, err = NewOrchestrator(context.Background(), tt.cfg, nil, nil)
			} else {
				_, err = NewOrchestrator(context.Background(), tt.cfg, store, nil)
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestNewOrchestrator_FromConfigFile drives a run built entirely from a configuration document
func TestNewOrchestrator_FromConfigFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	updated := time.Now().Add(-10 * time.Minute).UTC().Format("2006-01-02T15:04:05.000-0700")

	var gotJQL atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != jira.SearchPath {
			http.NotFound(w, r)
			return
		}
		var req jira.SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotJQL.Store(req.JQL)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"isLast": true, "issues": [{"id": "10001", "key": "OPS-7", "fields": {
			"summary": "Disk full",
			"status": {"name": "Open"},
			"updated": %q,
			"customfield_10100": [{"value": "SRE"}, {"value": "DBA"}]
		}}]}`, updated)
	}))
	t.Cleanup(server.Close)

	credsPath := filepath.Join(dir, "credentials.yaml")
	require.NoError(t, os.WriteFile(credsPath, []byte(
		"baseUrl: "+server.URL+"\nprincipal: bot@example.com\ntoken: api-token\n"), 0o600))

	dbPath := filepath.Join(dir, "issues.db")
	cfg, err := config.Parse([]byte(strings.Join([]string{
		"jira:",
		"  jql: project = OPS",
		"  pageSize: 50",
		"  fields:",
		"    team:",
		"      id: customfield_10100",
		"      kind: multiselect",
		"credentials:",
		"  source: file",
		"  file: " + credsPath,
		"sync:",
		"  lookback: 2h",
		"  retry:",
		"    maxAttempts: 2",
		"    initialInterval: 1ms",
		"warehouse:",
		"  type: sqlite",
		"  sqlite:",
		"    path: " + dbPath,
	}, "\n")))
	require.NoError(t, err)

	store, err := sqlite.Open(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tel, err := telemetry.New(ctx)
	require.NoError(t, err)

	orch, err := NewOrchestrator(ctx, cfg, store, tel)
	require.NoError(t, err)

	run, err := orch.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, pkgsync.OutcomeSucceeded, run.Outcome)
	assert.Equal(t, int64(1), run.Merged)
	jql, _ := gotJQL.Load().(string)
	assert.True(t, strings.HasPrefix(jql, "(project = OPS) AND updated >= "), jql)

	rows, err := store.Issues(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "OPS-7", rows[0].Key)
	assert.Equal(t, []string{"SRE", "DBA"}, rows[0].Team)
}
