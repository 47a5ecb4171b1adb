package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/issuesync/internal/credentials"
	credmocks "github.com/stacklok/issuesync/internal/credentials/mocks"
	"github.com/stacklok/issuesync/internal/fetcher"
	"github.com/stacklok/issuesync/internal/issue"
	"github.com/stacklok/issuesync/internal/jira"
	jiramocks "github.com/stacklok/issuesync/internal/jira/mocks"
	"github.com/stacklok/issuesync/internal/normalizer"
	"github.com/stacklok/issuesync/internal/otel"
	"github.com/stacklok/issuesync/internal/warehouse"
	whmocks "github.com/stacklok/issuesync/internal/warehouse/mocks"
	"github.com/stacklok/issuesync/internal/watermark"
)

var (
	testNow   = time.Date(2024, time.May, 2, 9, 0, 0, 0, time.UTC)
	testCreds = &credentials.Credentials{
		BaseURL:   "https://example.atlassian.net",
		Principal: "bot@example.com",
		Token:     "secret",
	}
)

type fixture struct {
	provider  *credmocks.MockProvider
	client    *jiramocks.MockClient
	warehouse *whmocks.MockWarehouse
	orch      *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	f := &fixture{
		provider:  credmocks.NewMockProvider(ctrl),
		client:    jiramocks.NewMockClient(ctrl),
		warehouse: whmocks.NewMockWarehouse(ctrl),
	}

	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithResolver(watermark.NewResolver(watermark.WithClock(func() time.Time { return testNow }))),
		WithFetcherOptions(
			fetcher.WithPageSize(2),
			fetcher.WithRetryPolicy(fetcher.RetryPolicy{
				MaxAttempts:     2,
				InitialInterval: time.Millisecond,
				MaxInterval:     time.Millisecond,
				Multiplier:      1,
			}),
		),
	}

	orch, err := New(f.provider,
		func(*credentials.Credentials) (jira.Client, error) { return f.client, nil },
		f.warehouse,
		normalizer.New(normalizer.DefaultMapping()),
		append(base, opts...)...,
	)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func record(key, status, updated string) issue.SourceRecord {
	fields := fmt.Sprintf(`{"status":{"name":%q},"updated":%q}`, status, updated)
	return issue.SourceRecord{ID: "1" + key, Key: key, Fields: json.RawMessage(fields)}
}

func keys(rows []issue.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key
	}
	return out
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	provider := credmocks.NewMockProvider(ctrl)
	wh := whmocks.NewMockWarehouse(ctrl)
	factory := func(*credentials.Credentials) (jira.Client, error) { return nil, nil }
	norm := normalizer.New(normalizer.DefaultMapping())

	_, err := New(nil, factory, wh, norm)
	assert.ErrorContains(t, err, "credentials provider is required")
	_, err = New(provider, nil, wh, norm)
	assert.ErrorContains(t, err, "client factory is required")
	_, err = New(provider, factory, nil, norm)
	assert.ErrorContains(t, err, "warehouse is required")
	_, err = New(provider, factory, wh, nil)
	assert.ErrorContains(t, err, "normalizer is required")
}

func TestRun_Succeeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	gomock.InOrder(
		f.provider.EXPECT().Credentials(gomock.Any()).Return(testCreds, nil),
		f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(0), nil),
		f.client.EXPECT().Search(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *jira.SearchRequest) (*jira.SearchResponse, error) {
				assert.Equal(t, `updated >= "2024-05-02 08:00" ORDER BY updated ASC, key ASC`, req.JQL)
				assert.Empty(t, req.NextPageToken)
				assert.Contains(t, req.Fields, "status")
				return &jira.SearchResponse{
					Issues: []issue.SourceRecord{
						record("OPS-1", "Open", "2024-05-02T08:10:00.000+0000"),
						record("OPS-2", "Closed", "2024-05-02T08:20:00.000+0000"),
					},
					NextPageToken: "p1",
				}, nil
			}),
		f.warehouse.EXPECT().AppendStage(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, rows []issue.Row) (int64, error) {
				assert.Equal(t, []string{"OPS-1", "OPS-2"}, keys(rows))
				return int64(len(rows)), nil
			}),
		f.client.EXPECT().Search(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *jira.SearchRequest) (*jira.SearchResponse, error) {
				assert.Equal(t, "p1", req.NextPageToken)
				return &jira.SearchResponse{
					Issues: []issue.SourceRecord{record("OPS-1", "Closed", "2024-05-02T08:30:00.000+0000")},
					IsLast: true,
				}, nil
			}),
		f.warehouse.EXPECT().AppendStage(gomock.Any(), gomock.Any()).Return(int64(1), nil),
		f.warehouse.EXPECT().MergeStage(gomock.Any()).
			Return(&warehouse.MergeResult{Staged: 3, Merged: 2, MergedAt: testNow}, nil),
	)

	run, err := f.orch.Run(ctx, "")
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, StateSucceeded, run.State)
	assert.Equal(t, OutcomeSucceeded, run.Outcome)
	assert.Nil(t, run.Err)
	assert.Equal(t, 2, run.Pages)
	assert.Equal(t, 3, run.Fetched)
	assert.Equal(t, int64(3), run.Staged)
	assert.Equal(t, int64(2), run.Merged)
	require.NotNil(t, run.Window)
	assert.Equal(t, testNow.Add(-time.Hour), run.Window.Since)
	assert.Equal(t, testNow, run.Window.Until)
}

func TestRun_EmptyWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.provider.EXPECT().Credentials(gomock.Any()).Return(testCreds, nil)
	f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(0), nil)
	f.client.EXPECT().Search(gomock.Any(), gomock.Any()).Return(&jira.SearchResponse{IsLast: true}, nil)
	f.warehouse.EXPECT().MergeStage(gomock.Any()).Return(&warehouse.MergeResult{MergedAt: testNow}, nil)

	run, err := f.orch.Run(context.Background(), "2024-05-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, run.Outcome)
	assert.Zero(t, run.Pages)
	assert.Zero(t, run.Merged)
	assert.Equal(t, time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC), run.Window.Since)
}

func TestRun_SkippedRecordsArePartial(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.provider.EXPECT().Credentials(gomock.Any()).Return(testCreds, nil)
	f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(4), nil)
	f.client.EXPECT().Search(gomock.Any(), gomock.Any()).Return(&jira.SearchResponse{
		Issues: []issue.SourceRecord{
			record("", "Open", "2024-05-02T08:10:00.000+0000"),
			record("OPS-9", "Open", "not a time"),
		},
		IsLast: true,
	}, nil)
	f.warehouse.EXPECT().AppendStage(gomock.Any(), gomock.Len(0)).Return(int64(0), nil)
	f.warehouse.EXPECT().MergeStage(gomock.Any()).Return(&warehouse.MergeResult{MergedAt: testNow}, nil)

	run, err := f.orch.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, run.State)
	assert.Equal(t, OutcomePartial, run.Outcome)
	assert.Equal(t, 2, run.Fetched)
	assert.Equal(t, 2, run.Skipped)
	assert.Zero(t, run.Staged)
}

func TestRun_Failures(t *testing.T) {
	t.Parallel()

	stageErr := errors.New("disk full")
	mergeErr := errors.New("constraint violation")

	tests := []struct {
		name     string
		since    string
		setup    func(f *fixture)
		kind     Kind
		sentinel error
		cause    error
		page     int
		staged   int64
	}{
		{
			name:     "unparseable override",
			since:    "yesterday",
			setup:    func(*fixture) {},
			kind:     KindInvalidWindow,
			sentinel: ErrInvalidWindow,
			cause:    watermark.ErrInvalidWindow,
			page:     -1,
		},
		{
			name:     "override in the future",
			since:    "2024-05-03T00:00:00Z",
			setup:    func(*fixture) {},
			kind:     KindInvalidWindow,
			sentinel: ErrInvalidWindow,
			cause:    watermark.ErrInvalidWindow,
			page:     -1,
		},
		{
			name: "credentials unavailable",
			setup: func(f *fixture) {
				f.provider.EXPECT().Credentials(gomock.Any()).Return(nil, credentials.ErrMissingCredentials)
			},
			kind:     KindCredentialsFailed,
			sentinel: ErrCredentialsFailed,
			cause:    credentials.ErrMissingCredentials,
			page:     -1,
		},
		{
			name: "stage cannot be cleared",
			setup: func(f *fixture) {
				f.provider.EXPECT().Credentials(gomock.Any()).Return(testCreds, nil)
				f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(0), stageErr)
			},
			kind:     KindStageWriteFailed,
			sentinel: ErrStageWriteFailed,
			cause:    stageErr,
			page:     -1,
		},
		{
			name: "credentials rejected",
			setup: func(f *fixture) {
				f.provider.EXPECT().Credentials(gomock.Any()).Return(testCreds, nil)
				f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(0), nil).Times(2)
				f.client.EXPECT().Search(gomock.Any(), gomock.Any()).
					Return(nil, jira.NewHTTPError(http.StatusUnauthorized, "https://example.atlassian.net", "denied")).
					Times(1)
			},
			kind:     KindAuthFailed,
			sentinel: ErrAuthFailed,
			cause:    fetcher.ErrAuthFailed,
			page:     0,
		},
		{
			name: "retries exhausted on a later page",
			setup: func(f *fixture) {
				f.provider.EXPECT().Credentials(gomock.Any()).Return(testCreds, nil)
				f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(0), nil).Times(2)
				gomock.InOrder(
					f.client.EXPECT().Search(gomock.Any(), gomock.Any()).Return(&jira.SearchResponse{
						Issues: []issue.SourceRecord{
							record("OPS-1", "Open", "2024-05-02T08:10:00.000+0000"),
							record("OPS-2", "Open", "2024-05-02T08:11:00.000+0000"),
						},
						NextPageToken: "p1",
					}, nil),
					f.client.EXPECT().Search(gomock.Any(), gomock.Any()).
						Return(nil, jira.NewHTTPError(http.StatusBadGateway, "https://example.atlassian.net", "bad gateway")).
						Times(2),
				)
				f.warehouse.EXPECT().AppendStage(gomock.Any(), gomock.Len(2)).Return(int64(2), nil)
			},
			kind:     KindFetchFailed,
			sentinel: ErrFetchFailed,
			cause:    fetcher.ErrFetchFailed,
			page:     1,
			staged:   2,
		},
		{
			name: "stage append fails and cleanup fails too",
			setup: func(f *fixture) {
				f.provider.EXPECT().Credentials(gomock.Any()).Return(testCreds, nil)
				gomock.InOrder(
					f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(0), nil),
					f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(0), errors.New("connection reset")),
				)
				f.client.EXPECT().Search(gomock.Any(), gomock.Any()).Return(&jira.SearchResponse{
					Issues: []issue.SourceRecord{record("OPS-1", "Open", "2024-05-02T08:10:00.000+0000")},
					IsLast: true,
				}, nil)
				f.warehouse.EXPECT().AppendStage(gomock.Any(), gomock.Any()).Return(int64(0), stageErr)
			},
			kind:     KindStageWriteFailed,
			sentinel: ErrStageWriteFailed,
			cause:    stageErr,
			page:     0,
		},
		{
			name: "merge fails and stage is kept",
			setup: func(f *fixture) {
				f.provider.EXPECT().Credentials(gomock.Any()).Return(testCreds, nil)
				f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(0), nil).Times(1)
				f.client.EXPECT().Search(gomock.Any(), gomock.Any()).Return(&jira.SearchResponse{
					Issues: []issue.SourceRecord{record("OPS-1", "Open", "2024-05-02T08:10:00.000+0000")},
					IsLast: true,
				}, nil)
				f.warehouse.EXPECT().AppendStage(gomock.Any(), gomock.Any()).Return(int64(1), nil)
				f.warehouse.EXPECT().MergeStage(gomock.Any()).Return(nil, mergeErr)
			},
			kind:     KindMergeFailed,
			sentinel: ErrMergeFailed,
			cause:    mergeErr,
			page:     -1,
			staged:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tt.setup(f)

			run, err := f.orch.Run(context.Background(), tt.since)
			require.Error(t, err)
			require.NotNil(t, run)

			var syncErr *Error
			require.ErrorAs(t, err, &syncErr)
			assert.Equal(t, tt.kind, syncErr.Kind)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.ErrorIs(t, err, tt.sentinel)
			assert.ErrorIs(t, err, tt.cause)
			assert.Equal(t, tt.page, syncErr.Page)
			assert.Equal(t, tt.staged, syncErr.Staged)

			assert.Equal(t, StateFailed, run.State)
			assert.Equal(t, OutcomeFailed, run.Outcome)
			assert.Same(t, syncErr, run.Err)
			assert.Zero(t, run.Merged)
			assert.False(t, run.FinishedAt.IsZero())
		})
	}
}

func TestRun_CancelledContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.provider.EXPECT().Credentials(gomock.Any()).Return(testCreds, nil)
	f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(0), nil).Times(2)

	run, err := f.orch.Run(ctx, "")
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeFailed, run.Outcome)
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := &Error{Kind: KindMergeFailed, Message: "cannot merge", Err: errors.New("boom")}
	assert.Equal(t, "MergeFailed: cannot merge: boom", err.Error())
	assert.NotErrorIs(t, err, ErrFetchFailed)

	err = &Error{Kind: KindFetchFailed, Message: "cannot fetch page"}
	assert.Equal(t, "FetchFailed: cannot fetch page", err.Error())
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestRun_ReportJSON(t *testing.T) {
	t.Parallel()

	run := newRun(testNow)
	window := watermark.Window{Since: testNow.Add(-time.Hour), Until: testNow}
	run.Window = &window
	run.Fetched = 3
	_ = run.fail(KindFetchFailed, "cannot fetch page", errors.New("timeout"))

	data, err := json.Marshal(run)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Failed", decoded["state"])
	assert.Equal(t, "failed", decoded["outcome"])
	assert.NotContains(t, decoded, "finishedAt")

	report, ok := decoded["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "FetchFailed", report["kind"])
	assert.Equal(t, "cannot fetch page", report["message"])
	assert.EqualValues(t, 3, report["fetched"])
	assert.EqualValues(t, -1, report["page"])
}

func TestRun_StageSpanAttributes(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, WithTracerProvider(tp))

	f.provider.EXPECT().Credentials(gomock.Any()).Return(testCreds, nil)
	f.warehouse.EXPECT().ClearStage(gomock.Any()).Return(int64(0), nil)
	f.client.EXPECT().Search(gomock.Any(), gomock.Any()).Return(&jira.SearchResponse{
		Issues: []issue.SourceRecord{record("OPS-1", "Open", "2024-05-02T08:10:00.000+0000")},
		IsLast: true,
	}, nil)
	f.warehouse.EXPECT().AppendStage(gomock.Any(), gomock.Any()).Return(int64(1), nil)
	f.warehouse.EXPECT().MergeStage(gomock.Any()).
		Return(&warehouse.MergeResult{Staged: 1, Merged: 1, MergedAt: testNow}, nil)

	_, err := f.orch.Run(context.Background(), "")
	require.NoError(t, err)

	var attrs map[attribute.Key]attribute.Value
	for _, span := range exporter.GetSpans() {
		if span.Name != "sync.stage_page" {
			continue
		}
		attrs = make(map[attribute.Key]attribute.Value)
		for _, kv := range span.Attributes {
			attrs[kv.Key] = kv.Value
		}
	}
	require.NotNil(t, attrs, "stage span not recorded")
	assert.Equal(t, int64(2), attrs[otel.AttrPageSize].AsInt64())
	assert.Equal(t, int64(0), attrs[otel.AttrPageIndex].AsInt64())
	assert.Equal(t, int64(1), attrs[otel.AttrResultCount].AsInt64())
}
