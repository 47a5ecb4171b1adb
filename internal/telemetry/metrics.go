package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/issuesync/sync"
)

// SyncMetrics holds the OpenTelemetry instruments for sync runs
type SyncMetrics struct {
	runDuration    metric.Float64Histogram
	recordsFetched metric.Int64Counter
	recordsSkipped metric.Int64Counter
	rowsMerged     metric.Int64Counter
	pageRetries    metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	runDuration, err := meter.Float64Histogram(
		"issuesync_run_duration_seconds",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900, 1800),
	)
	if err != nil {
		return nil, err
	}

	recordsFetched, err := meter.Int64Counter(
		"issuesync_records_fetched_total",
		metric.WithDescription("Issues returned by the search API"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		return nil, err
	}

	recordsSkipped, err := meter.Int64Counter(
		"issuesync_records_skipped_total",
		metric.WithDescription("Issues dropped before staging because they had no key or update time"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		return nil, err
	}

	rowsMerged, err := meter.Int64Counter(
		"issuesync_rows_merged_total",
		metric.WithDescription("Distinct issues inserted or updated by merges"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		return nil, err
	}

	pageRetries, err := meter.Int64Counter(
		"issuesync_page_retries_total",
		metric.WithDescription("Page requests retried after a transient failure"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		runDuration:    runDuration,
		recordsFetched: recordsFetched,
		recordsSkipped: recordsSkipped,
		rowsMerged:     rowsMerged,
		pageRetries:    pageRetries,
	}, nil
}

// RecordRun records a finished run. outcome is succeeded, partial or failed;
// kind is the failure kind and empty otherwise.
func (m *SyncMetrics) RecordRun(ctx context.Context, outcome, kind string, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if kind != "" {
		attrs = append(attrs, attribute.String("kind", kind))
	}

	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordPage records the records fetched and skipped for one page
func (m *SyncMetrics) RecordPage(ctx context.Context, fetched, skipped int) {
	if m == nil {
		return
	}
	m.recordsFetched.Add(ctx, int64(fetched))
	if skipped > 0 {
		m.recordsSkipped.Add(ctx, int64(skipped))
	}
}

// RecordMerge records the rows changed by a merge
func (m *SyncMetrics) RecordMerge(ctx context.Context, merged int64) {
	if m == nil {
		return
	}
	m.rowsMerged.Add(ctx, merged)
}

// RecordRetry records one retried page request
func (m *SyncMetrics) RecordRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.pageRetries.Add(ctx, 1)
}
