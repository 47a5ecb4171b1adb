package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/issuesync/internal/credentials"
	"github.com/stacklok/issuesync/internal/fetcher"
	"github.com/stacklok/issuesync/internal/issue"
	"github.com/stacklok/issuesync/internal/jira"
	"github.com/stacklok/issuesync/internal/normalizer"
	"github.com/stacklok/issuesync/internal/otel"
	"github.com/stacklok/issuesync/internal/telemetry"
	"github.com/stacklok/issuesync/internal/warehouse"
	"github.com/stacklok/issuesync/internal/watermark"
)

const (
	// TracerName is the name of the tracer used for run spans
	TracerName = "github.com/stacklok/issuesync/sync"

	// cleanupTimeout bounds the best-effort stage cleanup after a failure
	cleanupTimeout = 30 * time.Second
)

// ClientFactory builds a search client from the credentials loaded for a run
type ClientFactory func(creds *credentials.Credentials) (jira.Client, error)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithResolver sets the window resolver
func WithResolver(resolver *watermark.Resolver) Option {
	return func(o *Orchestrator) {
		if resolver != nil {
			o.resolver = resolver
		}
	}
}

// WithFetcherOptions sets the options every run's fetcher is created with
func WithFetcherOptions(opts ...fetcher.Option) Option {
	return func(o *Orchestrator) {
		o.fetcherOpts = append(o.fetcherOpts, opts...)
	}
}

// WithRunTimeout bounds the wall-clock time of a run. Zero disables the bound.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.runTimeout = d
	}
}

// WithMetrics sets the run metrics
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// WithTracerProvider sets the provider run spans are created from
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(TracerName)
		}
	}
}

// WithClock sets the clock used for run timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator executes sync runs. It holds no per-run state and may be reused,
// but runs against the same warehouse must not overlap.
type Orchestrator struct {
	credentials credentials.Provider
	newClient   ClientFactory
	warehouse   warehouse.Warehouse
	normalizer  *normalizer.Normalizer

	resolver    *watermark.Resolver
	fetcherOpts []fetcher.Option
	runTimeout  time.Duration
	metrics     *telemetry.SyncMetrics
	tracer      trace.Tracer
	now         func() time.Time
}

// New creates an Orchestrator
func New(
	provider credentials.Provider,
	newClient ClientFactory,
	wh warehouse.Warehouse,
	norm *normalizer.Normalizer,
	opts ...Option,
) (*Orchestrator, error) {
	if provider == nil {
		return nil, fmt.Errorf("credentials provider is required")
	}
	if newClient == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	if wh == nil {
		return nil, fmt.Errorf("warehouse is required")
	}
	if norm == nil {
		return nil, fmt.Errorf("normalizer is required")
	}

	o := &Orchestrator{
		credentials: provider,
		newClient:   newClient,
		warehouse:   wh,
		normalizer:  norm,
		resolver:    watermark.NewResolver(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes one sync. since is an optional ISO-8601 override of the window start.
// The returned report is never nil; on failure the error is an *Error also stored in Run.Err.
func (o *Orchestrator) Run(ctx context.Context, since string) (*Run, error) {
	run := newRun(o.now().UTC())

	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	ctx, span := otel.StartSpan(ctx, o.tracer, "sync.run",
		trace.WithAttributes(otel.AttrRunID.String(run.ID)))
	defer span.End()

	slog.InfoContext(ctx, "Sync run started", "run_id", run.ID, "since_override", since != "")

	err := o.execute(ctx, run, since)

	run.FinishedAt = o.now().UTC()
	span.SetAttributes(otel.AttrOutcome.String(string(run.Outcome)))
	o.metrics.RecordRun(ctx, string(run.Outcome), string(KindOf(err)), run.Duration())

	if err != nil {
		otel.RecordError(span, err)
		slog.ErrorContext(ctx, "Sync run failed",
			append(run.logAttrs(), "kind", run.Err.Kind, "page", run.Err.Page, "error", err)...)
		return run, err
	}

	slog.InfoContext(ctx, "Sync run finished", run.logAttrs()...)
	return run, nil
}

// execute drives run through its states. It returns nil only after a successful merge.
func (o *Orchestrator) execute(ctx context.Context, run *Run, since string) error {
	run.transition(ctx, StateResolvingWindow)
	window, err := o.resolver.Resolve(since)
	if err != nil {
		return run.fail(KindInvalidWindow, "cannot resolve sync window", err)
	}
	run.Window = &window
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrWindowSince.String(window.Since.Format(time.RFC3339)))
	slog.InfoContext(ctx, "Sync window resolved",
		"run_id", run.ID,
		"since", window.Since,
		"until", window.Until)

	creds, err := o.credentials.Credentials(ctx)
	if err != nil {
		return run.fail(KindCredentialsFailed, "cannot load credentials", err)
	}
	client, err := o.newClient(creds)
	if err != nil {
		return run.fail(KindCredentialsFailed, "cannot create search client", err)
	}

	// Rows left behind by an earlier failed run must not be merged with this one
	cleared, err := o.warehouse.ClearStage(ctx)
	if err != nil {
		return run.fail(KindStageWriteFailed, "cannot clear stage before run", err)
	}
	if cleared > 0 {
		slog.WarnContext(ctx, "Discarded stage rows left by an earlier run",
			"run_id", run.ID,
			"rows", cleared)
	}

	if err := o.stagePages(ctx, run, client, window); err != nil {
		o.discardStage(ctx, run)
		return err
	}
	run.page = -1

	run.transition(ctx, StateMerging)
	if err := o.merge(ctx, run); err != nil {
		return err
	}

	run.succeed()
	return nil
}

// stagePages fetches, normalizes and stages the window page by page
func (o *Orchestrator) stagePages(ctx context.Context, run *Run, client jira.Client, window watermark.Window) error {
	opts := make([]fetcher.Option, 0, len(o.fetcherOpts)+2)
	opts = append(opts, o.fetcherOpts...)
	opts = append(opts,
		fetcher.WithFields(o.normalizer.Fields()),
		fetcher.WithRetryNotify(func(int, int, error, time.Duration) {
			o.metrics.RecordRetry(ctx)
		}),
	)
	f := fetcher.New(client, opts...)

	run.transition(ctx, StateFetching)
	for page, err := range f.Pages(ctx, window) {
		if err != nil {
			run.page = run.Pages
			if errors.Is(err, fetcher.ErrAuthFailed) {
				return run.fail(KindAuthFailed, "credentials rejected by the search API", err)
			}
			return run.fail(KindFetchFailed, "cannot fetch page", err)
		}

		run.page = page.Index
		run.transition(ctx, StateStaging)
		if err := o.stagePage(ctx, run, page); err != nil {
			return err
		}
		run.transition(ctx, StateFetching)
	}
	return nil
}

// stagePage normalizes one page and appends it to the stage
func (o *Orchestrator) stagePage(ctx context.Context, run *Run, page *fetcher.Page) error {
	ctx, span := otel.StartSpan(ctx, o.tracer, "sync.stage_page",
		trace.WithAttributes(
			otel.AttrRunID.String(run.ID),
			otel.AttrPageIndex.Int(page.Index),
			otel.AttrPageSize.Int(page.Size),
			otel.AttrResultCount.Int(len(page.Records)),
			otel.AttrAttempts.Int(page.Attempts),
		))
	defer span.End()

	rows := make([]issue.Row, 0, len(page.Records))
	skipped := 0
	for _, rec := range page.Records {
		row := o.normalizer.Normalize(rec)
		if row.Key == "" || row.Updated.IsZero() {
			skipped++
			slog.WarnContext(ctx, "Skipping record without key or update time",
				"run_id", run.ID,
				"page", page.Index,
				"id", rec.ID,
				"key", rec.Key)
			continue
		}
		rows = append(rows, row)
	}

	run.Pages++
	run.Fetched += len(page.Records)
	run.Skipped += skipped
	o.metrics.RecordPage(ctx, len(page.Records), skipped)

	staged, err := o.warehouse.AppendStage(ctx, rows)
	if err != nil {
		otel.RecordError(span, err)
		return run.fail(KindStageWriteFailed, "cannot append page to stage", err)
	}
	run.Staged += staged
	span.SetAttributes(attribute.Int64("stage.rows", staged))

	slog.InfoContext(ctx, "Page staged",
		"run_id", run.ID,
		"page", page.Index,
		"fetched", len(page.Records),
		"staged", staged,
		"skipped", skipped,
		"attempts", page.Attempts)
	return nil
}

// merge moves the stage into the target table
func (o *Orchestrator) merge(ctx context.Context, run *Run) error {
	ctx, span := otel.StartSpan(ctx, o.tracer, "sync.merge",
		trace.WithAttributes(otel.AttrRunID.String(run.ID)))
	defer span.End()

	result, err := o.warehouse.MergeStage(ctx)
	if err != nil {
		otel.RecordError(span, err)
		return run.fail(KindMergeFailed, "cannot merge stage into target, stage left intact", err)
	}

	run.Merged = result.Merged
	o.metrics.RecordMerge(ctx, result.Merged)
	span.SetAttributes(otel.AttrResultCount.Int64(result.Merged))

	if result.Staged != run.Staged {
		slog.WarnContext(ctx, "Merged stage size differs from rows staged by this run",
			"run_id", run.ID,
			"staged", run.Staged,
			"merge_staged", result.Staged)
	}
	slog.InfoContext(ctx, "Stage merged",
		"run_id", run.ID,
		"staged", result.Staged,
		"merged", result.Merged,
		"merged_at", result.MergedAt)
	return nil
}

// discardStage removes partially staged rows. Failure is logged, not returned.
func (o *Orchestrator) discardStage(ctx context.Context, run *Run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	removed, err := o.warehouse.ClearStage(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Failed to discard partially staged rows",
			"run_id", run.ID,
			"error", err)
		return
	}
	slog.InfoContext(ctx, "Discarded partially staged rows",
		"run_id", run.ID,
		"rows", removed)
}
