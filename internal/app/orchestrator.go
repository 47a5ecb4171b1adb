package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/issuesync/internal/config"
	"github.com/stacklok/issuesync/internal/credentials"
	"github.com/stacklok/issuesync/internal/fetcher"
	"github.com/stacklok/issuesync/internal/jira"
	"github.com/stacklok/issuesync/internal/normalizer"
	pkgsync "github.com/stacklok/issuesync/internal/sync"
	"github.com/stacklok/issuesync/internal/telemetry"
	"github.com/stacklok/issuesync/internal/warehouse"
	"github.com/stacklok/issuesync/internal/watermark"
)

// NewResolver builds the window resolver from the sync section
func NewResolver(cfg *config.Config) *watermark.Resolver {
	s := cfg.GetSync()
	return watermark.NewResolver(
		watermark.WithLookback(s.GetLookback()),
		watermark.WithClockSkew(s.GetClockSkew()),
	)
}

// NewOrchestrator wires a sync orchestrator from configuration.
// tel may be nil, in which case runs are neither traced nor measured.
// Options in extra are applied last and override the configured ones.
func NewOrchestrator(
	ctx context.Context,
	cfg *config.Config,
	wh warehouse.Warehouse,
	tel *telemetry.Telemetry,
	extra ...pkgsync.Option,
) (*pkgsync.Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	provider, err := credentials.NewProvider(ctx, &cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to create credentials provider: %w", err)
	}

	mapping, err := normalizer.MappingFromConfig(cfg.Jira.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build field mapping: %w", err)
	}

	requestTimeout := cfg.Jira.GetRequestTimeout()
	newClient := func(creds *credentials.Credentials) (jira.Client, error) {
		client, err := jira.NewClient(creds, requestTimeout)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	s := cfg.GetSync()
	retry := s.GetRetry()

	opts := []pkgsync.Option{
		pkgsync.WithResolver(NewResolver(cfg)),
		pkgsync.WithRunTimeout(s.GetRunTimeout()),
		pkgsync.WithFetcherOptions(
			fetcher.WithPageSize(cfg.Jira.GetPageSize()),
			fetcher.WithJQL(cfg.Jira.JQL),
			fetcher.WithLocation(cfg.Jira.GetLocation()),
			fetcher.WithRetryPolicy(fetcher.RetryPolicy{
				MaxAttempts:     retry.GetMaxAttempts(),
				InitialInterval: retry.GetInitialInterval(),
				MaxInterval:     retry.GetMaxInterval(),
				Multiplier:      retry.GetMultiplier(),
			}),
		),
	}

	if tel != nil {
		metrics, err := telemetry.NewSyncMetrics(tel.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create sync metrics: %w", err)
		}
		opts = append(opts,
			pkgsync.WithMetrics(metrics),
			pkgsync.WithTracerProvider(tel.TracerProvider()),
		)
	}
	opts = append(opts, extra...)

	orch, err := pkgsync.New(provider, newClient, wh, normalizer.New(mapping), opts...)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Sync orchestrator configured",
		"credentials_source", cfg.Credentials.GetSource(),
		"page_size", cfg.Jira.GetPageSize(),
		"lookback", s.GetLookback(),
		"run_timeout", s.GetRunTimeout(),
		"max_attempts", retry.GetMaxAttempts())
	return orch, nil
}
