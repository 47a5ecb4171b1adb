package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the tracer and meter providers of one issuesync process
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metricsHandler http.Handler
}

// Option configures New
type Option func(*telemetryConfig)

type telemetryConfig struct {
	config *Config
}

// WithTelemetryConfig sets the telemetry configuration
func WithTelemetryConfig(cfg *Config) Option {
	return func(tc *telemetryConfig) {
		tc.config = cfg
	}
}

// New builds the providers selected by the configuration. Without a configuration, or
// with telemetry disabled, both providers are no-ops. Callers must call Shutdown.
func New(ctx context.Context, opts ...Option) (*Telemetry, error) {
	tc := &telemetryConfig{}
	for _, opt := range opts {
		opt(tc)
	}

	cfg := tc.config
	if cfg == nil || !cfg.Enabled {
		cfg = nil
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	tracerProvider, err := NewTracerProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}
	tel := &Telemetry{tracerProvider: tracerProvider}

	var meterOpts []MeterProviderOption
	if cfg != nil {
		meterOpts = []MeterProviderOption{
			WithMeterServiceName(cfg.GetServiceName()),
			WithMeterServiceVersion(cfg.GetServiceVersion()),
			WithMetricsConfig(cfg.Metrics),
			WithMeterEndpoint(cfg.GetEndpoint()),
			WithMeterInsecure(cfg.Insecure),
		}
		// the scrape output only carries this process's instruments
		if m := cfg.Metrics; m != nil && m.Enabled && m.GetExporter() == MetricsExporterPrometheus {
			registry := prometheus.NewRegistry()
			meterOpts = append(meterOpts, WithPrometheusRegisterer(registry))
			tel.metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		}
	}

	tel.meterProvider, err = NewMeterProvider(ctx, meterOpts...)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create meter provider: %w", err)
	}

	if cfg != nil {
		slog.Info("Telemetry initialized",
			"service_name", cfg.GetServiceName(),
			"service_version", cfg.GetServiceVersion())
	}
	return tel, nil
}

// TracerProvider returns the tracer provider run spans are created from
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// MeterProvider returns the meter provider sync and HTTP metrics are recorded on
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// MetricsHandler returns the Prometheus scrape handler, nil unless the Prometheus exporter is enabled
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metricsHandler
}

// shutdowner is implemented by the SDK providers; the no-op providers are skipped
type shutdowner interface {
	Shutdown(context.Context) error
}

// Shutdown flushes pending spans and metrics
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for name, provider := range map[string]any{"tracer": t.tracerProvider, "meter": t.meterProvider} {
		p, ok := provider.(shutdowner)
		if !ok {
			continue
		}
		if err := p.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown %s provider: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
