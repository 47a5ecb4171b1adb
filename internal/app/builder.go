package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/issuesync/internal/api"
	"github.com/stacklok/issuesync/internal/app/storage"
	"github.com/stacklok/issuesync/internal/config"
	"github.com/stacklok/issuesync/internal/sync/coordinator"
	"github.com/stacklok/issuesync/internal/telemetry"
	"github.com/stacklok/issuesync/internal/warehouse"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// SyncAppOptions is a function that configures the sync app builder
type SyncAppOptions func(*syncAppConfig) error

// syncAppConfig collects the inputs of NewSyncApp.
// It supports dependency injection for testing while providing sensible defaults for production.
type syncAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	warehouse warehouse.Warehouse
	runner    coordinator.Runner
	telemetry *telemetry.Telemetry

	// Coordinator options
	runOnStart bool

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
}

func baseConfig(opts ...SyncAppOptions) (*syncAppConfig, error) {
	cfg := &syncAppConfig{
		runOnStart:     true,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.address == "" && cfg.config != nil {
		cfg.address = cfg.config.GetTrigger().GetAddress()
	}
	if cfg.address == "" {
		cfg.address = config.DefaultTriggerAddress
	}

	return cfg, nil
}

// NewSyncApp creates the application from configuration and options
func NewSyncApp(
	ctx context.Context,
	opts ...SyncAppOptions,
) (*SyncApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.telemetry == nil {
		cfg.telemetry, err = telemetry.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create telemetry: %w", err)
		}
	}

	if cfg.warehouse == nil {
		cfg.warehouse, err = storage.Open(ctx, &cfg.config.Warehouse, storage.WithMigrations(true))
		if err != nil {
			return nil, fmt.Errorf("failed to open warehouse: %w", err)
		}
	}

	// Ensure cleanup happens on error
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			_ = cfg.warehouse.Close()
		}
	}()

	syncCoordinator, err := buildSyncComponents(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}

	httpServer, err := buildHTTPServer(ctx, cfg, syncCoordinator)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	return &SyncApp{
		config: cfg.config,
		components: &AppComponents{
			Coordinator: syncCoordinator,
			Warehouse:   cfg.warehouse,
		},
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress overrides the configured HTTP listen address
func WithAddress(addr string) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithWarehouse allows injecting an open warehouse. The app takes ownership and closes it on Stop.
func WithWarehouse(wh warehouse.Warehouse) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.warehouse = wh
		return nil
	}
}

// WithRunner allows injecting a custom run executor (for testing)
func WithRunner(r coordinator.Runner) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.runner = r
		return nil
	}
}

// WithTelemetry sets the providers used for run and HTTP instrumentation.
// The caller keeps ownership and shuts it down.
func WithTelemetry(tel *telemetry.Telemetry) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.telemetry = tel
		return nil
	}
}

// WithRunOnStart controls whether the schedule begins with an immediate run
func WithRunOnStart(enabled bool) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.runOnStart = enabled
		return nil
	}
}

// buildSyncComponents builds the orchestrator and its coordinator
func buildSyncComponents(
	ctx context.Context,
	b *syncAppConfig,
) (coordinator.Coordinator, error) {
	slog.Info("Initializing sync components")

	if b.runner == nil {
		orch, err := NewOrchestrator(ctx, b.config, b.warehouse, b.telemetry)
		if err != nil {
			return nil, err
		}
		b.runner = orch
	}

	syncCoordinator := coordinator.New(b.runner,
		coordinator.WithInterval(b.config.GetSync().GetInterval()),
		coordinator.WithRunOnStart(b.runOnStart),
	)
	slog.Info("Sync components initialized successfully")

	return syncCoordinator, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(
	_ context.Context,
	b *syncAppConfig,
	trigger api.SyncTrigger,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	// Use default middlewares if not provided
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Tracing and metrics come first so that rejected requests are observed too
	httpMetrics, err := telemetry.NewHTTPMetrics(b.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}
	middlewares := append([]func(http.Handler) http.Handler{
		telemetry.TracingMiddleware(b.telemetry.TracerProvider()),
		httpMetrics.Middleware,
	}, b.middlewares...)

	token, err := b.config.GetTrigger().GetToken()
	if err != nil {
		return nil, err
	}

	router := api.NewServer(trigger, b.warehouse,
		api.WithMiddlewares(middlewares...),
		api.WithTriggerToken(token),
		api.WithResolver(NewResolver(b.config)),
		api.WithMetricsHandler(b.telemetry.MetricsHandler()),
	)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address, "trigger_enabled", token != "")
	return server, nil
}
