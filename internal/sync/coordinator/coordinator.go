package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	pkgsync "github.com/stacklok/issuesync/internal/sync"
)

const (
	// DefaultInterval is the scheduling interval when none is configured
	DefaultInterval = 15 * time.Minute

	// jitterFraction is the largest relative offset applied to each interval
	jitterFraction = 0.1
)

var (
	// ErrBusy is returned by Trigger while a run is in progress
	ErrBusy = errors.New("a sync run is already in progress")

	// ErrNotStarted is returned by Trigger before Start or after Stop
	ErrNotStarted = errors.New("coordinator is not running")

	// ErrAlreadyStarted is returned by a second Start; a coordinator is single-use
	ErrAlreadyStarted = errors.New("coordinator has already been started")
)

// Run origins, attached to log lines
const (
	originSchedule = "schedule"
	originManual   = "manual"
)

// Runner executes one sync run
//
//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/stacklok/issuesync/internal/sync/coordinator Runner
type Runner interface {
	Run(ctx context.Context, since string) (*pkgsync.Run, error)
}

// Coordinator schedules sync runs and serializes them with manual triggers
type Coordinator interface {
	// Start runs the schedule until ctx is cancelled or Stop is called.
	// The first run starts immediately unless disabled with WithRunOnStart.
	Start(ctx context.Context) error

	// Stop ends the schedule and waits for an active run to finish
	Stop() error

	// Trigger starts a run with the given since override in the background.
	// It returns ErrBusy if a run is already active.
	Trigger(since string) error

	// Running reports whether a run is active
	Running() bool

	// LastRun returns the report of the most recently finished run, nil if none
	LastRun() *pkgsync.Run
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithInterval sets the scheduling interval
func WithInterval(interval time.Duration) Option {
	return func(c *defaultCoordinator) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithRunOnStart controls whether Start begins with an immediate run
func WithRunOnStart(enabled bool) Option {
	return func(c *defaultCoordinator) {
		c.runOnStart = enabled
	}
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool

	mu      sync.Mutex
	ctx     context.Context
	started bool
	running bool
	last    *pkgsync.Run

	// Lifecycle management
	cancelFunc context.CancelFunc
	done       chan struct{}
	runs       sync.WaitGroup
}

// New creates a new coordinator around runner
func New(runner Runner, opts ...Option) Coordinator {
	c := &defaultCoordinator{
		runner:     runner,
		interval:   DefaultInterval,
		runOnStart: true,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// nextInterval returns the base interval with a random jitter of up to ±10%
// so that several deployments do not poll the tracker in lockstep
func nextInterval(base time.Duration) time.Duration {
	span := int64(float64(base) * jitterFraction)
	if span <= 0 {
		return base
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for scheduling jitter
	return base + time.Duration(rand.Int64N(2*span)-span)
}

// Start begins the background schedule
func (c *defaultCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true

	coordCtx, cancel := context.WithCancel(ctx)
	c.ctx = coordCtx
	c.cancelFunc = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ctx = nil
		c.mu.Unlock()
		c.runs.Wait()
		close(c.done)
		slog.Info("Sync coordinator shutting down")
	}()

	interval := nextInterval(c.interval)
	slog.Info("Starting sync coordinator",
		"base_interval", c.interval,
		"actual_interval", interval,
		"run_on_start", c.runOnStart)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if c.runOnStart {
		c.scheduled()
	}

	for {
		select {
		case <-ticker.C:
			c.scheduled()
			ticker.Reset(nextInterval(c.interval))
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the coordinator
func (c *defaultCoordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancelFunc
	c.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping sync coordinator")
		cancel()
		// Wait for the loop and any active run to finish
		<-c.done
	}
	return nil
}

// Trigger starts a manual run
func (c *defaultCoordinator) Trigger(since string) error {
	return c.start(since, originManual)
}

// Running reports whether a run is active
func (c *defaultCoordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LastRun returns the last finished run
func (c *defaultCoordinator) LastRun() *pkgsync.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// scheduled starts a run with the default window, skipping the tick when busy
func (c *defaultCoordinator) scheduled() {
	if err := c.start("", originSchedule); err != nil {
		slog.Info("Skipping scheduled sync run", "reason", err.Error())
	}
}

// start claims the run slot and executes the run in the background
func (c *defaultCoordinator) start(since, origin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx == nil || c.ctx.Err() != nil {
		return ErrNotStarted
	}
	if c.running {
		return ErrBusy
	}
	c.running = true

	ctx := c.ctx
	c.runs.Add(1)
	go func() {
		defer c.runs.Done()
		c.execute(ctx, since, origin)
	}()
	return nil
}

// execute runs the sync and records its report
func (c *defaultCoordinator) execute(ctx context.Context, since, origin string) {
	slog.Info("Starting sync run", "origin", origin, "since", since)

	run, err := c.runner.Run(ctx, since)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	if run != nil {
		c.last = run
	}

	if err != nil {
		// The orchestrator has already logged the failure details
		slog.Warn("Sync run did not succeed", "origin", origin, "kind", pkgsync.KindOf(err))
	}
}
