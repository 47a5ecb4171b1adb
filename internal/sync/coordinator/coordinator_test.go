package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	pkgsync "github.com/stacklok/issuesync/internal/sync"
	"github.com/stacklok/issuesync/internal/sync/coordinator/mocks"
)

const waitFor = 2 * time.Second

// startCoordinator runs c in the background and stops it when the test ends
func startCoordinator(t *testing.T, c Coordinator) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()
	t.Cleanup(func() {
		require.NoError(t, c.Stop())
		require.NoError(t, <-errCh)
	})

	// Trigger succeeds or reports busy only once the loop has started
	require.Eventually(t, func() bool {
		err := c.Trigger("")
		return !errors.Is(err, ErrNotStarted)
	}, waitFor, time.Millisecond)
}

func TestNextInterval(t *testing.T) {
	t.Parallel()

	base := 10 * time.Minute
	for range 100 {
		got := nextInterval(base)
		assert.GreaterOrEqual(t, got, 9*time.Minute)
		assert.Less(t, got, 11*time.Minute)
	}
	assert.Equal(t, time.Duration(1), nextInterval(1))
}

func TestCoordinator_StopBeforeStart(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	c := New(mocks.NewMockRunner(ctrl))

	assert.NoError(t, c.Stop())
	assert.ErrorIs(t, c.Trigger(""), ErrNotStarted)
	assert.Nil(t, c.LastRun())
	assert.False(t, c.Running())
}

func TestCoordinator_RunsOnStart(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	report := &pkgsync.Run{ID: "run-1", State: pkgsync.StateSucceeded, Outcome: pkgsync.OutcomeSucceeded}
	runner.EXPECT().Run(gomock.Any(), "").Return(report, nil).MinTimes(1)

	c := New(runner, WithInterval(time.Hour))
	startCoordinator(t, c)

	require.Eventually(t, func() bool { return c.LastRun() != nil }, waitFor, time.Millisecond)
	assert.Equal(t, "run-1", c.LastRun().ID)
}

func TestCoordinator_TriggerWhileBusy(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)

	release := make(chan struct{})
	started := make(chan string, 1)
	runner.EXPECT().Run(gomock.Any(), "2024-05-01T00:00:00Z").
		DoAndReturn(func(_ context.Context, since string) (*pkgsync.Run, error) {
			started <- since
			<-release
			return &pkgsync.Run{ID: "manual", Outcome: pkgsync.OutcomeSucceeded}, nil
		})

	c := New(runner, WithInterval(time.Hour), WithRunOnStart(false))
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return !errors.Is(c.Trigger("2024-05-01T00:00:00Z"), ErrNotStarted)
	}, waitFor, time.Millisecond)

	assert.Equal(t, "2024-05-01T00:00:00Z", <-started)
	assert.True(t, c.Running())
	assert.ErrorIs(t, c.Trigger(""), ErrBusy)

	close(release)
	require.Eventually(t, func() bool { return !c.Running() }, waitFor, time.Millisecond)
	assert.Equal(t, "manual", c.LastRun().ID)

	require.NoError(t, c.Stop())
	require.NoError(t, <-errCh)
	assert.ErrorIs(t, c.Trigger(""), ErrNotStarted)
}

func TestCoordinator_KeepsFailedReport(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)

	failure := &pkgsync.Error{Kind: pkgsync.KindFetchFailed, Message: "cannot fetch page"}
	report := &pkgsync.Run{ID: "failed", State: pkgsync.StateFailed, Outcome: pkgsync.OutcomeFailed, Err: failure}
	runner.EXPECT().Run(gomock.Any(), gomock.Any()).Return(report, failure).AnyTimes()

	c := New(runner, WithInterval(time.Hour))
	startCoordinator(t, c)

	require.Eventually(t, func() bool { return c.LastRun() != nil && !c.Running() }, waitFor, time.Millisecond)
	assert.Equal(t, pkgsync.OutcomeFailed, c.LastRun().Outcome)
	assert.Equal(t, pkgsync.KindFetchFailed, c.LastRun().Err.Kind)
}

func TestCoordinator_StopWaitsForRun(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)

	started := make(chan struct{})
	runner.EXPECT().Run(gomock.Any(), "").
		DoAndReturn(func(ctx context.Context, _ string) (*pkgsync.Run, error) {
			close(started)
			<-ctx.Done()
			return &pkgsync.Run{ID: "cancelled", Outcome: pkgsync.OutcomeFailed}, ctx.Err()
		})

	c := New(runner, WithInterval(time.Hour))
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	<-started
	require.NoError(t, c.Stop())
	require.NoError(t, <-errCh)

	assert.False(t, c.Running())
	assert.Equal(t, "cancelled", c.LastRun().ID)
}

func TestCoordinator_StartTwice(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)
	runner.EXPECT().Run(gomock.Any(), "").Return(&pkgsync.Run{ID: "run-1"}, nil).AnyTimes()
	c := New(runner, WithInterval(time.Hour), WithRunOnStart(false))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return !errors.Is(c.Trigger(""), ErrNotStarted)
	}, waitFor, time.Millisecond)

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, c.Stop())
	require.NoError(t, <-errCh)

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	assert.NoError(t, c.Stop())
}
