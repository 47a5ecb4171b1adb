// Package coordinator schedules sync runs in serve mode.
//
// The coordinator owns the only path to the orchestrator while serving, so it
// can guarantee that at most one run is active at a time:
//
//   - a ticker starts a run every interval, with a small jitter
//   - Trigger starts a run on demand, typically from the HTTP trigger endpoint
//   - a scheduled tick during an active run is skipped
//   - a Trigger during an active run fails with ErrBusy
//
// The report of the most recent finished run is kept in memory and returned by
// LastRun. Nothing is persisted; a restart starts with no report.
//
// # Usage
//
//	coord := coordinator.New(orchestrator, coordinator.WithInterval(15*time.Minute))
//	go func() { _ = coord.Start(ctx) }()
//	defer coord.Stop()
//
//	if err := coord.Trigger("2024-05-01T00:00:00Z"); errors.Is(err, coordinator.ErrBusy) {
//	    // reply 409
//	}
package coordinator
