// Package sync runs one incremental issue sync.
//
// An Orchestrator sequences the steps of a run:
//
//   - resolve the window from an optional since override
//   - load credentials and build a search client
//   - clear whatever an earlier run left in the stage
//   - fetch, normalize and stage one page at a time, in cursor order
//   - merge the stage into the target table in a single transaction
//
// # States
//
// A run moves through Idle, ResolvingWindow, Fetching and Staging (interleaved
// per page), Merging and finally Succeeded. Any non-terminal state may move to
// Failed with an error Kind. A failed run is never retried as a whole; retries
// are confined to single page requests inside the fetcher.
//
// # Failures
//
// Every failure is returned as an *Error carrying the Kind, the window and the
// counts reached so far. errors.Is matches the Kind sentinels (ErrFetchFailed,
// ErrMergeFailed, ...) as well as the wrapped cause.
//
// A fetch or stage failure discards the partially staged rows on a best-effort
// basis. A merge failure leaves the target table unchanged and the stage intact,
// so the run can be repeated.
//
// # Outcome
//
// A run that merged without error is succeeded, or partial when records without
// a key or update time had to be skipped.
//
// The coordinator subpackage schedules runs at an interval and guarantees that
// at most one run is active per process.
package sync
