package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/issuesync/internal/watermark"
)

// State is the position of a run in its lifecycle
type State string

// Run states
const (
	StateIdle            State = "Idle"
	StateResolvingWindow State = "ResolvingWindow"
	StateFetching        State = "Fetching"
	StateStaging         State = "Staging"
	StateMerging         State = "Merging"
	StateSucceeded       State = "Succeeded"
	StateFailed          State = "Failed"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Outcome is the terminal result of a run
type Outcome string

// Run outcomes
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

// Run is the report of one execution. It is owned by the orchestrator until the run ends.
type Run struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt,omitzero"`
	Window     *watermark.Window `json:"window,omitempty"`

	Pages   int   `json:"pages"`
	Fetched int   `json:"fetched"`
	Skipped int   `json:"skipped"`
	Staged  int64 `json:"staged"`
	Merged  int64 `json:"merged"`

	State   State   `json:"state"`
	Outcome Outcome `json:"outcome,omitempty"`
	Err     *Error  `json:"error,omitempty"`

	// page is the index of the page being processed, -1 outside the page loop
	page int
}

func newRun(now time.Time) *Run {
	return &Run{
		ID:        uuid.NewString(),
		StartedAt: now,
		State:     StateIdle,
		page:      -1,
	}
}

// Duration is the wall-clock time of a finished run
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// transition moves the run to state. Page-level moves between Fetching and Staging log at debug.
func (r *Run) transition(ctx context.Context, state State) {
	if r.State == state {
		return
	}
	level := slog.LevelInfo
	if r.page >= 0 && (state == StateFetching || state == StateStaging) {
		level = slog.LevelDebug
	}
	slog.Log(ctx, level, "Sync run state changed",
		"run_id", r.ID,
		"from", r.State,
		"to", state)
	r.State = state
}

// fail ends the run with kind and returns the error describing it
func (r *Run) fail(kind Kind, message string, err error) *Error {
	syncErr := &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
		Window:  r.Window,
		Page:    r.page,
		Fetched: r.Fetched,
		Staged:  r.Staged,
	}
	r.State = StateFailed
	r.Outcome = OutcomeFailed
	r.Err = syncErr
	return syncErr
}

// succeed ends the run after a successful merge
func (r *Run) succeed() {
	r.State = StateSucceeded
	r.Outcome = OutcomeSucceeded
	if r.Skipped > 0 {
		r.Outcome = OutcomePartial
	}
}

// logAttrs are the fields attached to the final log line of a run
func (r *Run) logAttrs() []any {
	attrs := []any{
		"run_id", r.ID,
		"state", r.State,
		"outcome", r.Outcome,
		"pages", r.Pages,
		"fetched", r.Fetched,
		"skipped", r.Skipped,
		"staged", r.Staged,
		"merged", r.Merged,
		"duration", r.Duration(),
	}
	if r.Window != nil {
		attrs = append(attrs, "since", r.Window.Since, "until", r.Window.Until)
	}
	return attrs
}
