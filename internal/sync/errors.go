package sync

import (
	"errors"
	"fmt"

	"github.com/stacklok/issuesync/internal/watermark"
)

// Kind classifies why a run failed
type Kind string

// Failure kinds
const (
	KindInvalidWindow     Kind = "InvalidWindow"
	KindCredentialsFailed Kind = "CredentialsFailed"
	KindAuthFailed        Kind = "AuthFailed"
	KindFetchFailed       Kind = "FetchFailed"
	KindStageWriteFailed  Kind = "StageWriteFailed"
	KindMergeFailed       Kind = "MergeFailed"
)

// Sentinels matched by errors.Is against an *Error of the same Kind
var (
	ErrInvalidWindow     = errors.New("invalid window")
	ErrCredentialsFailed = errors.New("credentials failed")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrFetchFailed       = errors.New("fetch failed")
	ErrStageWriteFailed  = errors.New("stage write failed")
	ErrMergeFailed       = errors.New("merge failed")
)

var sentinels = map[Kind]error{
	KindInvalidWindow:     ErrInvalidWindow,
	KindCredentialsFailed: ErrCredentialsFailed,
	KindAuthFailed:        ErrAuthFailed,
	KindFetchFailed:       ErrFetchFailed,
	KindStageWriteFailed:  ErrStageWriteFailed,
	KindMergeFailed:       ErrMergeFailed,
}

// Error describes a failed run
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`

	// Window is nil when the failure happened before the window was resolved
	Window *watermark.Window `json:"window,omitempty"`

	// Page is the index of the page being processed, -1 outside the page loop
	Page int `json:"page"`

	Fetched int   `json:"fetched"`
	Staged  int64 `json:"staged"`
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's Kind
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none
func KindOf(err error) Kind {
	var syncErr *Error
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}
