// Package fetcher walks the paginated issue search for a sync window.
//
// Pages are requested strictly in cursor order. A page request that fails with a
// transient error (transport failure, timeout, HTTP 5xx or 429) is repeated with
// exponential backoff up to the policy's attempt ceiling. Authentication failures
// and other client errors end the sequence immediately.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/issuesync/internal/issue"
	"github.com/stacklok/issuesync/internal/jira"
	"github.com/stacklok/issuesync/internal/watermark"
)

const (
	// DefaultPageSize is the number of issues requested per page
	DefaultPageSize = 100

	// jqlTimeLayout is the minute-precision format accepted in JQL date literals
	jqlTimeLayout = "2006-01-02 15:04"
)

var (
	// ErrAuthFailed is returned when the credentials are rejected. It is never retried.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrFetchFailed is returned when a page cannot be fetched
	ErrFetchFailed = errors.New("fetch failed")

	// ErrAlreadyConsumed is returned when a page sequence is iterated a second time
	ErrAlreadyConsumed = errors.New("page sequence already consumed")
)

// Page is one batch of records in cursor order
type Page struct {
	// Index is the zero-based position of the page in the run
	Index int

	// Records are the issues of the page, in response order
	Records []issue.SourceRecord

	// Attempts is the number of requests it took to fetch the page
	Attempts int

	// Size is the page size that was requested
	Size int
}

// RetryNotify is called before a failed page request is repeated
type RetryNotify func(page int, attempt int, err error, delay time.Duration)

// Option configures a Fetcher
type Option func(*Fetcher)

// WithPageSize sets the number of issues requested per page
func WithPageSize(size int) Option {
	return func(f *Fetcher) {
		if size > 0 {
			f.pageSize = size
		}
	}
}

// WithJQL sets an additional filter ANDed with the window condition
func WithJQL(jql string) Option {
	return func(f *Fetcher) {
		f.jql = strings.TrimSpace(jql)
	}
}

// WithLocation sets the zone the window bound is rendered in
func WithLocation(loc *time.Location) Option {
	return func(f *Fetcher) {
		if loc != nil {
			f.loc = loc
		}
	}
}

// WithFields limits the fields returned for each issue
func WithFields(fields []string) Option {
	return func(f *Fetcher) {
		f.fields = fields
	}
}

// WithRetryPolicy sets the per-page retry policy
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(f *Fetcher) {
		f.retry = policy
	}
}

// WithRetryNotify registers a callback invoked before each retry
func WithRetryNotify(fn RetryNotify) Option {
	return func(f *Fetcher) {
		f.notify = fn
	}
}

// Fetcher produces the pages of a search
type Fetcher struct {
	client   jira.Client
	pageSize int
	jql      string
	loc      *time.Location
	fields   []string
	retry    RetryPolicy
	notify   RetryNotify
}

// New creates a Fetcher over client
func New(client jira.Client, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   client,
		pageSize: DefaultPageSize,
		loc:      time.UTC,
		retry:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Query renders the search filter for a window
func (f *Fetcher) Query(window watermark.Window) string {
	cond := fmt.Sprintf(`updated >= "%s"`, window.Since.In(f.loc).Format(jqlTimeLayout))
	if f.jql != "" {
		cond = fmt.Sprintf("(%s) AND %s", f.jql, cond)
	}
	return cond + " ORDER BY updated ASC, key ASC"
}

// Pages returns the lazy page sequence for window. The sequence can be iterated once;
// a second iteration yields ErrAlreadyConsumed. Iteration stops after the first error.
func (f *Fetcher) Pages(ctx context.Context, window watermark.Window) iter.Seq2[*Page, error] {
	var consumed atomic.Bool
	jql := f.Query(window)

	return func(yield func(*Page, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(nil, ErrAlreadyConsumed)
			return
		}

		token := ""
		for index := 0; ; index++ {
			if err := ctx.Err(); err != nil {
				yield(nil, fmt.Errorf("%w: page %d: %w", ErrFetchFailed, index, err))
				return
			}

			resp, attempts, err := f.fetchPage(ctx, index, &jira.SearchRequest{
				JQL:           jql,
				MaxResults:    f.pageSize,
				NextPageToken: token,
				Fields:        f.fields,
			})
			if err != nil {
				yield(nil, err)
				return
			}

			if len(resp.Issues) == 0 {
				return
			}

			if !yield(&Page{Index: index, Records: resp.Issues, Attempts: attempts, Size: f.pageSize}, nil) {
				return
			}

			if resp.IsLast || resp.NextPageToken == "" || len(resp.Issues) < f.pageSize {
				return
			}
			if resp.NextPageToken == token {
				yield(nil, fmt.Errorf("%w: page %d: continuation token did not advance", ErrFetchFailed, index))
				return
			}
			token = resp.NextPageToken
		}
	}
}

// fetchPage requests one page, retrying transient failures
func (f *Fetcher) fetchPage(ctx context.Context, index int, req *jira.SearchRequest) (*jira.SearchResponse, int, error) {
	b := f.retry.backOff()
	attempts := 0

	op := func() (*jira.SearchResponse, error) {
		attempts++
		resp, err := f.client.Search(ctx, req)
		if err != nil {
			return nil, classify(err, b)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.retry.maxTries()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			slog.WarnContext(ctx, "Page request failed, retrying",
				"page", index,
				"attempt", attempts,
				"delay", delay,
				"error", err)
			if f.notify != nil {
				f.notify(index, attempts, err, delay)
			}
		}),
	)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return nil, attempts, fmt.Errorf("page %d: %w", index, err)
		}
		return nil, attempts, fmt.Errorf("%w: page %d after %d attempt(s): %w", ErrFetchFailed, index, attempts, err)
	}

	return resp, attempts, nil
}
