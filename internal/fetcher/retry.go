package fetcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/issuesync/internal/jira"
)

// RetryPolicy bounds how often and how slowly a single page request is repeated
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per page, including the first
	MaxAttempts int

	// InitialInterval is the delay before the second attempt
	InitialInterval time.Duration

	// MaxInterval caps any single delay
	MaxInterval time.Duration

	// Multiplier grows the delay after each attempt
	Multiplier float64
}

// DefaultRetryPolicy returns five attempts starting at 500ms and doubling up to 30s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) backOff() *serverHintBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	return &serverHintBackOff{exp: exp, max: p.MaxInterval}
}

func (p RetryPolicy) maxTries() uint {
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

// serverHintBackOff is an exponential backoff that waits at least as long as the
// server asked for in its last Retry-After header, never longer than max
type serverHintBackOff struct {
	exp  *backoff.ExponentialBackOff
	max  time.Duration
	hint time.Duration
}

func (b *serverHintBackOff) NextBackOff() time.Duration {
	next := b.exp.NextBackOff()
	hint := b.hint
	if b.max > 0 && hint > b.max {
		hint = b.max
	}
	if hint > next {
		next = hint
	}
	b.hint = 0
	return next
}

func (b *serverHintBackOff) Reset() {
	b.exp.Reset()
	b.hint = 0
}

// classify marks errors that must not be retried as permanent
func classify(err error, b *serverHintBackOff) error {
	var httpErr *jira.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.IsAuth():
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrAuthFailed, err))
		case httpErr.IsTransient():
			b.hint = httpErr.RetryAfter
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	return err
}
