// Package watermark resolves the lower bound of the time window a sync run fetches.
package watermark

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultLookback is how far back a run reaches when no override is supplied
	DefaultLookback = time.Hour

	// DefaultClockSkew is how far in the future an override may lie before it is rejected
	DefaultClockSkew = 2 * time.Minute
)

// ErrInvalidWindow is returned when an override cannot be parsed or lies in the future
var ErrInvalidWindow = errors.New("invalid sync window")

// acceptedLayouts are tried in order when parsing an override
var acceptedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04Z07:00",
}

// utcLayouts carry no offset and are read as UTC
var utcLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Window is the half-open interval [Since, Until) a run fetches
type Window struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// String returns the window bounds in RFC 3339 form
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Since.Format(time.RFC3339), w.Until.Format(time.RFC3339))
}

// Clock returns the current time
type Clock func() time.Time

// Option configures a Resolver
type Option func(*Resolver)

// WithClock sets the clock used to compute the default window
func WithClock(clock Clock) Option {
	return func(r *Resolver) {
		r.now = clock
	}
}

// WithLookback sets the default lookback
func WithLookback(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.lookback = d
		}
	}
}

// WithClockSkew sets the tolerance for overrides later than now
func WithClockSkew(d time.Duration) Option {
	return func(r *Resolver) {
		if d >= 0 {
			r.clockSkew = d
		}
	}
}

// Resolver computes the sync window for a run
type Resolver struct {
	now       Clock
	lookback  time.Duration
	clockSkew time.Duration
}

// NewResolver creates a Resolver with the default lookback and clock skew
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		now:       time.Now,
		lookback:  DefaultLookback,
		clockSkew: DefaultClockSkew,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the window for a run. An empty since selects now minus the lookback.
func (r *Resolver) Resolve(since string) (Window, error) {
	now := r.now().UTC()
	since = strings.TrimSpace(since)

	if since == "" {
		return Window{Since: now.Add(-r.lookback), Until: now}, nil
	}

	ts, err := Parse(since)
	if err != nil {
		return Window{}, err
	}

	if ts.After(now.Add(r.clockSkew)) {
		return Window{}, fmt.Errorf("%w: since %s is in the future", ErrInvalidWindow, ts.Format(time.RFC3339))
	}

	return Window{Since: ts, Until: now}, nil
}

// Parse parses an ISO-8601 timestamp or a YYYY-MM-DD date into UTC.
// A timestamp without an offset, and a date (midnight), are taken as UTC.
func Parse(value string) (time.Time, error) {
	for _, layout := range acceptedLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	for _, layout := range utcLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse %q as an ISO-8601 timestamp", ErrInvalidWindow, value)
}
