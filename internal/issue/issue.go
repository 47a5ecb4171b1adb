// Package issue contains the domain types shared by the fetch, normalize, stage and merge steps.
package issue

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the textual form of a date-only value
const DateLayout = "2006-01-02"

// SourceRecord is one issue as returned by the search API.
// Fields holds the raw "fields" object and is never modified after fetching.
type SourceRecord struct {
	ID     string          `json:"id"`
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields"`
}

// Date is a calendar date without a time-of-day component
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns midnight UTC of the date
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// String returns the date in YYYY-MM-DD form
func (d Date) String() string {
	return d.Time().Format(DateLayout)
}

// MarshalJSON encodes the date as a YYYY-MM-DD string
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Row is the flat, normalized form of an issue. Keys are unique in the target table.
type Row struct {
	Key                 string          `json:"issue_key"`
	IssueType           *string         `json:"issue_type"`
	Summary             *string         `json:"summary"`
	Description         *string         `json:"description"`
	Status              *string         `json:"status"`
	Priority            *string         `json:"priority"`
	Resolution          *string         `json:"resolution"`
	Assignee            *string         `json:"assignee"`
	Reporter            *string         `json:"reporter"`
	Created             *time.Time      `json:"created"`
	Updated             time.Time       `json:"updated"`
	Resolved            *time.Time      `json:"resolved"`
	DueDate             *Date           `json:"due_date"`
	Labels              []string        `json:"labels"`
	Team                []string        `json:"team"`
	Filiale             []string        `json:"filiale"`
	TimeToResolution    json.RawMessage `json:"time_to_resolution"`
	TimeToFirstResponse json.RawMessage `json:"time_to_first_response"`
	SLABreached         bool            `json:"sla_breached"`

	// LastSync is only ever set by the merge step
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// Columns lists the stage and target column names in the order used by Values
var Columns = []string{
	"issue_key",
	"issue_type",
	"summary",
	"description",
	"status",
	"priority",
	"resolution",
	"assignee",
	"reporter",
	"created",
	"updated",
	"resolved",
	"due_date",
	"labels",
	"team",
	"filiale",
	"time_to_resolution",
	"time_to_first_response",
	"sla_breached",
}

// Values returns the row's column values in Columns order.
// Collections are never nil so that empty lists are stored as empty, not null.
func (r *Row) Values() []any {
	var due *time.Time
	if r.DueDate != nil {
		t := r.DueDate.Time()
		due = &t
	}

	return []any{
		r.Key,
		r.IssueType,
		r.Summary,
		r.Description,
		r.Status,
		r.Priority,
		r.Resolution,
		r.Assignee,
		r.Reporter,
		r.Created,
		r.Updated,
		r.Resolved,
		due,
		NonNil(r.Labels),
		NonNil(r.Team),
		NonNil(r.Filiale),
		opaque(r.TimeToResolution),
		opaque(r.TimeToFirstResponse),
		r.SLABreached,
	}
}

// NonNil returns s, or an empty slice when s is nil
func NonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func opaque(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
