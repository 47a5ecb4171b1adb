package normalizer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/issuesync/internal/issue"
)

// Kind identifies the shape of a source field
type Kind int

// Field kinds
const (
	KindString Kind = iota
	KindSelect
	KindMultiSelect
	KindCascade
	KindUser
	KindDate
	KindDateTime
	KindSLA
	KindDocument
)

var kindNames = map[Kind]string{
	KindString:      "string",
	KindSelect:      "select",
	KindMultiSelect: "multiselect",
	KindCascade:     "cascade",
	KindUser:        "user",
	KindDate:        "date",
	KindDateTime:    "datetime",
	KindSLA:         "sla",
	KindDocument:    "document",
}

// String returns the configuration name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind returns the kind with the given configuration name
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown field kind %q", name)
}

// SLA is a reduced service-level object. Raw keeps the source object verbatim.
type SLA struct {
	Raw      json.RawMessage
	Breached bool
}

// Value is a resolved source field. Exactly one payload matches Kind; an absent
// or malformed field resolves to a Value with no payload.
type Value struct {
	Kind Kind

	text  *string
	list  []string
	ts    *time.Time
	date  *issue.Date
	sla   *SLA
	valid bool
}

// Present reports whether the field resolved to a usable value
func (v Value) Present() bool {
	return v.valid
}

// Text projects the value to a single string, nil when absent
func (v Value) Text() *string {
	switch {
	case v.text != nil:
		return v.text
	case len(v.list) > 0:
		s := v.list[0]
		return &s
	}
	return nil
}

// List projects the value to an ordered sequence, never nil
func (v Value) List() []string {
	switch {
	case v.list != nil:
		return v.list
	case v.text != nil:
		return []string{*v.text}
	}
	return []string{}
}

// Timestamp projects the value to an absolute time, nil when absent
func (v Value) Timestamp() *time.Time {
	switch {
	case v.ts != nil:
		return v.ts
	case v.date != nil:
		t := v.date.Time()
		return &t
	}
	return nil
}

// Date projects the value to a calendar date, nil when absent
func (v Value) Date() *issue.Date {
	switch {
	case v.date != nil:
		return v.date
	case v.ts != nil:
		d := issue.DateOf(v.ts.UTC())
		return &d
	}
	return nil
}

// SLA returns the SLA payload, nil when absent
func (v Value) SLA() *SLA {
	return v.sla
}

func textValue(kind Kind, s string) Value {
	return Value{Kind: kind, text: &s, valid: true}
}

func listValue(kind Kind, l []string) Value {
	return Value{Kind: kind, list: l, valid: true}
}
