package normalizer

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stacklok/issuesync/internal/issue"
)

// timestampLayouts are the datetime forms the tracker emits, most common first
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
}

// Resolve interprets a raw field according to kind. It never fails: absent,
// null or mistyped input resolves to an empty Value of that kind.
func Resolve(kind Kind, raw gjson.Result) Value {
	empty := Value{Kind: kind}
	if !raw.Exists() || raw.Type == gjson.Null {
		return empty
	}

	switch kind {
	case KindString:
		if s, ok := scalarText(raw); ok {
			return textValue(kind, s)
		}
	case KindSelect:
		if s, ok := label(raw); ok {
			return textValue(kind, s)
		}
	case KindMultiSelect:
		return listValue(kind, labels(raw))
	case KindCascade:
		return listValue(kind, cascade(raw))
	case KindUser:
		if s, ok := displayName(raw); ok {
			return textValue(kind, s)
		}
	case KindDate:
		if d, ok := parseDate(raw.String()); ok {
			return Value{Kind: kind, date: &d, valid: true}
		}
	case KindDateTime:
		if ts, ok := parseTimestamp(raw.String()); ok {
			return Value{Kind: kind, ts: &ts, valid: true}
		}
	case KindSLA:
		if raw.IsObject() {
			return Value{Kind: kind, sla: reduceSLA(raw), valid: true}
		}
	case KindDocument:
		if s, ok := documentText(raw); ok {
			return textValue(kind, s)
		}
	}

	return empty
}

// scalarText renders strings, numbers and booleans as text
func scalarText(r gjson.Result) (string, bool) {
	switch r.Type {
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		return s, s != ""
	case gjson.Number, gjson.True, gjson.False:
		return r.Raw, true
	default:
		if r.IsObject() {
			return label(r)
		}
	}
	return "", false
}

// label returns the display label of an option-like object, not its internal id
func label(r gjson.Result) (string, bool) {
	if r.Type == gjson.String {
		s := strings.TrimSpace(r.Str)
		return s, s != ""
	}
	if !r.IsObject() {
		return "", false
	}
	for _, path := range []string{"value", "name", "displayName"} {
		if v := r.Get(path); v.Type == gjson.String {
			if s := strings.TrimSpace(v.Str); s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// labels returns the ordered labels of a multi-valued field, never nil
func labels(r gjson.Result) []string {
	out := []string{}
	if !r.IsArray() {
		if s, ok := label(r); ok {
			out = append(out, s)
		}
		return out
	}
	for _, item := range r.Array() {
		if s, ok := label(item); ok {
			out = append(out, s)
		}
	}
	return out
}

// cascade flattens a cascading select into [parent, child]
func cascade(r gjson.Result) []string {
	if r.IsArray() {
		return labels(r)
	}
	out := []string{}
	parent, ok := label(r)
	if !ok {
		return out
	}
	out = append(out, parent)
	if child, ok := label(r.Get("child")); ok {
		out = append(out, child)
	}
	return out
}

// displayName returns the human name of a user object
func displayName(r gjson.Result) (string, bool) {
	if r.Type == gjson.String {
		s := strings.TrimSpace(r.Str)
		return s, s != ""
	}
	if !r.IsObject() {
		return "", false
	}
	if v := r.Get("displayName"); v.Type == gjson.String {
		if s := strings.TrimSpace(v.Str); s != "" {
			return s, true
		}
	}
	return "", false
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseDate keeps date precision. A full timestamp is reduced to its date in its own offset.
func parseDate(s string) (issue.Date, bool) {
	s = strings.TrimSpace(s)
	if d, err := issue.ParseDate(s); err == nil {
		return d, true
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return issue.DateOf(ts), true
		}
	}
	return issue.Date{}, false
}

// reduceSLA keeps the object verbatim and derives the breach flag from the object
// itself, the ongoing cycle and every completed cycle
func reduceSLA(r gjson.Result) *SLA {
	var compact bytes.Buffer
	raw := json.RawMessage(r.Raw)
	if err := json.Compact(&compact, []byte(r.Raw)); err == nil {
		raw = compact.Bytes()
	}

	breached := r.Get("breached").Bool() || r.Get("ongoingCycle.breached").Bool()
	if !breached {
		r.Get("completedCycles").ForEach(func(_, cycle gjson.Result) bool {
			if cycle.Get("breached").Bool() {
				breached = true
				return false
			}
			return true
		})
	}

	return &SLA{Raw: raw, Breached: breached}
}

// blockNodes end a line when flattening a rich text document
var blockNodes = map[string]bool{
	"paragraph":   true,
	"heading":     true,
	"blockquote":  true,
	"codeBlock":   true,
	"listItem":    true,
	"tableRow":    true,
	"panel":       true,
	"rule":        true,
	"mediaSingle": true,
}

// documentText returns plain text for a string or a rich text document
func documentText(r gjson.Result) (string, bool) {
	if r.Type == gjson.String {
		s := strings.TrimSpace(r.Str)
		return s, s != ""
	}
	if !r.IsObject() {
		return "", false
	}

	var b strings.Builder
	flatten(&b, r)

	lines := strings.Split(b.String(), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimRight(line, " \t"); line != "" {
			kept = append(kept, line)
		}
	}
	s := strings.Join(kept, "\n")
	return s, s != ""
}

func flatten(b *strings.Builder, node gjson.Result) {
	nodeType := node.Get("type").String()
	switch nodeType {
	case "text":
		b.WriteString(node.Get("text").String())
		return
	case "hardBreak":
		b.WriteString("\n")
		return
	case "mention", "emoji", "date", "status":
		b.WriteString(node.Get("attrs.text").String())
		return
	case "inlineCard", "blockCard":
		b.WriteString(node.Get("attrs.url").String())
		return
	}

	node.Get("content").ForEach(func(_, child gjson.Result) bool {
		flatten(b, child)
		return true
	})

	if blockNodes[nodeType] {
		b.WriteString("\n")
	}
}
