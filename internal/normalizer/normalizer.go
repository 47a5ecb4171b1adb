// Package normalizer maps raw issue records onto the flat row written to the warehouse.
//
// Every source field is resolved exactly once into a tagged Value according to its
// Kind and then projected onto the row column. Normalization is total and
// deterministic: missing or malformed fields become nulls or empty lists, and
// fields that are not mapped are ignored.
package normalizer

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stacklok/issuesync/internal/config"
	"github.com/stacklok/issuesync/internal/issue"
)

// Field binds a source field id to the kind used to read it
type Field struct {
	ID   string
	Kind Kind
}

// Mapping lists the source fields for every row column
type Mapping struct {
	IssueType   Field
	Summary     Field
	Description Field
	Status      Field
	Priority    Field
	Resolution  Field
	Assignee    Field
	Reporter    Field
	Created     Field
	Updated     Field
	Resolved    Field
	DueDate     Field
	Labels      Field

	// Custom fields, left empty when the tracker has no equivalent
	Team                Field
	Filiale             Field
	TimeToResolution    Field
	TimeToFirstResponse Field
}

// DefaultMapping returns the system fields of the tracker with no custom fields mapped
func DefaultMapping() Mapping {
	return Mapping{
		IssueType:   Field{ID: "issuetype", Kind: KindSelect},
		Summary:     Field{ID: "summary", Kind: KindString},
		Description: Field{ID: "description", Kind: KindDocument},
		Status:      Field{ID: "status", Kind: KindSelect},
		Priority:    Field{ID: "priority", Kind: KindSelect},
		Resolution:  Field{ID: "resolution", Kind: KindSelect},
		Assignee:    Field{ID: "assignee", Kind: KindUser},
		Reporter:    Field{ID: "reporter", Kind: KindUser},
		Created:     Field{ID: "created", Kind: KindDateTime},
		Updated:     Field{ID: "updated", Kind: KindDateTime},
		Resolved:    Field{ID: "resolutiondate", Kind: KindDateTime},
		DueDate:     Field{ID: "duedate", Kind: KindDate},
		Labels:      Field{ID: "labels", Kind: KindMultiSelect},
	}
}

// MappingFromConfig returns the default mapping extended with the configured custom fields
func MappingFromConfig(fields config.FieldsConfig) (Mapping, error) {
	m := DefaultMapping()

	custom := []struct {
		target      *Field
		cfg         *config.FieldConfig
		defaultKind Kind
	}{
		{&m.Team, fields.Team, KindMultiSelect},
		{&m.Filiale, fields.Filiale, KindMultiSelect},
		{&m.TimeToResolution, fields.TimeToResolution, KindSLA},
		{&m.TimeToFirstResponse, fields.TimeToFirstResponse, KindSLA},
	}
	for _, c := range custom {
		if c.cfg == nil || c.cfg.ID == "" {
			continue
		}
		kind := c.defaultKind
		if c.cfg.Kind != "" {
			parsed, err := ParseKind(c.cfg.Kind)
			if err != nil {
				return Mapping{}, fmt.Errorf("field %s: %w", c.cfg.ID, err)
			}
			kind = parsed
		}
		*c.target = Field{ID: c.cfg.ID, Kind: kind}
	}

	return m, nil
}

func (m Mapping) all() []Field {
	return []Field{
		m.IssueType, m.Summary, m.Description, m.Status, m.Priority, m.Resolution,
		m.Assignee, m.Reporter, m.Created, m.Updated, m.Resolved, m.DueDate, m.Labels,
		m.Team, m.Filiale, m.TimeToResolution, m.TimeToFirstResponse,
	}
}

// Normalizer converts source records into rows
type Normalizer struct {
	mapping Mapping
}

// New creates a Normalizer for mapping
func New(mapping Mapping) *Normalizer {
	return &Normalizer{mapping: mapping}
}

// Fields returns the distinct source field ids the mapping reads, in mapping order
func (n *Normalizer) Fields() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, f := range n.mapping.all() {
		if f.ID == "" || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		ids = append(ids, f.ID)
	}
	return ids
}

// Normalize maps a record onto a row. It never fails.
// LastSync is left unset; it is assigned by the merge.
func (n *Normalizer) Normalize(rec issue.SourceRecord) issue.Row {
	fields := gjson.Result{}
	if gjson.ValidBytes(rec.Fields) {
		fields = gjson.ParseBytes(rec.Fields)
	}

	get := func(f Field) Value {
		if f.ID == "" {
			return Value{Kind: f.Kind}
		}
		return Resolve(f.Kind, fields.Get(gjson.Escape(f.ID)))
	}

	m := n.mapping
	row := issue.Row{
		Key:         strings.TrimSpace(rec.Key),
		IssueType:   get(m.IssueType).Text(),
		Summary:     get(m.Summary).Text(),
		Description: get(m.Description).Text(),
		Status:      get(m.Status).Text(),
		Priority:    get(m.Priority).Text(),
		Resolution:  get(m.Resolution).Text(),
		Assignee:    get(m.Assignee).Text(),
		Reporter:    get(m.Reporter).Text(),
		Created:     get(m.Created).Timestamp(),
		Resolved:    get(m.Resolved).Timestamp(),
		DueDate:     get(m.DueDate).Date(),
		Labels:      get(m.Labels).List(),
		Team:        get(m.Team).List(),
		Filiale:     get(m.Filiale).List(),
	}

	if updated := get(m.Updated).Timestamp(); updated != nil {
		row.Updated = *updated
	}

	ttr := get(m.TimeToResolution).SLA()
	ttfr := get(m.TimeToFirstResponse).SLA()
	if ttr != nil {
		row.TimeToResolution = ttr.Raw
	}
	if ttfr != nil {
		row.TimeToFirstResponse = ttfr.Raw
	}
	row.SLABreached = (ttr != nil && ttr.Breached) || (ttfr != nil && ttfr.Breached)

	return row
}
