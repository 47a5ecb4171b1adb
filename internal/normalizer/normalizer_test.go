package normalizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/stacklok/issuesync/internal/config"
	"github.com/stacklok/issuesync/internal/issue"
)

func testMapping(t *testing.T) Mapping {
	t.Helper()
	m, err := MappingFromConfig(config.FieldsConfig{
		Team:                &config.FieldConfig{ID: "customfield_10100"},
		Filiale:             &config.FieldConfig{ID: "customfield_10200", Kind: config.FieldKindCascade},
		TimeToResolution:    &config.FieldConfig{ID: "customfield_10300"},
		TimeToFirstResponse: &config.FieldConfig{ID: "customfield_10301", Kind: config.FieldKindSLA},
	})
	require.NoError(t, err)
	return m
}

func loadRecord(t *testing.T, name string) issue.SourceRecord {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "input", name+".json"))
	require.NoError(t, err)
	var rec issue.SourceRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func TestNormalize_Golden(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"full_issue", "missing_custom_fields", "malformed_fields"} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			row := New(testMapping(t)).Normalize(loadRecord(t, name))
			actual, err := json.MarshalIndent(row, "", "  ")
			require.NoError(t, err)

			g := goldie.New(t,
				goldie.WithFixtureDir("testdata/golden"),
				goldie.WithNameSuffix(".golden"),
			)
			g.Assert(t, name, actual)
		})
	}
}

func TestNormalize_NullSafety(t *testing.T) {
	t.Parallel()

	n := New(testMapping(t))
	inputs := map[string]string{
		"no custom fields": `{"summary": "x"}`,
		"empty object":     `{}`,
		"null fields":      `null`,
		"invalid json":     `{"summary": `,
		"array fields":     `[1, 2, 3]`,
		"empty":            ``,
	}

	for name, fields := range inputs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			row := n.Normalize(issue.SourceRecord{Key: "OPS-9", Fields: json.RawMessage(fields)})
			assert.Equal(t, "OPS-9", row.Key)
			assert.Equal(t, []string{}, row.Labels)
			assert.Equal(t, []string{}, row.Team)
			assert.Equal(t, []string{}, row.Filiale)
			assert.Nil(t, row.Status)
			assert.Nil(t, row.Assignee)
			assert.Nil(t, row.Created)
			assert.Nil(t, row.DueDate)
			assert.Nil(t, row.TimeToResolution)
			assert.Nil(t, row.TimeToFirstResponse)
			assert.False(t, row.SLABreached)
			assert.Nil(t, row.LastSync)
		})
	}
}

func TestNormalize_SLAReduction(t *testing.T) {
	t.Parallel()

	n := New(testMapping(t))
	tests := []struct {
		name   string
		fields string
		want   bool
	}{
		{
			name:   "both absent",
			fields: `{}`,
			want:   false,
		},
		{
			name:   "resolution breached, first response not breached",
			fields: `{"customfield_10300": {"ongoingCycle": {"breached": true}}, "customfield_10301": {"ongoingCycle": {"breached": false}}}`,
			want:   true,
		},
		{
			name:   "resolution breached, first response absent",
			fields: `{"customfield_10300": {"ongoingCycle": {"breached": true}}}`,
			want:   true,
		},
		{
			name:   "only first response breached in a completed cycle",
			fields: `{"customfield_10300": {"completedCycles": []}, "customfield_10301": {"completedCycles": [{"breached": false}, {"breached": true}]}}`,
			want:   true,
		},
		{
			name:   "flat resolution object breached",
			fields: `{"customfield_10300": {"target": "4h", "elapsed": "5h", "breached": true}, "customfield_10301": {"target": "1h", "elapsed": "10m", "breached": false}}`,
			want:   true,
		},
		{
			name:   "flat objects not breached",
			fields: `{"customfield_10300": {"target": "4h", "elapsed": "1h", "breached": false}, "customfield_10301": {"target": "1h", "elapsed": "10m", "breached": false}}`,
			want:   false,
		},
		{
			name:   "neither breached",
			fields: `{"customfield_10300": {"ongoingCycle": {"breached": false}}, "customfield_10301": {"completedCycles": [{"breached": false}]}}`,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			row := n.Normalize(issue.SourceRecord{Key: "OPS-1", Fields: json.RawMessage(tt.fields)})
			assert.Equal(t, tt.want, row.SLABreached)
		})
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	t.Parallel()

	n := New(testMapping(t))
	rec := loadRecord(t, "full_issue")
	first := n.Normalize(rec)
	for range 5 {
		assert.Equal(t, first, n.Normalize(rec))
	}
}

func TestNormalize_SLAPreservedVerbatim(t *testing.T) {
	t.Parallel()

	n := New(testMapping(t))
	row := n.Normalize(issue.SourceRecord{
		Key:    "OPS-1",
		Fields: json.RawMessage(`{"customfield_10300": { "ongoingCycle" : { "breached" : false, "goalDuration": {"millis": 1} } }}`),
	})
	assert.Equal(t, `{"ongoingCycle":{"breached":false,"goalDuration":{"millis":1}}}`, string(row.TimeToResolution))
}

func TestResolve(t *testing.T) {
	t.Parallel()

	strp := func(s string) *string { return &s }
	tests := []struct {
		name     string
		kind     Kind
		raw      string
		wantText *string
		wantList []string
	}{
		{name: "string", kind: KindString, raw: `"hello"`, wantText: strp("hello"), wantList: []string{"hello"}},
		{name: "string from number", kind: KindString, raw: `12.5`, wantText: strp("12.5"), wantList: []string{"12.5"}},
		{name: "select prefers value", kind: KindSelect, raw: `{"id": "1", "value": "Blue", "name": "ignored"}`, wantText: strp("Blue"), wantList: []string{"Blue"}},
		{name: "select falls back to name", kind: KindSelect, raw: `{"id": "1", "name": "High"}`, wantText: strp("High"), wantList: []string{"High"}},
		{name: "select without label", kind: KindSelect, raw: `{"id": "1"}`, wantList: []string{}},
		{name: "multiselect keeps order", kind: KindMultiSelect, raw: `[{"value": "b"}, {"value": "a"}, {"id": "x"}]`, wantText: strp("b"), wantList: []string{"b", "a"}},
		{name: "multiselect null", kind: KindMultiSelect, raw: `null`, wantList: []string{}},
		{name: "cascade parent only", kind: KindCascade, raw: `{"value": "Germany"}`, wantText: strp("Germany"), wantList: []string{"Germany"}},
		{name: "cascade parent and child", kind: KindCascade, raw: `{"value": "Germany", "child": {"value": "Berlin"}}`, wantText: strp("Germany"), wantList: []string{"Germany", "Berlin"}},
		{name: "user display name", kind: KindUser, raw: `{"accountId": "1", "displayName": "Ada"}`, wantText: strp("Ada"), wantList: []string{"Ada"}},
		{name: "user without display name", kind: KindUser, raw: `{"accountId": "1", "name": "ada"}`, wantList: []string{}},
		{name: "document string", kind: KindDocument, raw: `"  text  "`, wantText: strp("text"), wantList: []string{"text"}},
		{name: "empty document", kind: KindDocument, raw: `{"type": "doc", "content": []}`, wantList: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := Resolve(tt.kind, gjson.Parse(tt.raw))
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.wantText, v.Text())
			assert.Equal(t, tt.wantList, v.List())
		})
	}
}

func TestResolve_Temporal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		kind     Kind
		raw      string
		wantTime *time.Time
		wantDate *issue.Date
	}{
		{
			name:     "jira timestamp",
			kind:     KindDateTime,
			raw:      `"2024-05-01T08:00:00.000+0200"`,
			wantTime: ptr(time.Date(2024, time.May, 1, 6, 0, 0, 0, time.UTC)),
			wantDate: &issue.Date{Year: 2024, Month: time.May, Day: 1},
		},
		{
			name:     "rfc3339 timestamp",
			kind:     KindDateTime,
			raw:      `"2024-05-01T23:30:00-02:00"`,
			wantTime: ptr(time.Date(2024, time.May, 2, 1, 30, 0, 0, time.UTC)),
			wantDate: &issue.Date{Year: 2024, Month: time.May, Day: 2},
		},
		{
			name:     "date only keeps date precision",
			kind:     KindDate,
			raw:      `"2024-02-29"`,
			wantTime: ptr(time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)),
			wantDate: &issue.Date{Year: 2024, Month: time.February, Day: 29},
		},
		{
			name:     "date from timestamp uses its own offset",
			kind:     KindDate,
			raw:      `"2024-05-01T23:30:00.000-0200"`,
			wantTime: ptr(time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)),
			wantDate: &issue.Date{Year: 2024, Month: time.May, Day: 1},
		},
		{name: "garbage timestamp", kind: KindDateTime, raw: `"yesterday"`},
		{name: "numeric timestamp", kind: KindDateTime, raw: `1714550400`},
		{name: "invalid date", kind: KindDate, raw: `"2023-02-29"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := Resolve(tt.kind, gjson.Parse(tt.raw))
			assert.Equal(t, tt.wantTime, v.Timestamp())
			assert.Equal(t, tt.wantDate, v.Date())
			assert.Equal(t, tt.wantTime != nil, v.Present())
		})
	}
}

func TestMappingFromConfig(t *testing.T) {
	t.Parallel()

	m, err := MappingFromConfig(config.FieldsConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMapping(), m)
	assert.Equal(t, []string{
		"issuetype", "summary", "description", "status", "priority", "resolution",
		"assignee", "reporter", "created", "updated", "resolutiondate", "duedate", "labels",
	}, New(m).Fields())

	m = testMapping(t)
	assert.Equal(t, Field{ID: "customfield_10100", Kind: KindMultiSelect}, m.Team)
	assert.Equal(t, Field{ID: "customfield_10200", Kind: KindCascade}, m.Filiale)
	assert.Equal(t, Field{ID: "customfield_10300", Kind: KindSLA}, m.TimeToResolution)
	assert.Contains(t, New(m).Fields(), "customfield_10301")

	_, err = MappingFromConfig(config.FieldsConfig{Team: &config.FieldConfig{ID: "customfield_1", Kind: "matrix"}})
	assert.Error(t, err)
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	for kind, name := range kindNames {
		parsed, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
		assert.Equal(t, name, kind.String())
	}
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func ptr[T any](v T) *T { return &v }
