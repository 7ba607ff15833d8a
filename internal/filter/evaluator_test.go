package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/crmquery/internal/model"
)

type fixedEstimator map[string]float64

func (f fixedEstimator) Selectivity(field string, op model.Operator) float64 {
	if s, ok := f[field+":"+string(op)]; ok {
		return s
	}
	return 0.5
}

func (f fixedEstimator) Latency(field string, op model.Operator) float64 {
	return 0
}

func leaf(field string, op model.Operator, value interface{}) *model.Expr {
	return model.Leaf(model.Condition{Field: field, Operator: op, Value: value})
}

func contacts() model.EntitySpec {
	spec, _ := model.DefaultCatalog().Entity("contacts")
	return spec
}

func TestMatchCondition(t *testing.T) {
	r := model.Record{
		"id":             float64(1002),
		"email":          "Jane.Doe@Example.com",
		"city":           "Zürich",
		"date_created":   "2024-03-10T08:00:00Z",
		"tag_ids":        []interface{}{float64(10), float64(11)},
		"custom_field_9": float64(7),
	}

	tests := []struct {
		name  string
		cond  model.Condition
		match bool
	}{
		{"contains folds case", model.Condition{Field: "email", Operator: model.OpContains, Value: "example.COM"}, true},
		{"starts with", model.Condition{Field: "email", Operator: model.OpStartsWith, Value: "jane"}, true},
		{"ends with miss", model.Condition{Field: "email", Operator: model.OpEndsWith, Value: ".org"}, false},
		{"equals unicode fold", model.Condition{Field: "city", Operator: model.OpEquals, Value: "ZÜRICH"}, true},
		{"between inclusive", model.Condition{Field: "custom_field_9", Operator: model.OpBetween, Value: []interface{}{float64(1), float64(7)}}, true},
		{"between outside", model.Condition{Field: "custom_field_9", Operator: model.OpBetween, Value: []interface{}{float64(8), float64(9)}}, false},
		{"date after", model.Condition{Field: "date_created", Operator: model.OpGreaterThan, Value: "2024-01-01"}, true},
		{"date before", model.Condition{Field: "date_created", Operator: model.OpLessThan, Value: "2024-01-01"}, false},
		{"tag membership", model.Condition{Field: "tag_id", Operator: model.OpEquals, Value: float64(11)}, true},
		{"tag in", model.Condition{Field: "tag_id", Operator: model.OpIn, Value: []interface{}{float64(3), float64(10)}}, true},
		{"tag not in", model.Condition{Field: "tag_id", Operator: model.OpNotIn, Value: []interface{}{float64(10)}}, false},
		{"missing field only satisfies not_in", model.Condition{Field: "state", Operator: model.OpNotIn, Value: []interface{}{"TX"}}, true},
		{"missing field fails equals", model.Condition{Field: "state", Operator: model.OpEquals, Value: "TX"}, false},
	}

	spec := contacts()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, _ := spec.Field(tt.cond.Field)
			assert.Equal(t, tt.match, MatchCondition(r, tt.cond, fs))
		})
	}
}

func TestCompile_OrdersBySelectivity(t *testing.T) {
	est := fixedEstimator{
		"email:contains":    0.9,
		"city:equals":       0.1,
		"state:equals":      0.4,
		"country:equals":    0.2,
		"given_name:equals": 0.7,
	}
	expr := model.And(
		leaf("email", model.OpContains, "x"),
		leaf("city", model.OpEquals, "y"),
		model.Or(leaf("country", model.OpEquals, "a"), leaf("given_name", model.OpEquals, "b")),
		leaf("state", model.OpEquals, "z"),
	)

	ev := Compile(expr, contacts(), est)
	order := ev.Order()
	require.Len(t, order, 5)

	fields := make([]string, len(order))
	for i, c := range order {
		fields[i] = c.Field
	}
	// the OR group has selectivity 1-(0.8*0.3)=0.76; inside it the likelier operand runs first
	assert.Equal(t, []string{"city", "state", "given_name", "country", "email"}, fields)
}

func TestEvaluator_ShortCircuitStats(t *testing.T) {
	est := fixedEstimator{"city:equals": 0.1, "email:contains": 0.9}
	ev := Compile(model.And(leaf("email", model.OpContains, "acme"), leaf("city", model.OpEquals, "Oslo")), contacts(), est)

	records := []model.Record{
		{"id": float64(1), "email": "a@acme.io", "city": "Oslo"},
		{"id": float64(2), "email": "b@acme.io", "city": "Bergen"},
		{"id": float64(3), "email": "c@other.io", "city": "Bergen"},
	}
	var matched []model.Record
	for _, r := range records {
		if ev.Match(r) {
			matched = append(matched, r)
		}
	}
	require.Len(t, matched, 1)

	stats := map[string]ConditionStat{}
	for _, s := range ev.Stats() {
		stats[s.Condition.Field] = s
	}
	assert.Equal(t, int64(3), stats["city"].Considered)
	assert.Equal(t, int64(1), stats["city"].Matched)
	// email is only evaluated for records that passed city
	assert.Equal(t, int64(1), stats["email"].Considered)
}

func TestEvaluator_NilMatchesAll(t *testing.T) {
	ev := Compile(nil, contacts(), nil)
	assert.True(t, ev.Match(model.Record{"id": float64(1)}))
	assert.Empty(t, ev.Stats())
}

func TestEvaluator_Not(t *testing.T) {
	ev := Compile(model.Not(leaf("city", model.OpEquals, "Oslo")), contacts(), nil)
	assert.False(t, ev.Match(model.Record{"city": "oslo"}))
	assert.True(t, ev.Match(model.Record{"city": "Bergen"}))
}

func TestSortRecords(t *testing.T) {
	records := []model.Record{
		{"id": float64(1), "owner_id": float64(7), "city": "oslo"},
		{"id": float64(2), "city": "Bergen"},
		{"id": float64(3), "owner_id": float64(2), "city": "Alta"},
		{"id": float64(4), "owner_id": float64(7), "city": "Bodø"},
	}

	SortRecords(records, []model.SortField{{Field: "owner_id", Desc: true}, {Field: "city"}}, contacts())

	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i], _ = r.ID()
	}
	assert.Equal(t, []int64{4, 1, 3, 2}, ids)
}
