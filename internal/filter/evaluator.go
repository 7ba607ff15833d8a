// Package filter evaluates filter expressions against records on the client side.
package filter

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/text/cases"

	"github.com/devrev/crmquery/internal/model"
)

// Estimator supplies per-condition estimates used to order evaluation
type Estimator interface {
	Selectivity(field string, op model.Operator) float64
	Latency(field string, op model.Operator) float64
}

// ConditionStat counts how often a condition was evaluated and how often it held
type ConditionStat struct {
	Condition  model.Condition
	Considered int64
	Matched    int64
}

type node struct {
	logic    model.Logic
	cond     model.Condition
	spec     model.FieldSpec
	children []*node
	sel      float64
	lat      float64

	considered atomic.Int64
	matched    atomic.Int64
}

// Evaluator is a compiled, selectivity-ordered form of an expression.
// Match is safe for concurrent use.
type Evaluator struct {
	root   *node
	leaves []*node
}

// Compile orders AND operands by ascending selectivity (cheapest to reject first)
// and OR operands by descending selectivity, breaking ties on lower latency.
// A nil expression matches every record.
func Compile(e *model.Expr, entity model.EntitySpec, est Estimator) *Evaluator {
	ev := &Evaluator{}
	if e != nil {
		ev.root = ev.build(e, entity, est)
	}
	return ev
}

func (ev *Evaluator) build(e *model.Expr, entity model.EntitySpec, est Estimator) *node {
	if e.IsLeaf() {
		c := e.Condition()
		spec, _ := entity.Field(c.Field)
		n := &node{logic: model.LogicLeaf, cond: c, spec: spec, sel: 0.5}
		if est != nil {
			n.sel = est.Selectivity(c.Field, c.Operator)
			n.lat = est.Latency(c.Field, c.Operator)
		}
		ev.leaves = append(ev.leaves, n)
		return n
	}

	n := &node{logic: e.Logic()}
	for _, child := range e.Children() {
		n.children = append(n.children, ev.build(child, entity, est))
	}

	switch n.logic {
	case model.LogicAnd:
		n.sel = 1
		for _, c := range n.children {
			n.sel *= c.sel
			n.lat += c.lat
		}
		sort.SliceStable(n.children, func(i, j int) bool {
			a, b := n.children[i], n.children[j]
			if a.sel != b.sel {
				return a.sel < b.sel
			}
			return a.lat < b.lat
		})
	case model.LogicOr:
		miss := 1.0
		for _, c := range n.children {
			miss *= 1 - c.sel
			n.lat += c.lat
		}
		n.sel = 1 - miss
		sort.SliceStable(n.children, func(i, j int) bool {
			a, b := n.children[i], n.children[j]
			if a.sel != b.sel {
				return a.sel > b.sel
			}
			return a.lat < b.lat
		})
	case model.LogicNot:
		n.sel = 1 - n.children[0].sel
		n.lat = n.children[0].lat
	}
	return n
}

// Match reports whether r satisfies the expression
func (ev *Evaluator) Match(r model.Record) bool {
	if ev.root == nil {
		return true
	}
	return ev.root.eval(r)
}

// Order returns the leaf conditions in evaluation order
func (ev *Evaluator) Order() []model.Condition {
	var out []model.Condition
	var walk func(*node)
	walk = func(n *node) {
		if n.logic == model.LogicLeaf {
			out = append(out, n.cond)
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	if ev.root != nil {
		walk(ev.root)
	}
	return out
}

// Stats returns per-leaf counters for conditions that were evaluated at least once
func (ev *Evaluator) Stats() []ConditionStat {
	var out []ConditionStat
	for _, leaf := range ev.leaves {
		considered := leaf.considered.Load()
		if considered == 0 {
			continue
		}
		out = append(out, ConditionStat{Condition: leaf.cond, Considered: considered, Matched: leaf.matched.Load()})
	}
	return out
}

func (n *node) eval(r model.Record) bool {
	switch n.logic {
	case model.LogicAnd:
		for _, c := range n.children {
			if !c.eval(r) {
				return false
			}
		}
		return true
	case model.LogicOr:
		for _, c := range n.children {
			if c.eval(r) {
				return true
			}
		}
		return false
	case model.LogicNot:
		return !n.children[0].eval(r)
	}

	n.considered.Add(1)
	ok := MatchCondition(r, n.cond, n.spec)
	if ok {
		n.matched.Add(1)
	}
	return ok
}

// MatchCondition evaluates a single condition. A missing or null attribute only
// satisfies not_in.
func MatchCondition(r model.Record, c model.Condition, spec model.FieldSpec) bool {
	actual, ok := r.Lookup(spec.Path(c.Field))
	if !ok {
		return c.Operator == model.OpNotIn
	}

	if list, isList := actual.([]interface{}); isList {
		if c.Operator == model.OpNotIn {
			for _, item := range list {
				if !matchScalar(item, c, spec.Type) {
					return false
				}
			}
			return true
		}
		for _, item := range list {
			if matchScalar(item, c, spec.Type) {
				return true
			}
		}
		return false
	}
	return matchScalar(actual, c, spec.Type)
}

func matchScalar(actual interface{}, c model.Condition, t model.FieldType) bool {
	switch c.Operator {
	case model.OpEquals:
		cmp, ok := compare(actual, c.Value, t)
		return ok && cmp == 0
	case model.OpContains:
		return strings.Contains(fold(actual), fold(c.Value))
	case model.OpStartsWith:
		return strings.HasPrefix(fold(actual), fold(c.Value))
	case model.OpEndsWith:
		return strings.HasSuffix(fold(actual), fold(c.Value))
	case model.OpGreaterThan:
		cmp, ok := compare(actual, c.Value, t)
		return ok && cmp > 0
	case model.OpLessThan:
		cmp, ok := compare(actual, c.Value, t)
		return ok && cmp < 0
	case model.OpBetween:
		bounds, ok := c.Value.([]interface{})
		if !ok || len(bounds) != 2 {
			return false
		}
		lo, okLo := compare(actual, bounds[0], t)
		hi, okHi := compare(actual, bounds[1], t)
		return okLo && okHi && lo >= 0 && hi <= 0
	case model.OpIn, model.OpNotIn:
		values, ok := c.Value.([]interface{})
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if cmp, ok := compare(actual, v, t); ok && cmp == 0 {
				found = true
				break
			}
		}
		if c.Operator == model.OpIn {
			return found
		}
		return !found
	}
	return false
}

// compare orders actual against expected using the declared field type
func compare(actual, expected interface{}, t model.FieldType) (int, bool) {
	switch t {
	case model.FieldNumeric, model.FieldTag:
		a, okA := model.ToFloat(actual)
		b, okB := model.ToFloat(expected)
		if !okA || !okB {
			return 0, false
		}
		return compareFloat(a, b), true
	case model.FieldDate:
		a, okA := model.ToTime(actual)
		b, okB := model.ToTime(expected)
		if !okA || !okB {
			return 0, false
		}
		return a.Compare(b), true
	default:
		if actual == nil || expected == nil {
			return 0, false
		}
		return strings.Compare(fold(actual), fold(expected)), true
	}
}

func compareFloat(a, b float64) int {
	switch {
	case math.Abs(a-b) < 1e-9:
		return 0
	case a < b:
		return -1
	default:
		return 1
	}
}

func fold(v interface{}) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case nil:
		return ""
	default:
		if f, ok := model.ToFloat(t); ok {
			s = strconv.FormatFloat(f, 'f', -1, 64)
		} else {
			return ""
		}
	}
	return cases.Fold().String(s)
}
