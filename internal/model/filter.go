package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldType is the declared type of an entity field
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldNumeric FieldType = "numeric"
	FieldDate    FieldType = "date"
	FieldTag     FieldType = "tag"
)

// Operator is a filter comparison operator
type Operator string

const (
	OpEquals      Operator = "equals"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpBetween     Operator = "between"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

var legalOperators = map[FieldType]map[Operator]bool{
	FieldText: {
		OpEquals: true, OpContains: true, OpStartsWith: true, OpEndsWith: true, OpIn: true, OpNotIn: true,
	},
	FieldNumeric: {
		OpEquals: true, OpGreaterThan: true, OpLessThan: true, OpBetween: true, OpIn: true, OpNotIn: true,
	},
	FieldDate: {
		OpEquals: true, OpGreaterThan: true, OpLessThan: true, OpBetween: true,
	},
	FieldTag: {
		OpEquals: true, OpIn: true, OpNotIn: true,
	},
}

// Allows reports whether op is legal for fields of this type
func (t FieldType) Allows(op Operator) bool {
	return legalOperators[t][op]
}

// ParseOperator accepts operator names in any case
func ParseOperator(s string) (Operator, bool) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpEquals, OpContains, OpStartsWith, OpEndsWith, OpGreaterThan, OpLessThan, OpBetween, OpIn, OpNotIn:
		return op, true
	}
	return "", false
}

// Condition is a single {field, operator, value} test
type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// Key identifies the (field, operator) pair used by the cost model
func (c Condition) Key() string {
	return c.Field + ":" + string(c.Operator)
}

// Logic is the combinator of an expression node
type Logic string

const (
	LogicLeaf Logic = ""
	LogicAnd  Logic = "AND"
	LogicOr   Logic = "OR"
	LogicNot  Logic = "NOT"
)

// Expr is a filter expression tree. Nodes are never mutated after construction.
type Expr struct {
	logic    Logic
	cond     Condition
	children []*Expr
}

// Leaf wraps a condition
func Leaf(c Condition) *Expr {
	return &Expr{logic: LogicLeaf, cond: c}
}

// And combines children with logical AND
func And(children ...*Expr) *Expr {
	return &Expr{logic: LogicAnd, children: append([]*Expr(nil), children...)}
}

// Or combines children with logical OR
func Or(children ...*Expr) *Expr {
	return &Expr{logic: LogicOr, children: append([]*Expr(nil), children...)}
}

// Not negates e
func Not(e *Expr) *Expr {
	return &Expr{logic: LogicNot, children: []*Expr{e}}
}

func (e *Expr) Logic() Logic         { return e.logic }
func (e *Expr) IsLeaf() bool         { return e.logic == LogicLeaf }
func (e *Expr) Condition() Condition { return e.cond }

// Children returns a copy of the child list
func (e *Expr) Children() []*Expr {
	return append([]*Expr(nil), e.children...)
}

// Conditions returns every leaf condition in depth-first order
func (e *Expr) Conditions() []Condition {
	var out []Condition
	e.walk(func(c Condition) { out = append(out, c) })
	return out
}

func (e *Expr) walk(fn func(Condition)) {
	if e == nil {
		return
	}
	if e.IsLeaf() {
		fn(e.cond)
		return
	}
	for _, child := range e.children {
		child.walk(fn)
	}
}

// Conjuncts returns the top-level AND operands, or e itself
func (e *Expr) Conjuncts() []*Expr {
	if e == nil {
		return nil
	}
	if e.logic == LogicAnd {
		return e.Children()
	}
	return []*Expr{e}
}

// ExprSpec is the JSON form of an expression. A node with Conditions is a group whose
// Operator is AND, OR or NOT; otherwise it is a leaf.
type ExprSpec struct {
	Field      string      `json:"field,omitempty"`
	Operator   string      `json:"operator"`
	Value      interface{} `json:"value,omitempty"`
	Conditions []ExprSpec  `json:"conditions,omitempty"`
}

// ParseExpr builds an expression from its JSON form
func ParseExpr(spec ExprSpec) (*Expr, error) {
	if len(spec.Conditions) == 0 {
		if spec.Field == "" {
			return nil, fmt.Errorf("condition is missing a field")
		}
		op, ok := ParseOperator(spec.Operator)
		if !ok {
			return nil, fmt.Errorf("unknown operator %q on field %s", spec.Operator, spec.Field)
		}
		return Leaf(Condition{Field: spec.Field, Operator: op, Value: spec.Value}), nil
	}

	children := make([]*Expr, 0, len(spec.Conditions))
	for _, c := range spec.Conditions {
		child, err := ParseExpr(c)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	switch Logic(strings.ToUpper(spec.Operator)) {
	case LogicAnd, LogicLeaf:
		return And(children...), nil
	case LogicOr:
		return Or(children...), nil
	case LogicNot:
		if len(children) != 1 {
			return nil, fmt.Errorf("NOT takes exactly one operand, got %d", len(children))
		}
		return Not(children[0]), nil
	default:
		return nil, fmt.Errorf("unknown logical operator %q", spec.Operator)
	}
}

// ParseFilterJSON accepts either a single expression object or a list of
// expressions, which are combined with AND. Empty input yields a nil filter.
func ParseFilterJSON(raw []byte) (*Expr, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var specs []ExprSpec
		if err := json.Unmarshal(raw, &specs); err != nil {
			return nil, fmt.Errorf("invalid filter list: %w", err)
		}
		if len(specs) == 0 {
			return nil, nil
		}
		return ParseExpr(ExprSpec{Operator: string(LogicAnd), Conditions: specs})
	}
	var spec ExprSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return ParseExpr(spec)
}

// Spec converts the expression back to its JSON form
func (e *Expr) Spec() ExprSpec {
	if e.IsLeaf() {
		return ExprSpec{Field: e.cond.Field, Operator: string(e.cond.Operator), Value: e.cond.Value}
	}
	spec := ExprSpec{Operator: string(e.logic)}
	for _, child := range e.children {
		spec.Conditions = append(spec.Conditions, child.Spec())
	}
	return spec
}
