package model

import (
	"time"

	qerrors "github.com/devrev/crmquery/internal/errors"
)

// maxDepth bounds expression nesting
const maxDepth = 16

// Validate rejects illegal field/operator combinations and malformed values
func Validate(catalog *Catalog, entity string, e *Expr) error {
	spec, ok := catalog.Entity(entity)
	if !ok {
		return qerrors.Validationf("unknown entity type %q", entity)
	}
	if e == nil {
		return nil
	}
	return validateNode(spec, entity, e, 0)
}

func validateNode(spec EntitySpec, entity string, e *Expr, depth int) error {
	if depth > maxDepth {
		return qerrors.Validationf("filter nesting exceeds %d levels", maxDepth)
	}
	switch e.logic {
	case LogicLeaf:
		return validateCondition(spec, entity, e.cond)
	case LogicAnd, LogicOr:
		if len(e.children) == 0 {
			return qerrors.Validationf("%s group has no operands", e.logic)
		}
	case LogicNot:
		if len(e.children) != 1 {
			return qerrors.Validation("NOT takes exactly one operand")
		}
	default:
		return qerrors.Validationf("unknown logical operator %q", e.logic)
	}
	for _, child := range e.children {
		if child == nil {
			return qerrors.Validation("nil operand in filter")
		}
		if err := validateNode(spec, entity, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(spec EntitySpec, entity string, c Condition) error {
	field, ok := spec.Field(c.Field)
	if !ok {
		return qerrors.Validationf("unknown field %q for entity %s", c.Field, entity).
			WithDetail("field", c.Field)
	}
	if !field.Type.Allows(c.Operator) {
		return qerrors.Validationf("operator %s is not valid for %s field %q", c.Operator, field.Type, c.Field).
			WithDetail("field", c.Field).
			WithDetail("operator", string(c.Operator))
	}

	switch c.Operator {
	case OpBetween:
		list, ok := c.Value.([]interface{})
		if !ok || len(list) != 2 {
			return qerrors.Validationf("between on %q requires a two element list", c.Field)
		}
		for _, v := range list {
			if err := validateScalar(field.Type, c, v); err != nil {
				return err
			}
		}
	case OpIn, OpNotIn:
		list, ok := c.Value.([]interface{})
		if !ok || len(list) == 0 {
			return qerrors.Validationf("%s on %q requires a non-empty list", c.Operator, c.Field)
		}
		for _, v := range list {
			if err := validateScalar(field.Type, c, v); err != nil {
				return err
			}
		}
	default:
		return validateScalar(field.Type, c, c.Value)
	}
	return nil
}

func validateScalar(t FieldType, c Condition, v interface{}) error {
	switch t {
	case FieldNumeric, FieldTag:
		if _, ok := ToFloat(v); !ok {
			return qerrors.Validationf("value %v for %q is not numeric", v, c.Field)
		}
	case FieldDate:
		if _, ok := ToTime(v); !ok {
			return qerrors.Validationf("value %v for %q is not a date", v, c.Field)
		}
	case FieldText:
		if v == nil {
			return qerrors.Validationf("value for %q is required", c.Field)
		}
	}
	return nil
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// ToTime parses RFC3339 or plain date strings
func ToTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
