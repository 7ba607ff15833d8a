package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Signature is the canonical cache key of a query
type Signature string

// Canonicalize renders an expression so that logically equivalent trees under
// AND/OR commutativity and associativity produce the same string.
func Canonicalize(e *Expr) string {
	if e == nil {
		return "*"
	}
	switch e.logic {
	case LogicLeaf:
		return canonicalCondition(e.cond)
	case LogicNot:
		inner := e.children[0]
		if inner.logic == LogicNot {
			return Canonicalize(inner.children[0])
		}
		return "(NOT " + Canonicalize(inner) + ")"
	}

	var parts []string
	seen := make(map[string]bool)
	var collect func(*Expr)
	collect = func(n *Expr) {
		for _, child := range n.children {
			if child.logic == e.logic {
				collect(child)
				continue
			}
			c := Canonicalize(child)
			if !seen[c] {
				seen[c] = true
				parts = append(parts, c)
			}
		}
	}
	collect(e)

	if len(parts) == 1 {
		return parts[0]
	}
	sort.Strings(parts)
	return "(" + string(e.logic) + " " + strings.Join(parts, " ") + ")"
}

func canonicalCondition(c Condition) string {
	var value string
	switch c.Operator {
	case OpIn, OpNotIn:
		list, _ := c.Value.([]interface{})
		items := make([]string, 0, len(list))
		seen := make(map[string]bool)
		for _, v := range list {
			s := canonicalValue(v)
			if !seen[s] {
				seen[s] = true
				items = append(items, s)
			}
		}
		sort.Strings(items)
		value = "[" + strings.Join(items, ",") + "]"
	default:
		value = canonicalValue(c.Value)
	}
	return strings.TrimSpace(c.Field) + "|" + string(c.Operator) + "|" + value
}

func canonicalValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(t)
	case bool:
		return strconv.FormatBool(t)
	case []interface{}:
		items := make([]string, len(t))
		for i, item := range t {
			items[i] = canonicalValue(item)
		}
		return "[" + strings.Join(items, ",") + "]"
	}
	if f, ok := ToFloat(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// CanonicalQuery encodes everything that determines a query's result
func CanonicalQuery(q *Query) string {
	fields := make([]string, 0, len(q.Fields))
	seen := make(map[string]bool)
	for _, f := range q.Fields {
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)

	sortParts := make([]string, len(q.Sort))
	for i, s := range q.Sort {
		dir := "asc"
		if s.Desc {
			dir = "desc"
		}
		sortParts[i] = s.Field + ":" + dir
	}

	return fmt.Sprintf("entity=%s;filter=%s;fields=%s;sort=%s;window=%d:%d",
		q.Entity, Canonicalize(q.Filter), strings.Join(fields, ","), strings.Join(sortParts, ","),
		q.Page.Offset, q.Page.Limit)
}

// Sign hashes the canonical query encoding
func Sign(q *Query) Signature {
	sum := sha256.Sum256([]byte(CanonicalQuery(q)))
	return Signature(hex.EncodeToString(sum[:16]))
}
