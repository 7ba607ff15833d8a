package model

import (
	"sort"
	"strings"
)

// FieldSpec declares a field's type and which operators the remote list endpoint
// can apply server-side. Params maps an operator to the query parameter carrying it.
type FieldSpec struct {
	Type       FieldType           `yaml:"type" json:"type"`
	Params     map[Operator]string `yaml:"params,omitempty" json:"params,omitempty"`
	Membership bool                `yaml:"membership,omitempty" json:"membership,omitempty"`
	// Source is the record attribute holding the value when it differs from the field name
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
}

// Path returns the record attribute to read for field name
func (f FieldSpec) Path(name string) string {
	if f.Source != "" {
		return f.Source
	}
	return name
}

// EntitySpec describes one remote entity type
type EntitySpec struct {
	IDField  string               `yaml:"id_field" json:"id_field"`
	Fields   map[string]FieldSpec `yaml:"fields" json:"fields"`
	Prefixes map[string]FieldSpec `yaml:"prefixes,omitempty" json:"prefixes,omitempty"`
}

// Catalog is the static capability table: entity -> field -> type and supported operators
type Catalog struct {
	Entities map[string]EntitySpec `yaml:"entities" json:"entities"`
}

// Entity returns the spec of an entity type
func (c *Catalog) Entity(name string) (EntitySpec, bool) {
	e, ok := c.Entities[name]
	return e, ok
}

// EntityNames returns the configured entity types, sorted
func (c *Catalog) EntityNames() []string {
	names := make([]string, 0, len(c.Entities))
	for name := range c.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field resolves a field by exact name first, then by the longest matching prefix
func (e EntitySpec) Field(name string) (FieldSpec, bool) {
	if f, ok := e.Fields[name]; ok {
		return f, true
	}
	best := ""
	for prefix := range e.Prefixes {
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return FieldSpec{}, false
	}
	return e.Prefixes[best], true
}

// Supports reports whether (entity, field, op) is served by the remote list endpoint
func (c *Catalog) Supports(entity, field string, op Operator) bool {
	_, ok := c.Param(entity, field, op)
	return ok
}

// Param returns the server-side parameter name for (entity, field, op)
func (c *Catalog) Param(entity, field string, op Operator) (string, bool) {
	e, ok := c.Entities[entity]
	if !ok {
		return "", false
	}
	f, ok := e.Field(field)
	if !ok {
		return "", false
	}
	p, ok := f.Params[op]
	return p, ok && p != ""
}

// IsMembership reports whether a condition is a tag-membership test that the
// per-tag endpoint can answer
func (c *Catalog) IsMembership(entity string, cond Condition) bool {
	e, ok := c.Entities[entity]
	if !ok {
		return false
	}
	f, ok := e.Field(cond.Field)
	if !ok || f.Type != FieldTag || !f.Membership {
		return false
	}
	return cond.Operator == OpEquals || cond.Operator == OpIn
}

// DefaultCatalog returns the built-in capability table for the CRM contact and tag endpoints
func DefaultCatalog() *Catalog {
	text := func(params map[Operator]string) FieldSpec { return FieldSpec{Type: FieldText, Params: params} }
	return &Catalog{
		Entities: map[string]EntitySpec{
			"contacts": {
				IDField: "id",
				Fields: map[string]FieldSpec{
					"id":           {Type: FieldNumeric},
					"email":        text(map[Operator]string{OpEquals: "email", OpContains: "email"}),
					"given_name":   text(map[Operator]string{OpEquals: "given_name", OpContains: "given_name"}),
					"family_name":  text(map[Operator]string{OpEquals: "family_name", OpContains: "family_name"}),
					"phone":        text(map[Operator]string{OpEquals: "phone"}),
					"city":         text(map[Operator]string{OpEquals: "city"}),
					"state":        text(map[Operator]string{OpEquals: "state"}),
					"country":      text(map[Operator]string{OpEquals: "country"}),
					"postal_code":  text(map[Operator]string{OpEquals: "postal_code"}),
					"company_name": text(nil),
					"owner_id":     {Type: FieldNumeric},
					// since and until are inclusive; strict bounds are re-checked locally
					"date_created": {Type: FieldDate, Params: map[Operator]string{OpGreaterThan: "since", OpLessThan: "until"}},
					"last_updated": {Type: FieldDate},
					"tag_id":       {Type: FieldTag, Membership: true, Source: "tag_ids"},
				},
				Prefixes: map[string]FieldSpec{
					"custom_field_": {Type: FieldNumeric},
				},
			},
			"tags": {
				IDField: "id",
				Fields: map[string]FieldSpec{
					"id":          {Type: FieldNumeric},
					"name":        text(map[Operator]string{OpEquals: "name"}),
					"category":    text(map[Operator]string{OpEquals: "category"}),
					"description": text(nil),
				},
			},
		},
	}
}
