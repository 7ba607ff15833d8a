package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/devrev/crmquery/internal/model"
)

// LoadCapabilities reads a YAML capability table. An empty path returns the
// built-in table.
func LoadCapabilities(path string) (*model.Catalog, error) {
	if path == "" {
		return model.DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capability file: %w", err)
	}
	var catalog model.Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse capability file: %w", err)
	}
	if err := validateCatalog(&catalog); err != nil {
		return nil, fmt.Errorf("invalid capability file %s: %w", path, err)
	}
	return &catalog, nil
}

func validateCatalog(c *model.Catalog) error {
	if len(c.Entities) == 0 {
		return fmt.Errorf("no entities declared")
	}
	for _, name := range c.EntityNames() {
		e := c.Entities[name]
		if e.IDField == "" {
			return fmt.Errorf("entity %s: id_field is required", name)
		}
		check := func(field string, f model.FieldSpec) error {
			switch f.Type {
			case model.FieldText, model.FieldNumeric, model.FieldDate, model.FieldTag:
			default:
				return fmt.Errorf("entity %s field %s: unknown type %q", name, field, f.Type)
			}
			for op := range f.Params {
				if !f.Type.Allows(op) {
					return fmt.Errorf("entity %s field %s: operator %s is not legal for %s fields", name, field, op, f.Type)
				}
			}
			if f.Membership && f.Type != model.FieldTag {
				return fmt.Errorf("entity %s field %s: membership requires a tag field", name, field)
			}
			return nil
		}
		for field, f := range e.Fields {
			if err := check(field, f); err != nil {
				return err
			}
		}
		for prefix, f := range e.Prefixes {
			if err := check(prefix+"*", f); err != nil {
				return err
			}
		}
	}
	return nil
}
