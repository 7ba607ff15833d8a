package filter

import (
	"sort"

	"github.com/devrev/crmquery/internal/model"
)

// SortRecords orders records in place by keys, comparing values by their
// declared field type. Records missing a key sort after those that have it.
func SortRecords(records []model.Record, keys []model.SortField, entity model.EntitySpec) {
	if len(keys) == 0 {
		return
	}
	type key struct {
		path string
		typ  model.FieldType
		desc bool
	}
	resolved := make([]key, len(keys))
	for i, k := range keys {
		spec, ok := entity.Field(k.Field)
		typ := spec.Type
		if !ok {
			typ = model.FieldText
		}
		resolved[i] = key{path: spec.Path(k.Field), typ: typ, desc: k.Desc}
	}

	sort.SliceStable(records, func(i, j int) bool {
		for _, k := range resolved {
			a, okA := records[i].Lookup(k.path)
			b, okB := records[j].Lookup(k.path)
			if !okA || !okB {
				if okA != okB {
					return okA
				}
				continue
			}
			c, ok := compare(a, b, k.typ)
			if !ok || c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
