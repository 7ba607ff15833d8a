package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Record is one remote entity as returned by the CRM API
type Record map[string]interface{}

// ID returns the record's numeric id
func (r Record) ID() (int64, bool) {
	f, ok := ToFloat(r["id"])
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Lookup resolves a dotted path through nested objects
func (r Record) Lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if rec, isRec := cur.(Record); isRec {
				m = rec
			} else {
				return nil, false
			}
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// Project keeps only the requested fields plus the id. An empty field list keeps everything.
func (r Record) Project(fields []string) Record {
	if len(fields) == 0 {
		return r
	}
	out := make(Record, len(fields)+1)
	if id, ok := r["id"]; ok {
		out["id"] = id
	}
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// ToFloat converts JSON-decoded numbers and numeric strings
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Page is one response from a remote fetch
type Page struct {
	Records []Record `json:"records,omitempty"`
	IDs     []int64  `json:"ids,omitempty"`
	// Total is the remote's count for the whole filtered listing, -1 when unknown
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
}

// Payload is a materialized, filtered result as stored in the result cache
type Payload struct {
	Entity  string   `json:"entity"`
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	// MatchedIDs holds every matching id, including those outside the pagination window
	MatchedIDs []int64 `json:"matched_ids,omitempty"`
	// Fields and TagIDs referenced by the filter that produced this payload
	Fields []string `json:"fields,omitempty"`
	TagIDs []int64  `json:"tag_ids,omitempty"`
}

// IDs returns the ids of every record the payload covers
func (p *Payload) IDs() []int64 {
	ids := make([]int64, 0, len(p.Records)+len(p.MatchedIDs))
	for _, r := range p.Records {
		if id, ok := r.ID(); ok {
			ids = append(ids, id)
		}
	}
	return append(ids, p.MatchedIDs...)
}
