package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/model"
	"github.com/devrev/crmquery/internal/service"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// QueryRequest is the wire form of a query. Filter is a single expression;
// Filters is a list combined with AND. At most one may be set.
type QueryRequest struct {
	Entity    string            `json:"entity,omitempty"`
	Filter    json.RawMessage   `json:"filter,omitempty"`
	Filters   json.RawMessage   `json:"filters,omitempty"`
	Fields    []string          `json:"fields,omitempty"`
	Sort      []model.SortField `json:"sort,omitempty"`
	Offset    int               `json:"offset,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// toExecute validates the wire shape and builds the service request.
// defaultEntity applies when the request names none.
func (q QueryRequest) toExecute(defaultEntity string) (service.ExecuteRequest, error) {
	entity := q.Entity
	if entity == "" {
		entity = defaultEntity
	}
	if entity == "" {
		return service.ExecuteRequest{}, qerrors.Validation("entity is required")
	}
	if present(q.Filter) && present(q.Filters) {
		return service.ExecuteRequest{}, qerrors.Validation("set either filter or filters, not both")
	}
	raw := q.Filter
	if present(q.Filters) {
		raw = q.Filters
	}
	filter, err := model.ParseFilterJSON(raw)
	if err != nil {
		return service.ExecuteRequest{}, qerrors.NewQueryError(qerrors.KindValidation, err.Error(), nil)
	}

	limit := q.Limit
	if limit == 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		return service.ExecuteRequest{}, qerrors.Validationf("limit %d exceeds maximum %d", limit, maxLimit)
	}
	if q.TimeoutMs < 0 {
		return service.ExecuteRequest{}, qerrors.Validation("timeout_ms must not be negative")
	}

	return service.ExecuteRequest{
		Entity:  entity,
		Filter:  filter,
		Fields:  q.Fields,
		Sort:    q.Sort,
		Page:    model.Pagination{Offset: q.Offset, Limit: limit},
		Timeout: time.Duration(q.TimeoutMs) * time.Millisecond,
	}, nil
}

// TagMutationRequest applies or removes tags on contacts.
type TagMutationRequest struct {
	TagIDs     []int64 `json:"tag_ids"`
	ContactIDs []int64 `json:"contact_ids"`
}

// UpdateFieldsRequest writes field values onto one contact.
type UpdateFieldsRequest struct {
	ContactID int64                  `json:"contact_id"`
	Values    map[string]interface{} `json:"values"`
}

// CreateTagRequest creates a tag.
type CreateTagRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CategoryID  int64  `json:"category_id,omitempty"`
}

// DetailsRequest names one contact or tag by id.
type DetailsRequest struct {
	ContactID int64    `json:"contact_id,omitempty"`
	TagID     int64    `json:"tag_id,omitempty"`
	Fields    []string `json:"fields,omitempty"`
}

// DetailsResponse holds one record looked up by id.
type DetailsResponse struct {
	Entity   string         `json:"entity"`
	ID       int64          `json:"id"`
	Found    bool           `json:"found"`
	Record   model.Record   `json:"record,omitempty"`
	Strategy model.Strategy `json:"strategy"`
}

// details runs an id equals query, which the planner answers by hydrating
// the record directly.
func details(ctx context.Context, svc QueryService, entity string, id int64, fields []string) (DetailsResponse, error) {
	if id <= 0 {
		return DetailsResponse{}, qerrors.Validation("id must be a positive integer")
	}
	spec, ok := svc.Catalog().Entity(entity)
	if !ok {
		return DetailsResponse{}, qerrors.Validationf("unknown entity %q", entity)
	}
	rs, err := svc.Execute(ctx, service.ExecuteRequest{
		Entity: entity,
		Filter: model.Leaf(model.Condition{Field: spec.IDField, Operator: model.OpEquals, Value: id}),
		Fields: fields,
		Page:   model.Pagination{Limit: 1},
	})
	if err != nil {
		return DetailsResponse{}, err
	}
	resp := DetailsResponse{Entity: entity, ID: id, Strategy: rs.Strategy}
	if len(rs.Records) > 0 {
		resp.Found = true
		resp.Record = rs.Records[0]
	}
	return resp, nil
}

// InvalidateRequest evicts cached results. All empties the cache.
type InvalidateRequest struct {
	Entity string  `json:"entity,omitempty"`
	IDs    []int64 `json:"ids,omitempty"`
	All    bool    `json:"all,omitempty"`
}

// InvalidateResponse reports how many cached results were evicted.
type InvalidateResponse struct {
	Status  string `json:"status"`
	Evicted int    `json:"evicted"`
}

func (r InvalidateRequest) validate() error {
	if r.All {
		return nil
	}
	if r.Entity == "" {
		return qerrors.Validation("entity is required unless all is set")
	}
	if len(r.IDs) == 0 {
		return qerrors.Validation("ids must not be empty unless all is set")
	}
	return nil
}

// IntersectRequest holds the id lists to intersect.
type IntersectRequest struct {
	Lists [][]int64 `json:"lists"`
}

// IntersectResponse holds the ids common to every list.
type IntersectResponse struct {
	IDs   []int64 `json:"ids"`
	Count int     `json:"count"`
}

func invalidate(svc QueryService, req InvalidateRequest) (InvalidateResponse, error) {
	if err := req.validate(); err != nil {
		return InvalidateResponse{}, err
	}
	if req.All {
		return InvalidateResponse{Status: "ok", Evicted: svc.InvalidateAll()}, nil
	}
	return InvalidateResponse{Status: "ok", Evicted: svc.Invalidate(req.Entity, req.IDs)}, nil
}

func intersect(req IntersectRequest) (IntersectResponse, error) {
	ids, err := service.IntersectIDs(req.Lists...)
	if err != nil {
		return IntersectResponse{}, err
	}
	return IntersectResponse{IDs: ids, Count: len(ids)}, nil
}
