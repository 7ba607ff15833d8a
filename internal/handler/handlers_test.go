package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/middleware"
	"github.com/devrev/crmquery/internal/model"
	"github.com/devrev/crmquery/internal/monitor"
	"github.com/devrev/crmquery/internal/planner"
	"github.com/devrev/crmquery/internal/service"
)

// MockService is a mock implementation of QueryService
type MockService struct {
	mock.Mock
}

func (m *MockService) Execute(ctx context.Context, req service.ExecuteRequest) (*model.ResultSet, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ResultSet), args.Error(1)
}

func (m *MockService) Explain(req service.ExecuteRequest) (*planner.Plan, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*planner.Plan), args.Error(1)
}

func (m *MockService) Invalidate(entity string, ids []int64) int {
	return m.Called(entity, ids).Int(0)
}

func (m *MockService) InvalidateAll() int {
	return m.Called().Int(0)
}

func (m *MockService) MetricsSnapshot() monitor.PerformanceSummary {
	return m.Called().Get(0).(monitor.PerformanceSummary)
}

func (m *MockService) ApplyTags(ctx context.Context, tagIDs, contactIDs []int64) (*service.MutationResult, error) {
	args := m.Called(ctx, tagIDs, contactIDs)
	res, _ := args.Get(0).(*service.MutationResult)
	return res, args.Error(1)
}

func (m *MockService) RemoveTags(ctx context.Context, tagIDs, contactIDs []int64) (*service.MutationResult, error) {
	args := m.Called(ctx, tagIDs, contactIDs)
	res, _ := args.Get(0).(*service.MutationResult)
	return res, args.Error(1)
}

func (m *MockService) UpdateFields(ctx context.Context, contactID int64, values map[string]interface{}) (*service.MutationResult, error) {
	args := m.Called(ctx, contactID, values)
	res, _ := args.Get(0).(*service.MutationResult)
	return res, args.Error(1)
}

func (m *MockService) CreateTag(ctx context.Context, name, description string, categoryID int64) (*service.MutationResult, error) {
	args := m.Called(ctx, name, description, categoryID)
	res, _ := args.Get(0).(*service.MutationResult)
	return res, args.Error(1)
}

func (m *MockService) Catalog() *model.Catalog {
	return model.DefaultCatalog()
}

func newRouter(svc QueryService) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)
	NewHandlers(svc, NewErrorHandler(zap.NewNop()), zap.NewNop()).Register(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestQuery_Success(t *testing.T) {
	svc := &MockService{}
	rs := &model.ResultSet{
		Entity:   "contacts",
		Records:  []model.Record{{"id": float64(3)}},
		Total:    1,
		Strategy: model.StrategyTagOptimized,
	}
	svc.On("Execute", mock.Anything, mock.MatchedBy(func(req service.ExecuteRequest) bool {
		return req.Entity == "contacts" &&
			req.Page == model.Pagination{Offset: 5, Limit: 100} &&
			req.Timeout == 2*time.Second &&
			len(req.Filter.Conjuncts()) == 2
	})).Return(rs, nil)

	w := do(t, newRouter(svc), http.MethodPost, "/v1/query", `{
		"entity": "contacts",
		"filters": [
			{"field": "tag_id", "operator": "equals", "value": 100},
			{"field": "email", "operator": "contains", "value": "acme"}
		],
		"offset": 5,
		"timeout_ms": 2000
	}`)

	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "TAG_OPTIMIZED", got["strategy"])
	assert.Equal(t, float64(1), got["total"])
	svc.AssertExpectations(t)
}

func TestQuery_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"entity":`},
		{"unknown field", `{"entity": "contacts", "bogus": 1}`},
		{"missing entity", `{"limit": 10}`},
		{"filter and filters", `{"entity": "contacts", "filter": {"field": "email", "operator": "equals", "value": "a"}, "filters": []}`},
		{"unknown operator", `{"entity": "contacts", "filter": {"field": "email", "operator": "like", "value": "a"}}`},
		{"limit too large", `{"entity": "contacts", "limit": 5000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockService{}
			w := do(t, newRouter(svc), http.MethodPost, "/v1/query", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			resp := decodeError(t, w)
			assert.Equal(t, "VALIDATION_ERROR", resp.ErrorCode)
			assert.NotEmpty(t, resp.RequestID)
			svc.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
		})
	}
}

func TestQuery_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"rate limited", qerrors.RateLimited(1500*time.Millisecond, nil), http.StatusTooManyRequests, "RATE_LIMITED"},
		{"exhausted", qerrors.StrategyExhausted("BULK_RETRIEVE", nil).WithPartialDiscarded(true), http.StatusBadGateway, "STRATEGY_EXHAUSTED"},
		{"timeout", qerrors.Timeout("SIMPLE_FILTER", nil), http.StatusGatewayTimeout, "TIMEOUT"},
		{"plain error", assert.AnError, http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &MockService{}
			svc.On("Execute", mock.Anything, mock.Anything).Return(nil, tt.err)

			w := do(t, newRouter(svc), http.MethodPost, "/v1/query", `{"entity": "contacts"}`)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).ErrorCode)
		})
	}

	t.Run("carries strategy and retry hints", func(t *testing.T) {
		svc := &MockService{}
		svc.On("Execute", mock.Anything, mock.Anything).
			Return(nil, qerrors.RateLimited(1500*time.Millisecond, nil).WithStrategy("TAG_OPTIMIZED").WithPartialDiscarded(true))

		w := do(t, newRouter(svc), http.MethodPost, "/v1/query", `{"entity": "contacts"}`)
		resp := decodeError(t, w)
		assert.Equal(t, "TAG_OPTIMIZED", resp.Strategy)
		assert.True(t, resp.PartialResultsDiscarded)
		assert.Equal(t, 2, resp.RetryAfterSeconds)
		assert.Equal(t, "2", w.Header().Get("Retry-After"))
	})
}

func TestExplain(t *testing.T) {
	svc := &MockService{}
	svc.On("Explain", mock.Anything).Return(&planner.Plan{
		Entity:     "contacts",
		Classified: model.StrategyTagOptimized,
		Chosen:     model.StrategySimpleFilter,
	}, nil)

	w := do(t, newRouter(svc), http.MethodPost, "/v1/explain", `{"entity": "contacts"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var plan planner.Plan
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &plan))
	assert.Equal(t, model.StrategySimpleFilter, plan.Chosen)
}

func TestInvalidate(t *testing.T) {
	svc := &MockService{}
	svc.On("Invalidate", "contacts", []int64{1002}).Return(3)
	svc.On("InvalidateAll").Return(7)
	r := newRouter(svc)

	w := do(t, r, http.MethodPost, "/v1/invalidate", `{"entity": "contacts", "ids": [1002]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok", "evicted": 3}`, w.Body.String())

	w = do(t, r, http.MethodPost, "/v1/invalidate", `{"all": true}`)
	assert.JSONEq(t, `{"status": "ok", "evicted": 7}`, w.Body.String())

	w = do(t, r, http.MethodPost, "/v1/invalidate", `{"entity": "contacts"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTagMutations(t *testing.T) {
	svc := &MockService{}
	svc.On("ApplyTags", mock.Anything, []int64{100}, []int64{1, 2}).
		Return(&service.MutationResult{Operation: "apply_tags", Applied: 2}, nil)
	svc.On("RemoveTags", mock.Anything, []int64{100}, []int64{1}).
		Return(&service.MutationResult{Operation: "remove_tags"}, qerrors.Permanent("tag not found", nil))
	r := newRouter(svc)

	w := do(t, r, http.MethodPost, "/v1/tags/apply", `{"tag_ids": [100], "contact_ids": [1, 2]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res service.MutationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Applied)

	w = do(t, r, http.MethodPost, "/v1/tags/remove", `{"tag_ids": [100], "contact_ids": [1]}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "PERMANENT", decodeError(t, w).ErrorCode)
}

func TestUpdateContact(t *testing.T) {
	svc := &MockService{}
	svc.On("UpdateFields", mock.Anything, int64(42), map[string]interface{}{"state": "CA"}).
		Return(&service.MutationResult{Operation: "update_contact_fields", Applied: 1}, nil)
	r := newRouter(svc)

	w := do(t, r, http.MethodPatch, "/v1/contacts/42", `{"state": "CA"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodPatch, "/v1/contacts/abc", `{"state": "CA"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNumberOfCalls(t, "UpdateFields", 1)
}

func TestCreateTag(t *testing.T) {
	svc := &MockService{}
	svc.On("CreateTag", mock.Anything, "vip", "top accounts", int64(3)).
		Return(&service.MutationResult{Operation: "create_tag", TagIDs: []int64{77}, Applied: 1}, nil)
	r := newRouter(svc)

	w := do(t, r, http.MethodPost, "/v1/tags", `{"name": "vip", "description": "top accounts", "category_id": 3}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var res service.MutationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, []int64{77}, res.TagIDs)
	svc.AssertExpectations(t)
}

func TestRecordDetails(t *testing.T) {
	svc := &MockService{}
	byID := func(entity string, id int64) interface{} {
		return mock.MatchedBy(func(req service.ExecuteRequest) bool {
			cs := req.Filter.Conditions()
			return req.Entity == entity && req.Page.Limit == 1 && len(cs) == 1 &&
				cs[0].Field == "id" && cs[0].Operator == model.OpEquals && cs[0].Value == id
		})
	}
	svc.On("Execute", mock.Anything, byID("contacts", 42)).Return(&model.ResultSet{
		Entity:   "contacts",
		Records:  []model.Record{{"id": float64(42), "email": "a@example.com"}},
		Total:    1,
		Strategy: model.StrategySimpleFilter,
	}, nil)
	svc.On("Execute", mock.Anything, byID("tags", 9)).Return(&model.ResultSet{Entity: "tags"}, nil)
	r := newRouter(svc)

	w := do(t, r, http.MethodGet, "/v1/contacts/42", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp DetailsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Found)
	assert.Equal(t, "a@example.com", resp.Record["email"])
	assert.Equal(t, model.StrategySimpleFilter, resp.Strategy)

	w = do(t, r, http.MethodGet, "/v1/tags/9", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/v1/contacts/0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNumberOfCalls(t, "Execute", 2)
}

func TestIntersect(t *testing.T) {
	r := newRouter(&MockService{})

	w := do(t, r, http.MethodPost, "/v1/ids/intersect", `{"lists": [[1, 2, 3], [3, 2, 9]]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ids": [2, 3], "count": 2}`, w.Body.String())

	w = do(t, r, http.MethodPost, "/v1/ids/intersect", `{"lists": [[1]]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSummaryAndCapabilities(t *testing.T) {
	svc := &MockService{}
	svc.On("MetricsSnapshot").Return(monitor.PerformanceSummary{TotalQueries: 12, CacheHitRatio: 0.5})
	r := newRouter(svc)

	w := do(t, r, http.MethodGet, "/v1/metrics/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	var summary monitor.PerformanceSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, uint64(12), summary.TotalQueries)

	w = do(t, r, http.MethodGet, "/v1/capabilities", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"contacts"`)
}
