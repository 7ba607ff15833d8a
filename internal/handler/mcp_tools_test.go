package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/metrics"
	"github.com/devrev/crmquery/internal/model"
	"github.com/devrev/crmquery/internal/service"
)

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestTools_Registered(t *testing.T) {
	deps := NewToolDeps(&MockService{}, nil, zap.NewNop())
	names := make([]string, 0)
	for _, tool := range deps.Tools() {
		names = append(names, tool.Tool.Name)
		assert.NotNil(t, tool.Handler, tool.Tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"query_contacts", "query_tags", "explain_query", "apply_tags", "remove_tags",
		"update_contact_fields", "create_tag", "get_contact_details", "get_tag_details",
		"invalidate_cache", "intersect_id_lists",
		"get_performance_summary", "get_capabilities",
	}, names)

	assert.NotNil(t, NewMCPServer("crmquery", "test", deps))
}

func TestQueryContactsTool(t *testing.T) {
	svc := &MockService{}
	svc.On("Execute", mock.Anything, mock.MatchedBy(func(req service.ExecuteRequest) bool {
		c := req.Filter.Condition()
		return req.Entity == "contacts" && req.Page.Limit == 25 && c.Field == "tag_id" && c.Operator == model.OpIn
	})).Return(&model.ResultSet{Entity: "contacts", Total: 2, Strategy: model.StrategyTagOptimized}, nil)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	deps := NewToolDeps(svc, m, zap.NewNop())
	handler := deps.queryHandler("contacts")

	res, err := handler(context.Background(), callRequest("query_contacts", map[string]interface{}{
		"entity": "tags",
		"filter": map[string]interface{}{"field": "tag_id", "operator": "in", "value": []interface{}{100.0, 200.0}},
		"limit":  25.0,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var rs model.ResultSet
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rs))
	assert.Equal(t, model.StrategyTagOptimized, rs.Strategy)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("MCP", "query_contacts", "200")))
	svc.AssertExpectations(t)
}

func TestQueryTool_ErrorResult(t *testing.T) {
	svc := &MockService{}
	svc.On("Execute", mock.Anything, mock.Anything).
		Return(nil, qerrors.StrategyExhausted("BULK_RETRIEVE", nil).WithPartialDiscarded(true))
	deps := NewToolDeps(svc, nil, zap.NewNop())

	res, err := deps.queryHandler("contacts")(context.Background(), callRequest("query_contacts", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &resp))
	assert.Equal(t, "STRATEGY_EXHAUSTED", resp.ErrorCode)
	assert.Equal(t, "BULK_RETRIEVE", resp.Strategy)
	assert.True(t, resp.PartialResultsDiscarded)
}

func TestQueryTool_InvalidFilter(t *testing.T) {
	svc := &MockService{}
	deps := NewToolDeps(svc, nil, zap.NewNop())

	res, err := deps.queryHandler("contacts")(context.Background(), callRequest("query_contacts", map[string]interface{}{
		"filter": map[string]interface{}{"operator": "XOR", "conditions": []interface{}{
			map[string]interface{}{"field": "email", "operator": "equals", "value": "a@b.c"},
		}},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "VALIDATION_ERROR")
	svc.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestMutationTools(t *testing.T) {
	svc := &MockService{}
	svc.On("ApplyTags", mock.Anything, []int64{7}, []int64{1, 2}).
		Return(&service.MutationResult{Operation: "apply_tags", Applied: 2, Invalidated: 1}, nil)
	svc.On("UpdateFields", mock.Anything, int64(9), map[string]interface{}{"city": "Austin"}).
		Return(&service.MutationResult{Operation: "update_contact_fields", Applied: 1}, nil)
	deps := NewToolDeps(svc, nil, zap.NewNop())

	res, err := deps.HandleApplyTags(context.Background(), callRequest("apply_tags", map[string]interface{}{
		"tag_ids":     []interface{}{7.0},
		"contact_ids": []interface{}{1.0, 2.0},
	}))
	require.NoError(t, err)
	var mr service.MutationResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &mr))
	assert.Equal(t, 1, mr.Invalidated)

	res, err = deps.HandleUpdateFields(context.Background(), callRequest("update_contact_fields", map[string]interface{}{
		"contact_id": 9.0,
		"values":     map[string]interface{}{"city": "Austin"},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = deps.HandleUpdateFields(context.Background(), callRequest("update_contact_fields", map[string]interface{}{
		"values": map[string]interface{}{"city": "Austin"},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	svc.AssertNumberOfCalls(t, "UpdateFields", 1)
}

func TestCreateTagAndDetailsTools(t *testing.T) {
	svc := &MockService{}
	svc.On("CreateTag", mock.Anything, "vip", "", int64(0)).
		Return(&service.MutationResult{Operation: "create_tag", TagIDs: []int64{77}}, nil)
	svc.On("Execute", mock.Anything, mock.MatchedBy(func(req service.ExecuteRequest) bool {
		c := req.Filter.Condition()
		return req.Entity == "contacts" && c.Field == "id" && c.Value == int64(5) &&
			len(req.Fields) == 1 && req.Fields[0] == "email"
	})).Return(&model.ResultSet{Entity: "contacts", Records: []model.Record{{"id": 5.0, "email": "e@x.io"}}}, nil)
	svc.On("Execute", mock.Anything, mock.MatchedBy(func(req service.ExecuteRequest) bool {
		return req.Entity == "tags"
	})).Return(&model.ResultSet{Entity: "tags"}, nil)
	deps := NewToolDeps(svc, nil, zap.NewNop())

	res, err := deps.HandleCreateTag(context.Background(), callRequest("create_tag", map[string]interface{}{"name": "vip"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	tools := make(map[string]mcpserver.ToolHandlerFunc)
	for _, tool := range deps.Tools() {
		tools[tool.Tool.Name] = tool.Handler
	}

	res, err = tools["get_contact_details"](context.Background(), callRequest("get_contact_details", map[string]interface{}{
		"contact_id": 5.0,
		"fields":     []interface{}{"email"},
	}))
	require.NoError(t, err)
	var found DetailsResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &found))
	assert.True(t, found.Found)
	assert.Equal(t, "e@x.io", found.Record["email"])

	res, err = tools["get_tag_details"](context.Background(), callRequest("get_tag_details", map[string]interface{}{"tag_id": 9.0}))
	require.NoError(t, err)
	var missing DetailsResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &missing))
	assert.False(t, missing.Found)
	assert.Equal(t, int64(9), missing.ID)

	res, err = tools["get_tag_details"](context.Background(), callRequest("get_tag_details", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	svc.AssertExpectations(t)
}

func TestInvalidateAndIntersectTools(t *testing.T) {
	svc := &MockService{}
	svc.On("Invalidate", "contacts", []int64{5}).Return(2)
	deps := NewToolDeps(svc, nil, zap.NewNop())

	res, err := deps.HandleInvalidate(context.Background(), callRequest("invalidate_cache", map[string]interface{}{
		"entity": "contacts",
		"ids":    []interface{}{5.0},
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status": "ok", "evicted": 2}`, resultText(t, res))

	res, err = deps.HandleIntersect(context.Background(), callRequest("intersect_id_lists", map[string]interface{}{
		"lists": []interface{}{
			[]interface{}{1.0, 4.0, 9.0},
			[]interface{}{9.0, 4.0},
			[]interface{}{4.0, 9.0, 12.0},
		},
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ids": [4, 9], "count": 2}`, resultText(t, res))
}
