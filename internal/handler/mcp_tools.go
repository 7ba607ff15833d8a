package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/metrics"
)

// ToolDeps holds shared dependencies for MCP tool handlers
type ToolDeps struct {
	svc     QueryService
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewToolDeps creates the MCP tool set. m may be nil.
func NewToolDeps(svc QueryService, m *metrics.Metrics, logger *zap.Logger) *ToolDeps {
	return &ToolDeps{svc: svc, metrics: m, logger: logger}
}

// NewMCPServer builds an MCP server with every tool registered.
func NewMCPServer(name, version string, deps *ToolDeps) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		name,
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	srv.AddTools(deps.Tools()...)
	return srv
}

func queryOptions(description string) []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithDescription(description),
		mcp.WithObject("filter", mcp.Description(
			"Filter expression. A leaf is {field, operator, value}; a group is {operator: AND|OR|NOT, conditions: [...]}")),
		mcp.WithArray("filters", mcp.Description("List of filter expressions combined with AND")),
		mcp.WithArray("fields", mcp.Description("Fields to return; all fields when omitted"),
			mcp.Items(map[string]interface{}{"type": "string"})),
		mcp.WithArray("sort", mcp.Description("Sort keys, each {field, desc}")),
		mcp.WithNumber("offset", mcp.Description("Number of matching records to skip")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return (default 100, max 1000)")),
		mcp.WithNumber("timeout_ms", mcp.Description("Per-query deadline in milliseconds")),
	}
}

func idArray(name, description string) mcp.ToolOption {
	return mcp.WithArray(name, mcp.Description(description), mcp.Required(),
		mcp.Items(map[string]interface{}{"type": "integer"}))
}

// Tools returns every MCP tool with its handler.
func (d *ToolDeps) Tools() []mcpserver.ServerTool {
	return []mcpserver.ServerTool{
		{
			Tool: mcp.NewTool("query_contacts",
				queryOptions("Query contacts with nested AND/OR/NOT filters. The engine picks the cheapest retrieval strategy and caches results.")...),
			Handler: d.queryHandler("contacts"),
		},
		{
			Tool: mcp.NewTool("query_tags",
				queryOptions("Query tags with filters.")...),
			Handler: d.queryHandler("tags"),
		},
		{
			Tool: mcp.NewTool("explain_query",
				append(queryOptions("Report the strategy a query would run with and the estimated cost of each eligible strategy, without executing it."),
					mcp.WithString("entity", mcp.Description("Entity to query"), mcp.Required()))...),
			Handler: d.HandleExplain,
		},
		{
			Tool: mcp.NewTool("apply_tags",
				mcp.WithDescription("Apply every tag to every contact and invalidate affected cached results."),
				idArray("tag_ids", "Tag ids to apply"),
				idArray("contact_ids", "Contact ids to tag"),
			),
			Handler: d.HandleApplyTags,
		},
		{
			Tool: mcp.NewTool("remove_tags",
				mcp.WithDescription("Remove every tag from every contact and invalidate affected cached results."),
				idArray("tag_ids", "Tag ids to remove"),
				idArray("contact_ids", "Contact ids to untag"),
			),
			Handler: d.HandleRemoveTags,
		},
		{
			Tool: mcp.NewTool("update_contact_fields",
				mcp.WithDescription("Write field values onto one contact and invalidate affected cached results."),
				mcp.WithNumber("contact_id", mcp.Description("Contact id"), mcp.Required()),
				mcp.WithObject("values", mcp.Description("Map of field name to new value"), mcp.Required()),
			),
			Handler: d.HandleUpdateFields,
		},
		{
			Tool: mcp.NewTool("create_tag",
				mcp.WithDescription("Create a tag and invalidate cached tag results."),
				mcp.WithString("name", mcp.Description("Tag name"), mcp.Required()),
				mcp.WithString("description", mcp.Description("Tag description")),
				mcp.WithNumber("category_id", mcp.Description("Tag category id")),
			),
			Handler: d.HandleCreateTag,
		},
		{
			Tool: mcp.NewTool("get_contact_details",
				mcp.WithDescription("Fetch one contact by id without scanning the contact list."),
				mcp.WithNumber("contact_id", mcp.Description("Contact id"), mcp.Required()),
				mcp.WithArray("fields", mcp.Description("Fields to return; all fields when omitted"),
					mcp.Items(map[string]interface{}{"type": "string"})),
			),
			Handler: d.detailsHandler("get_contact_details", "contacts", func(r DetailsRequest) int64 { return r.ContactID }),
		},
		{
			Tool: mcp.NewTool("get_tag_details",
				mcp.WithDescription("Fetch one tag by id."),
				mcp.WithNumber("tag_id", mcp.Description("Tag id"), mcp.Required()),
			),
			Handler: d.detailsHandler("get_tag_details", "tags", func(r DetailsRequest) int64 { return r.TagID }),
		},
		{
			Tool: mcp.NewTool("invalidate_cache",
				mcp.WithDescription("Evict cached results that include any of the given ids, or every cached result when all is true."),
				mcp.WithString("entity", mcp.Description("Entity the ids belong to")),
				mcp.WithArray("ids", mcp.Description("Record ids"), mcp.Items(map[string]interface{}{"type": "integer"})),
				mcp.WithBoolean("all", mcp.Description("Empty the whole cache")),
			),
			Handler: d.HandleInvalidate,
		},
		{
			Tool: mcp.NewTool("intersect_id_lists",
				mcp.WithDescription("Return the ids present in every list."),
				mcp.WithArray("lists", mcp.Description("Two or more lists of integer ids"), mcp.Required()),
			),
			Handler: d.HandleIntersect,
		},
		{
			Tool: mcp.NewTool("get_performance_summary",
				mcp.WithDescription("Latency, error rate, cache hit ratio, strategy usage and recent alerts over the rolling window."),
			),
			Handler: d.HandleSummary,
		},
		{
			Tool: mcp.NewTool("get_capabilities",
				mcp.WithDescription("The capability table: entities, field types and the operators the remote applies server-side."),
			),
			Handler: d.HandleCapabilities,
		},
	}
}

// bind decodes the tool arguments into dst.
func bind(request mcp.CallToolRequest, dst interface{}) error {
	raw, err := json.Marshal(request.GetArguments())
	if err != nil {
		return qerrors.Validationf("invalid arguments: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return qerrors.Validationf("invalid arguments: %v", err)
	}
	return nil
}

func (d *ToolDeps) result(tool string, start time.Time, body interface{}, err error) (*mcp.CallToolResult, error) {
	code := http.StatusOK
	defer func() {
		if d.metrics != nil {
			d.metrics.RecordHTTPRequest("MCP", tool, code, time.Since(start))
		}
	}()

	if err != nil {
		var resp ErrorResponse
		code, resp = NewErrorResponse(err, "")
		d.logger.Warn("Tool call failed",
			zap.String("tool", tool),
			zap.String("error_code", resp.ErrorCode),
			zap.Error(err))
		data, _ := json.Marshal(resp)
		return mcp.NewToolResultError(string(data)), nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		code = http.StatusInternalServerError
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	d.logger.Debug("Tool call", zap.String("tool", tool), zap.Duration("duration", time.Since(start)))
	return mcp.NewToolResultText(string(data)), nil
}

func (d *ToolDeps) queryHandler(entity string) mcpserver.ToolHandlerFunc {
	tool := "query_" + entity
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		var req QueryRequest
		if err := bind(request, &req); err != nil {
			return d.result(tool, start, nil, err)
		}
		req.Entity = entity
		exec, err := req.toExecute(entity)
		if err != nil {
			return d.result(tool, start, nil, err)
		}
		rs, err := d.svc.Execute(ctx, exec)
		return d.result(tool, start, rs, err)
	}
}

// HandleExplain reports the plan for a query
func (d *ToolDeps) HandleExplain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	var req QueryRequest
	if err := bind(request, &req); err != nil {
		return d.result("explain_query", start, nil, err)
	}
	exec, err := req.toExecute("")
	if err != nil {
		return d.result("explain_query", start, nil, err)
	}
	plan, err := d.svc.Explain(exec)
	return d.result("explain_query", start, plan, err)
}

// HandleApplyTags tags contacts
func (d *ToolDeps) HandleApplyTags(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	var req TagMutationRequest
	if err := bind(request, &req); err != nil {
		return d.result("apply_tags", start, nil, err)
	}
	res, err := d.svc.ApplyTags(ctx, req.TagIDs, req.ContactIDs)
	return d.result("apply_tags", start, res, err)
}

// HandleRemoveTags untags contacts
func (d *ToolDeps) HandleRemoveTags(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	var req TagMutationRequest
	if err := bind(request, &req); err != nil {
		return d.result("remove_tags", start, nil, err)
	}
	res, err := d.svc.RemoveTags(ctx, req.TagIDs, req.ContactIDs)
	return d.result("remove_tags", start, res, err)
}

// HandleUpdateFields writes field values onto a contact
func (d *ToolDeps) HandleUpdateFields(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	var req UpdateFieldsRequest
	if err := bind(request, &req); err != nil {
		return d.result("update_contact_fields", start, nil, err)
	}
	if req.ContactID <= 0 {
		return d.result("update_contact_fields", start, nil, qerrors.Validation("contact_id must be a positive integer"))
	}
	res, err := d.svc.UpdateFields(ctx, req.ContactID, req.Values)
	return d.result("update_contact_fields", start, res, err)
}

// HandleCreateTag creates a tag
func (d *ToolDeps) HandleCreateTag(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	var req CreateTagRequest
	if err := bind(request, &req); err != nil {
		return d.result("create_tag", start, nil, err)
	}
	res, err := d.svc.CreateTag(ctx, req.Name, req.Description, req.CategoryID)
	return d.result("create_tag", start, res, err)
}

func (d *ToolDeps) detailsHandler(tool, entity string, id func(DetailsRequest) int64) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		var req DetailsRequest
		if err := bind(request, &req); err != nil {
			return d.result(tool, start, nil, err)
		}
		resp, err := details(ctx, d.svc, entity, id(req), req.Fields)
		return d.result(tool, start, resp, err)
	}
}

// HandleInvalidate evicts cached results
func (d *ToolDeps) HandleInvalidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	var req InvalidateRequest
	if err := bind(request, &req); err != nil {
		return d.result("invalidate_cache", start, nil, err)
	}
	resp, err := invalidate(d.svc, req)
	return d.result("invalidate_cache", start, resp, err)
}

// HandleIntersect intersects id lists
func (d *ToolDeps) HandleIntersect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	start := time.Now()
	var req IntersectRequest
	if err := bind(request, &req); err != nil {
		return d.result("intersect_id_lists", start, nil, err)
	}
	resp, err := intersect(req)
	return d.result("intersect_id_lists", start, resp, err)
}

// HandleSummary returns the performance summary
func (d *ToolDeps) HandleSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return d.result("get_performance_summary", time.Now(), d.svc.MetricsSnapshot(), nil)
}

// HandleCapabilities returns the capability table
func (d *ToolDeps) HandleCapabilities(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return d.result("get_capabilities", time.Now(), d.svc.Catalog(), nil)
}
