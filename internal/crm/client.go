// Package crm implements the remote CRM REST API used by the query executor.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/model"
	"github.com/devrev/crmquery/internal/pool"
)

const (
	defaultRetryAfter = time.Second
	maxErrorBody      = 4096
)

// Config holds remote API settings
type Config struct {
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	UserAgent         string  `mapstructure:"user_agent"`
}

// Client talks to the CRM REST API over pooled connections. Every HTTP call
// first waits on a shared rate limiter.
type Client struct {
	cfg     Config
	baseURL *url.URL
	limiter *rate.Limiter
	logger  *zap.Logger

	mu        sync.RWMutex
	isHealthy bool
	lastError string
}

// NewClient creates a CRM client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crmquery/1.0"
	}
	return &Client{
		cfg:       cfg,
		baseURL:   u,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
		isHealthy: true,
	}, nil
}

// Host is the pool key for this remote
func (c *Client) Host() string {
	return c.baseURL.Scheme + "://" + c.baseURL.Host
}

// IsHealthy reports whether the last remote call reached the server
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isHealthy
}

// LastError returns the last transport error message, if any
func (c *Client) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *Client) setHealthy(healthy bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isHealthy = healthy
	if err != nil {
		c.lastError = err.Error()
	}
}

// Do executes one logical fetch
func (c *Client) Do(ctx context.Context, conn *pool.Conn, req *model.FetchRequest) (*model.Page, error) {
	switch req.Kind {
	case model.FetchList:
		return c.list(ctx, conn, req)
	case model.FetchTagMembers:
		return c.tagMembers(ctx, conn, req)
	case model.FetchHydrate:
		return c.hydrate(ctx, conn, req)
	case model.FetchApplyTag:
		body := map[string]interface{}{"ids": req.IDs}
		return &model.Page{Total: -1}, c.call(ctx, conn, http.MethodPost, fmt.Sprintf("/tags/%d/contacts", req.TagID), nil, body, nil)
	case model.FetchRemoveTag:
		q := url.Values{"ids": {joinIDs(req.IDs)}}
		return &model.Page{Total: -1}, c.call(ctx, conn, http.MethodDelete, fmt.Sprintf("/tags/%d/contacts", req.TagID), q, nil, nil)
	case model.FetchUpdate:
		if len(req.IDs) != 1 {
			return nil, qerrors.Permanent("field update targets exactly one record", nil)
		}
		return &model.Page{Total: -1}, c.call(ctx, conn, http.MethodPatch, fmt.Sprintf("/%s/%d", req.Entity, req.IDs[0]), nil, req.Values, nil)
	case model.FetchCreateTag:
		return c.createTag(ctx, conn, req)
	default:
		return nil, qerrors.Permanent(fmt.Sprintf("unsupported fetch kind %q", req.Kind), nil)
	}
}

type listResponse map[string]json.RawMessage

func (c *Client) list(ctx context.Context, conn *pool.Conn, req *model.FetchRequest) (*model.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(req.Limit))
	q.Set("offset", strconv.Itoa(req.Offset))
	for _, p := range req.Params {
		q.Set(p.Param, paramValue(p))
	}
	if len(req.Fields) > 0 {
		q.Set("optional_properties", optionalProperties(req.Fields))
	}

	var resp listResponse
	if err := c.call(ctx, conn, http.MethodGet, "/"+req.Entity, q, nil, &resp); err != nil {
		return nil, err
	}

	var raw []map[string]interface{}
	if body, ok := resp[req.Entity]; ok {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, qerrors.Permanent("malformed list response", err)
		}
	}
	page := &model.Page{Records: make([]model.Record, 0, len(raw)), Total: -1}
	for _, item := range raw {
		page.Records = append(page.Records, normalize(item))
	}
	page.Total, page.HasMore = pageBounds(resp, req, len(raw))
	return page, nil
}

func (c *Client) tagMembers(ctx context.Context, conn *pool.Conn, req *model.FetchRequest) (*model.Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(req.Limit))
	q.Set("offset", strconv.Itoa(req.Offset))

	var resp listResponse
	if err := c.call(ctx, conn, http.MethodGet, fmt.Sprintf("/tags/%d/contacts", req.TagID), q, nil, &resp); err != nil {
		return nil, err
	}

	var raw []map[string]interface{}
	if body, ok := resp["contacts"]; ok {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, qerrors.Permanent("malformed tag membership response", err)
		}
	}
	page := &model.Page{IDs: make([]int64, 0, len(raw))}
	for _, item := range raw {
		rec := model.Record(item)
		if nested, ok := item["contact"].(map[string]interface{}); ok {
			rec = nested
		}
		if id, ok := rec.ID(); ok {
			page.IDs = append(page.IDs, id)
		}
	}
	page.Total, page.HasMore = pageBounds(resp, req, len(raw))
	return page, nil
}

// hydrate loads each id of the batch; ids that no longer exist are skipped
func (c *Client) hydrate(ctx context.Context, conn *pool.Conn, req *model.FetchRequest) (*model.Page, error) {
	q := url.Values{}
	if len(req.Fields) > 0 {
		q.Set("optional_properties", optionalProperties(req.Fields))
	}
	page := &model.Page{Records: make([]model.Record, 0, len(req.IDs)), Total: len(req.IDs)}
	for _, id := range req.IDs {
		var item map[string]interface{}
		err := c.call(ctx, conn, http.MethodGet, fmt.Sprintf("/%s/%d", req.Entity, id), q, nil, &item)
		if err != nil {
			if qe, ok := qerrors.AsQueryError(err); ok && qe.Details["status"] == http.StatusNotFound {
				continue
			}
			return nil, err
		}
		page.Records = append(page.Records, normalize(item))
	}
	return page, nil
}

// createTag posts a new tag and returns it as the single record of the page
func (c *Client) createTag(ctx context.Context, conn *pool.Conn, req *model.FetchRequest) (*model.Page, error) {
	var item map[string]interface{}
	if err := c.call(ctx, conn, http.MethodPost, "/tags", nil, req.Values, &item); err != nil {
		return nil, err
	}
	if nested, ok := item["tag"].(map[string]interface{}); ok {
		item = nested
	}
	rec := normalize(item)
	if _, ok := rec.ID(); !ok {
		return nil, qerrors.Permanent("create tag response carries no id", nil)
	}
	return &model.Page{Records: []model.Record{rec}, Total: 1}, nil
}

func (c *Client) call(ctx context.Context, conn *pool.Conn, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return qerrors.Transient("rate limiter wait failed", err)
	}

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return qerrors.Permanent("failed to encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return qerrors.Permanent("failed to build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := conn.Client().Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setHealthy(false, err)
		return qerrors.Transient(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()
	c.setHealthy(true, nil)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return qerrors.Permanent("failed to decode response", err)
		}
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return classify(resp, method, path, strings.TrimSpace(string(snippet)))
}

// classify maps an HTTP error status onto the executor's error taxonomy
func classify(resp *http.Response, method, path, body string) error {
	cause := fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, body)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return qerrors.RateLimited(parseRetryAfter(resp.Header.Get("Retry-After")), cause).
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode >= 500:
		return qerrors.Transient("remote server error", cause).WithDetail("status", resp.StatusCode)
	default:
		return qerrors.Permanent("remote rejected request", cause).WithDetail("status", resp.StatusCode)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}

func pageBounds(resp listResponse, req *model.FetchRequest, n int) (int, bool) {
	total := -1
	if raw, ok := resp["count"]; ok {
		var count int
		if err := json.Unmarshal(raw, &count); err == nil {
			total = count
		}
	}
	if total >= 0 {
		return total, req.Offset+n < total
	}
	return total, req.Limit > 0 && n >= req.Limit
}

func paramValue(p model.ServerParam) string {
	s := scalarString(p.Value)
	switch p.Operator {
	case model.OpContains:
		return "%" + s + "%"
	case model.OpStartsWith:
		return s + "%"
	case model.OpEndsWith:
		return "%" + s
	case model.OpIn:
		if list, ok := p.Value.([]interface{}); ok {
			parts := make([]string, len(list))
			for i, v := range list {
				parts[i] = scalarString(v)
			}
			return strings.Join(parts, ",")
		}
	case model.OpGreaterThan, model.OpLessThan:
		if t, ok := model.ToTime(p.Value); ok {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return s
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	if f, ok := model.ToFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// optionalProperties maps requested field names to the remote's property
// names; flattened custom_field_<id> attributes all come from custom_fields
func optionalProperties(fields []string) string {
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, "custom_field_") {
			f = "custom_fields"
		}
		if f == "id" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return strings.Join(out, ",")
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// normalize flattens custom field lists into custom_field_<id> attributes and
// email address lists into a primary email
func normalize(item map[string]interface{}) model.Record {
	rec := model.Record(item)
	if fields, ok := item["custom_fields"].([]interface{}); ok {
		for _, f := range fields {
			cf, ok := f.(map[string]interface{})
			if !ok {
				continue
			}
			if id, ok := model.ToFloat(cf["id"]); ok {
				rec["custom_field_"+strconv.FormatInt(int64(id), 10)] = cf["content"]
			}
		}
	}
	if _, ok := rec["email"]; !ok {
		if emails, ok := item["email_addresses"].([]interface{}); ok && len(emails) > 0 {
			if first, ok := emails[0].(map[string]interface{}); ok {
				rec["email"] = first["email"]
			}
		}
	}
	return rec
}
