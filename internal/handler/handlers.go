// Package handler exposes the query service over REST and MCP.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/model"
	"github.com/devrev/crmquery/internal/monitor"
	"github.com/devrev/crmquery/internal/planner"
	"github.com/devrev/crmquery/internal/service"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// QueryService is the service surface both protocols call.
type QueryService interface {
	Execute(ctx context.Context, req service.ExecuteRequest) (*model.ResultSet, error)
	Explain(req service.ExecuteRequest) (*planner.Plan, error)
	Invalidate(entity string, ids []int64) int
	InvalidateAll() int
	MetricsSnapshot() monitor.PerformanceSummary
	ApplyTags(ctx context.Context, tagIDs, contactIDs []int64) (*service.MutationResult, error)
	RemoveTags(ctx context.Context, tagIDs, contactIDs []int64) (*service.MutationResult, error)
	UpdateFields(ctx context.Context, contactID int64, values map[string]interface{}) (*service.MutationResult, error)
	CreateTag(ctx context.Context, name, description string, categoryID int64) (*service.MutationResult, error)
	Catalog() *model.Catalog
}

// QueryResponse wraps a result set for the REST API.
type QueryResponse struct {
	Status string `json:"status"`
	*model.ResultSet
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	svc          QueryService
	errorHandler *ErrorHandler
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc QueryService, errorHandler *ErrorHandler, logger *zap.Logger) *Handlers {
	return &Handlers{
		svc:          svc,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Register mounts the /v1 routes on r and returns the /v1 subrouter.
func (h *Handlers) Register(r *mux.Router) *mux.Router {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/query", h.Query).Methods(http.MethodPost)
	v1.HandleFunc("/explain", h.Explain).Methods(http.MethodPost)
	v1.HandleFunc("/invalidate", h.Invalidate).Methods(http.MethodPost)
	v1.HandleFunc("/metrics/summary", h.Summary).Methods(http.MethodGet)
	v1.HandleFunc("/capabilities", h.Capabilities).Methods(http.MethodGet)
	v1.HandleFunc("/tags", h.CreateTag).Methods(http.MethodPost)
	v1.HandleFunc("/tags/apply", h.ApplyTags).Methods(http.MethodPost)
	v1.HandleFunc("/tags/remove", h.RemoveTags).Methods(http.MethodPost)
	v1.HandleFunc("/tags/{tag_id}", h.TagDetails).Methods(http.MethodGet)
	v1.HandleFunc("/contacts/{contact_id}", h.ContactDetails).Methods(http.MethodGet)
	v1.HandleFunc("/contacts/{contact_id}", h.UpdateContact).Methods(http.MethodPatch)
	v1.HandleFunc("/ids/intersect", h.Intersect).Methods(http.MethodPost)
	return v1
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (h *Handlers) decodeQuery(w http.ResponseWriter, r *http.Request) (service.ExecuteRequest, bool) {
	var req QueryRequest
	if err := decode(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return service.ExecuteRequest{}, false
	}
	exec, err := req.toExecute("")
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return service.ExecuteRequest{}, false
	}
	return exec, true
}

// Query handles POST /v1/query requests.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	rs, err := h.svc.Execute(r.Context(), req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Status: "ok", ResultSet: rs})
}

// Explain handles POST /v1/explain requests.
func (h *Handlers) Explain(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	plan, err := h.svc.Explain(req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// Invalidate handles POST /v1/invalidate requests.
func (h *Handlers) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := decode(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}
	resp, err := invalidate(h.svc, req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Summary handles GET /v1/metrics/summary requests.
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.MetricsSnapshot())
}

// Capabilities handles GET /v1/capabilities requests.
func (h *Handlers) Capabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Catalog())
}

// ApplyTags handles POST /v1/tags/apply requests.
func (h *Handlers) ApplyTags(w http.ResponseWriter, r *http.Request) {
	h.mutateTags(w, r, h.svc.ApplyTags)
}

// RemoveTags handles POST /v1/tags/remove requests.
func (h *Handlers) RemoveTags(w http.ResponseWriter, r *http.Request) {
	h.mutateTags(w, r, h.svc.RemoveTags)
}

type tagMutation func(ctx context.Context, tagIDs, contactIDs []int64) (*service.MutationResult, error)

func (h *Handlers) mutateTags(w http.ResponseWriter, r *http.Request, op tagMutation) {
	var req TagMutationRequest
	if err := decode(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}
	res, err := op(r.Context(), req.TagIDs, req.ContactIDs)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateTag handles POST /v1/tags requests.
func (h *Handlers) CreateTag(w http.ResponseWriter, r *http.Request) {
	var req CreateTagRequest
	if err := decode(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}
	res, err := h.svc.CreateTag(r.Context(), req.Name, req.Description, req.CategoryID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ContactDetails handles GET /v1/contacts/{contact_id} requests.
func (h *Handlers) ContactDetails(w http.ResponseWriter, r *http.Request) {
	h.recordDetails(w, r, "contacts", "contact_id")
}

// TagDetails handles GET /v1/tags/{tag_id} requests.
func (h *Handlers) TagDetails(w http.ResponseWriter, r *http.Request) {
	h.recordDetails(w, r, "tags", "tag_id")
}

func (h *Handlers) recordDetails(w http.ResponseWriter, r *http.Request, entity, param string) {
	id, err := strconv.ParseInt(mux.Vars(r)[param], 10, 64)
	if err != nil || id <= 0 {
		h.errorHandler.WriteValidationError(w, r, param+" must be a positive integer")
		return
	}
	var fields []string
	if f := r.URL.Query().Get("fields"); f != "" {
		fields = strings.Split(f, ",")
	}
	resp, err := details(r.Context(), h.svc, entity, id, fields)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if !resp.Found {
		h.errorHandler.WriteErrorResponse(w, r, http.StatusNotFound, qerrors.KindValidation,
			fmt.Sprintf("%s %d not found", entity, id))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateContact handles PATCH /v1/contacts/{contact_id} requests. The body is
// the map of field values.
func (h *Handlers) UpdateContact(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["contact_id"], 10, 64)
	if err != nil || id <= 0 {
		h.errorHandler.WriteValidationError(w, r, "contact_id must be a positive integer")
		return
	}
	var values map[string]interface{}
	if err := decode(w, r, &values); err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}
	res, err := h.svc.UpdateFields(r.Context(), id, values)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Intersect handles POST /v1/ids/intersect requests.
func (h *Handlers) Intersect(w http.ResponseWriter, r *http.Request) {
	var req IntersectRequest
	if err := decode(w, r, &req); err != nil {
		h.errorHandler.WriteValidationError(w, r, err.Error())
		return
	}
	resp, err := intersect(req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
