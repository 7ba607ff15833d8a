package handler

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/middleware"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status                  string                 `json:"status"`
	ErrorCode               string                 `json:"error_code"`
	Message                 string                 `json:"message"`
	Strategy                string                 `json:"strategy,omitempty"`
	PartialResultsDiscarded bool                   `json:"partial_results_discarded,omitempty"`
	RetryAfterSeconds       int                    `json:"retry_after_seconds,omitempty"`
	Details                 map[string]interface{} `json:"details,omitempty"`
	RequestID               string                 `json:"request_id,omitempty"`
}

// ErrorHandler renders errors as JSON responses.
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// toQueryError treats anything that is not a QueryError as internal.
func toQueryError(err error) *qerrors.QueryError {
	if qe, ok := qerrors.AsQueryError(err); ok {
		return qe
	}
	return qerrors.Internal("unexpected error", err)
}

// NewErrorResponse builds the response body for err.
func NewErrorResponse(err error, requestID string) (int, ErrorResponse) {
	qe := toQueryError(err)
	resp := ErrorResponse{
		Status:                  "error",
		ErrorCode:               qe.Kind.String(),
		Message:                 qe.Error(),
		Strategy:                qe.Strategy,
		PartialResultsDiscarded: qe.PartialDiscarded,
		RequestID:               requestID,
	}
	if len(qe.Details) > 0 {
		resp.Details = qe.Details
	}
	if qe.RetryAfter > 0 {
		resp.RetryAfterSeconds = int(math.Ceil(qe.RetryAfter.Seconds()))
	}
	return qe.HTTPStatus(), resp
}

// HandleError maps err to a status code and writes the error body.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := NewErrorResponse(err, middleware.RequestIDFrom(r.Context()))
	if resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	h.write(w, status, resp)
}

// WriteValidationError writes a 400 for a malformed request.
func (h *ErrorHandler) WriteValidationError(w http.ResponseWriter, r *http.Request, message string) {
	h.HandleError(w, r, qerrors.Validation(message))
}

// WriteErrorResponse writes a formatted error response with an explicit status.
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, kind qerrors.Kind, message string) {
	h.write(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: kind.String(),
		Message:   message,
		RequestID: middleware.RequestIDFrom(r.Context()),
	})
}

func (h *ErrorHandler) write(w http.ResponseWriter, status int, resp ErrorResponse) {
	level := h.logger.Warn
	if status >= http.StatusInternalServerError {
		level = h.logger.Error
	}
	level("HTTP error response",
		zap.Int("status_code", status),
		zap.String("error_code", resp.ErrorCode),
		zap.String("message", resp.Message),
		zap.String("request_id", resp.RequestID),
	)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
