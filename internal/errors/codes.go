package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a query failure
type Kind int

const (
	// KindValidation is a malformed filter, rejected before planning
	KindValidation Kind = iota + 1
	// KindRateLimited is remote throttling with an advertised delay
	KindRateLimited
	// KindTransient covers network errors and 5xx responses
	KindTransient
	// KindPermanent covers auth failures and 4xx responses other than 429
	KindPermanent
	// KindStrategyExhausted means every allowed demotion failed
	KindStrategyExhausted
	// KindTimeout means the caller deadline expired
	KindTimeout
	// KindInternal is a bug or local infrastructure failure
	KindInternal
)

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindTransient:
		return "TRANSIENT"
	case KindPermanent:
		return "PERMANENT"
	case KindStrategyExhausted:
		return "STRATEGY_EXHAUSTED"
	case KindTimeout:
		return "TIMEOUT"
	default:
		return "INTERNAL"
	}
}

// QueryError is the structured error surfaced to callers
type QueryError struct {
	Kind             Kind
	Message          string
	Strategy         string
	PartialDiscarded bool
	RetryAfter       time.Duration
	Details          map[string]interface{}
	Cause            error
}

// Error implements the error interface
func (e *QueryError) Error() string {
	msg := e.Message
	if e.Strategy != "" {
		msg = fmt.Sprintf("%s (strategy %s)", msg, e.Strategy)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// NewQueryError creates a new QueryError
func NewQueryError(kind Kind, message string, cause error) *QueryError {
	return &QueryError{
		Kind:    kind,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *QueryError) WithDetail(key string, value interface{}) *QueryError {
	e.Details[key] = value
	return e
}

// WithStrategy records the strategy that was in effect
func (e *QueryError) WithStrategy(strategy string) *QueryError {
	e.Strategy = strategy
	return e
}

// WithPartialDiscarded marks that fetched records were thrown away
func (e *QueryError) WithPartialDiscarded(discarded bool) *QueryError {
	e.PartialDiscarded = discarded
	return e
}

// HTTPStatus maps the kind to an HTTP status code
func (e *QueryError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindPermanent, KindStrategyExhausted:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ToGRPCStatus converts QueryError to gRPC status
func (e *QueryError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *QueryError) toGRPCCode() codes.Code {
	switch e.Kind {
	case KindValidation:
		return codes.InvalidArgument
	case KindRateLimited:
		return codes.ResourceExhausted
	case KindTransient:
		return codes.Unavailable
	case KindPermanent:
		return codes.FailedPrecondition
	case KindStrategyExhausted:
		return codes.Aborted
	case KindTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// Convenience constructors for common errors

func Validation(message string) *QueryError {
	return NewQueryError(KindValidation, message, nil)
}

func Validationf(format string, args ...interface{}) *QueryError {
	return NewQueryError(KindValidation, fmt.Sprintf(format, args...), nil)
}

func RateLimited(retryAfter time.Duration, cause error) *QueryError {
	e := NewQueryError(KindRateLimited, fmt.Sprintf("remote rate limited, retry after %s", retryAfter), cause).
		WithDetail("retry_after_ms", retryAfter.Milliseconds())
	e.RetryAfter = retryAfter
	return e
}

func Transient(message string, cause error) *QueryError {
	return NewQueryError(KindTransient, message, cause)
}

func Permanent(message string, cause error) *QueryError {
	return NewQueryError(KindPermanent, message, cause)
}

func StrategyExhausted(strategy string, cause error) *QueryError {
	return NewQueryError(KindStrategyExhausted, "all strategies failed", cause).WithStrategy(strategy)
}

// PageLimit means a scan reached its page cap before the result was complete
func PageLimit(scan string, pages int) *QueryError {
	return NewQueryError(KindStrategyExhausted,
		fmt.Sprintf("%s stopped at the %d page limit before the result was complete", scan, pages), nil).
		WithDetail("max_pages", pages)
}

func Timeout(strategy string, cause error) *QueryError {
	return NewQueryError(KindTimeout, "query deadline exceeded", cause).WithStrategy(strategy)
}

func Internal(message string, cause error) *QueryError {
	return NewQueryError(KindInternal, message, cause)
}

// AsQueryError extracts a QueryError from an error chain
func AsQueryError(err error) (*QueryError, bool) {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// KindOf returns the kind of the first QueryError in the chain, or KindInternal
func KindOf(err error) Kind {
	if qe, ok := AsQueryError(err); ok {
		return qe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	qe, ok := AsQueryError(err)
	return ok && qe.Kind == kind
}

// IsRetryable reports whether the executor may retry err
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}
