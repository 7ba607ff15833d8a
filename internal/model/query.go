package model

import (
	"time"
)

// Strategy is one of the four retrieval paths
type Strategy string

const (
	StrategyCached       Strategy = "CACHED"
	StrategyTagOptimized Strategy = "TAG_OPTIMIZED"
	StrategySimpleFilter Strategy = "SIMPLE_FILTER"
	StrategyBulkRetrieve Strategy = "BULK_RETRIEVE"
)

// Demote returns the next simpler strategy, or false when none remains
func (s Strategy) Demote() (Strategy, bool) {
	switch s {
	case StrategyTagOptimized:
		return StrategySimpleFilter, true
	case StrategySimpleFilter:
		return StrategyBulkRetrieve, true
	default:
		return "", false
	}
}

// QueryState tracks a query through planning and execution
type QueryState string

const (
	StatePlanning  QueryState = "PLANNING"
	StateExecuting QueryState = "EXECUTING"
	StateDemoted   QueryState = "DEMOTED"
	StateSucceeded QueryState = "SUCCEEDED"
	StateFailed    QueryState = "FAILED"
)

// SortField orders results after merge
type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Pagination is the requested result window
type Pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Query is a fully parsed request to the planner
type Query struct {
	ID      string
	Entity  string
	Filter  *Expr
	Fields  []string
	Sort    []SortField
	Page    Pagination
	Timeout time.Duration
}

// QueryMetrics describes how a query was executed
type QueryMetrics struct {
	QueryID           string       `json:"query_id,omitempty"`
	DurationMs        float64      `json:"duration_ms"`
	APICalls          int          `json:"api_calls"`
	Retries           int          `json:"retries"`
	CacheHit          bool         `json:"cache_hit"`
	StrategyPlanned   Strategy     `json:"strategy_planned"`
	StrategyUsed      Strategy     `json:"strategy_used"`
	Demoted           bool         `json:"demoted"`
	States            []QueryState `json:"states"`
	ServerSideFilters int          `json:"server_side_filters"`
	ClientSideFilters int          `json:"client_side_filters"`
	RecordsConsidered int          `json:"records_considered"`
	ResultsCount      int          `json:"results_count"`
	OptimizationRatio float64      `json:"optimization_ratio"`
}

// ResultSet is what execute returns
type ResultSet struct {
	Entity   string       `json:"entity"`
	Records  []Record     `json:"records"`
	Total    int          `json:"total"`
	Strategy Strategy     `json:"strategy"`
	Metrics  QueryMetrics `json:"metrics"`
}

// CostSample is one observation for the filter cost model
type CostSample struct {
	Field       string    `json:"field"`
	Operator    Operator  `json:"operator"`
	Selectivity float64   `json:"selectivity"`
	LatencyMs   float64   `json:"latency_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// Key identifies the (field, operator) series the sample belongs to
func (s CostSample) Key() string {
	return s.Field + ":" + string(s.Operator)
}
