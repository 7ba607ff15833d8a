package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/crmquery/internal/cache"
	"github.com/devrev/crmquery/internal/cluster"
	"github.com/devrev/crmquery/internal/executor"
	"github.com/devrev/crmquery/internal/metrics"
	"github.com/devrev/crmquery/internal/model"
	"github.com/devrev/crmquery/internal/monitor"
	"github.com/devrev/crmquery/internal/planner"
)

// Invalidation sources
const (
	SourceAPI      = "api"
	SourceMutation = "mutation"
	SourceCluster  = "cluster"
)

// Planner runs and explains queries
type Planner interface {
	Execute(ctx context.Context, q *model.Query) (*model.ResultSet, error)
	Explain(q *model.Query) (*planner.Plan, error)
	Catalog() *model.Catalog
}

// ResultCache is the part of the result cache the service invalidates
type ResultCache interface {
	InvalidateIDs(entity string, ids []int64) int
	Invalidate(pred func(*cache.Entry) bool) int
	Clear() int
	Stats() cache.Stats
}

// Fetcher issues remote mutations
type Fetcher interface {
	Fetch(ctx context.Context, req *model.FetchRequest) (*executor.Result, error)
}

// BatchSizer sizes mutation batches
type BatchSizer interface {
	Next(op string) int
	Record(op string, size int, elapsed time.Duration) int
}

// Broadcaster sends invalidations to peer replicas
type Broadcaster interface {
	Broadcast(inv cluster.Invalidation) error
}

// Summarizer produces the performance summary
type Summarizer interface {
	Snapshot() monitor.PerformanceSummary
}

// ExecuteRequest is a query as submitted by the outer protocol layer
type ExecuteRequest struct {
	Entity  string
	Filter  *model.Expr
	Fields  []string
	Sort    []model.SortField
	Page    model.Pagination
	Timeout time.Duration
}

func (r ExecuteRequest) query() *model.Query {
	return &model.Query{
		Entity:  r.Entity,
		Filter:  r.Filter,
		Fields:  r.Fields,
		Sort:    r.Sort,
		Page:    r.Page,
		Timeout: r.Timeout,
	}
}

// QueryService is the facade the outer layer talks to: execute, invalidate,
// metrics snapshot and mutations
type QueryService struct {
	planner Planner
	cache   ResultCache
	fetcher Fetcher
	batch   BatchSizer
	monitor Summarizer
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu          sync.RWMutex
	broadcaster Broadcaster
}

// NewQueryService creates a query service. m may be nil.
func NewQueryService(p Planner, rc ResultCache, fetcher Fetcher, sizer BatchSizer, summary Summarizer,
	m *metrics.Metrics, logger *zap.Logger) *QueryService {
	return &QueryService{
		planner: p,
		cache:   rc,
		fetcher: fetcher,
		batch:   sizer,
		monitor: summary,
		metrics: m,
		logger:  logger,
	}
}

// SetBroadcaster enables cluster-wide invalidation
func (s *QueryService) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = b
}

// Catalog returns the capability table
func (s *QueryService) Catalog() *model.Catalog {
	return s.planner.Catalog()
}

// Execute runs a query
func (s *QueryService) Execute(ctx context.Context, req ExecuteRequest) (*model.ResultSet, error) {
	return s.planner.Execute(ctx, req.query())
}

// Explain reports the strategy a query would run with
func (s *QueryService) Explain(req ExecuteRequest) (*planner.Plan, error) {
	return s.planner.Explain(req.query())
}

// MetricsSnapshot returns the performance summary
func (s *QueryService) MetricsSnapshot() monitor.PerformanceSummary {
	return s.monitor.Snapshot()
}

// Invalidate evicts every cached result that includes any of ids and tells peers
func (s *QueryService) Invalidate(entity string, ids []int64) int {
	return s.invalidate(cluster.Invalidation{Entity: entity, IDs: ids}, SourceAPI)
}

// InvalidateAll empties the cache here and on peers
func (s *QueryService) InvalidateAll() int {
	return s.invalidate(cluster.Invalidation{All: true}, SourceAPI)
}

// ApplyRemote applies an invalidation received from a peer without
// re-broadcasting it
func (s *QueryService) ApplyRemote(inv cluster.Invalidation) {
	s.apply(inv, SourceCluster)
}

func (s *QueryService) invalidate(inv cluster.Invalidation, source string) int {
	n := s.apply(inv, source)

	s.mu.RLock()
	b := s.broadcaster
	s.mu.RUnlock()
	if b != nil {
		if err := b.Broadcast(inv); err != nil {
			s.logger.Warn("Failed to broadcast invalidation", zap.String("entity", inv.Entity), zap.Error(err))
		}
	}
	return n
}

func (s *QueryService) apply(inv cluster.Invalidation, source string) int {
	var n int
	switch {
	case inv.All:
		n = s.cache.Clear()
	case inv.WholeEntity:
		n = s.cache.Invalidate(func(e *cache.Entry) bool {
			return e.Payload.Entity == inv.Entity
		})
	default:
		if len(inv.IDs) > 0 {
			n += s.cache.InvalidateIDs(inv.Entity, inv.IDs)
		}
		if len(inv.TagIDs) > 0 || len(inv.Fields) > 0 {
			n += s.cache.Invalidate(func(e *cache.Entry) bool {
				if e.Payload.Entity != inv.Entity {
					return false
				}
				for _, tag := range inv.TagIDs {
					if e.ReferencesTag(tag) {
						return true
					}
				}
				return len(inv.Fields) > 0 && e.ReferencesField(inv.Fields...)
			})
		}
	}

	if s.metrics != nil {
		s.metrics.RecordInvalidation(source, n)
		s.metrics.UpdateCacheEntries(s.cache.Stats().Entries)
	}
	s.logger.Debug("Invalidated cache entries",
		zap.String("source", source),
		zap.String("entity", inv.Entity),
		zap.Int("ids", len(inv.IDs)),
		zap.Int64s("tag_ids", inv.TagIDs),
		zap.Strings("fields", inv.Fields),
		zap.Int("evicted", n))
	return n
}
