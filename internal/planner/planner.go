// Package planner chooses and runs a retrieval strategy for each query,
// demoting to a simpler strategy when the chosen one exhausts its retries.
package planner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/devrev/crmquery/internal/cache"
	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/executor"
	"github.com/devrev/crmquery/internal/filter"
	"github.com/devrev/crmquery/internal/metrics"
	"github.com/devrev/crmquery/internal/model"
)

// Fetcher issues one logical remote fetch
type Fetcher interface {
	Fetch(ctx context.Context, req *model.FetchRequest) (*executor.Result, error)
}

// CostModel estimates conditions and learns from observed samples
type CostModel interface {
	filter.Estimator
	RecordBatch(samples []model.CostSample)
}

// BatchSizer picks and adapts request sizes per operation type
type BatchSizer interface {
	Next(op string) int
	Record(op string, size int, elapsed time.Duration) int
}

// ResultCache stores materialized results by query signature
type ResultCache interface {
	Get(sig model.Signature) (*cache.Entry, bool)
	Peek(sig model.Signature) (*cache.Entry, bool)
	Generation() uint64
	PutIfCurrent(sig model.Signature, payload *model.Payload, ttl time.Duration, gen uint64) (*cache.Entry, bool)
}

// Observer is told about every executed query, successful or not
type Observer interface {
	Observe(entity string, qm model.QueryMetrics, err error)
}

// Config holds planner tuning
type Config struct {
	// SwitchMargin is the fraction by which an alternative must undercut the
	// classified strategy's cost before the planner switches. 1 disables switching.
	SwitchMargin         float64       `mapstructure:"switch_margin"`
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"`
	DemotionBudget       int           `mapstructure:"demotion_budget"`
	MaxPages             int           `mapstructure:"max_pages"`
	DefaultCorpusSize    int           `mapstructure:"default_corpus_size"`
	DefaultTimeout       time.Duration `mapstructure:"default_timeout"`
}

// DefaultConfig returns default planner settings
func DefaultConfig() Config {
	return Config{
		SwitchMargin:         0.2,
		MaxConcurrentFetches: 4,
		DemotionBudget:       1,
		MaxPages:             50,
		DefaultCorpusSize:    10000,
		DefaultTimeout:       30 * time.Second,
	}
}

// Plan is the planner's decision for a query, without executing it
type Plan struct {
	Entity     string             `json:"entity"`
	Signature  string             `json:"signature"`
	Cached     bool               `json:"cached"`
	Classified model.Strategy     `json:"classified"`
	Chosen     model.Strategy     `json:"chosen"`
	CostsMs    map[string]float64 `json:"estimated_cost_ms"`
}

// Planner executes queries. It is safe for concurrent use.
type Planner struct {
	cfg     Config
	catalog *model.Catalog
	fetcher Fetcher
	costs   CostModel
	batch   BatchSizer
	cache   ResultCache
	metrics *metrics.Metrics
	logger  *zap.Logger
	sem     *semaphore.Weighted

	corpusMu sync.RWMutex
	corpus   map[string]int

	obsMu     sync.RWMutex
	observers []Observer
}

// New creates a planner. m may be nil.
func New(cfg Config, catalog *model.Catalog, fetcher Fetcher, costs CostModel, sizer BatchSizer,
	rc ResultCache, m *metrics.Metrics, logger *zap.Logger) *Planner {
	def := DefaultConfig()
	if cfg.SwitchMargin < 0 || cfg.SwitchMargin > 1 {
		cfg.SwitchMargin = def.SwitchMargin
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = def.MaxConcurrentFetches
	}
	if cfg.DemotionBudget < 0 {
		cfg.DemotionBudget = 0
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.DefaultCorpusSize <= 0 {
		cfg.DefaultCorpusSize = def.DefaultCorpusSize
	}
	return &Planner{
		cfg:     cfg,
		catalog: catalog,
		fetcher: fetcher,
		costs:   costs,
		batch:   sizer,
		cache:   rc,
		metrics: m,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentFetches)),
		corpus:  make(map[string]int),
	}
}

// AddObserver registers o to be told about every executed query
func (p *Planner) AddObserver(o Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, o)
}

// Catalog returns the capability table queries are validated against
func (p *Planner) Catalog() *model.Catalog {
	return p.catalog
}

func (p *Planner) learnCorpus(entity string, n int) {
	p.corpusMu.Lock()
	p.corpus[entity] = n
	p.corpusMu.Unlock()
}

func (p *Planner) learnedCorpus(entity string) (int, bool) {
	p.corpusMu.RLock()
	defer p.corpusMu.RUnlock()
	n, ok := p.corpus[entity]
	return n, ok
}

// corpusSize is the last observed unfiltered total for entity, or the default
func (p *Planner) corpusSize(entity string) int {
	if n, ok := p.learnedCorpus(entity); ok && n > 0 {
		return n
	}
	return p.cfg.DefaultCorpusSize
}

func (p *Planner) validate(q *model.Query) (model.EntitySpec, error) {
	if err := model.Validate(p.catalog, q.Entity, q.Filter); err != nil {
		return model.EntitySpec{}, err
	}
	spec, _ := p.catalog.Entity(q.Entity)
	if q.Page.Offset < 0 || q.Page.Limit < 0 {
		return spec, qerrors.Validation("offset and limit must not be negative")
	}
	for _, s := range q.Sort {
		if _, ok := spec.Field(s.Field); !ok {
			return spec, qerrors.Validationf("unknown sort field %q for %s", s.Field, q.Entity)
		}
	}
	return spec, nil
}

// Explain validates q and reports which strategy Execute would pick
func (p *Planner) Explain(q *model.Query) (*Plan, error) {
	spec, err := p.validate(q)
	if err != nil {
		return nil, err
	}
	sig := model.Sign(q)
	a := p.analyze(q, spec)
	chosen, costs := p.choose(q, a)
	plan := &Plan{
		Entity:     q.Entity,
		Signature:  string(sig),
		Classified: classify(a),
		Chosen:     chosen,
		CostsMs:    make(map[string]float64, len(costs)),
	}
	for s, c := range costs {
		plan.CostsMs[string(s)] = c
	}
	if e, ok := p.cache.Peek(sig); ok && e != nil {
		plan.Cached = true
	}
	return plan, nil
}

// Execute answers q from the cache or through the cheapest eligible strategy.
// The returned error is always a *errors.QueryError.
func (p *Planner) Execute(ctx context.Context, q *model.Query) (*model.ResultSet, error) {
	start := time.Now()
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	qm := &model.QueryMetrics{QueryID: q.ID, States: []model.QueryState{model.StatePlanning}}

	rs, err := p.execute(ctx, q, qm)
	qm.DurationMs = msOf(time.Since(start))
	if err != nil {
		qm.States = append(qm.States, model.StateFailed)
		p.logger.Warn("Query failed",
			zap.String("query_id", q.ID),
			zap.String("entity", q.Entity),
			zap.String("strategy", string(qm.StrategyUsed)),
			zap.Float64("duration_ms", qm.DurationMs),
			zap.Error(err))
	} else {
		qm.States = append(qm.States, model.StateSucceeded)
		rs.Metrics = *qm
		p.logger.Info("Query executed",
			zap.String("query_id", q.ID),
			zap.String("entity", q.Entity),
			zap.String("strategy", string(rs.Strategy)),
			zap.Bool("cache_hit", qm.CacheHit),
			zap.Bool("demoted", qm.Demoted),
			zap.Int("api_calls", qm.APICalls),
			zap.Int("results", qm.ResultsCount),
			zap.Float64("duration_ms", qm.DurationMs))
	}

	p.obsMu.RLock()
	for _, o := range p.observers {
		o.Observe(q.Entity, *qm, err)
	}
	p.obsMu.RUnlock()
	return rs, err
}

func (p *Planner) execute(ctx context.Context, q *model.Query, qm *model.QueryMetrics) (*model.ResultSet, error) {
	spec, err := p.validate(q)
	if err != nil {
		return nil, err
	}

	sig := model.Sign(q)
	// read before any remote fetch so an invalidation racing the query
	// keeps its result out of the cache
	gen := p.cache.Generation()
	if entry, ok := p.cache.Get(sig); ok {
		qm.CacheHit = true
		qm.StrategyPlanned = model.StrategyCached
		qm.StrategyUsed = model.StrategyCached
		qm.ResultsCount = len(entry.Payload.Records)
		return &model.ResultSet{
			Entity:   q.Entity,
			Records:  entry.Payload.Records,
			Total:    entry.Payload.Total,
			Strategy: model.StrategyCached,
		}, nil
	}

	timeout := q.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a := p.analyze(q, spec)
	strategy, costs := p.choose(q, a)
	qm.StrategyPlanned = strategy
	if classified := classify(a); classified != strategy {
		p.logger.Debug("Switched strategy on estimated cost",
			zap.String("query_id", q.ID),
			zap.String("classified", string(classified)),
			zap.String("chosen", string(strategy)),
			zap.Float64("classified_cost_ms", costs[classified]),
			zap.Float64("chosen_cost_ms", costs[strategy]))
	}

	demotions := 0
	for {
		qm.States = append(qm.States, model.StateExecuting)
		qm.StrategyUsed = strategy
		st := &execStats{}
		out, err := p.run(ctx, strategy, q, a, st)
		qm.APICalls += int(st.calls.Load())
		qm.Retries += int(st.retries.Load())
		if err == nil {
			return p.finish(q, a, sig, gen, strategy, out, st, qm), nil
		}

		partial := st.considered.Load() > 0 || (out != nil && len(out.records) > 0)
		if ctx.Err() != nil {
			return nil, qerrors.Timeout(string(strategy), ctx.Err()).WithPartialDiscarded(partial)
		}
		if !qerrors.IsRetryable(err) {
			if qe, ok := qerrors.AsQueryError(err); ok {
				return nil, qe.WithStrategy(string(strategy)).WithPartialDiscarded(partial)
			}
			return nil, qerrors.Internal("strategy execution failed", err).
				WithStrategy(string(strategy)).WithPartialDiscarded(partial)
		}

		next, ok := strategy.Demote()
		if ok && next == model.StrategySimpleFilter && len(a.server) == 0 && a.lookup == nil {
			next = model.StrategyBulkRetrieve
		}
		if !ok || demotions >= p.cfg.DemotionBudget {
			return nil, qerrors.StrategyExhausted(string(strategy), err).WithPartialDiscarded(partial)
		}
		demotions++
		p.logger.Warn("Demoting strategy",
			zap.String("query_id", q.ID),
			zap.String("from", string(strategy)),
			zap.String("to", string(next)),
			zap.Bool("partial_discarded", partial),
			zap.Error(err))
		if p.metrics != nil {
			p.metrics.RecordDemotion(string(strategy), string(next))
		}
		qm.Demoted = true
		qm.States = append(qm.States, model.StateDemoted)
		strategy = next
	}
}

func (p *Planner) run(ctx context.Context, s model.Strategy, q *model.Query, a *analysis, st *execStats) (*outcome, error) {
	switch s {
	case model.StrategyTagOptimized:
		return p.runTag(ctx, q, a, st)
	case model.StrategySimpleFilter:
		return p.runSimple(ctx, q, a, st)
	default:
		return p.runBulk(ctx, q, a, st)
	}
}

// finish sorts, windows and projects the outcome, caches it and records what
// was learned
func (p *Planner) finish(q *model.Query, a *analysis, sig model.Signature, gen uint64, s model.Strategy,
	out *outcome, st *execStats, qm *model.QueryMetrics) *model.ResultSet {
	records := out.records
	if !out.windowed {
		filter.SortRecords(records, q.Sort, a.spec)
		records = window(records, q.Page)
	}
	projected := make([]model.Record, len(records))
	for i, r := range records {
		projected[i] = r.Project(q.Fields)
	}

	if _, stored := p.cache.PutIfCurrent(sig, &model.Payload{
		Entity:     q.Entity,
		Records:    projected,
		Total:      out.total,
		MatchedIDs: out.matchedIDs,
		Fields:     a.fields,
		TagIDs:     a.tagIDs,
	}, 0, gen); !stored {
		p.logger.Debug("Result not cached, invalidated while in flight", zap.String("query_id", q.ID))
	}
	p.costs.RecordBatch(out.samples)

	considered := int(st.considered.Load())
	qm.ServerSideFilters = out.serverFilters
	qm.ClientSideFilters = out.clientFilters
	qm.RecordsConsidered = considered
	qm.ResultsCount = len(projected)
	if considered > 0 {
		qm.OptimizationRatio = 1 - float64(len(projected))/float64(considered)
	}

	return &model.ResultSet{
		Entity:   q.Entity,
		Records:  projected,
		Total:    out.total,
		Strategy: s,
	}
}
