package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/metrics"
	"github.com/devrev/crmquery/internal/model"
)

// Alert types
const (
	AlertHighLatency   = "high_latency"
	AlertHighErrorRate = "high_error_rate"
	AlertLowCacheHit   = "low_cache_hit_ratio"
)

// Config holds performance monitor configuration
type Config struct {
	WindowSize         int           `mapstructure:"window_size"`
	LatencyThreshold   time.Duration `mapstructure:"latency_threshold"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`
	CacheHitFloor      float64       `mapstructure:"cache_hit_floor"`
	MinSamples         int           `mapstructure:"min_samples"`
	MaxAlerts          int           `mapstructure:"max_alerts"`
	AlertCooldown      time.Duration `mapstructure:"alert_cooldown"`
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		WindowSize:         200,
		LatencyThreshold:   5 * time.Second,
		ErrorRateThreshold: 0.2,
		CacheHitFloor:      0.1,
		MinSamples:         20,
		MaxAlerts:          50,
		AlertCooldown:      time.Minute,
	}
}

// Alert is a threshold breach over the rolling window
type Alert struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raised_at"`
}

// PerformanceSummary is the read-only diagnostics export
type PerformanceSummary struct {
	TotalQueries    uint64                 `json:"total_queries"`
	TotalErrors     uint64                 `json:"total_errors"`
	WindowSize      int                    `json:"window_size"`
	AvgLatencyMs    float64                `json:"avg_latency_ms"`
	P95LatencyMs    float64                `json:"p95_latency_ms"`
	ErrorRate       float64                `json:"error_rate"`
	CacheHitRatio   float64                `json:"cache_hit_ratio"`
	AvgAPICalls     float64                `json:"avg_api_calls"`
	AvgOptimization float64                `json:"avg_optimization_ratio"`
	StrategyUsage   map[string]uint64      `json:"strategy_usage"`
	Demotions       uint64                 `json:"demotions"`
	ErrorKinds      map[string]uint64      `json:"error_kinds"`
	RecentAlerts    []Alert                `json:"recent_alerts"`
	Components      map[string]interface{} `json:"components,omitempty"`
	UptimeSeconds   float64                `json:"uptime_seconds"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

type observation struct {
	durationMs   float64
	failed       bool
	cacheHit     bool
	apiCalls     int
	optimization float64
}

// Monitor observes every executed query and aggregates statistics over a
// rolling window. It never influences execution.
type Monitor struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	started time.Time

	mu         sync.Mutex
	window     []observation
	next       int
	total      uint64
	errors     uint64
	demotions  uint64
	strategies map[string]uint64
	errorKinds map[string]uint64
	alerts     []Alert
	lastAlert  map[string]time.Time

	sourcesMu sync.RWMutex
	sources   map[string]func() interface{}
}

// New creates a monitor. m may be nil.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 1
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = def.MaxAlerts
	}
	return &Monitor{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		started:    time.Now(),
		window:     make([]observation, 0, cfg.WindowSize),
		strategies: make(map[string]uint64),
		errorKinds: make(map[string]uint64),
		lastAlert:  make(map[string]time.Time),
		sources:    make(map[string]func() interface{}),
	}
}

// AddSource registers a component whose stats are embedded in snapshots
func (m *Monitor) AddSource(name string, fn func() interface{}) {
	m.sourcesMu.Lock()
	defer m.sourcesMu.Unlock()
	m.sources[name] = fn
}

// Observe records one executed query. err is nil on success.
func (m *Monitor) Observe(entity string, qm model.QueryMetrics, err error) {
	obs := observation{
		durationMs:   qm.DurationMs,
		failed:       err != nil,
		cacheHit:     qm.CacheHit,
		apiCalls:     qm.APICalls,
		optimization: qm.OptimizationRatio,
	}

	strategy := string(qm.StrategyUsed)
	if strategy == "" {
		strategy = string(qm.StrategyPlanned)
	}
	if strategy == "" {
		strategy = "NONE"
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}

	m.mu.Lock()
	if len(m.window) < m.cfg.WindowSize {
		m.window = append(m.window, obs)
	} else {
		m.window[m.next] = obs
	}
	m.next = (m.next + 1) % m.cfg.WindowSize
	m.total++
	m.strategies[strategy]++
	if qm.Demoted {
		m.demotions++
	}
	if err != nil {
		m.errors++
		m.errorKinds[qerrors.KindOf(err).String()]++
	}
	raised := m.evaluateLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordQuery(entity, strategy, outcome, time.Duration(qm.DurationMs*float64(time.Millisecond)), qm.APICalls)
		if err != nil {
			m.metrics.RecordQueryError(qerrors.KindOf(err).String())
		}
		if qm.CacheHit {
			m.metrics.RecordCacheHit(entity)
		} else if qm.StrategyPlanned != "" {
			m.metrics.RecordCacheMiss(entity)
		}
	}
	for _, a := range raised {
		m.logger.Warn("Performance alert",
			zap.String("type", a.Type),
			zap.String("message", a.Message),
			zap.Float64("value", a.Value),
			zap.Float64("threshold", a.Threshold))
		if m.metrics != nil {
			m.metrics.RecordAlert(a.Type)
		}
	}
}

type windowStats struct {
	avgMs, p95Ms, errorRate, hitRatio, avgCalls, avgOpt float64
}

func (m *Monitor) statsLocked() windowStats {
	var s windowStats
	n := len(m.window)
	if n == 0 {
		return s
	}
	durations := make([]float64, 0, n)
	var sum, calls, opt float64
	var failed, hits int
	for _, o := range m.window {
		durations = append(durations, o.durationMs)
		sum += o.durationMs
		calls += float64(o.apiCalls)
		opt += o.optimization
		if o.failed {
			failed++
		}
		if o.cacheHit {
			hits++
		}
	}
	sort.Float64s(durations)
	idx := int(float64(n)*0.95+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	s.avgMs = sum / float64(n)
	s.p95Ms = durations[idx]
	s.errorRate = float64(failed) / float64(n)
	s.hitRatio = float64(hits) / float64(n)
	s.avgCalls = calls / float64(n)
	s.avgOpt = opt / float64(n)
	return s
}

// evaluateLocked checks thresholds and returns newly raised alerts
func (m *Monitor) evaluateLocked() []Alert {
	if len(m.window) < m.cfg.MinSamples {
		return nil
	}
	s := m.statsLocked()
	now := m.now()

	var raised []Alert
	check := func(typ string, breached bool, value, threshold float64, msg string) {
		if !breached {
			return
		}
		if last, ok := m.lastAlert[typ]; ok && now.Sub(last) < m.cfg.AlertCooldown {
			return
		}
		a := Alert{Type: typ, Message: msg, Value: value, Threshold: threshold, RaisedAt: now}
		m.lastAlert[typ] = now
		m.alerts = append(m.alerts, a)
		if len(m.alerts) > m.cfg.MaxAlerts {
			m.alerts = m.alerts[len(m.alerts)-m.cfg.MaxAlerts:]
		}
		raised = append(raised, a)
	}

	if m.cfg.LatencyThreshold > 0 {
		limit := float64(m.cfg.LatencyThreshold) / float64(time.Millisecond)
		check(AlertHighLatency, s.avgMs > limit, s.avgMs, limit,
			fmt.Sprintf("average query latency %.0fms exceeds %.0fms", s.avgMs, limit))
	}
	if m.cfg.ErrorRateThreshold > 0 {
		check(AlertHighErrorRate, s.errorRate > m.cfg.ErrorRateThreshold, s.errorRate, m.cfg.ErrorRateThreshold,
			fmt.Sprintf("error rate %.2f exceeds %.2f", s.errorRate, m.cfg.ErrorRateThreshold))
	}
	if m.cfg.CacheHitFloor > 0 {
		check(AlertLowCacheHit, s.hitRatio < m.cfg.CacheHitFloor, s.hitRatio, m.cfg.CacheHitFloor,
			fmt.Sprintf("cache hit ratio %.2f below %.2f", s.hitRatio, m.cfg.CacheHitFloor))
	}
	return raised
}

// Alerts returns the retained alerts, oldest first
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// Snapshot returns the current performance summary
func (m *Monitor) Snapshot() PerformanceSummary {
	m.mu.Lock()
	s := m.statsLocked()
	summary := PerformanceSummary{
		TotalQueries:    m.total,
		TotalErrors:     m.errors,
		WindowSize:      len(m.window),
		AvgLatencyMs:    s.avgMs,
		P95LatencyMs:    s.p95Ms,
		ErrorRate:       s.errorRate,
		CacheHitRatio:   s.hitRatio,
		AvgAPICalls:     s.avgCalls,
		AvgOptimization: s.avgOpt,
		StrategyUsage:   copyCounts(m.strategies),
		Demotions:       m.demotions,
		ErrorKinds:      copyCounts(m.errorKinds),
		RecentAlerts:    append([]Alert(nil), m.alerts...),
		UptimeSeconds:   m.now().Sub(m.started).Seconds(),
		GeneratedAt:     m.now(),
	}
	m.mu.Unlock()

	m.sourcesMu.RLock()
	if len(m.sources) > 0 {
		summary.Components = make(map[string]interface{}, len(m.sources))
		for name, fn := range m.sources {
			summary.Components[name] = fn()
		}
	}
	m.sourcesMu.RUnlock()
	return summary
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
