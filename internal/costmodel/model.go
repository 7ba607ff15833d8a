package costmodel

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/crmquery/internal/model"
	"github.com/devrev/crmquery/internal/store"
	"github.com/devrev/crmquery/internal/util/workerpool"
)

// Config holds cost model configuration
type Config struct {
	// Decay is the EWMA weight given to each new sample
	Decay              float64       `mapstructure:"decay"`
	Window             int           `mapstructure:"window"`
	Horizon            time.Duration `mapstructure:"horizon"`
	DefaultSelectivity float64       `mapstructure:"default_selectivity"`
	DefaultLatency     time.Duration `mapstructure:"default_latency"`
	PruneInterval      time.Duration `mapstructure:"prune_interval"`
}

// DefaultConfig returns the default cost model configuration
func DefaultConfig() Config {
	return Config{
		Decay:              0.3,
		Window:             50,
		Horizon:            24 * time.Hour,
		DefaultSelectivity: 0.5,
		DefaultLatency:     250 * time.Millisecond,
		PruneInterval:      time.Hour,
	}
}

// Estimate is the current view of one (field, operator) pair
type Estimate struct {
	Field       string         `json:"field"`
	Operator    model.Operator `json:"operator"`
	Selectivity float64        `json:"selectivity"`
	LatencyMs   float64        `json:"latency_ms"`
	Samples     int            `json:"samples"`
}

type series struct {
	mu      sync.Mutex
	samples []model.CostSample
}

// Model tracks per (field, operator) selectivity and latency as an EWMA over
// a bounded window of recent samples. Each series has its own lock.
type Model struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	series map[string]*series

	store  store.SampleStore
	writer *workerpool.Pool

	recorded atomic.Uint64

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a cost model. st may be nil.
func New(cfg Config, st store.SampleStore, logger *zap.Logger) *Model {
	def := DefaultConfig()
	if cfg.Decay <= 0 || cfg.Decay > 1 {
		cfg.Decay = def.Decay
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.DefaultSelectivity <= 0 || cfg.DefaultSelectivity > 1 {
		cfg.DefaultSelectivity = def.DefaultSelectivity
	}
	if cfg.DefaultLatency <= 0 {
		cfg.DefaultLatency = def.DefaultLatency
	}

	m := &Model{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		series: make(map[string]*series),
		store:  st,
		stopCh: make(chan struct{}),
	}
	if st != nil {
		m.writer = workerpool.New(workerpool.Config{
			Name:       "cost-samples",
			Workers:    1,
			QueueSize:  512,
			JobTimeout: 5 * time.Second,
			Logger:     logger,
		})
	}
	return m
}

func key(field string, op model.Operator) string {
	return field + ":" + string(op)
}

func (m *Model) get(k string) *series {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.series[k]
}

func (m *Model) getOrCreate(k string) *series {
	if s := m.get(k); s != nil {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[k]
	if !ok {
		s = &series{}
		m.series[k] = s
	}
	return s
}

// Selectivity returns the estimated fraction of records matched, or the
// default prior when nothing has been observed
func (m *Model) Selectivity(field string, op model.Operator) float64 {
	sel, _, n := m.estimate(field, op)
	if n == 0 {
		return m.cfg.DefaultSelectivity
	}
	return sel
}

// Latency returns the estimated latency in milliseconds
func (m *Model) Latency(field string, op model.Operator) float64 {
	_, lat, n := m.estimate(field, op)
	if n == 0 {
		return float64(m.cfg.DefaultLatency) / float64(time.Millisecond)
	}
	return lat
}

// Estimate returns both estimates and the sample count backing them
func (m *Model) Estimate(field string, op model.Operator) Estimate {
	sel, lat, n := m.estimate(field, op)
	if n == 0 {
		sel = m.cfg.DefaultSelectivity
		lat = float64(m.cfg.DefaultLatency) / float64(time.Millisecond)
	}
	return Estimate{Field: field, Operator: op, Selectivity: sel, LatencyMs: lat, Samples: n}
}

func (m *Model) estimate(field string, op model.Operator) (float64, float64, int) {
	s := m.get(key(field, op))
	if s == nil {
		return 0, 0, 0
	}
	cutoff := m.cutoff()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimLocked(cutoff, m.cfg.Window)

	if len(s.samples) == 0 {
		return 0, 0, 0
	}
	sel := s.samples[0].Selectivity
	lat := s.samples[0].LatencyMs
	for _, sample := range s.samples[1:] {
		sel = m.cfg.Decay*sample.Selectivity + (1-m.cfg.Decay)*sel
		lat = m.cfg.Decay*sample.LatencyMs + (1-m.cfg.Decay)*lat
	}
	return sel, lat, len(s.samples)
}

func (m *Model) cutoff() time.Time {
	if m.cfg.Horizon <= 0 {
		return time.Time{}
	}
	return m.now().Add(-m.cfg.Horizon)
}

// trimLocked drops samples older than cutoff and keeps at most window
func (s *series) trimLocked(cutoff time.Time, window int) {
	drop := 0
	for drop < len(s.samples) && s.samples[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(s.samples) - drop - window; over > 0 {
		drop += over
	}
	if drop > 0 {
		s.samples = append(s.samples[:0:0], s.samples[drop:]...)
	}
}

// Record appends a sample to its series
func (m *Model) Record(sample model.CostSample) {
	m.RecordBatch([]model.CostSample{sample})
}

// RecordBatch appends samples and persists them behind the caller
func (m *Model) RecordBatch(samples []model.CostSample) {
	if len(samples) == 0 {
		return
	}
	now := m.now()
	clean := make([]model.CostSample, 0, len(samples))
	for _, sample := range samples {
		if sample.Field == "" {
			continue
		}
		if sample.Timestamp.IsZero() {
			sample.Timestamp = now
		}
		sample.Selectivity = clamp(sample.Selectivity, 0, 1)
		if sample.LatencyMs < 0 {
			sample.LatencyMs = 0
		}
		m.append(sample)
		clean = append(clean, sample)
	}
	m.recorded.Add(uint64(len(clean)))

	if m.writer != nil && len(clean) > 0 {
		if !m.writer.Submit("append", func(ctx context.Context) error {
			return m.store.Append(ctx, clean)
		}) {
			m.logger.Warn("Cost sample queue full, dropping samples", zap.Int("count", len(clean)))
		}
	}
}

func (m *Model) append(sample model.CostSample) {
	s := m.getOrCreate(key(sample.Field, sample.Operator))
	s.mu.Lock()
	s.samples = append(s.samples, sample)
	s.trimLocked(m.cutoff(), m.cfg.Window)
	s.mu.Unlock()
}

// Order sorts conditions by ascending selectivity, breaking ties by lower latency
func (m *Model) Order(conds []model.Condition) []model.Condition {
	out := append([]model.Condition(nil), conds...)
	sel := make(map[string]float64, len(out))
	lat := make(map[string]float64, len(out))
	for _, c := range out {
		sel[c.Key()] = m.Selectivity(c.Field, c.Operator)
		lat[c.Key()] = m.Latency(c.Field, c.Operator)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := sel[out[i].Key()], sel[out[j].Key()]
		if si != sj {
			return si < sj
		}
		return lat[out[i].Key()] < lat[out[j].Key()]
	})
	return out
}

// Snapshot returns estimates for every observed series, sorted by key
func (m *Model) Snapshot() []Estimate {
	m.mu.RLock()
	keys := make([]string, 0, len(m.series))
	for k := range m.series {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	out := make([]Estimate, 0, len(keys))
	for _, k := range keys {
		field, op := splitKey(k)
		est := m.Estimate(field, op)
		if est.Samples > 0 {
			out = append(out, est)
		}
	}
	return out
}

func splitKey(k string) (string, model.Operator) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == ':' {
			return k[:i], model.Operator(k[i+1:])
		}
	}
	return k, ""
}

// Load replays persisted samples within the horizon
func (m *Model) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	samples, err := m.store.Load(ctx, m.cutoff())
	if err != nil {
		return 0, err
	}
	for _, sample := range samples {
		m.append(sample)
	}
	m.logger.Info("Cost samples loaded", zap.Int("count", len(samples)))
	return len(samples), nil
}

// Start runs the periodic prune of the durable store
func (m *Model) Start() {
	if m.writer == nil || m.cfg.PruneInterval <= 0 || m.cfg.Horizon <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				before := m.cutoff()
				m.writer.Submit("prune", func(ctx context.Context) error {
					n, err := m.store.Prune(ctx, before)
					if err == nil && n > 0 {
						m.logger.Debug("Pruned cost samples", zap.Int("count", n))
					}
					return err
				})
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts background work and flushes pending writes
func (m *Model) Stop(timeout time.Duration) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	if m.writer != nil {
		return m.writer.Stop(timeout)
	}
	return nil
}

// Recorded returns the number of samples accepted since start
func (m *Model) Recorded() uint64 {
	return m.recorded.Load()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
