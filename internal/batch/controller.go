package batch

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation types with their own trend windows
const (
	OpListPage   = "list_page"
	OpTagMembers = "tag_members"
	OpHydrate    = "hydrate"
	OpMutation   = "mutation"
)

// Bounds are the configured limits of one operation type
type Bounds struct {
	Min     int `mapstructure:"min"`
	Max     int `mapstructure:"max"`
	Initial int `mapstructure:"initial"`
}

// Config holds batch controller configuration
type Config struct {
	Operations map[string]Bounds `mapstructure:"operations"`
	Default    Bounds            `mapstructure:"default"`
	StepUp     float64           `mapstructure:"step_up"`
	StepDown   float64           `mapstructure:"step_down"`
	Window     int               `mapstructure:"window"`
}

// DefaultConfig returns the default batch controller configuration
func DefaultConfig() Config {
	return Config{
		Operations: map[string]Bounds{
			OpListPage:   {Min: 50, Max: 1000, Initial: 200},
			OpTagMembers: {Min: 50, Max: 1000, Initial: 500},
			OpHydrate:    {Min: 5, Max: 100, Initial: 25},
			OpMutation:   {Min: 10, Max: 500, Initial: 100},
		},
		Default:  Bounds{Min: 10, Max: 500, Initial: 100},
		StepUp:   1.2,
		StepDown: 0.8,
		Window:   5,
	}
}

// Plan is the proposal for the next call of one operation type
type Plan struct {
	Operation    string `json:"operation"`
	ProposedSize int    `json:"proposed_size"`
	Min          int    `json:"min"`
	Max          int    `json:"max"`
}

type sample struct {
	size       int
	throughput float64
}

type opState struct {
	bounds  Bounds
	current int
	window  []sample
}

// Controller proposes batch sizes by hill climbing on observed throughput
type Controller struct {
	cfg    Config
	logger *zap.Logger

	mu  sync.Mutex
	ops map[string]*opState
}

// New creates a batch size controller
func New(cfg Config, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.StepUp <= 1 {
		cfg.StepUp = def.StepUp
	}
	if cfg.StepDown <= 0 || cfg.StepDown >= 1 {
		cfg.StepDown = def.StepDown
	}
	if cfg.Window < 2 {
		cfg.Window = def.Window
	}
	if cfg.Default.Max <= 0 {
		cfg.Default = def.Default
	}
	return &Controller{cfg: cfg, logger: logger, ops: make(map[string]*opState)}
}

func normalize(b Bounds) Bounds {
	if b.Min < 1 {
		b.Min = 1
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Initial < b.Min || b.Initial > b.Max {
		b.Initial = clamp(b.Initial, b.Min, b.Max)
	}
	return b
}

func (c *Controller) stateLocked(op string) *opState {
	st, ok := c.ops[op]
	if !ok {
		b, found := c.cfg.Operations[op]
		if !found {
			b = c.cfg.Default
		}
		b = normalize(b)
		st = &opState{bounds: b, current: b.Initial}
		c.ops[op] = st
	}
	return st
}

// Next returns the batch size to use for the next call of op
func (c *Controller) Next(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(op).current
}

// Plan returns the current proposal with its bounds
func (c *Controller) Plan(op string) Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(op)
	return Plan{Operation: op, ProposedSize: st.current, Min: st.bounds.Min, Max: st.bounds.Max}
}

// Record feeds one observation and returns the updated proposal. The size
// grows by StepUp when the latest throughput beats the trailing average of
// the window and shrinks by StepDown when it falls below.
func (c *Controller) Record(op string, size int, elapsed time.Duration) int {
	if size <= 0 {
		return c.Next(op)
	}
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	tp := float64(size) / elapsed.Seconds()

	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked(op)

	if len(st.window) > 0 {
		var sum float64
		for _, s := range st.window {
			sum += s.throughput
		}
		avg := sum / float64(len(st.window))

		prev := st.current
		switch {
		case tp > avg:
			st.current = clamp(int(math.Floor(float64(prev)*c.cfg.StepUp)), st.bounds.Min, st.bounds.Max)
		case tp < avg:
			st.current = clamp(int(math.Ceil(float64(prev)*c.cfg.StepDown)), st.bounds.Min, st.bounds.Max)
		}
		if st.current != prev {
			c.logger.Debug("Batch size adjusted",
				zap.String("operation", op),
				zap.Int("from", prev),
				zap.Int("to", st.current),
				zap.Float64("throughput", tp),
				zap.Float64("trailing_avg", avg))
		}
	}

	st.window = append(st.window, sample{size: size, throughput: tp})
	if len(st.window) > c.cfg.Window {
		st.window = st.window[len(st.window)-c.cfg.Window:]
	}
	return st.current
}

// Snapshot returns the current plan of every known operation, sorted by name
func (c *Controller) Snapshot() []Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Plan, 0, len(c.ops))
	for op, st := range c.ops {
		out = append(out, Plan{Operation: op, ProposedSize: st.current, Min: st.bounds.Min, Max: st.bounds.Max})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
