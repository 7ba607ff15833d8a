// Package executor issues single logical fetches against the remote API with retry and backoff.
package executor

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/model"
	"github.com/devrev/crmquery/internal/pool"
)

// Remote performs one request over a pooled connection
type Remote interface {
	Host() string
	Do(ctx context.Context, conn *pool.Conn, req *model.FetchRequest) (*model.Page, error)
}

// ConnPool is the part of the connection pool the executor needs
type ConnPool interface {
	Acquire(ctx context.Context, host string) (*pool.Conn, error)
	Release(c *pool.Conn, outcome pool.Outcome)
}

// Config holds retry settings
type Config struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	// MaxRetryAfter gives up instead of honouring longer server-advertised delays; zero means no cap
	MaxRetryAfter time.Duration `mapstructure:"max_retry_after"`
}

// DefaultConfig returns default retry settings
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   4,
		BaseBackoff:   200 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		MaxRetryAfter: time.Minute,
	}
}

// Result is a fetched page plus how it was obtained
type Result struct {
	Page     *model.Page
	Attempts int
	Retries  int
	Latency  time.Duration
}

// Executor is stateless apart from the pool it borrows connections from
type Executor struct {
	pool   ConnPool
	remote Remote
	cfg    Config
	logger *zap.Logger

	calls   atomic.Int64
	retries atomic.Int64
	failed  atomic.Int64
}

// New creates an executor
func New(p ConnPool, remote Remote, cfg Config, logger *zap.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Executor{pool: p, remote: remote, cfg: cfg, logger: logger}
}

// Fetch issues req, retrying Transient errors with exponential backoff and
// RateLimited errors after exactly the advertised delay. Permanent errors and
// context cancellation return immediately. The returned Result is never nil.
func (e *Executor) Fetch(ctx context.Context, req *model.FetchRequest) (*Result, error) {
	start := time.Now()
	res := &Result{}
	defer func() { res.Latency = time.Since(start) }()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempts = attempt
		e.calls.Add(1)

		page, err := e.attempt(ctx, req)
		if err == nil {
			res.Page = page
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !qerrors.IsRetryable(err) || attempt >= e.cfg.MaxAttempts {
			e.failed.Add(1)
			return res, err
		}

		wait := e.backoff(attempt)
		if qe, ok := qerrors.AsQueryError(err); ok && qe.Kind == qerrors.KindRateLimited {
			if e.cfg.MaxRetryAfter > 0 && qe.RetryAfter > e.cfg.MaxRetryAfter {
				e.failed.Add(1)
				return res, err
			}
			wait = qe.RetryAfter
		}

		e.logger.Warn("Remote fetch failed, retrying",
			zap.String("kind", string(req.Kind)),
			zap.String("entity", req.Entity),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
		res.Retries++
		e.retries.Add(1)
	}
}

func (e *Executor) attempt(ctx context.Context, req *model.FetchRequest) (*model.Page, error) {
	conn, err := e.pool.Acquire(ctx, e.remote.Host())
	if err != nil {
		return nil, err
	}
	page, err := e.remote.Do(ctx, conn, req)
	outcome := pool.OutcomeSuccess
	if qerrors.IsKind(err, qerrors.KindTransient) {
		outcome = pool.OutcomeFailure
	}
	e.pool.Release(conn, outcome)
	return page, err
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
	if e.cfg.MaxBackoff > 0 && d > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return d
}

// Stats is a snapshot of executor counters
type Stats struct {
	Calls   int64 `json:"calls"`
	Retries int64 `json:"retries"`
	Failed  int64 `json:"failed"`
}

// Stats returns cumulative counters
func (e *Executor) Stats() Stats {
	return Stats{Calls: e.calls.Load(), Retries: e.retries.Load(), Failed: e.failed.Load()}
}
