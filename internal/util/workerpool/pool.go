// Package workerpool runs background jobs, such as write-behind persistence, on a bounded set of goroutines.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a named unit of background work
type Job struct {
	Name string
	Run  func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	Logger     *zap.Logger
}

// Pool executes jobs on a fixed number of workers. Jobs still queued when Stop
// is called are drained before the workers exit.
type Pool struct {
	cfg    Config
	queue  chan Job
	logger *zap.Logger

	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a worker pool
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		cfg:    cfg,
		queue:  make(chan Job, cfg.QueueSize),
		logger: cfg.Logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", cfg.Name),
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.queue {
		p.execute(id, job)
	}
}

func (p *Pool) execute(workerID int, job Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	if err := p.safeRun(ctx, job); err != nil {
		p.failed.Add(1)
		p.logger.Error("Background job failed",
			zap.String("pool", p.cfg.Name),
			zap.Int("worker_id", workerID),
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

// Submit enqueues a job without blocking. It returns false when the queue is
// full or the pool is stopped.
func (p *Pool) Submit(name string, run func(context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return false
	}
	select {
	case p.queue <- Job{Name: name, Run: run}:
		p.submitted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		p.logger.Warn("Worker pool queue full, dropping job",
			zap.String("pool", p.cfg.Name),
			zap.String("job", name))
		return false
	}
}

// Stop rejects new jobs, drains the queue and waits for workers up to timeout
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.cfg.Name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.cfg.Name, timeout)
		}
	})
	return err
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	QueueSize int    `json:"queue_size"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Stats returns current worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.cfg.Name,
		Workers:   p.cfg.Workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		QueueSize: p.cfg.QueueSize,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.Queued) / float64(s.QueueSize) * 100.0
}
