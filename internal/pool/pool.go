package pool

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	qerrors "github.com/devrev/crmquery/internal/errors"
)

// Protocol is negotiated once per connection
type Protocol string

const (
	// ProtocolMultiplexed carries many concurrent requests over one connection
	ProtocolMultiplexed Protocol = "h2"
	// ProtocolSingle carries one request at a time
	ProtocolSingle Protocol = "http/1.1"
)

// Outcome reports how a request on a connection ended
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeFailure is a transport-level fault that counts towards the error streak
	OutcomeFailure
)

// Config holds connection pool limits
type Config struct {
	GlobalCap      int           `mapstructure:"global_cap"`
	PerHostCap     int           `mapstructure:"per_host_cap"`
	MaxStreams     int           `mapstructure:"max_streams"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
	// Protocol is "auto", "multiplexed" or "single"
	Protocol       string        `mapstructure:"protocol"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultConfig returns default pool limits
func DefaultConfig() Config {
	return Config{
		GlobalCap:      16,
		PerHostCap:     4,
		MaxStreams:     8,
		IdleTimeout:    90 * time.Second,
		SweepInterval:  30 * time.Second,
		ErrorThreshold: 3,
		Protocol:       "auto",
		RequestTimeout: 30 * time.Second,
	}
}

// Conn is a pooled connection to one remote host
type Conn struct {
	id       uint64
	host     string
	protocol Protocol
	client   *http.Client
	closeFn  func()

	createdAt   time.Time
	lastUsedAt  time.Time
	inFlight    int
	errorStreak int
	evicted     bool
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) Host() string { return c.host }

func (c *Conn) Protocol() Protocol { return c.protocol }

func (c *Conn) Client() *http.Client { return c.client }

// Dialer creates the transport behind a new connection
type Dialer func(host string, protocol Protocol) (client *http.Client, closeFn func(), err error)

// Stats is a point-in-time view of the pool
type Stats struct {
	Total     int            `json:"total"`
	InFlight  int            `json:"in_flight"`
	PerHost   map[string]int `json:"per_host"`
	Created   int64          `json:"created"`
	Destroyed int64          `json:"destroyed"`
	Evicted   int64          `json:"evicted"`
	Waits     int64          `json:"waits"`
	Acquired  int64          `json:"acquired"`
}

// Pool bounds connections globally and per host. Acquire blocks until a slot frees.
type Pool struct {
	cfg    Config
	dial   Dialer
	logger *zap.Logger

	mu     sync.Mutex
	hosts  map[string][]*Conn
	total  int
	nextID uint64
	notify chan struct{}
	closed bool

	created   atomic.Int64
	destroyed atomic.Int64
	evicted   atomic.Int64
	waits     atomic.Int64
	acquired  atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a connection pool. A nil dialer uses HTTPDialer.
func New(cfg Config, dial Dialer, logger *zap.Logger) *Pool {
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = DefaultConfig().GlobalCap
	}
	if cfg.PerHostCap <= 0 || cfg.PerHostCap > cfg.GlobalCap {
		cfg.PerHostCap = cfg.GlobalCap
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = 1
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultConfig().ErrorThreshold
	}
	if dial == nil {
		dial = HTTPDialer(cfg)
	}
	return &Pool{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
		hosts:  make(map[string][]*Conn),
		notify: make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start launches the idle sweep
func (p *Pool) Start() {
	if p.cfg.SweepInterval <= 0 || p.cfg.IdleTimeout <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := p.Sweep(); n > 0 {
					p.logger.Debug("Closed idle connections", zap.Int("count", n))
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Acquire returns a connection to host, waiting while both caps are saturated
func (p *Pool) Acquire(ctx context.Context, host string) (*Conn, error) {
	waited := false
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, qerrors.Internal("connection pool is closed", nil)
		}
		conn, err := p.tryAcquireLocked(host)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if conn != nil {
			p.mu.Unlock()
			p.acquired.Add(1)
			return conn, nil
		}
		wait := p.notify
		p.mu.Unlock()

		if !waited {
			waited = true
			p.waits.Add(1)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (p *Pool) tryAcquireLocked(host string) (*Conn, error) {
	var best *Conn
	for _, c := range p.hosts[host] {
		if c.inFlight < p.capacity(c) && (best == nil || c.inFlight < best.inFlight) {
			best = c
		}
	}
	if best != nil {
		best.inFlight++
		best.lastUsedAt = time.Now()
		return best, nil
	}

	if len(p.hosts[host]) >= p.cfg.PerHostCap {
		return nil, nil
	}
	if p.total >= p.cfg.GlobalCap && !p.evictIdleLocked(host) {
		return nil, nil
	}

	protocol := p.negotiate(host)
	client, closeFn, err := p.dial(host, protocol)
	if err != nil {
		return nil, qerrors.Transient("failed to open connection to "+host, err)
	}
	p.nextID++
	now := time.Now()
	conn := &Conn{
		id:         p.nextID,
		host:       host,
		protocol:   protocol,
		client:     client,
		closeFn:    closeFn,
		createdAt:  now,
		lastUsedAt: now,
		inFlight:   1,
	}
	p.hosts[host] = append(p.hosts[host], conn)
	p.total++
	p.created.Add(1)
	p.logger.Debug("Opened connection",
		zap.String("host", host),
		zap.String("protocol", string(protocol)),
		zap.Int("total", p.total))
	return conn, nil
}

// evictIdleLocked frees a global slot by closing the least recently used idle
// connection of another host
func (p *Pool) evictIdleLocked(except string) bool {
	var victim *Conn
	for host, conns := range p.hosts {
		if host == except {
			continue
		}
		for _, c := range conns {
			if c.inFlight == 0 && (victim == nil || c.lastUsedAt.Before(victim.lastUsedAt)) {
				victim = c
			}
		}
	}
	if victim == nil {
		return false
	}
	p.removeLocked(victim)
	p.closeConn(victim)
	return true
}

func (p *Pool) capacity(c *Conn) int {
	if c.protocol == ProtocolMultiplexed {
		return p.cfg.MaxStreams
	}
	return 1
}

func (p *Pool) negotiate(host string) Protocol {
	switch p.cfg.Protocol {
	case "multiplexed":
		return ProtocolMultiplexed
	case "single":
		return ProtocolSingle
	}
	if strings.HasPrefix(host, "https://") {
		return ProtocolMultiplexed
	}
	return ProtocolSingle
}

// Release returns a connection. Connections whose error streak exceeds the
// threshold are evicted instead of going back to the idle set.
func (p *Pool) Release(c *Conn, outcome Outcome) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.inFlight > 0 {
		c.inFlight--
	}
	c.lastUsedAt = time.Now()
	if outcome == OutcomeFailure {
		c.errorStreak++
	} else {
		c.errorStreak = 0
	}

	if !c.evicted && c.errorStreak > p.cfg.ErrorThreshold {
		p.removeLocked(c)
		p.evicted.Add(1)
		p.logger.Warn("Evicting faulty connection",
			zap.String("host", c.host),
			zap.Uint64("conn_id", c.id),
			zap.Int("error_streak", c.errorStreak))
	}
	if c.evicted && c.inFlight == 0 {
		p.closeConn(c)
	}
	p.broadcastLocked()
}

// removeLocked detaches c from the pool so it takes no new requests
func (p *Pool) removeLocked(c *Conn) {
	if c.evicted {
		return
	}
	conns := p.hosts[c.host]
	for i, other := range conns {
		if other == c {
			p.hosts[c.host] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(p.hosts[c.host]) == 0 {
		delete(p.hosts, c.host)
	}
	c.evicted = true
	p.total--
}

func (p *Pool) closeConn(c *Conn) {
	if c.closeFn != nil {
		c.closeFn()
		c.closeFn = nil
		p.destroyed.Add(1)
	}
}

func (p *Pool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Sweep closes connections idle for longer than the idle timeout
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	var stale []*Conn
	for _, conns := range p.hosts {
		for _, c := range conns {
			if c.inFlight == 0 && c.lastUsedAt.Before(cutoff) {
				stale = append(stale, c)
			}
		}
	}
	for _, c := range stale {
		p.removeLocked(c)
		p.closeConn(c)
	}
	if len(stale) > 0 {
		p.broadcastLocked()
	}
	return len(stale)
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:     p.total,
		PerHost:   make(map[string]int, len(p.hosts)),
		Created:   p.created.Load(),
		Destroyed: p.destroyed.Load(),
		Evicted:   p.evicted.Load(),
		Waits:     p.waits.Load(),
		Acquired:  p.acquired.Load(),
	}
	for host, conns := range p.hosts {
		s.PerHost[host] = len(conns)
		for _, c := range conns {
			s.InFlight += c.inFlight
		}
	}
	return s
}

// Close stops the sweep and closes every connection. Blocked Acquire calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, conns := range p.hosts {
		for _, c := range conns {
			c.evicted = true
			p.closeConn(c)
		}
	}
	p.hosts = make(map[string][]*Conn)
	p.total = 0
	p.broadcastLocked()
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	return nil
}

// HTTPDialer builds one http.Transport per pooled connection. Multiplexed
// connections force HTTP/2; single connections allow one request at a time.
func HTTPDialer(cfg Config) Dialer {
	return func(host string, protocol Protocol) (*http.Client, func(), error) {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        1,
			MaxIdleConnsPerHost: 1,
			MaxConnsPerHost:     1,
			IdleConnTimeout:     cfg.IdleTimeout,
			ForceAttemptHTTP2:   protocol == ProtocolMultiplexed,
		}
		client := &http.Client{Transport: transport, Timeout: cfg.RequestTimeout}
		return client, transport.CloseIdleConnections, nil
	}
}
