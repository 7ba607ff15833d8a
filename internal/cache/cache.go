package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"go.uber.org/zap"

	"github.com/devrev/crmquery/internal/model"
	"github.com/devrev/crmquery/internal/store"
	"github.com/devrev/crmquery/internal/util/workerpool"
)

// Config holds result cache configuration
type Config struct {
	MaxEntries      int                      `mapstructure:"max_entries"`
	DefaultTTL      time.Duration            `mapstructure:"default_ttl"`
	EntityTTL       map[string]time.Duration `mapstructure:"entity_ttl"`
	CleanupInterval time.Duration            `mapstructure:"cleanup_interval"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxEntries: 1000,
		DefaultTTL: 5 * time.Minute,
		EntityTTL: map[string]time.Duration{
			"contacts": 5 * time.Minute,
			"tags":     30 * time.Minute,
		},
		CleanupInterval: time.Minute,
	}
}

// Entry is a materialized result stored under a query signature
type Entry struct {
	Signature model.Signature
	Payload   *model.Payload
	CreatedAt time.Time
	TTL       time.Duration

	hits atomic.Int64
	ids  *roaring64.Bitmap
}

// HitCount returns how often the entry was served
func (e *Entry) HitCount() int64 {
	return e.hits.Load()
}

// ExpiresAt returns created_at + ttl
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports now > created_at + ttl
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt())
}

// Covers reports whether the payload could contain any of ids
func (e *Entry) Covers(entity string, ids *roaring64.Bitmap) bool {
	return e.Payload.Entity == entity && e.ids.Intersects(ids)
}

// ReferencesTag reports whether the filter that produced the entry names tagID
func (e *Entry) ReferencesTag(tagID int64) bool {
	for _, id := range e.Payload.TagIDs {
		if id == tagID {
			return true
		}
	}
	return false
}

// ReferencesField reports whether the filter that produced the entry names any of fields
func (e *Entry) ReferencesField(fields ...string) bool {
	for _, f := range e.Payload.Fields {
		for _, want := range fields {
			if f == want {
				return true
			}
		}
	}
	return false
}

func (e *Entry) toStored() *store.CachedEntry {
	return &store.CachedEntry{
		Signature: e.Signature,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
		TTL:       e.TTL,
		HitCount:  e.HitCount(),
	}
}

func newEntry(sig model.Signature, payload *model.Payload, createdAt time.Time, ttl time.Duration) *Entry {
	ids := roaring64.New()
	for _, id := range payload.IDs() {
		if id >= 0 {
			ids.Add(uint64(id))
		}
	}
	return &Entry{Signature: sig, Payload: payload, CreatedAt: createdAt, TTL: ttl, ids: ids}
}

// Stats represents cache statistics
type Stats struct {
	Entries       int     `json:"entries"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Expired       uint64  `json:"expired"`
	Invalidations uint64  `json:"invalidations"`
	HitRatio      float64 `json:"hit_ratio"`
	StaleDropped  uint64  `json:"stale_dropped"`
	PersistQueued int     `json:"persist_queued"`
	PersistFailed uint64  `json:"persist_failed"`
}

// Cache maps query signatures to results. Reads take a shared lock; the
// optional durable store is written behind on a single worker so saves and
// deletes reach it in submission order.
type Cache struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[model.Signature]*Entry
	// gen is bumped by every invalidation, under mu
	gen uint64

	store  store.CacheStore
	writer *workerpool.Pool

	hits          atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	expired       atomic.Uint64
	invalidations atomic.Uint64
	staleDropped  atomic.Uint64

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a cache. st may be nil for a purely in-memory cache.
func New(cfg Config, st store.CacheStore, logger *zap.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	c := &Cache{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[model.Signature]*Entry),
		store:   st,
		stopCh:  make(chan struct{}),
	}
	if st != nil {
		c.writer = workerpool.New(workerpool.Config{
			Name:       "cache-writer",
			Workers:    1,
			QueueSize:  1024,
			JobTimeout: 5 * time.Second,
			Logger:     logger,
		})
	}
	return c
}

// TTLFor returns the ttl policy for an entity type
func (c *Cache) TTLFor(entity string) time.Duration {
	if ttl, ok := c.cfg.EntityTTL[entity]; ok && ttl > 0 {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// Get returns the entry for sig when present and unexpired. Expired entries
// are dropped on the way out.
func (c *Cache) Get(sig model.Signature) (*Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[sig]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if e.Expired(c.now()) {
		c.mu.Lock()
		if cur, still := c.entries[sig]; still && cur == e {
			delete(c.entries, sig)
			c.expired.Add(1)
		}
		c.mu.Unlock()
		c.persistDelete(sig)
		c.misses.Add(1)
		return nil, false
	}

	e.hits.Add(1)
	c.hits.Add(1)
	return e, true
}

// Peek returns the unexpired entry for sig without counting a hit or a miss
func (c *Cache) Peek(sig model.Signature) (*Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[sig]
	c.mu.RUnlock()
	if !ok || e.Expired(c.now()) {
		return nil, false
	}
	return e, true
}

// Generation returns the invalidation counter. Read it before fetching the
// data a result is built from and hand it to PutIfCurrent.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Put stores payload under sig. A zero ttl uses the entity policy.
func (c *Cache) Put(sig model.Signature, payload *model.Payload, ttl time.Duration) *Entry {
	e, _ := c.put(sig, payload, ttl, nil)
	return e
}

// PutIfCurrent stores payload only when no invalidation ran since gen was
// read. It reports whether the entry was stored.
func (c *Cache) PutIfCurrent(sig model.Signature, payload *model.Payload, ttl time.Duration, gen uint64) (*Entry, bool) {
	return c.put(sig, payload, ttl, &gen)
}

func (c *Cache) put(sig model.Signature, payload *model.Payload, ttl time.Duration, gen *uint64) (*Entry, bool) {
	if ttl <= 0 {
		ttl = c.TTLFor(payload.Entity)
	}
	e := newEntry(sig, payload, c.now(), ttl)

	c.mu.Lock()
	if gen != nil && *gen != c.gen {
		c.mu.Unlock()
		c.staleDropped.Add(1)
		c.logger.Debug("Dropped result computed before an invalidation", zap.String("signature", string(sig)))
		return e, false
	}
	if _, exists := c.entries[sig]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked()
	}
	c.entries[sig] = e
	c.mu.Unlock()

	c.persistSave(e)
	return e, true
}

// evictLocked drops expired entries, or failing that the least-hit oldest one
func (c *Cache) evictLocked() {
	now := c.now()
	var dropped []model.Signature
	for sig, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, sig)
			dropped = append(dropped, sig)
			c.expired.Add(1)
		}
	}
	if len(dropped) == 0 {
		var victim *Entry
		for _, e := range c.entries {
			if victim == nil ||
				e.HitCount() < victim.HitCount() ||
				(e.HitCount() == victim.HitCount() && e.CreatedAt.Before(victim.CreatedAt)) {
				victim = e
			}
		}
		if victim != nil {
			delete(c.entries, victim.Signature)
			dropped = append(dropped, victim.Signature)
			c.evictions.Add(1)
		}
	}
	c.persistDelete(dropped...)
}

// Invalidate evicts every entry matching pred and returns how many were removed
func (c *Cache) Invalidate(pred func(*Entry) bool) int {
	c.mu.Lock()
	c.gen++
	var removed []model.Signature
	for sig, e := range c.entries {
		if pred(e) {
			delete(c.entries, sig)
			removed = append(removed, sig)
		}
	}
	c.mu.Unlock()

	if len(removed) > 0 {
		c.invalidations.Add(uint64(len(removed)))
		c.persistDelete(removed...)
		c.logger.Debug("Cache entries invalidated", zap.Int("count", len(removed)))
	}
	return len(removed)
}

// InvalidateIDs evicts every entry of entity whose payload covers any of ids
func (c *Cache) InvalidateIDs(entity string, ids []int64) int {
	if len(ids) == 0 {
		return 0
	}
	affected := roaring64.New()
	for _, id := range ids {
		if id >= 0 {
			affected.Add(uint64(id))
		}
	}
	n := c.Invalidate(func(e *Entry) bool {
		return e.Covers(entity, affected)
	})

	if c.writer != nil {
		idsCopy := append([]int64(nil), ids...)
		c.submit("delete-by-ids", func(ctx context.Context) error {
			_, err := c.store.DeleteByIDs(ctx, entity, idsCopy)
			return err
		})
	}
	return n
}

// Clear drops every entry
func (c *Cache) Clear() int {
	return c.Invalidate(func(*Entry) bool { return true })
}

// Len returns the number of entries held in memory, expired or not
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Signatures returns the held signatures in sorted order
func (c *Cache) Signatures() []model.Signature {
	c.mu.RLock()
	sigs := make([]model.Signature, 0, len(c.entries))
	for sig := range c.entries {
		sigs = append(sigs, sig)
	}
	c.mu.RUnlock()
	sort.Slice(sigs, func(i, j int) bool { return sigs[i] < sigs[j] })
	return sigs
}

// Warm loads unexpired entries from the durable store
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	stored, err := c.store.Load(ctx)
	if err != nil {
		return 0, err
	}

	now := c.now()
	loaded := 0
	c.mu.Lock()
	for _, s := range stored {
		if s.Payload == nil || now.After(s.ExpiresAt()) {
			continue
		}
		if len(c.entries) >= c.cfg.MaxEntries {
			break
		}
		e := newEntry(s.Signature, s.Payload, s.CreatedAt, s.TTL)
		e.hits.Store(s.HitCount)
		c.entries[s.Signature] = e
		loaded++
	}
	c.mu.Unlock()

	c.logger.Info("Cache warmed from store", zap.Int("loaded", loaded), zap.Int("stored", len(stored)))
	return loaded, nil
}

// Start runs the background expiry sweep
func (c *Cache) Start() {
	if c.cfg.CleanupInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Sweep removes expired entries from memory and the durable store
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	var dropped []model.Signature
	for sig, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, sig)
			dropped = append(dropped, sig)
		}
	}
	c.mu.Unlock()
	c.expired.Add(uint64(len(dropped)))

	if c.writer != nil {
		c.submit("delete-expired", func(ctx context.Context) error {
			_, err := c.store.DeleteExpired(ctx, now)
			return err
		})
	}
	if len(dropped) > 0 {
		c.logger.Debug("Expired cache entries swept", zap.Int("count", len(dropped)))
	}
	return len(dropped)
}

// Stop halts the sweep and flushes pending store writes
func (c *Cache) Stop(timeout time.Duration) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	if c.writer != nil {
		return c.writer.Stop(timeout)
	}
	return nil
}

// Stats returns cache statistics
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Entries:       c.Len(),
		Hits:          hits,
		Misses:        misses,
		Evictions:     c.evictions.Load(),
		Expired:       c.expired.Load(),
		Invalidations: c.invalidations.Load(),
		StaleDropped:  c.staleDropped.Load(),
	}
	if hits+misses > 0 {
		s.HitRatio = float64(hits) / float64(hits+misses)
	}
	if c.writer != nil {
		ws := c.writer.Stats()
		s.PersistQueued = ws.Queued
		s.PersistFailed = ws.Failed
	}
	return s
}

// Ping checks the durable store, if any
func (c *Cache) Ping(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.Ping(ctx)
}

func (c *Cache) persistSave(e *Entry) {
	if c.writer == nil {
		return
	}
	stored := e.toStored()
	c.submit("save", func(ctx context.Context) error {
		return c.store.Save(ctx, stored)
	})
}

func (c *Cache) persistDelete(sigs ...model.Signature) {
	if c.writer == nil || len(sigs) == 0 {
		return
	}
	c.submit("delete", func(ctx context.Context) error {
		return c.store.Delete(ctx, sigs...)
	})
}

func (c *Cache) submit(name string, run func(context.Context) error) {
	if !c.writer.Submit(name, run) {
		c.logger.Warn("Cache persistence queue full, dropping write", zap.String("op", name))
	}
}
