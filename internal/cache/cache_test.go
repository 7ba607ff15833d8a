package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/crmquery/internal/model"
	"github.com/devrev/crmquery/internal/store"
)

type MockCacheStore struct {
	mock.Mock
}

func (m *MockCacheStore) Load(ctx context.Context) ([]*store.CachedEntry, error) {
	args := m.Called(ctx)
	entries, _ := args.Get(0).([]*store.CachedEntry)
	return entries, args.Error(1)
}

func (m *MockCacheStore) Save(ctx context.Context, entry *store.CachedEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockCacheStore) Delete(ctx context.Context, sigs ...model.Signature) error {
	return m.Called(ctx, sigs).Error(0)
}

func (m *MockCacheStore) DeleteByIDs(ctx context.Context, entity string, ids []int64) (int, error) {
	args := m.Called(ctx, entity, ids)
	return args.Int(0), args.Error(1)
}

func (m *MockCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	args := m.Called(ctx, now)
	return args.Int(0), args.Error(1)
}

func (m *MockCacheStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockCacheStore) Close() error {
	return m.Called().Error(0)
}

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(cfg Config) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := New(cfg, nil, zap.NewNop())
	c.now = clock.now
	return c, clock
}

func payload(entity string, ids ...int64) *model.Payload {
	p := &model.Payload{Entity: entity, Total: len(ids)}
	for _, id := range ids {
		p.Records = append(p.Records, model.Record{"id": float64(id)})
	}
	return p
}

func TestCache_RoundTripAndExpiry(t *testing.T) {
	c, clock := newTestCache(DefaultConfig())

	p := payload("contacts", 1, 2)
	c.Put("sig", p, 10*time.Second)

	e, ok := c.Get("sig")
	require.True(t, ok)
	assert.Same(t, p, e.Payload)
	assert.Equal(t, int64(1), e.HitCount())

	clock.advance(10 * time.Second)
	_, ok = c.Get("sig")
	assert.True(t, ok, "entry is valid while now <= created_at+ttl")

	clock.advance(time.Millisecond)
	_, ok = c.Get("sig")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Expired)
}

func TestCache_PutIfCurrentDropsResultsOlderThanInvalidation(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	gen := c.Generation()
	_, stored := c.PutIfCurrent("fresh", payload("contacts", 1), time.Minute, gen)
	assert.True(t, stored)

	// an invalidation that evicts nothing still moves the generation
	stale := c.Generation()
	assert.Equal(t, 0, c.InvalidateIDs("contacts", []int64{99}))
	_, stored = c.PutIfCurrent("stale", payload("contacts", 99), time.Minute, stale)
	assert.False(t, stored)

	_, ok := c.Peek("stale")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().StaleDropped)

	_, stored = c.PutIfCurrent("next", payload("contacts", 99), time.Minute, c.Generation())
	assert.True(t, stored)
}

func TestCache_PeekLeavesCountersAlone(t *testing.T) {
	c, clock := newTestCache(DefaultConfig())
	c.Put("sig", payload("contacts", 1), time.Second)

	e, ok := c.Peek("sig")
	require.True(t, ok)
	assert.Equal(t, int64(0), e.HitCount())
	_, ok = c.Peek("missing")
	assert.False(t, ok)

	clock.advance(2 * time.Second)
	_, ok = c.Peek("sig")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	assert.Zero(t, stats.Expired)
}

func TestCache_PutUsesEntityTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EntityTTL = map[string]time.Duration{"tags": time.Hour}
	cfg.DefaultTTL = time.Minute
	c, _ := newTestCache(cfg)

	assert.Equal(t, time.Hour, c.Put("t", payload("tags", 1), 0).TTL)
	assert.Equal(t, time.Minute, c.Put("c", payload("contacts", 1), 0).TTL)
}

func TestCache_InvalidateIDsEvictsOnlyCoveringEntries(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	c.Put("a", payload("contacts", 1001, 1002), time.Minute)
	c.Put("b", payload("contacts", 1003), time.Minute)
	outside := payload("contacts", 1)
	outside.MatchedIDs = []int64{1, 1002}
	c.Put("c", outside, time.Minute)
	c.Put("d", payload("tags", 1002), time.Minute)

	n := c.InvalidateIDs("contacts", []int64{1002})
	assert.Equal(t, 2, n)
	assert.Equal(t, []model.Signature{"b", "d"}, c.Signatures())
	assert.Equal(t, uint64(2), c.Stats().Invalidations)
}

func TestCache_InvalidateByReference(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())

	tagged := payload("contacts", 1)
	tagged.TagIDs = []int64{42}
	c.Put("tagged", tagged, time.Minute)
	byCity := payload("contacts", 2)
	byCity.Fields = []string{"city"}
	c.Put("city", byCity, time.Minute)

	assert.Equal(t, 1, c.Invalidate(func(e *Entry) bool { return e.ReferencesTag(42) }))
	assert.Equal(t, 1, c.Invalidate(func(e *Entry) bool { return e.ReferencesField("email", "city") }))
	assert.Zero(t, c.Len())
}

func TestCache_EvictsLeastHitWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c, clock := newTestCache(cfg)

	c.Put("hot", payload("contacts", 1), time.Minute)
	clock.advance(time.Second)
	c.Put("cold", payload("contacts", 2), time.Minute)
	c.Get("hot")

	c.Put("new", payload("contacts", 3), time.Minute)
	assert.Equal(t, []model.Signature{"hot", "new"}, c.Signatures())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_EvictsExpiredFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	c, clock := newTestCache(cfg)

	c.Put("short", payload("contacts", 1), time.Second)
	c.Put("long", payload("contacts", 2), time.Hour)
	clock.advance(2 * time.Second)

	c.Put("new", payload("contacts", 3), time.Minute)
	assert.Equal(t, []model.Signature{"long", "new"}, c.Signatures())
	assert.Zero(t, c.Stats().Evictions)
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(DefaultConfig())
	c.Put("a", payload("contacts", 1), time.Second)
	c.Put("b", payload("contacts", 2), time.Hour)

	clock.advance(time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, []model.Signature{"b"}, c.Signatures())
}

func TestCache_WritesBehindToStore(t *testing.T) {
	st := new(MockCacheStore)
	st.On("Save", mock.Anything, mock.MatchedBy(func(e *store.CachedEntry) bool {
		return e.Signature == "a"
	})).Return(nil).Once()
	st.On("Delete", mock.Anything, []model.Signature{"a"}).Return(nil).Once()
	st.On("DeleteByIDs", mock.Anything, "contacts", []int64{7}).Return(1, nil).Once()

	c := New(DefaultConfig(), st, zap.NewNop())
	c.Put("a", payload("contacts", 7), time.Minute)
	assert.Equal(t, 1, c.InvalidateIDs("contacts", []int64{7}))

	require.NoError(t, c.Stop(time.Second))
	st.AssertExpectations(t)
}

func TestCache_WarmSkipsExpired(t *testing.T) {
	now := time.Now()
	st := new(MockCacheStore)
	st.On("Load", mock.Anything).Return([]*store.CachedEntry{
		{Signature: "fresh", Payload: payload("contacts", 1), CreatedAt: now, TTL: time.Hour, HitCount: 4},
		{Signature: "old", Payload: payload("contacts", 2), CreatedAt: now.Add(-2 * time.Hour), TTL: time.Hour},
	}, nil)

	c := New(DefaultConfig(), st, zap.NewNop())
	defer c.Stop(time.Second)

	n, err := c.Warm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, ok := c.Get("fresh")
	require.True(t, ok)
	assert.Equal(t, int64(5), e.HitCount())

	// fresh invalidated by id after warm
	st.On("Delete", mock.Anything, []model.Signature{"fresh"}).Return(nil)
	st.On("DeleteByIDs", mock.Anything, "contacts", []int64{1}).Return(1, nil)
	assert.Equal(t, 1, c.InvalidateIDs("contacts", []int64{1}))
}
