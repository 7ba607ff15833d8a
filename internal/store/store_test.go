package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/crmquery/internal/model"
)

func samplePayload(ids ...int64) *model.Payload {
	p := &model.Payload{Entity: "contacts", Total: len(ids)}
	for _, id := range ids {
		p.Records = append(p.Records, model.Record{"id": float64(id), "email": "x@example.com"})
	}
	return p
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		c := Codec{Compress: compress}
		p := samplePayload(1, 2, 3)
		p.MatchedIDs = []int64{4, 5}

		data, err := c.Encode(p)
		require.NoError(t, err)
		assert.Equal(t, compress, len(data) >= 4 && string(data[:4]) == string(zstdMagic))

		got, err := c.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, got.IDs())
		assert.Equal(t, "contacts", got.Entity)
	}
}

func TestCodec_DecodesPlainWithCompressingCodec(t *testing.T) {
	plain, err := Codec{}.Encode(samplePayload(7))
	require.NoError(t, err)

	got, err := Codec{Compress: true}.Decode(plain)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, got.IDs())
}

func openSQLite(t *testing.T) *SQLiteCacheStore {
	t.Helper()
	s, err := NewSQLiteCacheStore(filepath.Join(t.TempDir(), "cache.db"), Codec{Compress: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCacheStore_SaveLoad(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &CachedEntry{
		Signature: "fresh", Payload: samplePayload(1, 2), CreatedAt: time.Now(), TTL: time.Hour, HitCount: 3,
	}))
	require.NoError(t, s.Save(ctx, &CachedEntry{
		Signature: "stale", Payload: samplePayload(3), CreatedAt: time.Now().Add(-2 * time.Hour), TTL: time.Hour,
	}))

	entries, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.Signature("fresh"), entries[0].Signature)
	assert.Equal(t, int64(3), entries[0].HitCount)
	assert.Equal(t, []int64{1, 2}, entries[0].Payload.IDs())

	n, err := s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteCacheStore_DeleteByIDs(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Save(ctx, &CachedEntry{Signature: "a", Payload: samplePayload(1001, 1002), CreatedAt: now, TTL: time.Hour}))
	require.NoError(t, s.Save(ctx, &CachedEntry{Signature: "b", Payload: samplePayload(1003), CreatedAt: now, TTL: time.Hour}))
	matched := samplePayload()
	matched.MatchedIDs = []int64{1002}
	require.NoError(t, s.Save(ctx, &CachedEntry{Signature: "c", Payload: matched, CreatedAt: now, TTL: time.Hour}))

	n, err := s.DeleteByIDs(ctx, "contacts", []int64{1002})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.Signature("b"), entries[0].Signature)

	n, err = s.DeleteByIDs(ctx, "tags", []int64{1003})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteCacheStore_SaveReplacesIDMapping(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &CachedEntry{Signature: "a", Payload: samplePayload(1), CreatedAt: time.Now(), TTL: time.Hour}))
	require.NoError(t, s.Save(ctx, &CachedEntry{Signature: "a", Payload: samplePayload(2), CreatedAt: time.Now(), TTL: time.Hour}))

	n, err := s.DeleteByIDs(ctx, "contacts", []int64{1})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteByIDs(ctx, "contacts", []int64{2})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBadgerSampleStore_AppendLoadPrune(t *testing.T) {
	s, err := NewBadgerSampleStore("", time.Hour, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	base := time.Now().Add(-30 * time.Minute)
	samples := []model.CostSample{
		{Field: "email", Operator: model.OpContains, Selectivity: 0.1, LatencyMs: 40, Timestamp: base},
		{Field: "email", Operator: model.OpContains, Selectivity: 0.2, LatencyMs: 50, Timestamp: base.Add(time.Minute)},
		{Field: "city", Operator: model.OpEquals, Selectivity: 0.7, LatencyMs: 10, Timestamp: base.Add(2 * time.Minute)},
	}
	require.NoError(t, s.Append(ctx, samples))

	all, err := s.Load(ctx, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 0.1, all[0].Selectivity)
	assert.Equal(t, "city", all[2].Field)

	recent, err := s.Load(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	n, err := s.Prune(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := s.Load(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, model.OpEquals, left[0].Operator)
}
