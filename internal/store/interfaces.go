package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/crmquery/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// CachedEntry is the durable form of a result cache entry
type CachedEntry struct {
	Signature model.Signature
	Payload   *model.Payload
	CreatedAt time.Time
	TTL       time.Duration
	HitCount  int64
}

// ExpiresAt returns created_at + ttl
func (e *CachedEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// CacheStore persists result cache entries together with an id mapping so
// entries can be invalidated by entity id without loading them
type CacheStore interface {
	// Load returns every unexpired entry
	Load(ctx context.Context) ([]*CachedEntry, error)
	Save(ctx context.Context, entry *CachedEntry) error
	Delete(ctx context.Context, sigs ...model.Signature) error
	// DeleteByIDs removes entries of entity whose payload covers any of ids
	DeleteByIDs(ctx context.Context, entity string, ids []int64) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// SampleStore persists filter cost samples
type SampleStore interface {
	// Load returns samples recorded at or after since, oldest first
	Load(ctx context.Context, since time.Time) ([]model.CostSample, error)
	Append(ctx context.Context, samples []model.CostSample) error
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
