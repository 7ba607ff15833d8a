package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/crmquery/internal/model"
)

const redisKeyPrefix = "crmquery:cache:"

// redisEnvelope wraps the encoded payload with the entry metadata
type redisEnvelope struct {
	Payload   []byte `json:"payload"`
	CreatedAt int64  `json:"created_at"`
	TTLMs     int64  `json:"ttl_ms"`
	HitCount  int64  `json:"hit_count"`
}

// RedisCacheStore implements CacheStore on Redis. Entries are keys with a
// native TTL; each covered id has a set of signatures for invalidation.
type RedisCacheStore struct {
	client *redis.Client
	codec  Codec
	logger *zap.Logger
}

// NewRedisCacheStore connects to Redis
func NewRedisCacheStore(addr, password string, db int, codec Codec, logger *zap.Logger) (*RedisCacheStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis cache store connected", zap.String("addr", addr))
	return &RedisCacheStore{client: client, codec: codec, logger: logger}, nil
}

func entryKey(sig model.Signature) string {
	return redisKeyPrefix + "entry:" + string(sig)
}

func idKey(entity string, id int64) string {
	return redisKeyPrefix + "ids:" + entity + ":" + strconv.FormatInt(id, 10)
}

// Load scans all entry keys; expired keys are already gone
func (s *RedisCacheStore) Load(ctx context.Context) ([]*CachedEntry, error) {
	entries := make([]*CachedEntry, 0)
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"entry:*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan cache keys: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", key, err)
			}
			entry, err := s.decode(model.Signature(key[len(redisKeyPrefix+"entry:"):]), data)
			if err != nil {
				s.logger.Warn("Skipping undecodable cache entry", zap.String("key", key), zap.Error(err))
				continue
			}
			entries = append(entries, entry)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return entries, nil
}

func (s *RedisCacheStore) decode(sig model.Signature, data []byte) (*CachedEntry, error) {
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	payload, err := s.codec.Decode(env.Payload)
	if err != nil {
		return nil, err
	}
	return &CachedEntry{
		Signature: sig,
		Payload:   payload,
		CreatedAt: time.UnixMilli(env.CreatedAt),
		TTL:       time.Duration(env.TTLMs) * time.Millisecond,
		HitCount:  env.HitCount,
	}, nil
}

// Save writes the entry and its id sets in one pipeline
func (s *RedisCacheStore) Save(ctx context.Context, entry *CachedEntry) error {
	ttl := time.Until(entry.ExpiresAt())
	if ttl <= 0 {
		return nil
	}
	data, err := s.codec.Encode(entry.Payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(redisEnvelope{
		Payload:   data,
		CreatedAt: entry.CreatedAt.UnixMilli(),
		TTLMs:     entry.TTL.Milliseconds(),
		HitCount:  entry.HitCount,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, entryKey(entry.Signature), env, ttl)
	for _, id := range entry.Payload.IDs() {
		key := idKey(entry.Payload.Entity, id)
		pipe.SAdd(ctx, key, string(entry.Signature))
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}
	return nil
}

// Delete removes entry keys. Stale members of id sets are harmless and expire.
func (s *RedisCacheStore) Delete(ctx context.Context, sigs ...model.Signature) error {
	if len(sigs) == 0 {
		return nil
	}
	keys := make([]string, len(sigs))
	for i, sig := range sigs {
		keys[i] = entryKey(sig)
	}
	return s.client.Del(ctx, keys...).Err()
}

// DeleteByIDs removes the entries listed in the id sets, then the sets themselves
func (s *RedisCacheStore) DeleteByIDs(ctx context.Context, entity string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	setKeys := make([]string, len(ids))
	for i, id := range ids {
		setKeys[i] = idKey(entity, id)
	}
	members, err := s.client.SUnion(ctx, setKeys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read id sets: %w", err)
	}
	sigs := make([]model.Signature, len(members))
	for i, m := range members {
		sigs[i] = model.Signature(m)
	}
	if err := s.Delete(ctx, sigs...); err != nil {
		return 0, err
	}
	if err := s.client.Del(ctx, setKeys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to delete id sets: %w", err)
	}
	return len(sigs), nil
}

// DeleteExpired is a no-op: Redis expires keys itself
func (s *RedisCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

// Ping checks the Redis connection
func (s *RedisCacheStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisCacheStore) Close() error {
	return s.client.Close()
}
