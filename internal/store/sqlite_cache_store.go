package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/devrev/crmquery/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	signature  TEXT PRIMARY KEY,
	entity     TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	ttl_ms     INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	hit_count  INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
CREATE TABLE IF NOT EXISTS cache_entry_ids (
	signature TEXT NOT NULL,
	entity    TEXT NOT NULL,
	entity_id INTEGER NOT NULL,
	PRIMARY KEY (signature, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_cache_entry_ids_lookup ON cache_entry_ids(entity, entity_id);
`

// SQLiteCacheStore implements CacheStore on an embedded SQLite database
type SQLiteCacheStore struct {
	db     *sql.DB
	codec  Codec
	logger *zap.Logger
}

// NewSQLiteCacheStore opens (or creates) the database at path
func NewSQLiteCacheStore(path string, codec Codec, logger *zap.Logger) (*SQLiteCacheStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	logger.Info("SQLite cache store opened", zap.String("path", path))
	return &SQLiteCacheStore{db: db, codec: codec, logger: logger}, nil
}

// Load returns every unexpired entry
func (s *SQLiteCacheStore) Load(ctx context.Context) ([]*CachedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT signature, payload, created_at, ttl_ms, hit_count
		FROM cache_entries
		WHERE expires_at > ?
		ORDER BY created_at ASC`, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*CachedEntry, 0)
	for rows.Next() {
		var (
			sig       string
			data      []byte
			createdAt int64
			ttlMs     int64
			hits      int64
		)
		if err := rows.Scan(&sig, &data, &createdAt, &ttlMs, &hits); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		payload, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Warn("Skipping undecodable cache entry", zap.String("signature", sig), zap.Error(err))
			continue
		}
		entries = append(entries, &CachedEntry{
			Signature: model.Signature(sig),
			Payload:   payload,
			CreatedAt: time.UnixMilli(createdAt),
			TTL:       time.Duration(ttlMs) * time.Millisecond,
			HitCount:  hits,
		})
	}
	return entries, rows.Err()
}

// Save upserts an entry and rewrites its id mapping
func (s *SQLiteCacheStore) Save(ctx context.Context, entry *CachedEntry) error {
	data, err := s.codec.Encode(entry.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache_entries
			(signature, entity, payload, created_at, ttl_ms, expires_at, hit_count, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.Signature),
		entry.Payload.Entity,
		data,
		entry.CreatedAt.UnixMilli(),
		entry.TTL.Milliseconds(),
		entry.ExpiresAt().UnixMilli(),
		entry.HitCount,
		len(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save cache entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entry_ids WHERE signature = ?`, string(entry.Signature)); err != nil {
		return fmt.Errorf("failed to clear id mapping: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO cache_entry_ids (signature, entity, entity_id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare id mapping: %w", err)
	}
	defer stmt.Close()
	for _, id := range entry.Payload.IDs() {
		if _, err := stmt.ExecContext(ctx, string(entry.Signature), entry.Payload.Entity, id); err != nil {
			return fmt.Errorf("failed to save id mapping: %w", err)
		}
	}

	return tx.Commit()
}

// Delete removes entries and their id mappings
func (s *SQLiteCacheStore) Delete(ctx context.Context, sigs ...model.Signature) error {
	if len(sigs) == 0 {
		return nil
	}
	args := make([]interface{}, len(sigs))
	for i, sig := range sigs {
		args[i] = string(sig)
	}
	in := placeholders(len(sigs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE signature IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entry_ids WHERE signature IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete id mappings: %w", err)
	}
	return tx.Commit()
}

// DeleteByIDs removes every entry of entity whose payload covers one of ids
func (s *SQLiteCacheStore) DeleteByIDs(ctx context.Context, entity string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, entity)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT signature FROM cache_entry_ids WHERE entity = ? AND entity_id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("failed to look up id mappings: %w", err)
	}
	sigs, err := scanSignatures(rows)
	if err != nil {
		return 0, err
	}
	return len(sigs), s.Delete(ctx, sigs...)
}

// DeleteExpired removes entries whose ttl has elapsed
func (s *SQLiteCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT signature FROM cache_entries WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to find expired entries: %w", err)
	}
	sigs, err := scanSignatures(rows)
	if err != nil {
		return 0, err
	}
	return len(sigs), s.Delete(ctx, sigs...)
}

// Ping checks the database
func (s *SQLiteCacheStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteCacheStore) Close() error {
	return s.db.Close()
}

func scanSignatures(rows *sql.Rows) ([]model.Signature, error) {
	defer rows.Close()
	var sigs []model.Signature
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, fmt.Errorf("failed to scan signature: %w", err)
		}
		sigs = append(sigs, model.Signature(sig))
	}
	return sigs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
