package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/devrev/crmquery/internal/model"
)

var samplePrefix = []byte("sample:")

// BadgerSampleStore keeps cost samples in an embedded badger database, keyed
// by timestamp so a prefix scan yields them in recording order
type BadgerSampleStore struct {
	db      *badger.DB
	horizon time.Duration
	seq     atomic.Uint64
	logger  *zap.Logger
}

// NewBadgerSampleStore opens the store. An empty dir keeps it in memory.
// Entries carry a ttl of horizon so badger drops them on its own.
func NewBadgerSampleStore(dir string, horizon time.Duration, logger *zap.Logger) (*BadgerSampleStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(badgerLogger{logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Info("Badger sample store opened", zap.String("dir", dir), zap.Duration("horizon", horizon))
	return &BadgerSampleStore{db: db, horizon: horizon, logger: logger}, nil
}

func (s *BadgerSampleStore) key(ts time.Time) []byte {
	k := make([]byte, len(samplePrefix)+16)
	copy(k, samplePrefix)
	binary.BigEndian.PutUint64(k[len(samplePrefix):], unixNano(ts))
	binary.BigEndian.PutUint64(k[len(samplePrefix)+8:], s.seq.Add(1))
	return k
}

func timeKey(ts time.Time) []byte {
	k := make([]byte, len(samplePrefix)+8)
	copy(k, samplePrefix)
	binary.BigEndian.PutUint64(k[len(samplePrefix):], unixNano(ts))
	return k
}

// unixNano clamps times before the epoch to zero
func unixNano(ts time.Time) uint64 {
	if ts.Before(time.Unix(0, 0)) {
		return 0
	}
	return uint64(ts.UnixNano())
}

// Append writes samples in a single transaction
func (s *BadgerSampleStore) Append(ctx context.Context, samples []model.CostSample) error {
	if len(samples) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, sample := range samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		val, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}
		entry := badger.NewEntry(s.key(sample.Timestamp), val)
		if s.horizon > 0 {
			entry = entry.WithTTL(s.horizon)
		}
		if err := wb.SetEntry(entry); err != nil {
			return fmt.Errorf("failed to write sample: %w", err)
		}
	}
	return wb.Flush()
}

// Load returns samples recorded at or after since, oldest first
func (s *BadgerSampleStore) Load(ctx context.Context, since time.Time) ([]model.CostSample, error) {
	samples := make([]model.CostSample, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = samplePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(timeKey(since)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sample model.CostSample
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &sample)
			}); err != nil {
				s.logger.Warn("Skipping undecodable cost sample", zap.Error(err))
				continue
			}
			samples = append(samples, sample)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load samples: %w", err)
	}
	return samples, nil
}

// Prune deletes samples recorded before the given time
func (s *BadgerSampleStore) Prune(ctx context.Context, before time.Time) (int, error) {
	limit := timeKey(before)
	keys := make([][]byte, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = samplePrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= string(limit) {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan samples: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to delete sample: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close closes the database
func (s *BadgerSampleStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging through zap
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
