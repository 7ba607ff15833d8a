package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devrev/crmquery/internal/model"
)

const postgresSampleSchema = `
CREATE TABLE IF NOT EXISTS filter_cost_samples (
	field        TEXT NOT NULL,
	operator     TEXT NOT NULL,
	selectivity  DOUBLE PRECISION NOT NULL,
	latency_ms   DOUBLE PRECISION NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_filter_cost_samples_recorded ON filter_cost_samples (recorded_at);
`

// PostgresSampleStore implements SampleStore using PostgreSQL, so several
// engine instances can share learned costs
type PostgresSampleStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSampleStore creates a new PostgreSQL sample store
func NewPostgresSampleStore(pool *pgxpool.Pool) *PostgresSampleStore {
	return &PostgresSampleStore{
		pool: pool,
	}
}

// Migrate creates the samples table if missing
func (s *PostgresSampleStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSampleSchema); err != nil {
		return fmt.Errorf("failed to migrate sample table: %w", err)
	}
	return nil
}

// Append bulk-inserts samples with COPY
func (s *PostgresSampleStore) Append(ctx context.Context, samples []model.CostSample) error {
	if len(samples) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(samples))
	for i, sample := range samples {
		rows[i] = []interface{}{
			sample.Field,
			string(sample.Operator),
			sample.Selectivity,
			sample.LatencyMs,
			sample.Timestamp,
		}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"filter_cost_samples"},
		[]string{"field", "operator", "selectivity", "latency_ms", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to append samples: %w", err)
	}
	return nil
}

// Load returns samples recorded at or after since, oldest first
func (s *PostgresSampleStore) Load(ctx context.Context, since time.Time) ([]model.CostSample, error) {
	query := `
		SELECT field, operator, selectivity, latency_ms, recorded_at
		FROM filter_cost_samples
		WHERE recorded_at >= $1
		ORDER BY recorded_at ASC
	`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load samples: %w", err)
	}
	defer rows.Close()

	samples := make([]model.CostSample, 0)
	for rows.Next() {
		var (
			sample model.CostSample
			op     string
		)
		if err := rows.Scan(
			&sample.Field,
			&op,
			&sample.Selectivity,
			&sample.LatencyMs,
			&sample.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		sample.Operator = model.Operator(op)
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating samples: %w", err)
	}

	return samples, nil
}

// Prune deletes samples older than before
func (s *PostgresSampleStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM filter_cost_samples WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune samples: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close is a no-op; the pool is owned by the caller
func (s *PostgresSampleStore) Close() error {
	return nil
}
