package costmodel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/crmquery/internal/model"
)

type MockSampleStore struct {
	mock.Mock
}

func (m *MockSampleStore) Load(ctx context.Context, since time.Time) ([]model.CostSample, error) {
	args := m.Called(ctx, since)
	samples, _ := args.Get(0).([]model.CostSample)
	return samples, args.Error(1)
}

func (m *MockSampleStore) Append(ctx context.Context, samples []model.CostSample) error {
	return m.Called(ctx, samples).Error(0)
}

func (m *MockSampleStore) Prune(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}

func (m *MockSampleStore) Close() error {
	return m.Called().Error(0)
}

func newTestModel(cfg Config) *Model {
	m := New(cfg, nil, zap.NewNop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m
}

func TestModel_DefaultsWithoutSamples(t *testing.T) {
	m := newTestModel(DefaultConfig())
	assert.Equal(t, 0.5, m.Selectivity("email", model.OpContains))
	assert.Equal(t, 250.0, m.Latency("email", model.OpContains))
	assert.Zero(t, m.Estimate("email", model.OpContains).Samples)
}

func TestModel_EWMAFavorsRecentSamples(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Decay = 0.5
	m := newTestModel(cfg)

	m.Record(model.CostSample{Field: "city", Operator: model.OpEquals, Selectivity: 0.8, LatencyMs: 100})
	assert.InDelta(t, 0.8, m.Selectivity("city", model.OpEquals), 1e-9)

	m.Record(model.CostSample{Field: "city", Operator: model.OpEquals, Selectivity: 0.2, LatencyMs: 300})
	assert.InDelta(t, 0.5, m.Selectivity("city", model.OpEquals), 1e-9)
	assert.InDelta(t, 200, m.Latency("city", model.OpEquals), 1e-9)

	m.Record(model.CostSample{Field: "city", Operator: model.OpEquals, Selectivity: 0.2, LatencyMs: 300})
	assert.InDelta(t, 0.35, m.Selectivity("city", model.OpEquals), 1e-9)
}

func TestModel_ClampsSelectivity(t *testing.T) {
	m := newTestModel(DefaultConfig())
	m.Record(model.CostSample{Field: "x", Operator: model.OpEquals, Selectivity: 3, LatencyMs: -1})
	assert.Equal(t, 1.0, m.Selectivity("x", model.OpEquals))
	assert.Equal(t, 0.0, m.Latency("x", model.OpEquals))
}

func TestModel_WindowAndHorizon(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 3
	cfg.Horizon = time.Hour
	m := newTestModel(cfg)
	now := m.now()

	m.Record(model.CostSample{Field: "f", Operator: model.OpEquals, Selectivity: 1, Timestamp: now.Add(-2 * time.Hour)})
	assert.Zero(t, m.Estimate("f", model.OpEquals).Samples, "sample beyond horizon is aged out")

	for i := 0; i < 5; i++ {
		m.Record(model.CostSample{Field: "f", Operator: model.OpEquals, Selectivity: 0.1})
	}
	assert.Equal(t, 3, m.Estimate("f", model.OpEquals).Samples)
	assert.InDelta(t, 0.1, m.Selectivity("f", model.OpEquals), 1e-9)
}

func TestModel_OrderBySelectivityThenLatency(t *testing.T) {
	m := newTestModel(DefaultConfig())
	m.Record(model.CostSample{Field: "email", Operator: model.OpContains, Selectivity: 0.05, LatencyMs: 300})
	m.Record(model.CostSample{Field: "city", Operator: model.OpEquals, Selectivity: 0.3, LatencyMs: 50})
	m.Record(model.CostSample{Field: "state", Operator: model.OpEquals, Selectivity: 0.3, LatencyMs: 20})

	ordered := m.Order([]model.Condition{
		{Field: "city", Operator: model.OpEquals},
		{Field: "unknown", Operator: model.OpEquals},
		{Field: "state", Operator: model.OpEquals},
		{Field: "email", Operator: model.OpContains},
	})

	fields := make([]string, len(ordered))
	for i, c := range ordered {
		fields[i] = c.Field
	}
	assert.Equal(t, []string{"email", "state", "city", "unknown"}, fields)
}

func TestModel_ConcurrentRecord(t *testing.T) {
	m := New(DefaultConfig(), nil, zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Record(model.CostSample{Field: "email", Operator: model.OpEquals, Selectivity: 0.4})
				_ = m.Selectivity("email", model.OpEquals)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(800), m.Recorded())
	assert.Equal(t, 50, m.Estimate("email", model.OpEquals).Samples)
	assert.Len(t, m.Snapshot(), 1)
}

func TestModel_PersistsAndLoads(t *testing.T) {
	st := new(MockSampleStore)
	st.On("Append", mock.Anything, mock.MatchedBy(func(s []model.CostSample) bool {
		return len(s) == 1 && s[0].Field == "email"
	})).Return(nil).Once()
	st.On("Load", mock.Anything, mock.Anything).Return([]model.CostSample{
		{Field: "city", Operator: model.OpEquals, Selectivity: 0.25, LatencyMs: 10, Timestamp: time.Now()},
	}, nil)

	m := New(DefaultConfig(), st, zap.NewNop())
	n, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 0.25, m.Selectivity("city", model.OpEquals), 1e-9)

	m.Record(model.CostSample{Field: "email", Operator: model.OpEquals, Selectivity: 0.1})
	require.NoError(t, m.Stop(time.Second))
	st.AssertExpectations(t)
}
