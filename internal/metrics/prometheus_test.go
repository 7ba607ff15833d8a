package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_RecordQuery(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordQuery("contacts", "SIMPLE_FILTER", "success", 120*time.Millisecond, 3)
	m.RecordQuery("contacts", "SIMPLE_FILTER", "success", 80*time.Millisecond, 1)
	m.RecordQueryError("TIMEOUT")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("contacts", "SIMPLE_FILTER", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueryErrors.WithLabelValues("TIMEOUT")))
}

func TestMetrics_RemoteAndCache(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRemoteFetch("list", "ok", 2, time.Second)
	m.RecordRemoteFetch("list", "ok", 0, time.Second)
	m.RecordCacheHit("contacts")
	m.RecordInvalidation("mutation", 3)
	m.UpdatePool(4, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RemoteRetries.WithLabelValues("list")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("contacts")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CacheInvalidations.WithLabelValues("mutation")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PoolConnections))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
