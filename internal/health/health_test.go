package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func servingStatus(t *testing.T, hc *HealthCheck) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hc.GRPCServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	return resp.Status
}

func TestLivenessHandler(t *testing.T) {
	hc := NewHealthCheck(time.Second, zap.NewNop())
	w := httptest.NewRecorder()
	hc.LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReadiness_AllChecksHealthy(t *testing.T) {
	hc := NewHealthCheck(time.Second, zap.NewNop())
	hc.Register("cache", func(context.Context) error { return nil })
	hc.Register("crm", func(context.Context) error { return nil })
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, hc))

	w := httptest.NewRecorder()
	hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, map[string]string{"cache": "healthy", "crm": "healthy"}, resp.Checks)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, hc))
}

func TestReadiness_FailingCheck(t *testing.T) {
	hc := NewHealthCheck(time.Second, zap.NewNop())
	hc.Register("cache", func(context.Context) error { return nil })
	hc.Register("crm", func(context.Context) error { return errors.New("connection refused") })

	w := httptest.NewRecorder()
	hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "unhealthy: connection refused", resp.Checks["crm"])
	assert.False(t, hc.IsReady())
}

func TestReadiness_RecoversInBackground(t *testing.T) {
	var healthy atomic.Bool
	hc := NewHealthCheck(20*time.Millisecond, zap.NewNop())
	hc.Register("crm", func(context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	})

	hc.Start()
	t.Cleanup(hc.Stop)
	assert.False(t, hc.IsReady())

	healthy.Store(true)
	require.Eventually(t, hc.IsReady, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, hc))
}

func TestStop_MarksNotServing(t *testing.T) {
	hc := NewHealthCheck(time.Second, zap.NewNop())
	hc.SetReady(true)
	hc.Stop()
	hc.Stop()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, hc))
}
