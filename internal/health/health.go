// Package health provides liveness and readiness checks for crmquery.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the query engine.
const ServiceName = "crmquery.QueryService"

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// HealthCheck manages health check functionality.
type HealthCheck struct {
	logger        *zap.Logger
	checkInterval time.Duration
	checkTimeout  time.Duration
	grpc          *health.Server

	mu        sync.RWMutex
	checks    map[string]Check
	results   map[string]string
	ready     bool
	lastCheck time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHealthCheck creates a new HealthCheck instance. Call Start to run
// checks in the background.
func NewHealthCheck(interval time.Duration, logger *zap.Logger) *HealthCheck {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	hc := &HealthCheck{
		logger:        logger,
		checkInterval: interval,
		checkTimeout:  5 * time.Second,
		grpc:          health.NewServer(),
		checks:        make(map[string]Check),
		results:       make(map[string]string),
		stopCh:        make(chan struct{}),
	}
	hc.grpc.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	hc.grpc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return hc
}

// Register adds a named readiness check.
func (hc *HealthCheck) Register(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// GRPCServer returns the gRPC health service mirroring readiness.
func (hc *HealthCheck) GRPCServer() *health.Server {
	return hc.grpc
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// LivenessHandler handles GET /health/live requests.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /health/ready requests. A not-ready service
// re-checks before answering.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !hc.IsReady() {
		hc.Run(r.Context())
	}

	hc.mu.RLock()
	resp := ReadinessResponse{
		Status:    "ready",
		Checks:    make(map[string]string, len(hc.results)),
		CheckedAt: hc.lastCheck,
	}
	for name, state := range hc.results {
		resp.Checks[name] = state
	}
	ready := hc.ready
	hc.mu.RUnlock()

	if !ready {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Run executes every check once and updates readiness.
func (hc *HealthCheck) Run(ctx context.Context) bool {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(hc.checks))
	for name, c := range hc.checks {
		checks[name] = c
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
		err := checks[name](cctx)
		cancel()
		if err != nil {
			ready = false
			results[name] = "unhealthy: " + err.Error()
			hc.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = "healthy"
	}

	hc.SetReady(ready)
	hc.mu.Lock()
	hc.results = results
	hc.lastCheck = time.Now()
	hc.mu.Unlock()
	return ready
}

// Start runs checks immediately and then on every interval.
func (hc *HealthCheck) Start() {
	hc.Run(context.Background())
	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()
		ticker := time.NewTicker(hc.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hc.Run(context.Background())
			case <-hc.stopCh:
				return
			}
		}
	}()
}

// Stop halts background checks and marks every service as not serving.
func (hc *HealthCheck) Stop() {
	select {
	case <-hc.stopCh:
		return
	default:
		close(hc.stopCh)
	}
	hc.wg.Wait()
	hc.grpc.Shutdown()
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// SetReady sets the readiness status and mirrors it to gRPC.
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	changed := hc.ready != ready
	hc.ready = ready
	hc.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hc.grpc.SetServingStatus(ServiceName, status)
	hc.grpc.SetServingStatus("", status)
	if changed {
		hc.logger.Info("Readiness changed", zap.Bool("ready", ready))
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
