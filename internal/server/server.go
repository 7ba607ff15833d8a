// Package server runs the REST, MCP, metrics and gRPC health listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/devrev/crmquery/internal/config"
	qerrors "github.com/devrev/crmquery/internal/errors"
	"github.com/devrev/crmquery/internal/handler"
	"github.com/devrev/crmquery/internal/health"
	"github.com/devrev/crmquery/internal/metrics"
	"github.com/devrev/crmquery/internal/middleware"
)

// Version is reported by the MCP server.
var Version = "dev"

// Server owns every listener of the process.
type Server struct {
	cfg           config.ServerConfig
	router        *mux.Router
	httpServer    *http.Server
	metricsServer *http.Server
	grpcServer    *grpc.Server
	mcp           *mcpserver.StreamableHTTPServer
	healthCheck   *health.HealthCheck
	errorHandler  *handler.ErrorHandler
	metrics       *metrics.Metrics
	logger        *zap.Logger

	httpListener    net.Listener
	metricsListener net.Listener
	grpcListener    net.Listener
}

// NewServer creates the listeners' handlers. m may be nil; gatherer may be
// nil to disable the metrics listener.
func NewServer(cfg config.ServerConfig, svc handler.QueryService, hc *health.HealthCheck,
	m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{
		cfg:          cfg,
		router:       router,
		healthCheck:  hc,
		errorHandler: handler.NewErrorHandler(logger),
		metrics:      m,
		logger:       logger,
		httpServer: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	if gatherer != nil && cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		s.metricsServer = &http.Server{
			Addr:        cfg.MetricsAddr,
			Handler:     metricsMux,
			ReadTimeout: cfg.ReadTimeout,
		}
	}

	if cfg.GRPCHealthAddr != "" {
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, hc.GRPCServer())
	}

	s.setupRoutes(svc)
	return s
}

func (s *Server) setupRoutes(svc handler.QueryService) {
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	}
	if s.metrics != nil {
		chain = append(chain, middleware.Metrics(s.metrics))
	}
	chain = append(chain, middleware.CORS(s.cfg.CORSOrigins))
	if s.cfg.RateLimiter.Enabled {
		limiter := middleware.NewRateLimiter(s.cfg.RateLimiter.RequestsPerSecond, s.cfg.RateLimiter.BurstSize, s.logger)
		chain = append(chain, limiter.Limit)
	}
	s.router.Use(middleware.Chain(chain...))

	// preflight; CORS answers before the handler runs. A MatcherFunc keeps
	// unknown paths at 404 where a method matcher would turn them into 405.
	s.router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return r.Method == http.MethodOptions
	}).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	if s.cfg.MCPEnabled {
		deps := handler.NewToolDeps(svc, s.metrics, s.logger)
		s.mcp = mcpserver.NewStreamableHTTPServer(
			handler.NewMCPServer("crmquery", Version, deps),
			mcpserver.WithEndpointPath(s.cfg.MCPPath),
		)
		s.router.Handle(s.cfg.MCPPath, s.mcp)
	}

	v1 := handler.NewHandlers(svc, s.errorHandler, s.logger).Register(s.router)
	v1.Use(middleware.ContentType)
	if s.cfg.RequestTimeout > 0 {
		v1.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, r, http.StatusNotFound, qerrors.KindValidation, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, qerrors.KindValidation, "method not allowed")
	})
}

// Handler returns the REST and MCP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds every configured listener.
func (s *Server) Listen() error {
	var err error
	if s.httpListener, err = net.Listen("tcp", s.cfg.HTTPAddr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	if s.metricsServer != nil {
		if s.metricsListener, err = net.Listen("tcp", s.cfg.MetricsAddr); err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.MetricsAddr, err)
		}
	}
	if s.grpcServer != nil {
		if s.grpcListener, err = net.Listen("tcp", s.cfg.GRPCHealthAddr); err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCHealthAddr, err)
		}
	}
	return nil
}

func (s *Server) closeListeners() {
	for _, l := range []net.Listener{s.httpListener, s.metricsListener, s.grpcListener} {
		if l != nil {
			_ = l.Close()
		}
	}
}

// HTTPAddr returns the bound REST address.
func (s *Server) HTTPAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// MetricsAddr returns the bound metrics address.
func (s *Server) MetricsAddr() string {
	if s.metricsListener == nil {
		return ""
	}
	return s.metricsListener.Addr().String()
}

// GRPCAddr returns the bound gRPC health address.
func (s *Server) GRPCAddr() string {
	if s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Serve runs every listener until ctx is cancelled or one fails, then shuts
// all of them down. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.httpListener == nil {
		return errors.New("server: Listen was not called")
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.HTTPAddr()), zap.Bool("mcp", s.mcp != nil))
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if s.metricsListener != nil {
		g.Go(func() error {
			s.logger.Info("Starting metrics server", zap.String("addr", s.MetricsAddr()), zap.String("path", s.cfg.MetricsPath))
			if err := s.metricsServer.Serve(s.metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if s.grpcListener != nil {
		g.Go(func() error {
			s.logger.Info("Starting gRPC health server", zap.String("addr", s.GRPCAddr()))
			if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Run binds and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Shutdown gracefully stops every listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down servers")
	s.healthCheck.SetReady(false)

	var errs []error
	if s.mcp != nil {
		if err := s.mcp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mcp: %w", err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	return errors.Join(errs...)
}
