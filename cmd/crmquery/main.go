// Package main provides the entry point for the crmquery service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/crmquery/internal/batch"
	"github.com/devrev/crmquery/internal/cache"
	"github.com/devrev/crmquery/internal/cluster"
	"github.com/devrev/crmquery/internal/config"
	"github.com/devrev/crmquery/internal/costmodel"
	"github.com/devrev/crmquery/internal/crm"
	"github.com/devrev/crmquery/internal/executor"
	"github.com/devrev/crmquery/internal/health"
	"github.com/devrev/crmquery/internal/metrics"
	"github.com/devrev/crmquery/internal/monitor"
	"github.com/devrev/crmquery/internal/planner"
	"github.com/devrev/crmquery/internal/pool"
	"github.com/devrev/crmquery/internal/server"
	"github.com/devrev/crmquery/internal/service"
	"github.com/devrev/crmquery/internal/store"
)

// gaugeInterval is how often pool, batch and selectivity gauges are refreshed
const gaugeInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting crmquery",
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.String("remote", cfg.Remote.BaseURL),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("costmodel_backend", cfg.CostModel.Backend),
		zap.Bool("cluster", cfg.Cluster.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("crmquery failed", zap.Error(err))
	}
	logger.Info("crmquery shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	catalog, err := config.LoadCapabilities(cfg.Planner.CapabilityFile)
	if err != nil {
		return err
	}

	// teardown runs in reverse: health, cluster, pool, cost flush, cache
	// flush, then the stores
	cacheStore, err := openCacheStore(cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer closeStore(cacheStore, logger)
	sampleStore, err := openSampleStore(ctx, cfg.CostModel, logger)
	if err != nil {
		return err
	}
	defer closeStore(sampleStore, logger)

	resultCache := cache.New(cfg.Cache.Config, cacheStore, logger)
	if n, err := resultCache.Warm(ctx); err != nil {
		logger.Warn("Failed to warm result cache", zap.Error(err))
	} else if n > 0 {
		logger.Info("Result cache warmed", zap.Int("entries", n))
	}
	resultCache.Start()
	defer func() {
		if err := resultCache.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Error("Failed to flush result cache", zap.Error(err))
		}
	}()

	costs := costmodel.New(cfg.CostModel.Config, sampleStore, logger)
	if n, err := costs.Load(ctx); err != nil {
		logger.Warn("Failed to load cost samples", zap.Error(err))
	} else if n > 0 {
		logger.Info("Cost samples loaded", zap.Int("samples", n))
	}
	costs.Start()
	defer func() {
		if err := costs.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Error("Failed to flush cost samples", zap.Error(err))
		}
	}()

	connPool := pool.New(cfg.Pool, pool.HTTPDialer(cfg.Pool), logger)
	connPool.Start()
	defer func() {
		if err := connPool.Close(); err != nil {
			logger.Error("Failed to close connection pool", zap.Error(err))
		}
	}()

	client, err := crm.NewClient(cfg.Remote, logger)
	if err != nil {
		return err
	}
	exec := executor.New(connPool, client, cfg.Executor, logger)
	sizer := batch.New(cfg.Batch, logger)

	mon := monitor.New(cfg.Monitor, m, logger)
	plan := planner.New(cfg.Planner.Config, catalog, exec, costs, sizer, resultCache, m, logger)
	plan.AddObserver(mon)

	mon.AddSource("pool", func() interface{} { return connPool.Stats() })
	mon.AddSource("cache", func() interface{} { return resultCache.Stats() })
	mon.AddSource("executor", func() interface{} { return exec.Stats() })
	mon.AddSource("batch", func() interface{} { return sizer.Snapshot() })
	mon.AddSource("selectivity", func() interface{} { return costs.Snapshot() })

	svc := service.NewQueryService(plan, resultCache, exec, sizer, mon, m, logger)

	var broadcaster *cluster.Broadcaster
	if cfg.Cluster.Enabled {
		broadcaster, err = cluster.New(cfg.Cluster, svc.ApplyRemote, logger)
		if err != nil {
			return fmt.Errorf("failed to join cluster: %w", err)
		}
		defer func() {
			if err := broadcaster.Shutdown(); err != nil {
				logger.Error("Failed to leave cluster", zap.Error(err))
			}
		}()
		svc.SetBroadcaster(broadcaster)
		mon.AddSource("cluster", func() interface{} { return broadcaster.Stats() })
	}

	hc := health.NewHealthCheck(cfg.Server.HealthInterval, logger)
	hc.Register("cache_store", resultCache.Ping)
	hc.Register("remote", func(context.Context) error {
		if client.IsHealthy() {
			return nil
		}
		return fmt.Errorf("remote unreachable: %s", client.LastError())
	})
	hc.Start()
	defer hc.Stop()

	go refreshGauges(ctx, m, connPool, sizer, costs)

	srv := server.NewServer(cfg.Server, svc, hc, m, reg, logger)
	serveErr := srv.Run(ctx)
	if serveErr != nil {
		logger.Error("Server error", zap.Error(serveErr))
	}

	logger.Info("Initiating graceful shutdown")
	return serveErr
}

type closer interface {
	Close() error
}

func closeStore(c closer, logger *zap.Logger) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Error("Failed to close store", zap.Error(err))
	}
}

// openCacheStore returns nil for the memory backend.
func openCacheStore(cfg config.CacheConfig, logger *zap.Logger) (store.CacheStore, error) {
	codec := store.Codec{Compress: cfg.Compress}
	switch cfg.Backend {
	case config.BackendSQLite:
		s, err := store.NewSQLiteCacheStore(cfg.SQLitePath, codec, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite cache store: %w", err)
		}
		return s, nil
	case config.BackendRedis:
		s, err := store.NewRedisCacheStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, codec, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis cache store: %w", err)
		}
		return s, nil
	}
	return nil, nil
}

// ownedPostgres closes the connection pool it was opened with.
type ownedPostgres struct {
	*store.PostgresSampleStore
	pg *pgxpool.Pool
}

func (o ownedPostgres) Close() error {
	o.pg.Close()
	return nil
}

// openSampleStore returns nil for the memory backend.
func openSampleStore(ctx context.Context, cfg config.CostModelConfig, logger *zap.Logger) (store.SampleStore, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		s, err := store.NewBadgerSampleStore(cfg.BadgerDir, cfg.Horizon, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger sample store: %w", err)
		}
		return s, nil
	case config.BackendPostgres:
		pg, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		s := store.NewPostgresSampleStore(pg)
		if err := s.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to migrate postgres sample store: %w", err)
		}
		return ownedPostgres{PostgresSampleStore: s, pg: pg}, nil
	}
	return nil, nil
}

func refreshGauges(ctx context.Context, m *metrics.Metrics, p *pool.Pool, sizer *batch.Controller, costs *costmodel.Model) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ps := p.Stats()
		m.UpdatePool(ps.Total, ps.InFlight)
		for _, plan := range sizer.Snapshot() {
			m.UpdateBatchSize(plan.Operation, plan.ProposedSize)
		}
		for _, est := range costs.Snapshot() {
			m.UpdateSelectivity(est.Field, string(est.Operator), est.Selectivity)
		}
	}
}

// initLogger initializes the zap logger.
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
