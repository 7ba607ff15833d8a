// Package config provides configuration management for crmquery.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/devrev/crmquery/internal/batch"
	"github.com/devrev/crmquery/internal/cache"
	"github.com/devrev/crmquery/internal/cluster"
	"github.com/devrev/crmquery/internal/costmodel"
	"github.com/devrev/crmquery/internal/crm"
	"github.com/devrev/crmquery/internal/executor"
	"github.com/devrev/crmquery/internal/monitor"
	"github.com/devrev/crmquery/internal/planner"
	"github.com/devrev/crmquery/internal/pool"
)

// EnvPrefix prefixes every environment override, e.g. CRMQUERY_REMOTE_API_KEY.
const EnvPrefix = "CRMQUERY"

// Storage backends
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config holds all configuration for crmquery.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Remote    crm.Config      `mapstructure:"remote"`
	Pool      pool.Config     `mapstructure:"pool"`
	Executor  executor.Config `mapstructure:"executor"`
	Cache     CacheConfig     `mapstructure:"cache"`
	CostModel CostModelConfig `mapstructure:"costmodel"`
	Batch     batch.Config    `mapstructure:"batch"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Monitor   monitor.Config  `mapstructure:"monitor"`
	Cluster   cluster.Config  `mapstructure:"cluster"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds listener configuration for every outer surface.
type ServerConfig struct {
	HTTPAddr        string          `mapstructure:"http_addr"`
	MetricsAddr     string          `mapstructure:"metrics_addr"`
	MetricsPath     string          `mapstructure:"metrics_path"`
	GRPCHealthAddr  string          `mapstructure:"grpc_health_addr"`
	MCPEnabled      bool            `mapstructure:"mcp_enabled"`
	MCPPath         string          `mapstructure:"mcp_path"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration   `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	HealthInterval  time.Duration   `mapstructure:"health_interval"`
	CORSOrigins     []string        `mapstructure:"cors_origins"`
	RateLimiter     RateLimitConfig `mapstructure:"rate_limiter"`
}

// RateLimitConfig holds the inbound per-client rate limiter configuration.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// CacheConfig extends the result cache policy with its durable backend.
type CacheConfig struct {
	cache.Config `mapstructure:",squash"`
	Backend      string      `mapstructure:"backend"`
	SQLitePath   string      `mapstructure:"sqlite_path"`
	Redis        RedisConfig `mapstructure:"redis"`
	Compress     bool        `mapstructure:"compress"`
}

// RedisConfig holds the shared cache store connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CostModelConfig extends the cost model tuning with its durable sample store.
type CostModelConfig struct {
	costmodel.Config `mapstructure:",squash"`
	Backend          string `mapstructure:"backend"`
	BadgerDir        string `mapstructure:"badger_dir"`
	PostgresDSN      string `mapstructure:"postgres_dsn"`
}

// PlannerConfig extends the planner tuning with the capability table location.
type PlannerConfig struct {
	planner.Config `mapstructure:",squash"`
	// CapabilityFile is a YAML capability table; empty uses the built-in table
	CapabilityFile string `mapstructure:"capability_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads configuration from file and environment variables. An empty
// path searches ./crmquery.yaml and /etc/crmquery/; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("crmquery")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/crmquery/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func bounds(b batch.Bounds) map[string]interface{} {
	return map[string]interface{}{"min": b.Min, "max": b.Max, "initial": b.Initial}
}

// setDefaults sets default configuration values from each component's defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.grpc_health_addr", ":9091")
	v.SetDefault("server.mcp_enabled", true)
	v.SetDefault("server.mcp_path", "/mcp")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "90s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.health_interval", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limiter.enabled", true)
	v.SetDefault("server.rate_limiter.requests_per_second", 50.0)
	v.SetDefault("server.rate_limiter.burst_size", 100)

	v.SetDefault("remote.base_url", "https://api.infusionsoft.com/crm/rest/v1")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("remote.requests_per_second", 10.0)
	v.SetDefault("remote.burst", 10)
	v.SetDefault("remote.user_agent", "crmquery/1.0")

	p := pool.DefaultConfig()
	v.SetDefault("pool.global_cap", p.GlobalCap)
	v.SetDefault("pool.per_host_cap", p.PerHostCap)
	v.SetDefault("pool.max_streams", p.MaxStreams)
	v.SetDefault("pool.idle_timeout", p.IdleTimeout)
	v.SetDefault("pool.sweep_interval", p.SweepInterval)
	v.SetDefault("pool.error_threshold", p.ErrorThreshold)
	v.SetDefault("pool.protocol", p.Protocol)
	v.SetDefault("pool.request_timeout", p.RequestTimeout)

	e := executor.DefaultConfig()
	v.SetDefault("executor.max_attempts", e.MaxAttempts)
	v.SetDefault("executor.base_backoff", e.BaseBackoff)
	v.SetDefault("executor.max_backoff", e.MaxBackoff)
	v.SetDefault("executor.max_retry_after", e.MaxRetryAfter)

	c := cache.DefaultConfig()
	v.SetDefault("cache.max_entries", c.MaxEntries)
	v.SetDefault("cache.default_ttl", c.DefaultTTL)
	ttls := make(map[string]interface{}, len(c.EntityTTL))
	for entity, ttl := range c.EntityTTL {
		ttls[entity] = ttl.String()
	}
	v.SetDefault("cache.entity_ttl", ttls)
	v.SetDefault("cache.cleanup_interval", c.CleanupInterval)
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.sqlite_path", "crmquery-cache.db")
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.compress", true)

	cm := costmodel.DefaultConfig()
	v.SetDefault("costmodel.decay", cm.Decay)
	v.SetDefault("costmodel.window", cm.Window)
	v.SetDefault("costmodel.horizon", cm.Horizon)
	v.SetDefault("costmodel.default_selectivity", cm.DefaultSelectivity)
	v.SetDefault("costmodel.default_latency", cm.DefaultLatency)
	v.SetDefault("costmodel.prune_interval", cm.PruneInterval)
	v.SetDefault("costmodel.backend", BackendMemory)
	v.SetDefault("costmodel.badger_dir", "crmquery-samples")
	v.SetDefault("costmodel.postgres_dsn", "")

	b := batch.DefaultConfig()
	ops := make(map[string]interface{}, len(b.Operations))
	for op, bb := range b.Operations {
		ops[op] = bounds(bb)
	}
	v.SetDefault("batch.operations", ops)
	v.SetDefault("batch.default", bounds(b.Default))
	v.SetDefault("batch.step_up", b.StepUp)
	v.SetDefault("batch.step_down", b.StepDown)
	v.SetDefault("batch.window", b.Window)

	pl := planner.DefaultConfig()
	v.SetDefault("planner.switch_margin", pl.SwitchMargin)
	v.SetDefault("planner.max_concurrent_fetches", pl.MaxConcurrentFetches)
	v.SetDefault("planner.demotion_budget", pl.DemotionBudget)
	v.SetDefault("planner.max_pages", pl.MaxPages)
	v.SetDefault("planner.default_corpus_size", pl.DefaultCorpusSize)
	v.SetDefault("planner.default_timeout", pl.DefaultTimeout)
	v.SetDefault("planner.capability_file", "")

	m := monitor.DefaultConfig()
	v.SetDefault("monitor.window_size", m.WindowSize)
	v.SetDefault("monitor.latency_threshold", m.LatencyThreshold)
	v.SetDefault("monitor.error_rate_threshold", m.ErrorRateThreshold)
	v.SetDefault("monitor.cache_hit_floor", m.CacheHitFloor)
	v.SetDefault("monitor.min_samples", m.MinSamples)
	v.SetDefault("monitor.max_alerts", m.MaxAlerts)
	v.SetDefault("monitor.alert_cooldown", m.AlertCooldown)

	cl := cluster.DefaultConfig()
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.node_name", "")
	v.SetDefault("cluster.bind_addr", cl.BindAddr)
	v.SetDefault("cluster.bind_port", cl.BindPort)
	v.SetDefault("cluster.seeds", []string{})
	v.SetDefault("cluster.gossip_interval", cl.GossipInterval)
	v.SetDefault("cluster.probe_interval", cl.ProbeInterval)
	v.SetDefault("cluster.probe_timeout", cl.ProbeTimeout)
	v.SetDefault("cluster.retransmit_mult", cl.RetransmitMult)
	v.SetDefault("cluster.leave_timeout", cl.LeaveTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server http_addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown_timeout must be positive")
	}
	if c.Server.RateLimiter.Enabled {
		if c.Server.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.Server.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote base_url is required")
	}
	if c.Remote.RequestsPerSecond <= 0 {
		return fmt.Errorf("remote requests_per_second must be positive")
	}

	switch c.Pool.Protocol {
	case "auto", "multiplexed", "single":
	default:
		return fmt.Errorf("invalid pool protocol %q", c.Pool.Protocol)
	}
	if c.Pool.GlobalCap <= 0 || c.Pool.PerHostCap <= 0 {
		return fmt.Errorf("pool caps must be positive")
	}
	if c.Pool.PerHostCap > c.Pool.GlobalCap {
		return fmt.Errorf("pool per_host_cap %d exceeds global_cap %d", c.Pool.PerHostCap, c.Pool.GlobalCap)
	}

	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor max_attempts must be positive")
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Cache.SQLitePath == "" {
			return fmt.Errorf("cache sqlite_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache redis addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid cache backend %q", c.Cache.Backend)
	}

	switch c.CostModel.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.CostModel.BadgerDir == "" {
			return fmt.Errorf("costmodel badger_dir is required for the badger backend")
		}
	case BackendPostgres:
		if c.CostModel.PostgresDSN == "" {
			return fmt.Errorf("costmodel postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid costmodel backend %q", c.CostModel.Backend)
	}
	if c.CostModel.Decay <= 0 || c.CostModel.Decay > 1 {
		return fmt.Errorf("costmodel decay must be in (0, 1], got %v", c.CostModel.Decay)
	}

	if c.Batch.StepUp <= 1 || c.Batch.StepDown <= 0 || c.Batch.StepDown >= 1 {
		return fmt.Errorf("batch step_up must exceed 1 and step_down must be in (0, 1)")
	}
	for op, b := range c.Batch.Operations {
		if b.Min <= 0 || b.Min > b.Max {
			return fmt.Errorf("invalid batch bounds for %s: min %d max %d", op, b.Min, b.Max)
		}
	}

	if c.Planner.SwitchMargin < 0 || c.Planner.SwitchMargin > 1 {
		return fmt.Errorf("planner switch_margin must be in [0, 1], got %v", c.Planner.SwitchMargin)
	}
	if c.Planner.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("planner max_concurrent_fetches must be positive")
	}
	if c.Planner.DemotionBudget < 0 {
		return fmt.Errorf("planner demotion_budget must not be negative")
	}

	if c.Cluster.Enabled && c.Cluster.BindPort < 0 {
		return fmt.Errorf("invalid cluster bind_port: %d", c.Cluster.BindPort)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}
	return nil
}
