// Copyright 2025 James Ross

// Package config loads the daemon's configuration: Redis connection
// settings for the Store, ClickHouse/QueryClient settings for the score
// monitor, observability settings, and the deployment spec itself
// (stages, gates, rollback thresholds, monitor cadence). Adapted from
// the defaultConfig()/Load()/Validate() shape in the teacher's own
// internal/config/config.go, generalized from a job-queue's
// Redis/Worker/Producer settings to the rollout daemon's settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jamesross/canarypilot/internal/gate"
	"github.com/jamesross/canarypilot/internal/rollout"
)

// Redis configures the connection the Store uses.
type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// ClickHouse configures the connection the QueryClient's transport uses
// to reach the evaluation backend's project_logs(...) table function.
type ClickHouse struct {
	Addr            string        `mapstructure:"addr"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// QueryClient configures the retry-and-label surface named in §6.
type QueryClient struct {
	APIURL       string        `mapstructure:"api_url"`
	Path         string        `mapstructure:"path"`
	APIKey       string        `mapstructure:"api_key"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// TracingConfig configures the optional OTLP tracer provider.
type TracingConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Endpoint         string        `mapstructure:"endpoint"`
	Environment      string        `mapstructure:"environment"`
	SamplingStrategy string        `mapstructure:"sampling_strategy"`
	SamplingRate     float64       `mapstructure:"sampling_rate"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	Insecure         bool          `mapstructure:"insecure"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Variant mirrors rollout.Variant with mapstructure tags for YAML
// loading; the core domain type stays free of serialization concerns.
type Variant struct {
	Model        string `mapstructure:"model"`
	Prompt       string `mapstructure:"prompt"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// Gate mirrors gate.Spec with mapstructure tags.
type Gate struct {
	Scorer     string  `mapstructure:"scorer"`
	Threshold  float64 `mapstructure:"threshold"`
	Comparison string  `mapstructure:"comparison"`
	Confidence float64 `mapstructure:"confidence"`
}

// Stage mirrors rollout.StageSpec with mapstructure tags.
type Stage struct {
	Weight     int           `mapstructure:"weight"`
	Duration   time.Duration `mapstructure:"duration"`
	MinSamples int64         `mapstructure:"min_samples"`
	Gates      []Gate        `mapstructure:"gates"`
}

// Rollback mirrors rollout.RollbackConfig with mapstructure tags.
type Rollback struct {
	OnScoreDrop float64       `mapstructure:"on_score_drop"`
	OnErrorRate float64       `mapstructure:"on_error_rate"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// Monitor mirrors rollout.MonitorConfig with mapstructure tags.
type Monitor struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StickyKey      string        `mapstructure:"sticky_key"`
	ScorerLagGrace time.Duration `mapstructure:"scorer_lag_grace"`
}

// Deployment mirrors rollout.DeploymentConfig with mapstructure tags,
// the YAML-loadable shape the daemon parses and converts with ToDomain;
// the resulting domain struct is validated by the core when
// StartDeployment runs, not by Validate in this package.
type Deployment struct {
	Name     string   `mapstructure:"name"`
	Project  string   `mapstructure:"project"`
	Baseline Variant  `mapstructure:"baseline"`
	Canary   Variant  `mapstructure:"canary"`
	Stages   []Stage  `mapstructure:"stages"`
	Rollback Rollback `mapstructure:"rollback"`
	Monitor  Monitor  `mapstructure:"monitor"`
}

// ToDomain converts the YAML-loaded shape into rollout's own domain
// type. The result still must pass rollout.DeploymentConfig.Validate.
func (d Deployment) ToDomain() rollout.DeploymentConfig {
	stages := make([]rollout.StageSpec, len(d.Stages))
	for i, s := range d.Stages {
		gates := make([]gate.Spec, len(s.Gates))
		for j, g := range s.Gates {
			gates[j] = gate.Spec{
				Scorer: g.Scorer, Threshold: g.Threshold,
				Comparison: gate.Comparison(g.Comparison), Confidence: g.Confidence,
			}
		}
		stages[i] = rollout.StageSpec{Weight: s.Weight, Duration: s.Duration, MinSamples: s.MinSamples, Gates: gates}
	}
	return rollout.DeploymentConfig{
		Name:    d.Name,
		Project: d.Project,
		Baseline: rollout.Variant{Model: d.Baseline.Model, Prompt: d.Baseline.Prompt, SystemPrompt: d.Baseline.SystemPrompt},
		Canary:   rollout.Variant{Model: d.Canary.Model, Prompt: d.Canary.Prompt, SystemPrompt: d.Canary.SystemPrompt},
		Stages:   stages,
		Rollback: rollout.RollbackConfig{OnScoreDrop: d.Rollback.OnScoreDrop, OnErrorRate: d.Rollback.OnErrorRate, Cooldown: d.Rollback.Cooldown},
		Monitor:  rollout.MonitorConfig{PollInterval: d.Monitor.PollInterval, StickyKey: d.Monitor.StickyKey, ScorerLagGrace: d.Monitor.ScorerLagGrace},
	}
}

// Config is the daemon's full configuration.
type Config struct {
	Redis         Redis               `mapstructure:"redis"`
	ClickHouse    ClickHouse          `mapstructure:"clickhouse"`
	QueryClient   QueryClient         `mapstructure:"query_client"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Deployment    Deployment          `mapstructure:"deployment"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		},
		ClickHouse: ClickHouse{
			Addr:            "localhost:9000",
			Database:        "default",
			DialTimeout:     10 * time.Second,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		QueryClient: QueryClient{
			Path:         "/query",
			QueryTimeout: 30 * time.Second,
			MaxRetries:   5,
		},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
		Deployment: Deployment{
			Monitor: Monitor{PollInterval: 30 * time.Second, ScorerLagGrace: 5 * time.Second},
		},
	}
}

// Load reads configuration from a YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("clickhouse.addr", def.ClickHouse.Addr)
	v.SetDefault("clickhouse.database", def.ClickHouse.Database)
	v.SetDefault("clickhouse.dial_timeout", def.ClickHouse.DialTimeout)
	v.SetDefault("clickhouse.max_open_conns", def.ClickHouse.MaxOpenConns)
	v.SetDefault("clickhouse.max_idle_conns", def.ClickHouse.MaxIdleConns)
	v.SetDefault("clickhouse.conn_max_lifetime", def.ClickHouse.ConnMaxLifetime)

	v.SetDefault("query_client.path", def.QueryClient.Path)
	v.SetDefault("query_client.query_timeout", def.QueryClient.QueryTimeout)
	v.SetDefault("query_client.max_retries", def.QueryClient.MaxRetries)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)

	v.SetDefault("deployment.monitor.poll_interval", def.Deployment.Monitor.PollInterval)
	v.SetDefault("deployment.monitor.scorer_lag_grace", def.Deployment.Monitor.ScorerLagGrace)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings. It validates the ambient (Redis/ClickHouse/observability)
// settings only; the deployment spec is validated separately via
// rollout.DeploymentConfig.Validate once ToDomain has run, since that
// is the single source of truth for stage/gate invariants.
func Validate(cfg *Config) error {
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if cfg.Redis.MaxRetries < 0 {
		return fmt.Errorf("redis.max_retries must be >= 0")
	}
	if cfg.ClickHouse.Addr == "" {
		return fmt.Errorf("clickhouse.addr must be set")
	}
	if cfg.QueryClient.MaxRetries < 0 {
		return fmt.Errorf("query_client.max_retries must be >= 0")
	}
	if cfg.QueryClient.QueryTimeout <= 0 {
		return fmt.Errorf("query_client.query_timeout must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
