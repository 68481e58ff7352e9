// Package config loads the router configuration from YAML with environment
// expansion and hot-reload via file watching. Updates publish through an
// atomic pointer swap, so readers never observe a partial config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete router configuration.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Router   RouterConfig   `yaml:"router"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Cache    CacheConfig    `yaml:"cache"`
	Tenancy  TenancyConfig  `yaml:"tenancy"`
	Models   []ModelConfig  `yaml:"models"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// RegistryConfig controls model registry capacity and persistence.
type RegistryConfig struct {
	MaxModels    int    `yaml:"max_models"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// RouterConfig controls selection strategy and route caching.
type RouterConfig struct {
	Strategy      string        `yaml:"strategy"`
	RouteCacheTTL time.Duration `yaml:"route_cache_ttl"`
	PurgeEvery    time.Duration `yaml:"purge_every"`
	RescoreEvery  time.Duration `yaml:"rescore_every"`
}

// PipelineConfig controls execution, retries, and response caching.
type PipelineConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	Retries          int           `yaml:"retries"`
	Timeout          time.Duration `yaml:"timeout"`
	ResponseCacheTTL time.Duration `yaml:"response_cache_ttl"`
	RatePerSecond    float64       `yaml:"rate_per_second"`
}

// CacheConfig selects the response-cache backend.
type CacheConfig struct {
	Type  string      `yaml:"type"` // local, redis, dual
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig is the Redis connection subset exposed through the file config.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// TenancyConfig controls isolation defaults and billing.
type TenancyConfig struct {
	DefaultIsolation string           `yaml:"default_isolation"`
	EnableBilling    bool             `yaml:"enable_billing"`
	DefaultQuotas    map[string]int64 `yaml:"default_quotas"`
}

// ModelConfig declares one model to register at startup.
type ModelConfig struct {
	ID            string         `yaml:"id"`
	Source        string         `yaml:"source"`
	Format        string         `yaml:"format"`
	MaxConcurrent int            `yaml:"max_concurrent"`
	Options       map[string]any `yaml:"options"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			MaxModels: 100,
		},
		Router: RouterConfig{
			Strategy:      "balanced",
			RouteCacheTTL: time.Hour,
			PurgeEvery:    60 * time.Second,
			RescoreEvery:  300 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:    5,
			Retries:          3,
			Timeout:          30 * time.Second,
			ResponseCacheTTL: time.Hour,
		},
		Cache: CacheConfig{
			Type: "local",
		},
		Tenancy: TenancyConfig{
			DefaultIsolation: "shared",
			EnableBilling:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			ServiceName: "modelmux",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file. Environment
// variables in the form ${VAR_NAME} are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Registry.MaxModels <= 0 {
		return fmt.Errorf("registry.max_models must be positive")
	}
	if c.Pipeline.Retries < 0 {
		return fmt.Errorf("pipeline.retries cannot be negative")
	}
	if c.Pipeline.MaxConcurrent < 0 {
		return fmt.Errorf("pipeline.max_concurrent cannot be negative")
	}
	if c.Pipeline.Timeout < 0 {
		return fmt.Errorf("pipeline.timeout cannot be negative")
	}

	switch c.Cache.Type {
	case "", "local", "redis", "dual":
	default:
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}

	switch c.Tenancy.DefaultIsolation {
	case "", "strict", "shared", "hybrid":
	default:
		return fmt.Errorf("unknown isolation mode %q", c.Tenancy.DefaultIsolation)
	}

	for i, m := range c.Models {
		if m.ID == "" && m.Source == "" {
			return fmt.Errorf("models[%d]: id or source is required", i)
		}
		if m.MaxConcurrent < 0 {
			return fmt.Errorf("models[%d] %q: max_concurrent cannot be negative", i, m.ID)
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0,1]")
	}
	return nil
}
