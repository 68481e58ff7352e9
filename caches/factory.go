// Package caches provides the response-cache backends: memory, redis, and
// dual-tier.
package caches

import (
	"fmt"

	"github.com/blueberrycongee/modelmux/caches/dual"
	"github.com/blueberrycongee/modelmux/caches/memory"
	"github.com/blueberrycongee/modelmux/caches/redis"
	"github.com/blueberrycongee/modelmux/pkg/cache"
)

// Type re-exports cache types for convenience.
type Type = cache.Type

// Cache type constants.
const (
	TypeLocal = cache.TypeLocal
	TypeRedis = cache.TypeRedis
	TypeDual  = cache.TypeDual
)

// Config selects and configures a backend.
type Config struct {
	Type   Type          `yaml:"type"`
	Memory memory.Config `yaml:"memory"`
	Redis  redis.Config  `yaml:"redis"`
	Dual   dual.Config   `yaml:"dual"`
}

// DefaultConfig returns a local-only cache configuration.
func DefaultConfig() Config {
	return Config{
		Type:   TypeLocal,
		Memory: memory.DefaultConfig(),
		Redis:  redis.DefaultConfig(),
		Dual:   dual.DefaultConfig(),
	}
}

// New builds the backend named by the config.
func New(cfg Config) (cache.Cache, error) {
	switch cfg.Type {
	case "", TypeLocal:
		return memory.New(cfg.Memory), nil
	case TypeRedis:
		return redis.New(cfg.Redis)
	case TypeDual:
		remote, err := redis.New(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return dual.New(memory.New(cfg.Memory), remote, cfg.Dual), nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}
}

// NewMemory creates an in-memory cache with the given configuration.
func NewMemory(cfg memory.Config) *memory.Cache {
	return memory.New(cfg)
}

// NewMemoryDefault creates an in-memory cache with default configuration.
func NewMemoryDefault() *memory.Cache {
	return memory.New(memory.DefaultConfig())
}

// NewRedis creates a Redis cache with the given configuration.
func NewRedis(cfg redis.Config) (*redis.Cache, error) {
	return redis.New(cfg)
}

// NewDual creates a dual-tier cache with memory L1 and Redis L2.
func NewDual(local *memory.Cache, remote *redis.Cache, cfg dual.Config) *dual.Cache {
	return dual.New(local, remote, cfg)
}
