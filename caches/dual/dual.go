// Package dual provides a two-tier response cache: in-memory L1, Redis L2.
// Writes go to both tiers, reads check L1 first and backfill it on L2 hits.
package dual

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/modelmux/caches/memory"
	"github.com/blueberrycongee/modelmux/caches/redis"
	"github.com/blueberrycongee/modelmux/pkg/cache"
)

// Config holds configuration for the dual cache.
type Config struct {
	LocalTTL time.Duration `yaml:"local_ttl"`
	RedisTTL time.Duration `yaml:"redis_ttl"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		LocalTTL: 5 * time.Minute,
		RedisTTL: time.Hour,
	}
}

// Cache implements cache.Cache over a memory L1 and a Redis L2.
type Cache struct {
	local  *memory.Cache
	remote *redis.Cache
	cfg    Config

	localHits atomic.Int64
	redisHits atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	errs      atomic.Int64
}

// New creates a dual-tier cache.
func New(local *memory.Cache, remote *redis.Cache, cfg Config) *Cache {
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = DefaultConfig().LocalTTL
	}
	if cfg.RedisTTL <= 0 {
		cfg.RedisTTL = DefaultConfig().RedisTTL
	}
	return &Cache{local: local, remote: remote, cfg: cfg}
}

// Get checks L1 first, then L2 with best-effort backfill.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, key); err == nil && val != nil {
		c.localHits.Add(1)
		return val, nil
	}

	if c.remote != nil {
		val, err := c.remote.Get(ctx, key)
		if err != nil {
			c.errs.Add(1)
			return nil, err
		}
		if val != nil {
			c.redisHits.Add(1)
			_ = c.local.Set(ctx, key, val, c.cfg.LocalTTL)
			return val, nil
		}
	}

	c.misses.Add(1)
	return nil, nil
}

// Set writes to both tiers. The given TTL applies to L2; L1 keeps its
// shorter configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.cfg.RedisTTL
	}
	if err := c.local.Set(ctx, key, value, c.cfg.LocalTTL); err != nil {
		return err
	}
	if c.remote != nil {
		if err := c.remote.Set(ctx, key, value, ttl); err != nil {
			c.errs.Add(1)
			return err
		}
	}
	c.sets.Add(1)
	return nil
}

// Delete removes the key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			c.errs.Add(1)
			return err
		}
	}
	c.deletes.Add(1)
	return nil
}

// Ping checks the L2 backend; L1 is always healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if c.remote != nil {
		return c.remote.Ping(ctx)
	}
	return nil
}

// Close closes both tiers.
func (c *Cache) Close() error {
	if err := c.local.Close(); err != nil {
		return err
	}
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

// Stats aggregates counters across both tiers.
func (c *Cache) Stats() cache.Stats {
	hits := c.localHits.Load() + c.redisHits.Load()
	misses := c.misses.Load()
	return cache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errs.Load(),
		HitRate: cache.HitRate(hits, misses),
	}
}
