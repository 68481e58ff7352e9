// Package cache defines the contract shared by the response-cache backends.
// The pipeline keys entries by request fingerprint; backends only move bytes.
package cache

import (
	"context"
	"time"
)

// Type names a cache backend.
type Type string

const (
	TypeLocal Type = "local" // in-memory cache
	TypeRedis Type = "redis" // Redis cache
	TypeDual  Type = "dual"  // in-memory L1 + Redis L2
)

// Cache is the interface every backend implements.
type Cache interface {
	// Get retrieves a value. A missing key returns nil, nil.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. A zero TTL takes the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping reports backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// Stats returns hit/miss counters.
	Stats() Stats
}

// Stats holds cache counters for monitoring.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// HitRate computes the ratio for the given counters.
func HitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Entry is a cached response envelope. The pipeline stores the serialized
// response with enough metadata to attribute it on a hit.
type Entry struct {
	Timestamp int64  `json:"timestamp"`
	Response  []byte `json:"response"`
	ModelID   string `json:"model_id,omitempty"`
}
