package router

import (
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/blueberrycongee/modelmux/pkg/types"
)

// promptPrefixLen bounds the prompt prefix mixed into the fingerprint. The
// prefix alone is a collision hazard, so the full prompt hash is folded in
// as well; the bound survives only as a cheap discriminator.
const promptPrefixLen = 50

// routeEntry memoizes one routing decision.
type routeEntry struct {
	modelID    string
	capturedAt time.Time
}

// routeCache is the in-memory, TTL-bounded memoization of routing decisions.
// Entries are keyed by the fingerprint of (prompt, requirements, strategy).
type routeCache struct {
	entries *xsync.Map[uint64, routeEntry]
	ttl     time.Duration
	now     func() time.Time
}

func newRouteCache(ttl time.Duration, now func() time.Time) *routeCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &routeCache{
		entries: xsync.NewMap[uint64, routeEntry](),
		ttl:     ttl,
		now:     now,
	}
}

// fingerprint derives the cache key from the prompt prefix, the full-prompt
// hash, the canonicalized requirements, and the strategy.
func fingerprint(prompt string, req types.Requirements, strategy Strategy) uint64 {
	prefix := prompt
	if len(prefix) > promptPrefixLen {
		prefix = prefix[:promptPrefixLen]
	}
	full := xxh3.HashString(prompt)
	return xxh3.HashString(prefix + "\x00" + strconv.FormatUint(full, 16) +
		"\x00" + req.Canonical() + "\x00" + string(strategy))
}

// get returns the memoized model id when the entry exists and has not
// expired. An entry exactly at TTL is expired.
func (c *routeCache) get(key uint64) (string, bool) {
	entry, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	if c.now().Sub(entry.capturedAt) >= c.ttl {
		c.entries.Delete(key)
		return "", false
	}
	return entry.modelID, true
}

func (c *routeCache) put(key uint64, modelID string) {
	c.entries.Store(key, routeEntry{modelID: modelID, capturedAt: c.now()})
}

func (c *routeCache) invalidate(key uint64) {
	c.entries.Delete(key)
}

// purgeExpired drops every expired entry and returns the number removed.
func (c *routeCache) purgeExpired() int {
	cutoff := c.now().Add(-c.ttl)
	removed := 0
	c.entries.Range(func(key uint64, entry routeEntry) bool {
		if !entry.capturedAt.After(cutoff) {
			c.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (c *routeCache) len() int {
	return c.entries.Size()
}
