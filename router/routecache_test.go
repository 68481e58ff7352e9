package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// testClock is a hand-advanced clock for cache expiry tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRouter_RouteCacheReuse(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{ID: "m1", Name: "m1"})
	clock := newTestClock()
	r := New(reg, Config{RouteCacheTTL: time.Minute}, WithClock(clock.Now))

	req := types.Request{Prompt: "hello"}

	d1, err := r.Select(req)
	require.NoError(t, err)
	assert.False(t, d1.Cached)
	assert.Equal(t, 1, r.RouteCacheLen())

	d2, err := r.Select(req)
	require.NoError(t, err)
	assert.True(t, d2.Cached)
	assert.Equal(t, d1.Model.Info().ID, d2.Model.Info().ID)
}

func TestRouter_RouteCacheExpiry(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{ID: "m1", Name: "m1"})
	clock := newTestClock()
	r := New(reg, Config{RouteCacheTTL: time.Minute}, WithClock(clock.Now))

	req := types.Request{Prompt: "hello"}
	_, err := r.Select(req)
	require.NoError(t, err)

	t.Run("an entry exactly at TTL is expired", func(t *testing.T) {
		clock.Advance(time.Minute)
		d, err := r.Select(req)
		require.NoError(t, err)
		assert.False(t, d.Cached)
	})

	t.Run("a fresh entry is reused again", func(t *testing.T) {
		clock.Advance(59 * time.Second)
		d, err := r.Select(req)
		require.NoError(t, err)
		assert.True(t, d.Cached)
	})
}

func TestRouter_RouteCacheStaleModel(t *testing.T) {
	reg := newTestRegistry(t)
	m := addModel(t, reg, model.Info{ID: "m1", Name: "m1"})
	clock := newTestClock()
	r := New(reg, Config{RouteCacheTTL: time.Hour}, WithClock(clock.Now))

	req := types.Request{Prompt: "hello"}
	_, err := r.Select(req)
	require.NoError(t, err)

	// Unloading invalidates the cached decision on the next lookup.
	require.NoError(t, m.Unload(context.Background()))
	_, err = r.Select(req)
	require.NoError(t, err)

	// The full pass re-selected and re-cached; once loaded again the entry
	// is live once more.
	require.NoError(t, m.Load(context.Background()))
	d, err := r.Select(req)
	require.NoError(t, err)
	assert.True(t, d.Cached)
}

func TestRouter_RouteCacheKeying(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{ID: "m1", Name: "m1"})
	clock := newTestClock()
	r := New(reg, Config{RouteCacheTTL: time.Hour}, WithClock(clock.Now))

	_, err := r.Select(types.Request{Prompt: "hello"})
	require.NoError(t, err)

	t.Run("different prompt misses", func(t *testing.T) {
		d, err := r.Select(types.Request{Prompt: "goodbye"})
		require.NoError(t, err)
		assert.False(t, d.Cached)
	})

	t.Run("different strategy misses", func(t *testing.T) {
		d, err := r.Select(types.Request{Prompt: "hello", Strategy: string(StrategyQualityFirst)})
		require.NoError(t, err)
		assert.False(t, d.Cached)
	})

	t.Run("shared prefix beyond the bound still distinguishes prompts", func(t *testing.T) {
		long := "this prompt is comfortably longer than the fifty byte prefix bound used by the fingerprint"
		d1, err := r.Select(types.Request{Prompt: long + " A"})
		require.NoError(t, err)
		assert.False(t, d1.Cached)

		d2, err := r.Select(types.Request{Prompt: long + " B"})
		require.NoError(t, err)
		assert.False(t, d2.Cached)
	})
}

func TestRouter_PurgeRouteCache(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{ID: "m1", Name: "m1"})
	clock := newTestClock()
	r := New(reg, Config{RouteCacheTTL: time.Minute}, WithClock(clock.Now))

	for _, p := range []string{"one", "two", "three"} {
		_, err := r.Select(types.Request{Prompt: p})
		require.NoError(t, err)
	}
	require.Equal(t, 3, r.RouteCacheLen())

	assert.Equal(t, 0, r.PurgeRouteCache())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 3, r.PurgeRouteCache())
	assert.Equal(t, 0, r.RouteCacheLen())
}
