package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, namespace string) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(Config{Addr: mr.Addr(), Namespace: namespace, DefaultTTL: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisCache_BasicOperations(t *testing.T) {
	c := newTestCache(t, "")
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		val, err := c.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
		val, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), val)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, c.Delete(ctx, "k"))
		val, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, c.Ping(ctx))
	})
}

func TestRedisCache_Namespace(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(Config{Addr: mr.Addr(), Namespace: "test", DefaultTTL: time.Hour})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "key", []byte("v"), 0))

	assert.True(t, mr.Exists("test:key"))
	assert.False(t, mr.Exists("key"))
}

func TestRedisCache_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(Config{Addr: mr.Addr(), DefaultTTL: time.Hour})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	mr.FastForward(2 * time.Minute)
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRedisCache_ConnectFailure(t *testing.T) {
	_, err := New(Config{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestRedisCache_Stats(t *testing.T) {
	c := newTestCache(t, "")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	_, _ = c.Get(ctx, "k")
	_, _ = c.Get(ctx, "missing")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
}
