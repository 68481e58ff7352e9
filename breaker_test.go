package modelmux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/modelmux/pkg/errors"
)

// testClock is a hand-advanced clock for breaker tests.
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

func TestBreaker_OpensAfterFailures(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second}
	clock := newTestClock()
	b := &breaker{}

	b.recordFailure(cfg, clock.Now())
	b.recordFailure(cfg, clock.Now())
	require.True(t, b.allow(cfg, clock.Now()))

	b.recordFailure(cfg, clock.Now())
	assert.False(t, b.allow(cfg, clock.Now()))
}

func TestBreaker_SlidingWindow(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second}
	clock := newTestClock()
	b := &breaker{}

	// Two failures, then a quiet spell longer than the window: the old
	// samples no longer count toward the threshold.
	b.recordFailure(cfg, clock.Now())
	b.recordFailure(cfg, clock.Now())
	clock.Advance(2 * time.Minute)
	b.recordFailure(cfg, clock.Now())

	assert.True(t, b.allow(cfg, clock.Now()))
}

func TestBreaker_CooldownAdmitsSingleProbe(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second}
	clock := newTestClock()
	b := &breaker{}

	b.recordFailure(cfg, clock.Now())
	require.False(t, b.allow(cfg, clock.Now()))

	clock.Advance(cfg.Cooldown)
	assert.True(t, b.allow(cfg, clock.Now()), "first request after cooldown is the probe")
	assert.False(t, b.allow(cfg, clock.Now()), "only one probe at a time")
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second}
	clock := newTestClock()
	b := &breaker{}

	b.recordFailure(cfg, clock.Now())
	clock.Advance(cfg.Cooldown)
	require.True(t, b.allow(cfg, clock.Now()))

	b.recordSuccess(clock.Now())
	assert.True(t, b.allow(cfg, clock.Now()))
	assert.True(t, b.allow(cfg, clock.Now()))
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second}
	clock := newTestClock()
	b := &breaker{}

	b.recordFailure(cfg, clock.Now())
	clock.Advance(cfg.Cooldown)
	require.True(t, b.allow(cfg, clock.Now()))

	b.recordFailure(cfg, clock.Now())
	assert.False(t, b.allow(cfg, clock.Now()))

	// The cooldown restarts from the reopen.
	clock.Advance(cfg.Cooldown - time.Second)
	assert.False(t, b.allow(cfg, clock.Now()))
	clock.Advance(time.Second)
	assert.True(t, b.allow(cfg, clock.Now()))
}

func TestBreaker_StalledProbeExpires(t *testing.T) {
	cfg := BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second}
	clock := newTestClock()
	b := &breaker{}

	b.recordFailure(cfg, clock.Now())
	clock.Advance(cfg.Cooldown)
	require.True(t, b.allow(cfg, clock.Now()))
	require.False(t, b.allow(cfg, clock.Now()))

	// The probe never reported back; after another cooldown a replacement
	// is admitted instead of blocking the tenant forever.
	clock.Advance(cfg.Cooldown)
	assert.True(t, b.allow(cfg, clock.Now()))
	assert.False(t, b.allow(cfg, clock.Now()), "still a single probe at a time")
}

func TestBreakerSet_TenantIsolation(t *testing.T) {
	clock := newTestClock()
	s := newBreakerSet(BreakerConfig{FailureThreshold: 2, Window: time.Minute, Cooldown: 30 * time.Second}, clock.Now)

	s.recordFailure("acme", errors.KindUpstreamError)
	s.recordFailure("acme", errors.KindUpstreamError)

	kind, open := s.blocked("acme")
	require.True(t, open)
	assert.Equal(t, errors.KindUpstreamError, kind)

	t.Run("other tenants are unaffected", func(t *testing.T) {
		_, open := s.blocked("beta")
		assert.False(t, open)
	})

	t.Run("other kinds of the same tenant stay closed", func(t *testing.T) {
		s.recordFailure("beta", errors.KindTimeout)
		_, open := s.blocked("beta")
		assert.False(t, open)
	})
}

func TestBreakerSet_SuccessClosesProbe(t *testing.T) {
	clock := newTestClock()
	cfg := BreakerConfig{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second}
	s := newBreakerSet(cfg, clock.Now)

	s.recordFailure("acme", errors.KindUpstreamError)
	_, open := s.blocked("acme")
	require.True(t, open)

	clock.Advance(cfg.Cooldown)
	_, open = s.blocked("acme")
	require.False(t, open, "cooldown elapsed, probe admitted")

	s.recordSuccess("acme")
	_, open = s.blocked("acme")
	assert.False(t, open)
	_, open = s.blocked("acme")
	assert.False(t, open)
}

func TestBreakerSet_ProbeFailingOtherKindRecovers(t *testing.T) {
	clock := newTestClock()
	cfg := BreakerConfig{FailureThreshold: 2, Window: time.Minute, Cooldown: 30 * time.Second}
	s := newBreakerSet(cfg, clock.Now)

	s.recordFailure("acme", errors.KindUpstreamError)
	s.recordFailure("acme", errors.KindUpstreamError)
	_, open := s.blocked("acme")
	require.True(t, open)

	clock.Advance(cfg.Cooldown)
	_, open = s.blocked("acme")
	require.False(t, open, "cooldown elapsed, probe admitted")

	// The probe fails with a different error kind, so only that kind's
	// circuit records the failure and the admitting circuit never hears
	// back. The tenant must still recover.
	s.recordFailure("acme", errors.KindTimeout)

	clock.Advance(cfg.Cooldown)
	_, open = s.blocked("acme")
	require.False(t, open, "replacement probe admitted")

	s.recordSuccess("acme")
	_, open = s.blocked("acme")
	assert.False(t, open)
}

func TestBreakerSet_Defaults(t *testing.T) {
	s := newBreakerSet(BreakerConfig{}, time.Now)
	assert.Equal(t, 5, s.cfg.FailureThreshold)
	assert.Equal(t, 5*time.Minute, s.cfg.Window)
	assert.Equal(t, 30*time.Second, s.cfg.Cooldown)
}
