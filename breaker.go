package modelmux

import (
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/blueberrycongee/modelmux/internal/metrics"
	"github.com/blueberrycongee/modelmux/pkg/errors"
)

// breakerState is the current state of one circuit.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls the per-(tenant, error-kind) circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within Window that opens
	// the circuit.
	FailureThreshold int
	// Window is the sliding window over which failures are counted.
	Window time.Duration
	// Cooldown is how long an open circuit blocks before a probe request
	// is let through.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           5 * time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// breaker is one circuit. Failures are timestamped and counted over a
// sliding window rather than consecutively, so bursty error patterns open
// the circuit while a slow trickle does not.
type breaker struct {
	mu       sync.Mutex
	state    breakerState
	failures []time.Time
	openedAt time.Time
	probeAt  time.Time
}

// allow reports whether a request may proceed. An open circuit whose
// cooldown has elapsed transitions to half-open and admits a single probe.
// A probe that never reports back (rejected by a later admission step, or
// failed under a different error kind) expires after another cooldown and a
// replacement is admitted, so a half-open circuit cannot wedge the tenant.
func (b *breaker) allow(cfg BreakerConfig, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(b.openedAt) >= cfg.Cooldown {
			b.state = breakerHalfOpen
			b.probeAt = now
			return true
		}
		return false
	case breakerHalfOpen:
		if now.Sub(b.probeAt) >= cfg.Cooldown {
			b.probeAt = now
			return true
		}
		return false
	default:
		return false
	}
}

// recordFailure registers a failure, pruning expired entries and opening
// the circuit when the windowed count reaches the threshold. A failed
// half-open probe reopens immediately.
func (b *breaker) recordFailure(cfg BreakerConfig, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.failures = append(b.failures, now)
		b.prune(now.Add(-cfg.Window))
		if len(b.failures) >= cfg.FailureThreshold {
			b.state = breakerOpen
			b.openedAt = now
			metrics.CircuitBreakerOpen.Inc()
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = now
	}
}

// recordSuccess closes a half-open circuit and clears the failure window.
func (b *breaker) recordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.prune(now)
	case breakerHalfOpen:
		b.state = breakerClosed
		b.failures = b.failures[:0]
		metrics.CircuitBreakerOpen.Dec()
	}
}

// prune drops failures at or before cutoff. Entries are appended in time
// order, so a forward scan finds the boundary.
func (b *breaker) prune(cutoff time.Time) {
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

// breakerSet holds one circuit per (tenant, error-kind) pair.
type breakerSet struct {
	circuits *xsync.Map[string, *breaker]
	cfg      BreakerConfig
	now      func() time.Time
}

func newBreakerSet(cfg BreakerConfig, now func() time.Time) *breakerSet {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &breakerSet{
		circuits: xsync.NewMap[string, *breaker](),
		cfg:      cfg,
		now:      now,
	}
}

func breakerKey(tenantID string, kind errors.Kind) string {
	return tenantID + "\x00" + string(kind)
}

// blocked reports whether any of the tenant's circuits refuses admission,
// returning the error kind that tripped it.
func (s *breakerSet) blocked(tenantID string) (errors.Kind, bool) {
	prefix := tenantID + "\x00"
	now := s.now()

	var tripped errors.Kind
	s.circuits.Range(func(key string, b *breaker) bool {
		if !strings.HasPrefix(key, prefix) {
			return true
		}
		if !b.allow(s.cfg, now) {
			tripped = errors.Kind(key[len(prefix):])
			return false
		}
		return true
	})
	return tripped, tripped != ""
}

// recordFailure registers a failure on the (tenant, kind) circuit, creating
// it on first use.
func (s *breakerSet) recordFailure(tenantID string, kind errors.Kind) {
	b, _ := s.circuits.LoadOrStore(breakerKey(tenantID, kind), &breaker{})
	b.recordFailure(s.cfg, s.now())
}

// recordSuccess registers a success on every circuit of the tenant, closing
// any half-open probe.
func (s *breakerSet) recordSuccess(tenantID string) {
	prefix := tenantID + "\x00"
	now := s.now()
	s.circuits.Range(func(key string, b *breaker) bool {
		if strings.HasPrefix(key, prefix) {
			b.recordSuccess(now)
		}
		return true
	})
}
