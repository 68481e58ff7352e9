// Package router selects a model for each request. Strategies score the
// candidate set produced by requirement filtering; decisions are memoized in
// a TTL route cache and background maintenance keeps the cache and score
// tables fresh.
package router

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
	"github.com/blueberrycongee/modelmux/registry"
	"github.com/blueberrycongee/modelmux/scoring"
)

// Strategy names a model-selection policy.
type Strategy string

const (
	StrategyQualityFirst    Strategy = "quality-first"
	StrategyCostOptimized   Strategy = "cost-optimized"
	StrategySpeedPriority   Strategy = "speed-priority"
	StrategyBalanced        Strategy = "balanced"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyCapabilityMatch Strategy = "capability-match"
	StrategyRandom          Strategy = "random"
)

// ParseStrategy maps a strategy name to a Strategy, falling back to the
// default when the name is empty or unknown.
func ParseStrategy(name string, fallback Strategy) Strategy {
	switch Strategy(name) {
	case StrategyQualityFirst, StrategyCostOptimized, StrategySpeedPriority,
		StrategyBalanced, StrategyRoundRobin, StrategyLeastLoaded,
		StrategyCapabilityMatch, StrategyRandom:
		return Strategy(name)
	default:
		return fallback
	}
}

// scoreEpsilon is the margin under which two strategy scores are considered
// tied; ties resolve to the lower model id.
const scoreEpsilon = 1e-9

// Config controls the router's default strategy and cache behavior.
type Config struct {
	// DefaultStrategy applies when a request names no strategy.
	DefaultStrategy Strategy

	// RouteCacheTTL bounds how long a routing decision is reused.
	RouteCacheTTL time.Duration

	// PurgeEvery and RescoreEvery drive background maintenance. Zero values
	// take the defaults; maintenance starts only when Start is called.
	PurgeEvery   time.Duration
	RescoreEvery time.Duration
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: StrategyBalanced,
		RouteCacheTTL:   time.Hour,
		PurgeEvery:      60 * time.Second,
		RescoreEvery:    300 * time.Second,
	}
}

// Router picks a model for each request out of the registry's candidate set.
type Router struct {
	reg     *registry.Registry
	quality *scoring.QualityScorer
	cost    *scoring.CostScorer
	rr      *scoring.RoundRobin

	cache *routeCache
	cfg   Config

	emitter events.Emitter
	logger  *slog.Logger

	// baseScores is the periodically recomputed prompt-independent quality
	// table, consulted by quality-first before falling back to live scoring.
	scoresMu   sync.RWMutex
	baseScores map[string]float64

	maint *maintenance

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option customizes a Router.
type Option func(*Router)

// WithQualityScorer overrides the default quality scorer.
func WithQualityScorer(s *scoring.QualityScorer) Option {
	return func(r *Router) { r.quality = s }
}

// WithCostScorer overrides the default cost scorer.
func WithCostScorer(s *scoring.CostScorer) Option {
	return func(r *Router) { r.cost = s }
}

// WithEmitter sets the event emitter.
func WithEmitter(e events.Emitter) Option {
	return func(r *Router) { r.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClock injects the clock used by the route cache. Test hook.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.cache = newRouteCache(r.cfg.RouteCacheTTL, now) }
}

// WithRandSource seeds the random strategy deterministically. Test hook.
func WithRandSource(src rand.Source) Option {
	return func(r *Router) { r.rand = rand.New(src) }
}

// New creates a router over the registry.
func New(reg *registry.Registry, cfg Config, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.RouteCacheTTL <= 0 {
		cfg.RouteCacheTTL = def.RouteCacheTTL
	}
	if cfg.PurgeEvery <= 0 {
		cfg.PurgeEvery = def.PurgeEvery
	}
	if cfg.RescoreEvery <= 0 {
		cfg.RescoreEvery = def.RescoreEvery
	}

	r := &Router{
		reg:        reg,
		quality:    scoring.NewQualityScorer(scoring.DefaultQualityConfig()),
		cost:       scoring.NewCostScorer(scoring.DefaultCostConfig()),
		rr:         scoring.NewRoundRobin(),
		cfg:        cfg,
		emitter:    events.Nop{},
		logger:     slog.Default(),
		baseScores: make(map[string]float64),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = newRouteCache(cfg.RouteCacheTTL, time.Now)
	}
	r.maint = newMaintenance(r)
	return r
}

// Decision is the outcome of a routing pass.
type Decision struct {
	Model    model.Model
	Strategy Strategy
	Cached   bool
}

// Select picks a model for the request. Cached decisions are reused only
// while the cached model is still registered and loaded; a stale entry is
// invalidated and selection falls through to the full pass.
func (r *Router) Select(req types.Request) (Decision, error) {
	start := time.Now()
	strategy := ParseStrategy(req.Strategy, r.cfg.DefaultStrategy)
	key := fingerprint(req.Prompt, req.Requirements, strategy)

	if id, ok := r.cache.get(key); ok {
		if m, registered := r.reg.Peek(id); registered && m.State() == model.StateLoaded {
			r.emitSelected(m, strategy, true, time.Since(start))
			return Decision{Model: m, Strategy: strategy, Cached: true}, nil
		}
		r.cache.invalidate(key)
	}

	candidates := r.candidates(req.Requirements)
	if len(candidates) == 0 {
		return Decision{}, errors.NewNoCandidate(req.Requirements.Canonical())
	}

	chosen := r.apply(strategy, candidates, req)
	if chosen == nil {
		return Decision{}, errors.NewNoCandidate(req.Requirements.Canonical())
	}

	r.cache.put(key, chosen.Info().ID)
	r.emitSelected(chosen, strategy, false, time.Since(start))
	return Decision{Model: chosen, Strategy: strategy}, nil
}

// candidates filters the registry by the request requirements. Order is the
// registry's stable listing order so stateful strategies see a stable list.
func (r *Router) candidates(req types.Requirements) []model.Model {
	return r.reg.List(registry.ListFilter{
		Predicate: func(m model.Model) bool {
			info := m.Info()
			if req.Format != "" && info.Format != req.Format {
				return false
			}
			for _, cap := range req.Capabilities {
				if !info.Supports(cap) {
					return false
				}
			}
			if req.MaxSize > 0 && info.Parameters > req.MaxSize {
				return false
			}
			if req.PreferredModel != "" && info.ID != req.PreferredModel {
				return false
			}
			return true
		},
	})
}

func (r *Router) apply(strategy Strategy, candidates []model.Model, req types.Request) model.Model {
	switch strategy {
	case StrategyQualityFirst:
		return r.pickMax(candidates, func(m model.Model) float64 {
			return r.qualityScore(m, req.Prompt)
		})
	case StrategyCostOptimized:
		return r.pickMax(candidates, func(m model.Model) float64 {
			return -r.cost.Estimate(m.Info(), req.Requirements)
		})
	case StrategySpeedPriority:
		return r.pickMax(candidates, func(m model.Model) float64 {
			return -speedRank(m)
		})
	case StrategyRoundRobin:
		return r.rr.Next(candidates)
	case StrategyLeastLoaded:
		return scoring.LeastLoaded(candidates)
	case StrategyCapabilityMatch:
		return r.pickMax(candidates, func(m model.Model) float64 {
			return capabilityFit(m.Info(), req.Requirements)
		})
	case StrategyRandom:
		r.randMu.Lock()
		idx := r.rand.Intn(len(candidates))
		r.randMu.Unlock()
		return candidates[idx]
	default: // balanced
		return r.pickMax(candidates, func(m model.Model) float64 {
			return r.balancedScore(m, req)
		})
	}
}

// pickMax returns the candidate with the highest score. Scores within
// scoreEpsilon are tied and resolve to the lexicographically lower id, so
// repeated passes over an unchanged candidate set are deterministic.
func (r *Router) pickMax(candidates []model.Model, score func(model.Model) float64) model.Model {
	var best model.Model
	var bestScore float64
	for _, m := range candidates {
		s := score(m)
		switch {
		case best == nil,
			s > bestScore+scoreEpsilon,
			math.Abs(s-bestScore) <= scoreEpsilon && m.Info().ID < best.Info().ID:
			best = m
			bestScore = s
		}
	}
	return best
}

// balancedScore blends quality, cost, and latency:
// 0.4*quality + 0.3*(1/(1+cost)) + 0.3*(1/(1+latency_s)).
func (r *Router) balancedScore(m model.Model, req types.Request) float64 {
	quality := r.qualityScore(m, req.Prompt)
	cost := r.cost.Estimate(m.Info(), req.Requirements)
	latency := m.Metrics().AvgLatencyMs()
	return 0.4*quality + 0.3*(1/(1+cost)) + 0.3*(1/(1+latency/1000))
}

func (r *Router) qualityScore(m model.Model, prompt string) float64 {
	info := m.Info()
	if base, ok := r.BaseQuality(info.ID); ok {
		return r.quality.ScoreWithBase(info, prompt, base)
	}
	return r.quality.Score(info, prompt)
}

// speedRank orders models by observed latency; models with no history rank
// by size so smaller models go first.
func speedRank(m model.Model) float64 {
	if latency := m.Metrics().AvgLatencyMs(); latency > 0 {
		return latency
	}
	return 1000 + m.Info().SizeGB()
}

// capabilityFit rewards models whose capability set matches the request most
// tightly: full coverage is required by filtering, so the fit score penalizes
// surplus capabilities.
func capabilityFit(info model.Info, req types.Requirements) float64 {
	if len(info.Capabilities) == 0 {
		return 0
	}
	return float64(len(req.Capabilities)) / float64(len(info.Capabilities))
}

// RescoreBaseQuality recomputes the prompt-independent quality table over the
// current registry contents. Called periodically by maintenance.
func (r *Router) RescoreBaseQuality() {
	models := r.reg.List(registry.ListFilter{})
	scores := make(map[string]float64, len(models))
	for _, m := range models {
		scores[m.Info().ID] = r.quality.BaseScore(m.Info())
	}

	r.scoresMu.Lock()
	r.baseScores = scores
	r.scoresMu.Unlock()
}

// BaseQuality returns the last periodically computed base score for a model.
func (r *Router) BaseQuality(id string) (float64, bool) {
	r.scoresMu.RLock()
	defer r.scoresMu.RUnlock()
	s, ok := r.baseScores[id]
	return s, ok
}

// PurgeRouteCache drops expired route-cache entries and returns the count.
func (r *Router) PurgeRouteCache() int {
	return r.cache.purgeExpired()
}

// RouteCacheLen returns the current route-cache size.
func (r *Router) RouteCacheLen() int {
	return r.cache.len()
}

// Start launches background maintenance (cache purge, base-score rescoring).
func (r *Router) Start() {
	r.maint.start()
}

// Stop halts background maintenance.
func (r *Router) Stop() {
	r.maint.stop()
}

// Strategies returns the recognized strategy names in stable order.
func Strategies() []Strategy {
	s := []Strategy{
		StrategyBalanced,
		StrategyCapabilityMatch,
		StrategyCostOptimized,
		StrategyLeastLoaded,
		StrategyQualityFirst,
		StrategyRandom,
		StrategyRoundRobin,
		StrategySpeedPriority,
	}
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}

func (r *Router) emitSelected(m model.Model, strategy Strategy, cached bool, latency time.Duration) {
	r.emitter.Emit(events.New(events.ModelSelected, map[string]any{
		"model_id":   m.Info().ID,
		"strategy":   string(strategy),
		"cached":     cached,
		"latency_ms": float64(latency.Microseconds()) / 1000,
	}))
}
