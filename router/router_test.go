package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/modelmux/loaders/mock"
	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
	"github.com/blueberrycongee/modelmux/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{MaxModels: 100}, nil, nil)
	require.NoError(t, err)
	return reg
}

func addModel(t *testing.T, reg *registry.Registry, info model.Info, opts ...mock.Option) *mock.Model {
	t.Helper()
	m := mock.New(info, opts...)
	require.NoError(t, reg.Register(m))
	require.NoError(t, m.Load(context.Background()))
	return m
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, StrategyQualityFirst, ParseStrategy("quality-first", StrategyBalanced))
	assert.Equal(t, StrategyBalanced, ParseStrategy("", StrategyBalanced))
	assert.Equal(t, StrategyBalanced, ParseStrategy("nonsense", StrategyBalanced))
}

func TestRouter_NoCandidate(t *testing.T) {
	reg := newTestRegistry(t)
	r := New(reg, DefaultConfig())

	_, err := r.Select(types.Request{Prompt: "hello"})
	require.Error(t, err)
	assert.Equal(t, errors.KindNoCandidate, errors.KindOf(err))
}

func TestRouter_RequirementFiltering(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{
		ID: "chat", Name: "chat",
		Capabilities: []types.Capability{types.CapChat},
	})
	addModel(t, reg, model.Info{
		ID: "embed", Name: "embed",
		Capabilities: []types.Capability{types.CapEmbedding},
	})
	r := New(reg, DefaultConfig())

	t.Run("capability filter", func(t *testing.T) {
		d, err := r.Select(types.Request{
			Prompt: "hi",
			Requirements: types.Requirements{
				Capabilities: []types.Capability{types.CapEmbedding},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "embed", d.Model.Info().ID)
	})

	t.Run("preferred model filter", func(t *testing.T) {
		d, err := r.Select(types.Request{
			Prompt:       "hi",
			Requirements: types.Requirements{PreferredModel: "chat"},
		})
		require.NoError(t, err)
		assert.Equal(t, "chat", d.Model.Info().ID)
	})

	t.Run("max size filter", func(t *testing.T) {
		reg2 := newTestRegistry(t)
		addModel(t, reg2, model.Info{ID: "big", Name: "big", Parameters: 70_000_000_000})
		r2 := New(reg2, DefaultConfig())

		_, err := r2.Select(types.Request{
			Prompt:       "hi",
			Requirements: types.Requirements{MaxSize: 1_000_000_000},
		})
		require.Error(t, err)
		assert.Equal(t, errors.KindNoCandidate, errors.KindOf(err))
	})
}

func TestRouter_QualityFirst(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{ID: "small", Name: "tiny-chat"})
	addModel(t, reg, model.Info{ID: "frontier", Name: "gpt-4-turbo"})
	r := New(reg, DefaultConfig())

	d, err := r.Select(types.Request{Prompt: "hello", Strategy: string(StrategyQualityFirst)})
	require.NoError(t, err)
	assert.Equal(t, "frontier", d.Model.Info().ID)
	assert.Equal(t, StrategyQualityFirst, d.Strategy)
}

func TestRouter_TiesResolveToLowerID(t *testing.T) {
	reg := newTestRegistry(t)
	// Identical names give identical scores on every scoring strategy.
	addModel(t, reg, model.Info{ID: "b-node", Name: "tiny"})
	addModel(t, reg, model.Info{ID: "a-node", Name: "tiny"})
	r := New(reg, DefaultConfig())

	for i := 0; i < 5; i++ {
		d, err := r.Select(types.Request{Prompt: "hello", Strategy: string(StrategyQualityFirst)})
		require.NoError(t, err)
		assert.Equal(t, "a-node", d.Model.Info().ID)
	}
}

func TestRouter_CostOptimized(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{ID: "pricey", Name: "gpt-4"})
	addModel(t, reg, model.Info{ID: "cheap", Name: "llama-3"})
	r := New(reg, DefaultConfig())

	d, err := r.Select(types.Request{Prompt: "hello", Strategy: string(StrategyCostOptimized)})
	require.NoError(t, err)
	assert.Equal(t, "cheap", d.Model.Info().ID)
}

func TestRouter_SpeedPriority(t *testing.T) {
	reg := newTestRegistry(t)
	slow := addModel(t, reg, model.Info{ID: "slow", Name: "slow"})
	fast := addModel(t, reg, model.Info{ID: "fast", Name: "fast"})
	slow.Metrics().SetAvgLatencyMs(900)
	fast.Metrics().SetAvgLatencyMs(40)
	r := New(reg, DefaultConfig())

	d, err := r.Select(types.Request{Prompt: "hello", Strategy: string(StrategySpeedPriority)})
	require.NoError(t, err)
	assert.Equal(t, "fast", d.Model.Info().ID)

	t.Run("no history ranks by size", func(t *testing.T) {
		reg2 := newTestRegistry(t)
		addModel(t, reg2, model.Info{ID: "huge", Name: "huge", Parameters: 70_000_000_000})
		addModel(t, reg2, model.Info{ID: "small", Name: "small", Parameters: 1_000_000_000})
		r2 := New(reg2, DefaultConfig())

		d, err := r2.Select(types.Request{Prompt: "hello", Strategy: string(StrategySpeedPriority)})
		require.NoError(t, err)
		assert.Equal(t, "small", d.Model.Info().ID)
	})
}

func TestRouter_RoundRobin(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{ID: "a", Name: "a"})
	addModel(t, reg, model.Info{ID: "b", Name: "b"})
	addModel(t, reg, model.Info{ID: "c", Name: "c"})
	// Distinct prompts keep the route cache out of the rotation.
	r := New(reg, DefaultConfig())

	var picks []string
	prompts := []string{"one", "two", "three", "four"}
	for _, p := range prompts {
		d, err := r.Select(types.Request{Prompt: p, Strategy: string(StrategyRoundRobin)})
		require.NoError(t, err)
		picks = append(picks, d.Model.Info().ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, picks)
}

func TestRouter_LeastLoaded(t *testing.T) {
	reg := newTestRegistry(t)
	busy := addModel(t, reg, model.Info{ID: "busy", Name: "busy"})
	addModel(t, reg, model.Info{ID: "idle", Name: "idle"})
	busy.Metrics().IncInFlight()
	r := New(reg, DefaultConfig())

	d, err := r.Select(types.Request{Prompt: "hello", Strategy: string(StrategyLeastLoaded)})
	require.NoError(t, err)
	assert.Equal(t, "idle", d.Model.Info().ID)
}

func TestRouter_CapabilityMatch(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{
		ID: "generalist", Name: "generalist",
		Capabilities: []types.Capability{
			types.CapChat, types.CapCompletion, types.CapEmbedding, types.CapVision,
		},
	})
	addModel(t, reg, model.Info{
		ID: "specialist", Name: "specialist",
		Capabilities: []types.Capability{types.CapChat},
	})
	r := New(reg, DefaultConfig())

	d, err := r.Select(types.Request{
		Prompt:   "hello",
		Strategy: string(StrategyCapabilityMatch),
		Requirements: types.Requirements{
			Capabilities: []types.Capability{types.CapChat},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "specialist", d.Model.Info().ID)
}

func TestRouter_BalancedPrefersFastWhenQualityTies(t *testing.T) {
	reg := newTestRegistry(t)
	slow := addModel(t, reg, model.Info{ID: "slow", Name: "tiny"})
	fast := addModel(t, reg, model.Info{ID: "z-fast", Name: "tiny"})
	slow.Metrics().SetAvgLatencyMs(2000)
	fast.Metrics().SetAvgLatencyMs(10)
	r := New(reg, Config{DefaultStrategy: StrategyBalanced})

	d, err := r.Select(types.Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "z-fast", d.Model.Info().ID)
}

func TestRouter_RescoreBaseQuality(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{ID: "frontier", Name: "gpt-4"})
	r := New(reg, DefaultConfig())

	_, ok := r.BaseQuality("frontier")
	assert.False(t, ok)

	r.RescoreBaseQuality()
	score, ok := r.BaseQuality("frontier")
	require.True(t, ok)
	assert.InDelta(t, 0.95, score, 1e-9)
}

func TestRouter_QualityFirstUsesRescoredBase(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{ID: "alpha", Name: "gpt-4-large"})
	addModel(t, reg, model.Info{ID: "zeta", Name: "tiny-llm"})
	r := New(reg, Config{})

	d, err := r.Select(types.Request{Prompt: "hi", Strategy: string(StrategyQualityFirst)})
	require.NoError(t, err)
	assert.Equal(t, "alpha", d.Model.Info().ID)

	// Once the periodic rescore has populated the base table, quality-first
	// consults it instead of the live name lookup.
	r.scoresMu.Lock()
	r.baseScores = map[string]float64{"alpha": 0.1, "zeta": 0.99}
	r.scoresMu.Unlock()

	d, err = r.Select(types.Request{Prompt: "different prompt", Strategy: string(StrategyQualityFirst)})
	require.NoError(t, err)
	assert.Equal(t, "zeta", d.Model.Info().ID)
}

func TestRouter_SelectEmitsLatency(t *testing.T) {
	reg := newTestRegistry(t)
	addModel(t, reg, model.Info{ID: "m1", Name: "m1"})

	var got []events.Event
	r := New(reg, Config{}, WithEmitter(events.Func(func(e events.Event) {
		got = append(got, e)
	})))

	_, err := r.Select(types.Request{Prompt: "hi"})
	require.NoError(t, err)

	require.Len(t, got, 1)
	e := got[0]
	assert.Equal(t, events.ModelSelected, e.Name)
	assert.Equal(t, "m1", e.Fields["model_id"])
	assert.Equal(t, string(StrategyBalanced), e.Fields["strategy"])
	latency, ok := e.Fields["latency_ms"].(float64)
	require.True(t, ok, "selection event carries latency_ms")
	assert.GreaterOrEqual(t, latency, 0.0)
}

func TestStrategies_Stable(t *testing.T) {
	s := Strategies()
	assert.Len(t, s, 8)
	assert.Equal(t, Strategies(), s)
}
