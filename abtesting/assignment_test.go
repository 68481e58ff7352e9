package abtesting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/modelmux/pkg/types"
)

// forcedVariant builds an experiment whose hash split always lands on the
// first variant, making the assignment outcome exact.
func forcedVariant(id string, overrides types.VariantOverrides) types.Experiment {
	return types.Experiment{
		ID: id, TrafficPercentage: 100,
		Variants: []types.Variant{
			{ID: "winner", Allocation: 1.0, Overrides: overrides},
			{ID: "loser", Allocation: 0.0},
		},
		PrimaryMetric: "latency",
	}
}

func TestAssignUser_Deterministic(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.CreateExperiment(types.Experiment{
		ID: "exp-1", TrafficPercentage: 100,
		Variants: twoVariants(), PrimaryMetric: "latency",
	}))
	require.NoError(t, m.Start("exp-1"))

	first := m.AssignUser("user-1", types.RequestContext{})
	require.Len(t, first, 1)

	for i := 0; i < 10; i++ {
		again := m.AssignUser("user-1", types.RequestContext{})
		require.Len(t, again, 1)
		assert.Equal(t, first[0].VariantID, again[0].VariantID)
		assert.Equal(t, first[0].AssignedAt, again[0].AssignedAt)
	}

	t.Run("assignment lookup", func(t *testing.T) {
		a, ok := m.Assignment("exp-1", "user-1")
		require.True(t, ok)
		assert.Equal(t, first[0].VariantID, a.VariantID)

		_, ok = m.Assignment("exp-1", "never-seen")
		assert.False(t, ok)
	})
}

func TestAssignUser_Admission(t *testing.T) {
	t.Run("zero traffic admits nobody", func(t *testing.T) {
		m := NewManager()
		exp := forcedVariant("exp-1", types.VariantOverrides{})
		exp.TrafficPercentage = 0
		require.NoError(t, m.CreateExperiment(exp))
		require.NoError(t, m.Start("exp-1"))

		assert.Empty(t, m.AssignUser("user-1", types.RequestContext{}))
	})

	t.Run("full traffic admits everybody", func(t *testing.T) {
		m := NewManager()
		require.NoError(t, m.CreateExperiment(forcedVariant("exp-1", types.VariantOverrides{})))
		require.NoError(t, m.Start("exp-1"))

		for _, user := range []string{"u1", "u2", "u3", "u4"} {
			assignments := m.AssignUser(user, types.RequestContext{})
			require.Len(t, assignments, 1)
			assert.Equal(t, "winner", assignments[0].VariantID)
		}
	})

	t.Run("draft experiments assign nobody", func(t *testing.T) {
		m := NewManager()
		require.NoError(t, m.CreateExperiment(forcedVariant("exp-1", types.VariantOverrides{})))
		assert.Empty(t, m.AssignUser("user-1", types.RequestContext{}))
	})

	t.Run("empty user id assigns nothing", func(t *testing.T) {
		m := NewManager()
		require.NoError(t, m.CreateExperiment(forcedVariant("exp-1", types.VariantOverrides{})))
		require.NoError(t, m.Start("exp-1"))
		assert.Empty(t, m.AssignUser("", types.RequestContext{}))
	})
}

func TestAssignUser_Targeting(t *testing.T) {
	m := NewManager()
	exp := forcedVariant("exp-1", types.VariantOverrides{})
	exp.Targeting = []types.TargetingRule{
		{Field: "region", Op: types.TargetEq, Values: []string{"eu"}},
		{Field: "user_segment", Op: types.TargetNeq, Values: []string{"internal"}},
	}
	require.NoError(t, m.CreateExperiment(exp))
	require.NoError(t, m.Start("exp-1"))

	t.Run("matching context is admitted", func(t *testing.T) {
		assignments := m.AssignUser("u1", types.RequestContext{Region: "eu", UserSegment: "free"})
		assert.Len(t, assignments, 1)
	})

	t.Run("wrong region is excluded", func(t *testing.T) {
		assert.Empty(t, m.AssignUser("u2", types.RequestContext{Region: "us", UserSegment: "free"}))
	})

	t.Run("excluded segment fails the conjunction", func(t *testing.T) {
		assert.Empty(t, m.AssignUser("u3", types.RequestContext{Region: "eu", UserSegment: "internal"}))
	})

	t.Run("metadata fields are targetable", func(t *testing.T) {
		m2 := NewManager()
		exp := forcedVariant("exp-2", types.VariantOverrides{})
		exp.Targeting = []types.TargetingRule{
			{Field: "plan", Op: types.TargetIn, Values: []string{"pro", "team"}},
		}
		require.NoError(t, m2.CreateExperiment(exp))
		require.NoError(t, m2.Start("exp-2"))

		assert.Len(t, m2.AssignUser("u1", types.RequestContext{
			Metadata: map[string]string{"plan": "pro"},
		}), 1)
		assert.Empty(t, m2.AssignUser("u2", types.RequestContext{
			Metadata: map[string]string{"plan": "free"},
		}))
	})
}

func TestAssignUser_WeightedSplit(t *testing.T) {
	m := NewManager()
	exp := types.Experiment{
		ID: "exp-1", TrafficPercentage: 100,
		Splitting:     types.SplitWeighted,
		Variants:      twoVariants(),
		PrimaryMetric: "latency",
		SegmentWeights: map[string]types.SegmentWeights{
			// Zeroing out control forces treatment for this segment.
			"beta": {"control": 0, "treatment": 1},
		},
	}
	require.NoError(t, m.CreateExperiment(exp))
	require.NoError(t, m.Start("exp-1"))

	for _, user := range []string{"u1", "u2", "u3", "u4", "u5"} {
		assignments := m.AssignUser(user, types.RequestContext{UserSegment: "beta"})
		require.Len(t, assignments, 1)
		assert.Equal(t, "treatment", assignments[0].VariantID)
	}
}

func TestAssignUser_TemporalSplit(t *testing.T) {
	clock := newTestClock(10)
	m := NewManager(WithClock(clock.Now))
	exp := types.Experiment{
		ID: "exp-1", TrafficPercentage: 100,
		Splitting: types.SplitTemporal,
		Variants: []types.Variant{
			{ID: "day", Allocation: 0.5},
			{ID: "night", Allocation: 0.5},
		},
		SplitRules: []types.SplitRule{
			{Key: "09-12", VariantID: "day"},
			{Key: "21-06", VariantID: "night"},
		},
		PrimaryMetric: "latency",
	}
	require.NoError(t, m.CreateExperiment(exp))
	require.NoError(t, m.Start("exp-1"))

	// 10:00 UTC falls inside 09-12.
	assignments := m.AssignUser("u1", types.RequestContext{})
	require.Len(t, assignments, 1)
	assert.Equal(t, "day", assignments[0].VariantID)

	t.Run("wrapping range matches past midnight", func(t *testing.T) {
		late := NewManager(WithClock(newTestClock(23).Now))
		require.NoError(t, late.CreateExperiment(exp))
		require.NoError(t, late.Start("exp-1"))
		assignments := late.AssignUser("u1", types.RequestContext{})
		require.Len(t, assignments, 1)
		assert.Equal(t, "night", assignments[0].VariantID)
	})
}

func TestAssignUser_GeographicSplit(t *testing.T) {
	m := NewManager()
	exp := types.Experiment{
		ID: "exp-1", TrafficPercentage: 100,
		Splitting: types.SplitGeographic,
		Variants: []types.Variant{
			{ID: "eu-variant", Allocation: 0.5},
			{ID: "default", Allocation: 0.5},
		},
		SplitRules:    []types.SplitRule{{Key: "eu", VariantID: "eu-variant"}},
		PrimaryMetric: "latency",
	}
	require.NoError(t, m.CreateExperiment(exp))
	require.NoError(t, m.Start("exp-1"))

	assignments := m.AssignUser("u1", types.RequestContext{Region: "eu"})
	require.Len(t, assignments, 1)
	assert.Equal(t, "eu-variant", assignments[0].VariantID)
}

func TestMergeOverrides(t *testing.T) {
	m := NewManager()
	temp := 0.2
	require.NoError(t, m.CreateExperiment(forcedVariant("exp-1", types.VariantOverrides{
		Strategy:    "quality-first",
		MaxTokens:   256,
		Temperature: &temp,
	})))
	require.NoError(t, m.Start("exp-1"))

	assignments := m.AssignUser("user-1", types.RequestContext{})
	require.Len(t, assignments, 1)

	req := types.Request{Prompt: "hello", Strategy: "balanced"}
	m.MergeOverrides(&req, assignments)

	assert.Equal(t, "quality-first", req.Strategy)
	assert.Equal(t, 256, req.Requirements.MaxTokens)
	require.NotNil(t, req.Requirements.Temperature)
	assert.InDelta(t, 0.2, *req.Requirements.Temperature, 1e-9)

	t.Run("empty overrides leave the request alone", func(t *testing.T) {
		req := types.Request{Prompt: "hello", Strategy: "balanced"}
		m.MergeOverrides(&req, nil)
		assert.Equal(t, "balanced", req.Strategy)
	})
}
