package abtesting

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/modelmux/pkg/types"
)

// testClock is a hand-advanced clock for temporal splitting tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(hour int) *testClock {
	return &testClock{now: time.Date(2026, 1, 15, hour, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// twoVariants is the minimal valid experiment body: a 50/50 hash split.
func twoVariants() []types.Variant {
	return []types.Variant{
		{ID: "control", Allocation: 0.5},
		{ID: "treatment", Allocation: 0.5},
	}
}

func TestManager_CreateExperiment(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.CreateExperiment(types.Experiment{
		ID: "exp-1", TrafficPercentage: 100,
		Variants:      twoVariants(),
		PrimaryMetric: "latency",
	}))

	exp, err := m.Experiment("exp-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExperimentDraft, exp.Status)
	assert.Equal(t, types.SplitHash, exp.Splitting)
	assert.False(t, exp.CreatedAt.IsZero())

	t.Run("duplicate id", func(t *testing.T) {
		err := m.CreateExperiment(types.Experiment{
			ID: "exp-1", TrafficPercentage: 100,
			Variants: twoVariants(), PrimaryMetric: "latency",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("validation", func(t *testing.T) {
		cases := []struct {
			name string
			exp  types.Experiment
		}{
			{"missing id", types.Experiment{
				TrafficPercentage: 100, Variants: twoVariants(), PrimaryMetric: "latency",
			}},
			{"one variant", types.Experiment{
				ID: "e", TrafficPercentage: 100, PrimaryMetric: "latency",
				Variants: []types.Variant{{ID: "only", Allocation: 1}},
			}},
			{"allocations off", types.Experiment{
				ID: "e", TrafficPercentage: 100, PrimaryMetric: "latency",
				Variants: []types.Variant{
					{ID: "a", Allocation: 0.5},
					{ID: "b", Allocation: 0.6},
				},
			}},
			{"traffic out of range", types.Experiment{
				ID: "e", TrafficPercentage: 150, Variants: twoVariants(), PrimaryMetric: "latency",
			}},
			{"missing metric", types.Experiment{
				ID: "e", TrafficPercentage: 100, Variants: twoVariants(),
			}},
			{"duplicate variant id", types.Experiment{
				ID: "e", TrafficPercentage: 100, PrimaryMetric: "latency",
				Variants: []types.Variant{
					{ID: "a", Allocation: 0.5},
					{ID: "a", Allocation: 0.5},
				},
			}},
			{"split rule names unknown variant", types.Experiment{
				ID: "e", TrafficPercentage: 100, Variants: twoVariants(), PrimaryMetric: "latency",
				SplitRules: []types.SplitRule{{Key: "eu", VariantID: "nope"}},
			}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				assert.Error(t, m.CreateExperiment(tc.exp))
			})
		}
	})
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.CreateExperiment(types.Experiment{
		ID: "exp-1", TrafficPercentage: 100,
		Variants: twoVariants(), PrimaryMetric: "latency",
	}))

	t.Run("draft cannot pause", func(t *testing.T) {
		assert.Error(t, m.Pause("exp-1"))
	})

	require.NoError(t, m.Start("exp-1"))
	require.NoError(t, m.Pause("exp-1"))
	require.NoError(t, m.Start("exp-1"))
	require.NoError(t, m.Stop("exp-1"))

	t.Run("completed is terminal for start", func(t *testing.T) {
		assert.Error(t, m.Start("exp-1"))
	})

	require.NoError(t, m.Archive("exp-1"))
	exp, err := m.Experiment("exp-1")
	require.NoError(t, err)
	assert.Equal(t, types.ExperimentArchived, exp.Status)

	t.Run("archived is terminal", func(t *testing.T) {
		assert.Error(t, m.Stop("exp-1"))
		assert.Error(t, m.Archive("exp-1"))
	})

	t.Run("unknown experiment", func(t *testing.T) {
		assert.Error(t, m.Start("nope"))
	})
}

func TestManager_TrackEvent(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.CreateExperiment(types.Experiment{
		ID: "exp-1", TrafficPercentage: 100,
		Variants: []types.Variant{
			{ID: "a", Allocation: 1.0},
			{ID: "b", Allocation: 0.0},
		},
		PrimaryMetric:    "latency",
		SecondaryMetrics: []string{"tokens"},
	}))
	require.NoError(t, m.Start("exp-1"))

	assignments := m.AssignUser("user-1", types.RequestContext{})
	require.Len(t, assignments, 1)
	require.Equal(t, "a", assignments[0].VariantID)

	m.TrackEvent("user-1", "latency", map[string]any{"ms": 42})
	m.TrackEvent("user-1", "tokens", map[string]any{"count": 10})
	m.TrackEvent("user-1", "unrelated", nil)
	m.TrackEvent("stranger", "latency", nil)

	got, err := m.VariantEvents("exp-1", "a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "latency", got[0].Name)
	assert.Equal(t, "tokens", got[1].Name)
	assert.Equal(t, "user-1", got[0].UserID)

	t.Run("untracked variant has no events", func(t *testing.T) {
		got, err := m.VariantEvents("exp-1", "b")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("paused experiments stop tracking", func(t *testing.T) {
		require.NoError(t, m.Pause("exp-1"))
		m.TrackEvent("user-1", "latency", nil)
		got, err := m.VariantEvents("exp-1", "a")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}
