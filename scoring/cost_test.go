package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

func TestCostScorer_Estimate(t *testing.T) {
	s := NewCostScorer(DefaultCostConfig())

	t.Run("token cost from the rate table", func(t *testing.T) {
		// llama: 0.6 in / 0.8 out per 1M. Blended 0.3/0.7 -> 0.74 per 1M.
		cost := s.Estimate(model.Info{Name: "llama-3-8b"}, types.Requirements{MaxTokens: 1000})
		assert.InDelta(t, 0.00074, cost, 1e-9)
	})

	t.Run("default expected tokens when caller sets none", func(t *testing.T) {
		explicit := s.Estimate(model.Info{Name: "llama-3-8b"}, types.Requirements{MaxTokens: 1000})
		implied := s.Estimate(model.Info{Name: "llama-3-8b"}, types.Requirements{})
		assert.InDelta(t, explicit, implied, 1e-12)
	})

	t.Run("unknown name falls back to the default rate", func(t *testing.T) {
		// Default 1 in / 2 out -> blended 1.7 per 1M.
		cost := s.Estimate(model.Info{Name: "mystery"}, types.Requirements{MaxTokens: 1000})
		assert.InDelta(t, 0.0017, cost, 1e-9)
	})

	t.Run("engine compute cost scales with model size", func(t *testing.T) {
		info := model.Info{Name: "mystery", Engine: types.EngineCloud, Parameters: 1_000_000_000}
		// 0.50 per GB-hour * 2 GB on top of the token cost.
		cost := s.Estimate(info, types.Requirements{MaxTokens: 1000})
		assert.InDelta(t, 0.0017+1.0, cost, 1e-9)
	})

	t.Run("bigger requests cost more", func(t *testing.T) {
		small := s.Estimate(model.Info{Name: "gpt-4"}, types.Requirements{MaxTokens: 100})
		large := s.Estimate(model.Info{Name: "gpt-4"}, types.Requirements{MaxTokens: 10000})
		assert.Greater(t, large, small)
	})
}
