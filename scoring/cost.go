package scoring

import (
	"strings"

	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// Rate is a per-million-token price pair for one model family.
type Rate struct {
	InputPer1M  float64 `json:"input_per_1m" yaml:"input_per_1m"`
	OutputPer1M float64 `json:"output_per_1m" yaml:"output_per_1m"`
}

// CostConfig supplies the rate tables for the cost scorer. The tables are
// externally supplied configuration; the defaults are illustrative only.
type CostConfig struct {
	// Rates maps lowercased model-name substrings to token rates.
	Rates map[string]Rate
	// DefaultRate applies when no substring matches.
	DefaultRate Rate
	// HourlyRates maps execution engines to per-GB-hour compute prices.
	HourlyRates map[types.Engine]float64
	// DefaultExpectedTokens estimates the request size when the caller sets
	// no MaxTokens.
	DefaultExpectedTokens int
}

// DefaultCostConfig returns the built-in rate tables.
func DefaultCostConfig() CostConfig {
	return CostConfig{
		Rates: map[string]Rate{
			"gpt-4":   {InputPer1M: 30, OutputPer1M: 60},
			"claude":  {InputPer1M: 15, OutputPer1M: 75},
			"gemini":  {InputPer1M: 7, OutputPer1M: 21},
			"llama":   {InputPer1M: 0.6, OutputPer1M: 0.8},
			"mistral": {InputPer1M: 2, OutputPer1M: 6},
		},
		DefaultRate: Rate{InputPer1M: 1, OutputPer1M: 2},
		HourlyRates: map[types.Engine]float64{
			types.EngineWebGPU: 0,
			types.EngineWASM:   0,
			types.EngineNode:   0.05,
			types.EngineEdge:   0.10,
			types.EngineCloud:  0.50,
		},
		DefaultExpectedTokens: 1000,
	}
}

// CostScorer estimates the dollar cost of serving a request on a model. It
// is a pure function of (model info, requirements).
type CostScorer struct {
	cfg CostConfig
}

// NewCostScorer creates a scorer over the given rate tables.
func NewCostScorer(cfg CostConfig) *CostScorer {
	if cfg.DefaultExpectedTokens == 0 {
		cfg.DefaultExpectedTokens = DefaultCostConfig().DefaultExpectedTokens
	}
	return &CostScorer{cfg: cfg}
}

// Estimate returns the expected cost in dollars. Token cost assumes a
// 30% input / 70% output split of the expected tokens; compute cost is the
// engine hourly rate times the model size in GB.
func (s *CostScorer) Estimate(info model.Info, req types.Requirements) float64 {
	expected := req.MaxTokens
	if expected <= 0 {
		expected = s.cfg.DefaultExpectedTokens
	}

	rate := s.rateFor(info)
	perToken := rate.InputPer1M*0.3 + rate.OutputPer1M*0.7
	tokenCost := perToken * float64(expected) / 1e6

	computeCost := s.cfg.HourlyRates[info.Engine] * info.SizeGB()

	return tokenCost + computeCost
}

func (s *CostScorer) rateFor(info model.Info) Rate {
	lowered := strings.ToLower(info.Name)
	for sub, rate := range s.cfg.Rates {
		if strings.Contains(lowered, sub) {
			return rate
		}
	}
	return s.cfg.DefaultRate
}
