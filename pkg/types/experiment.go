package types

import (
	"math"
	"time"
)

// ExperimentStatus is the lifecycle state of an A/B experiment.
// Completed and Archived are terminal.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentArchived  ExperimentStatus = "archived"
)

// SplitAlgorithm selects how users are split across variants.
type SplitAlgorithm string

const (
	SplitHash       SplitAlgorithm = "random-hash"
	SplitWeighted   SplitAlgorithm = "weighted"
	SplitGeographic SplitAlgorithm = "geographic"
	SplitTemporal   SplitAlgorithm = "temporal"
)

// AllocationTolerance is the permitted deviation of the variant allocation
// sum from 1.
const AllocationTolerance = 1e-3

// VariantOverrides are request mutations applied after assignment, before
// the request reaches the router.
type VariantOverrides struct {
	Strategy    string   `json:"strategy,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Variant is one arm of an experiment.
type Variant struct {
	ID         string           `json:"id"`
	Name       string           `json:"name,omitempty"`
	Allocation float64          `json:"allocation"` // normalized share in [0,1]
	Overrides  VariantOverrides `json:"overrides,omitempty"`
}

// TargetingOp is a comparison operator in a targeting rule.
type TargetingOp string

const (
	TargetEq    TargetingOp = "eq"
	TargetNeq   TargetingOp = "neq"
	TargetIn    TargetingOp = "in"
	TargetNotIn TargetingOp = "not-in"
)

// TargetingRule is one conjunct of an experiment's targeting expression.
// Field names refer to RequestContext fields: user_id, tenant_id, mode,
// user_segment, region, or a metadata key.
type TargetingRule struct {
	Field  string      `json:"field"`
	Op     TargetingOp `json:"op"`
	Values []string    `json:"values"`
}

// SplitRule maps a context condition to a fixed variant for geographic and
// temporal splitting. For geographic rules Key is a region; for temporal
// rules Key is an hour range "HH-HH" in UTC.
type SplitRule struct {
	Key       string `json:"key"`
	VariantID string `json:"variant_id"`
}

// SegmentWeights adjusts variant allocations for a user segment under
// weighted splitting. Adjusted allocations are re-normalized before use.
type SegmentWeights map[string]float64 // variant id -> multiplier

// Experiment is a configured A/B test whose assignment can mutate routing.
type Experiment struct {
	ID                string                    `json:"id"`
	Name              string                    `json:"name,omitempty"`
	Status            ExperimentStatus          `json:"status"`
	TrafficPercentage float64                   `json:"traffic_percentage"` // 0-100
	Splitting         SplitAlgorithm            `json:"splitting"`
	Variants          []Variant                 `json:"variants"`
	PrimaryMetric     string                    `json:"primary_metric"`
	SecondaryMetrics  []string                  `json:"secondary_metrics,omitempty"`
	Targeting         []TargetingRule           `json:"targeting,omitempty"`
	SplitRules        []SplitRule               `json:"split_rules,omitempty"`
	SegmentWeights    map[string]SegmentWeights `json:"segment_weights,omitempty"` // segment -> weights
	CreatedAt         time.Time                 `json:"created_at"`
}

// AllocationsSumToOne reports whether variant allocations sum to 1 within
// AllocationTolerance.
func (e *Experiment) AllocationsSumToOne() bool {
	var sum float64
	for _, v := range e.Variants {
		sum += v.Allocation
	}
	return math.Abs(sum-1) <= AllocationTolerance
}

// Assignment is the deterministic mapping of a user to a variant of one
// experiment.
type Assignment struct {
	ExperimentID string    `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	VariantID    string    `json:"variant_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}
