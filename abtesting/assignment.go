package abtesting

import (
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// AssignUser evaluates every running experiment for the user: admission by
// traffic hash and targeting rules, then a variant pick by the experiment's
// splitting algorithm. Assignment is deterministic for a fixed
// (experiment id, user id, context) and idempotent while the experiment
// runs; existing assignments are returned unchanged.
func (m *Manager) AssignUser(userID string, ctx types.RequestContext) []types.Assignment {
	if userID == "" {
		return nil
	}

	var out []types.Assignment
	m.experiments.Range(func(_ string, state *experimentState) bool {
		state.mu.RLock()
		exp := state.exp
		state.mu.RUnlock()
		if exp.Status != types.ExperimentRunning {
			return true
		}

		if existing, ok := state.assignments.Load(userID); ok {
			out = append(out, existing)
			return true
		}

		h := admissionHash(userID, exp.ID)
		if h >= exp.TrafficPercentage/100 {
			return true
		}
		if !targetingPasses(exp.Targeting, userID, ctx) {
			return true
		}

		variant := m.pickVariant(&exp, h, ctx)
		if variant == nil {
			return true
		}

		assignment := types.Assignment{
			ExperimentID: exp.ID,
			UserID:       userID,
			VariantID:    variant.ID,
			AssignedAt:   m.now(),
		}
		// Concurrent assigners agree: the first stored assignment wins and
		// every caller observes it.
		actual, _ := state.assignments.LoadOrStore(userID, assignment)
		out = append(out, actual)

		m.emitter.Emit(events.New(events.AssignmentTracked, map[string]any{
			"experiment_id": exp.ID,
			"user_id":       userID,
			"variant_id":    actual.VariantID,
		}))
		return true
	})
	return out
}

// Assignment returns the user's assignment for one experiment, if any.
func (m *Manager) Assignment(experimentID, userID string) (types.Assignment, bool) {
	state, err := m.state(experimentID)
	if err != nil {
		return types.Assignment{}, false
	}
	return state.assignments.Load(userID)
}

// MergeOverrides applies the variant overrides of every assignment to the
// request. Later assignments win on conflicts, matching Range order.
func (m *Manager) MergeOverrides(req *types.Request, assignments []types.Assignment) {
	for _, a := range assignments {
		state, err := m.state(a.ExperimentID)
		if err != nil {
			continue
		}
		variant, ok := state.byID[a.VariantID]
		if !ok {
			continue
		}
		ov := variant.Overrides
		if ov.Strategy != "" {
			req.Strategy = ov.Strategy
		}
		if ov.MaxTokens > 0 {
			req.Requirements.MaxTokens = ov.MaxTokens
		}
		if ov.Temperature != nil {
			req.Requirements.Temperature = ov.Temperature
		}
	}
}

// admissionHash maps (userID, experimentID) to [0,1) using the low 32 bits
// of the hash, so admission and variant pick reuse one draw.
func admissionHash(userID, experimentID string) float64 {
	h := xxh3.HashString(userID + experimentID)
	return float64(uint32(h)) / float64(1<<32)
}

// pickVariant applies the experiment's splitting algorithm.
func (m *Manager) pickVariant(exp *types.Experiment, h float64, ctx types.RequestContext) *types.Variant {
	switch exp.Splitting {
	case types.SplitWeighted:
		return pickWeighted(exp, h, ctx.UserSegment)
	case types.SplitGeographic:
		if v := pickByRule(exp, ctx.Region); v != nil {
			return v
		}
		return pickCumulative(exp.Variants, h)
	case types.SplitTemporal:
		if v := pickByRule(exp, strconv.Itoa(m.now().UTC().Hour())); v != nil {
			return v
		}
		return pickCumulative(exp.Variants, h)
	default:
		return pickCumulative(exp.Variants, h)
	}
}

// pickCumulative walks cumulative allocations and picks the first variant
// whose cumulative share covers h.
func pickCumulative(variants []types.Variant, h float64) *types.Variant {
	var cumulative float64
	for i := range variants {
		cumulative += variants[i].Allocation
		if h < cumulative {
			return &variants[i]
		}
	}
	// Allocation rounding can leave a sliver at the top; the last variant
	// absorbs it.
	if len(variants) > 0 {
		return &variants[len(variants)-1]
	}
	return nil
}

// pickWeighted adjusts allocations by the user segment's weights,
// re-normalizes them, and then applies the cumulative walk.
func pickWeighted(exp *types.Experiment, h float64, segment string) *types.Variant {
	weights, ok := exp.SegmentWeights[segment]
	if !ok {
		return pickCumulative(exp.Variants, h)
	}

	adjusted := make([]types.Variant, len(exp.Variants))
	var total float64
	for i, v := range exp.Variants {
		adjusted[i] = v
		if w, ok := weights[v.ID]; ok {
			adjusted[i].Allocation = v.Allocation * w
		}
		total += adjusted[i].Allocation
	}
	if total <= 0 {
		return pickCumulative(exp.Variants, h)
	}
	for i := range adjusted {
		adjusted[i].Allocation /= total
	}

	picked := pickCumulative(adjusted, h)
	if picked == nil {
		return nil
	}
	// Return the canonical variant so overrides come from the frozen config.
	for i := range exp.Variants {
		if exp.Variants[i].ID == picked.ID {
			return &exp.Variants[i]
		}
	}
	return nil
}

// pickByRule consults the split-rule table. Geographic rules match the
// region exactly; temporal rules match "HH-HH" UTC hour ranges.
func pickByRule(exp *types.Experiment, key string) *types.Variant {
	for _, rule := range exp.SplitRules {
		if ruleMatches(rule.Key, key) {
			for i := range exp.Variants {
				if exp.Variants[i].ID == rule.VariantID {
					return &exp.Variants[i]
				}
			}
		}
	}
	return nil
}

func ruleMatches(ruleKey, key string) bool {
	if ruleKey == key {
		return true
	}
	// Hour-range form "HH-HH", end exclusive, possibly wrapping midnight.
	parts := strings.SplitN(ruleKey, "-", 2)
	if len(parts) != 2 {
		return false
	}
	from, err1 := strconv.Atoi(parts[0])
	to, err2 := strconv.Atoi(parts[1])
	hour, err3 := strconv.Atoi(key)
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// targetingPasses evaluates the conjunction of targeting rules against the
// request context.
func targetingPasses(rules []types.TargetingRule, userID string, ctx types.RequestContext) bool {
	for _, rule := range rules {
		value := contextField(rule.Field, userID, ctx)
		if !ruleApplies(rule, value) {
			return false
		}
	}
	return true
}

func contextField(field, userID string, ctx types.RequestContext) string {
	switch field {
	case "user_id":
		return userID
	case "tenant_id":
		return ctx.TenantID
	case "mode":
		return string(ctx.Mode)
	case "user_segment":
		return ctx.UserSegment
	case "region":
		return ctx.Region
	default:
		return ctx.Metadata[field]
	}
}

func ruleApplies(rule types.TargetingRule, value string) bool {
	contains := false
	for _, v := range rule.Values {
		if v == value {
			contains = true
			break
		}
	}
	switch rule.Op {
	case types.TargetEq, types.TargetIn:
		return contains
	case types.TargetNeq, types.TargetNotIn:
		return !contains
	default:
		return false
	}
}
