package scoring

import (
	"sync"

	"github.com/blueberrycongee/modelmux/pkg/model"
)

// RoundRobin is a stateful cursor over candidate lists. Picks are monotonic
// across calls while the candidate list is stable.
type RoundRobin struct {
	mu     sync.Mutex
	cursor uint64
}

// NewRoundRobin creates a cursor starting at the first candidate.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Next returns the next candidate in rotation, or nil for an empty list.
func (r *RoundRobin) Next(candidates []model.Model) model.Model {
	if len(candidates) == 0 {
		return nil
	}
	r.mu.Lock()
	idx := r.cursor % uint64(len(candidates))
	r.cursor++
	r.mu.Unlock()
	return candidates[idx]
}

// LeastLoaded picks the candidate with the fewest in-flight operations,
// breaking ties by lower average latency, then by lower id for determinism.
func LeastLoaded(candidates []model.Model) model.Model {
	var best model.Model
	var bestInFlight int64
	var bestLatency float64

	for _, m := range candidates {
		inFlight := m.Metrics().InFlight()
		latency := m.Metrics().AvgLatencyMs()
		switch {
		case best == nil,
			inFlight < bestInFlight,
			inFlight == bestInFlight && latency < bestLatency,
			inFlight == bestInFlight && latency == bestLatency && m.Info().ID < best.Info().ID:
			best = m
			bestInFlight = inFlight
			bestLatency = latency
		}
	}
	return best
}
