package metrics

import (
	"strconv"

	"github.com/blueberrycongee/modelmux/pkg/events"
)

// Bridge is an events.Emitter that projects substrate events onto the
// Prometheus metrics. Wire it alongside any other emitter via events.Multi.
type Bridge struct{}

// Emit implements events.Emitter.
func (Bridge) Emit(e events.Event) {
	switch e.Name {
	case events.Registered:
		ModelsRegistered.Inc()
	case events.Evicted:
		ModelsRegistered.Dec()
		ModelEvictions.Inc()
	case events.ModelSelected:
		RouteDecisions.WithLabelValues(
			str(e.Fields["strategy"]),
			strconv.FormatBool(boolean(e.Fields["cached"])),
		).Inc()
	case events.Processed:
		outcome := "miss"
		if boolean(e.Fields["cached"]) {
			outcome = "hit"
		}
		ResponseCacheHits.WithLabelValues(outcome).Inc()
	case events.QuotaExceeded:
		QuotaRejections.WithLabelValues(
			str(e.Fields["tenant_id"]),
			str(e.Fields["type"]),
		).Inc()
	case events.AssignmentTracked:
		ExperimentAssignments.WithLabelValues(
			str(e.Fields["experiment_id"]),
			str(e.Fields["variant_id"]),
		).Inc()
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}
