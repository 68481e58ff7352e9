// Package events defines the observer contract through which the substrate
// reports state changes to external sinks (metrics, audit, dashboards).
// Emission is fire-and-forget: the substrate never blocks on a sink.
package events

import "time"

// Event names emitted by the substrate.
const (
	Registered        = "registered"
	Evicted           = "evicted"
	ModelSelected     = "model-selected"
	Processed         = "processed"
	StreamComplete    = "stream-complete"
	TenantCreated     = "tenant-created"
	TenantUpdated     = "tenant-updated"
	TenantDeleted     = "tenant-deleted"
	QuotaExceeded     = "quota-exceeded"
	UsageRecorded     = "usage-recorded"
	ExperimentStarted = "experiment-started"
	ExperimentStopped = "experiment-stopped"
	AssignmentTracked = "assignment-tracked"
	EventTracked      = "event-tracked"
	Audit             = "audit"
)

// Event is one observed state change.
type Event struct {
	Name   string         `json:"name"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Emitter receives events. Implementations must be safe for concurrent use
// and must not block.
type Emitter interface {
	Emit(e Event)
}

// New builds an event stamped with the current time.
func New(name string, fields map[string]any) Event {
	return Event{Name: name, At: time.Now(), Fields: fields}
}

// Nop is an Emitter that discards all events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// Func adapts a function to the Emitter interface.
type Func func(Event)

// Emit implements Emitter.
func (f Func) Emit(e Event) { f(e) }
