// Package abtesting runs A/B experiments over routing. Assignment is
// deterministic per (experiment, user) while an experiment is running, and
// variant overrides mutate the request before it reaches the router.
package abtesting

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// TrackedEvent is one metric observation attributed to a variant.
type TrackedEvent struct {
	UserID    string         `json:"user_id"`
	Name      string         `json:"name"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// experimentState is one experiment plus its live assignment and event
// buffers. The config is immutable after creation; only Status moves.
type experimentState struct {
	mu   sync.RWMutex
	exp  types.Experiment
	byID map[string]types.Variant

	// assignments is keyed by user id; events by variant id.
	assignments *xsync.Map[string, types.Assignment]
	eventsByVar *xsync.Map[string, *eventBuffer]
}

type eventBuffer struct {
	mu     sync.Mutex
	events []TrackedEvent
}

// Manager owns experiments, assignments, and event tracking.
type Manager struct {
	experiments *xsync.Map[string, *experimentState]

	emitter events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithEmitter sets the event emitter.
func WithEmitter(e events.Emitter) Option {
	return func(m *Manager) { m.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock injects the clock used for temporal splitting. Test hook.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an A/B testing manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		experiments: xsync.NewMap[string, *experimentState](),
		emitter:     events.Nop{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateExperiment validates and registers an experiment in Draft status.
// Allocation changes require a new experiment id, so the variant set is
// frozen at creation.
func (m *Manager) CreateExperiment(exp types.Experiment) error {
	if exp.ID == "" {
		return errors.NewInvalidRequest("experiment id is required")
	}
	if len(exp.Variants) < 2 {
		return errors.NewInvalidRequest("experiment needs at least two variants")
	}
	if !exp.AllocationsSumToOne() {
		return errors.NewInvalidRequest("variant allocations must sum to 1")
	}
	if exp.TrafficPercentage < 0 || exp.TrafficPercentage > 100 {
		return errors.NewInvalidRequest("traffic percentage must be in [0,100]")
	}
	if exp.PrimaryMetric == "" {
		return errors.NewInvalidRequest("primary metric is required")
	}

	byID := make(map[string]types.Variant, len(exp.Variants))
	for _, v := range exp.Variants {
		if v.ID == "" {
			return errors.NewInvalidRequest("variant id is required")
		}
		if v.Allocation < 0 {
			return errors.NewInvalidRequest(fmt.Sprintf("variant %s allocation must be non-negative", v.ID))
		}
		if _, dup := byID[v.ID]; dup {
			return errors.NewInvalidRequest(fmt.Sprintf("duplicate variant id %s", v.ID))
		}
		byID[v.ID] = v
	}
	for _, rule := range exp.SplitRules {
		if _, ok := byID[rule.VariantID]; !ok {
			return errors.NewInvalidRequest(fmt.Sprintf("split rule names unknown variant %s", rule.VariantID))
		}
	}

	if exp.Splitting == "" {
		exp.Splitting = types.SplitHash
	}
	exp.Status = types.ExperimentDraft
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = m.now()
	}

	state := &experimentState{
		exp:         exp,
		byID:        byID,
		assignments: xsync.NewMap[string, types.Assignment](),
		eventsByVar: xsync.NewMap[string, *eventBuffer](),
	}
	if _, loaded := m.experiments.LoadOrStore(exp.ID, state); loaded {
		return errors.NewInvalidRequest(fmt.Sprintf("experiment %s already exists", exp.ID))
	}
	return nil
}

// Start transitions Draft or Paused to Running.
func (m *Manager) Start(id string) error {
	return m.transition(id, types.ExperimentRunning, events.ExperimentStarted,
		types.ExperimentDraft, types.ExperimentPaused)
}

// Pause transitions Running to Paused. Assignments survive a pause.
func (m *Manager) Pause(id string) error {
	return m.transition(id, types.ExperimentPaused, "", types.ExperimentRunning)
}

// Stop transitions Running or Paused to Completed. Terminal.
func (m *Manager) Stop(id string) error {
	return m.transition(id, types.ExperimentCompleted, events.ExperimentStopped,
		types.ExperimentRunning, types.ExperimentPaused)
}

// Archive transitions Completed to Archived. Terminal.
func (m *Manager) Archive(id string) error {
	return m.transition(id, types.ExperimentArchived, "", types.ExperimentCompleted)
}

func (m *Manager) transition(id string, to types.ExperimentStatus, event string, from ...types.ExperimentStatus) error {
	state, err := m.state(id)
	if err != nil {
		return err
	}

	state.mu.Lock()
	current := state.exp.Status
	allowed := false
	for _, f := range from {
		if current == f {
			allowed = true
			break
		}
	}
	if !allowed {
		state.mu.Unlock()
		return errors.NewInvalidRequest(fmt.Sprintf("experiment %s cannot move %s -> %s", id, current, to))
	}
	state.exp.Status = to
	state.mu.Unlock()

	if event != "" {
		m.emitter.Emit(events.New(event, map[string]any{
			"experiment_id": id,
			"status":        string(to),
		}))
	}
	return nil
}

// Experiment returns a copy of the experiment config.
func (m *Manager) Experiment(id string) (types.Experiment, error) {
	state, err := m.state(id)
	if err != nil {
		return types.Experiment{}, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.exp, nil
}

// TrackEvent attributes an event to the user's variant in every running
// experiment whose primary or secondary metrics match the event name.
func (m *Manager) TrackEvent(userID, eventName string, data map[string]any) {
	now := m.now()
	m.experiments.Range(func(_ string, state *experimentState) bool {
		state.mu.RLock()
		running := state.exp.Status == types.ExperimentRunning
		matches := running && metricMatches(&state.exp, eventName)
		state.mu.RUnlock()
		if !matches {
			return true
		}

		assignment, ok := state.assignments.Load(userID)
		if !ok {
			return true
		}

		buf, _ := state.eventsByVar.LoadOrStore(assignment.VariantID, &eventBuffer{})
		buf.mu.Lock()
		buf.events = append(buf.events, TrackedEvent{
			UserID:    userID,
			Name:      eventName,
			Data:      data,
			Timestamp: now,
		})
		buf.mu.Unlock()

		m.emitter.Emit(events.New(events.EventTracked, map[string]any{
			"experiment_id": assignment.ExperimentID,
			"variant_id":    assignment.VariantID,
			"event":         eventName,
		}))
		return true
	})
}

// VariantEvents returns a copy of the tracked events for one variant.
func (m *Manager) VariantEvents(experimentID, variantID string) ([]TrackedEvent, error) {
	state, err := m.state(experimentID)
	if err != nil {
		return nil, err
	}
	buf, ok := state.eventsByVar.Load(variantID)
	if !ok {
		return nil, nil
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	out := make([]TrackedEvent, len(buf.events))
	copy(out, buf.events)
	return out, nil
}

func metricMatches(exp *types.Experiment, eventName string) bool {
	if exp.PrimaryMetric == eventName {
		return true
	}
	for _, metric := range exp.SecondaryMetrics {
		if metric == eventName {
			return true
		}
	}
	return false
}

func (m *Manager) state(id string) (*experimentState, error) {
	state, ok := m.experiments.Load(id)
	if !ok {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("experiment %s not found", id))
	}
	return state, nil
}
