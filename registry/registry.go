// Package registry owns the set of registered models. It indexes models by
// format and capability, tracks recency for LRU eviction, and persists a
// rebuildable snapshot through the registered loaders.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// Config controls registry capacity and snapshot placement.
type Config struct {
	// MaxModels caps the number of registered models. Registration beyond
	// the cap evicts the least recently used model first.
	MaxModels int

	// SnapshotPath is the file the registry persists its snapshot to.
	SnapshotPath string
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{MaxModels: 100}
}

// ListFilter narrows the result of List.
type ListFilter struct {
	Formats      []types.Format
	Capabilities []types.Capability
	States       []model.State
	Predicate    func(model.Model) bool
	Limit        int
}

// Registry is the owner of registered models. All mutating operations are
// serialized by a single writer lock; readers observe consistent views.
type Registry struct {
	mu      sync.RWMutex
	models  map[string]model.Model
	loaders map[types.Format]model.Loader

	// byFormat and byCapability keep ids in insertion order; a model appears
	// exactly once per index entry it belongs to.
	byFormat     map[types.Format][]string
	byCapability map[types.Capability][]string

	// recency orders ids by last use. Eviction is managed explicitly before
	// capacity is exceeded, so the cache itself never drops entries.
	recency *lru.Cache[string, struct{}]

	cfg     Config
	emitter events.Emitter
	logger  *slog.Logger
}

// New creates a registry. emitter and logger may be nil.
func New(cfg Config, emitter events.Emitter, logger *slog.Logger) (*Registry, error) {
	if cfg.MaxModels <= 0 {
		cfg.MaxModels = DefaultConfig().MaxModels
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	recency, err := lru.New[string, struct{}](cfg.MaxModels + 1)
	if err != nil {
		return nil, fmt.Errorf("create recency list: %w", err)
	}

	return &Registry{
		models:       make(map[string]model.Model),
		loaders:      make(map[types.Format]model.Loader),
		byFormat:     make(map[types.Format][]string),
		byCapability: make(map[types.Capability][]string),
		recency:      recency,
		cfg:          cfg,
		emitter:      emitter,
		logger:       logger,
	}, nil
}

// RegisterLoader registers a loader under its format tag. A later
// registration for the same format overrides the prior one.
func (r *Registry) RegisterLoader(l model.Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[l.Format()] = l
}

// LoaderFor returns the loader registered for the format.
func (r *Registry) LoaderFor(format types.Format) (model.Loader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[format]
	return l, ok
}

// Load materializes a model from a spec through the matching loader and
// registers it. The format is detected when the spec omits it.
func (r *Registry) Load(ctx context.Context, spec model.Spec) (model.Model, error) {
	format := model.DetectFormat(spec)
	loader, ok := r.LoaderFor(format)
	if !ok {
		return nil, errors.NewNoLoader(string(format))
	}

	m, err := loader.Load(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", spec.Source, err)
	}
	if err := r.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Register validates and indexes a model, evicting the LRU entry first when
// the registry is at capacity. Emits a registered event.
func (r *Registry) Register(m model.Model) error {
	info := m.Info()
	if info.ID == "" {
		return fmt.Errorf("model id is required")
	}

	// Evict before inserting so size <= maxModels holds at every boundary.
	var evicted model.Model
	r.mu.Lock()
	if _, exists := r.models[info.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("model %s already registered", info.ID)
	}
	if len(r.models) >= r.cfg.MaxModels {
		evicted = r.removeOldestLocked()
	}
	r.models[info.ID] = m
	r.byFormat[info.Format] = append(r.byFormat[info.Format], info.ID)
	for _, cap := range info.Capabilities {
		r.byCapability[cap] = append(r.byCapability[cap], info.ID)
	}
	r.recency.Add(info.ID, struct{}{})
	r.mu.Unlock()

	if evicted != nil {
		r.release(evicted)
	}

	r.emitter.Emit(events.New(events.Registered, map[string]any{
		"model_id": info.ID,
		"format":   string(info.Format),
	}))
	return nil
}

// Get returns the model by id, lazily loading it and touching its recency.
func (r *Registry) Get(ctx context.Context, id string) (model.Model, error) {
	r.mu.RLock()
	m, ok := r.models[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model %s not found", id)
	}

	if m.State() != model.StateLoaded {
		if err := m.Load(ctx); err != nil {
			return nil, fmt.Errorf("load model %s: %w", id, err)
		}
	}

	m.Metrics().Touch()
	r.recency.Get(id)
	return m, nil
}

// Peek returns the model by id without loading or touching it.
func (r *Registry) Peek(id string) (model.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// GetByFormat returns the models of a format in stable insertion order.
func (r *Registry) GetByFormat(format types.Format) []model.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(r.byFormat[format])
}

// GetByCapability returns the models claiming a capability in stable
// insertion order.
func (r *Registry) GetByCapability(cap types.Capability) []model.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(r.byCapability[cap])
}

// List returns registered models matching the filter, in insertion order
// within each format index.
func (r *Registry) List(filter ListFilter) []model.Model {
	r.mu.RLock()
	all := make([]model.Model, 0, len(r.models))
	for _, ids := range r.byFormat {
		for _, id := range ids {
			all = append(all, r.models[id])
		}
	}
	r.mu.RUnlock()

	result := make([]model.Model, 0, len(all))
	for _, m := range all {
		if !matches(m, filter) {
			continue
		}
		result = append(result, m)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result
}

// Search matches models by case-insensitive name regex and optional format.
func (r *Registry) Search(nameRegex string, format types.Format) ([]model.Model, error) {
	re, err := regexp.Compile("(?i)" + nameRegex)
	if err != nil {
		return nil, fmt.Errorf("compile search pattern: %w", err)
	}

	return r.List(ListFilter{
		Predicate: func(m model.Model) bool {
			info := m.Info()
			if format != "" && info.Format != format {
				return false
			}
			return re.MatchString(info.Name)
		},
	}), nil
}

// Size returns the number of registered models.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// EvictLRU removes the least recently used model after releasing it.
// Returns the evicted id, or empty when the registry is empty.
func (r *Registry) EvictLRU() string {
	r.mu.Lock()
	evicted := r.removeOldestLocked()
	r.mu.Unlock()

	if evicted == nil {
		return ""
	}
	r.release(evicted)
	return evicted.Info().ID
}

// Close unloads every registered model.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	models := make([]model.Model, 0, len(r.models))
	for _, m := range r.models {
		models = append(models, m)
	}
	r.mu.Unlock()

	var firstErr error
	for _, m := range models {
		if err := m.Unload(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// removeOldestLocked unlinks the least recently used model from every index
// and returns it. Recency is the model's lastUsed metric, which the request
// path updates on every inference; never-used models evict first, in
// registration order. The caller releases the model outside the lock so a
// draining Unload cannot stall readers.
func (r *Registry) removeOldestLocked() model.Model {
	var victim model.Model
	var victimID string
	var victimUsed time.Time

	for _, id := range r.recency.Keys() {
		m := r.models[id]
		if m == nil {
			r.recency.Remove(id)
			continue
		}
		used := m.Metrics().LastUsed()
		if victim == nil || used.Before(victimUsed) {
			victim, victimID, victimUsed = m, id, used
		}
	}
	if victim == nil {
		return nil
	}

	info := victim.Info()
	r.recency.Remove(victimID)
	delete(r.models, victimID)
	r.byFormat[info.Format] = removeID(r.byFormat[info.Format], victimID)
	for _, cap := range info.Capabilities {
		r.byCapability[cap] = removeID(r.byCapability[cap], victimID)
	}
	return victim
}

func (r *Registry) release(m model.Model) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Unload(ctx); err != nil {
		r.logger.Warn("release evicted model", "model_id", m.Info().ID, "error", err)
	}
	r.emitter.Emit(events.New(events.Evicted, map[string]any{
		"model_id": m.Info().ID,
	}))
}

func (r *Registry) resolveLocked(ids []string) []model.Model {
	result := make([]model.Model, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.models[id]; ok {
			result = append(result, m)
		}
	}
	return result
}

func matches(m model.Model, filter ListFilter) bool {
	info := m.Info()

	if len(filter.Formats) > 0 && !containsFormat(filter.Formats, info.Format) {
		return false
	}
	for _, cap := range filter.Capabilities {
		if !info.Supports(cap) {
			return false
		}
	}
	if len(filter.States) > 0 {
		state := m.State()
		found := false
		for _, s := range filter.States {
			if s == state {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Predicate != nil && !filter.Predicate(m) {
		return false
	}
	return true
}

func containsFormat(formats []types.Format, f types.Format) bool {
	for _, candidate := range formats {
		if candidate == f {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	for i, candidate := range ids {
		if candidate == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
