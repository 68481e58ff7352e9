// Package tenancy owns tenant records, isolation enforcement, quota
// accounting, and usage/billing events. State is in-memory; persistence and
// pricing are consumer-side.
package tenancy

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

// BillingRates prices recorded usage: cost = requests*PerRequest +
// tokens*PerToken + computeUnits*PerComputeUnit.
type BillingRates struct {
	PerRequest     float64 `yaml:"per_request"`
	PerToken       float64 `yaml:"per_token"`
	PerComputeUnit float64 `yaml:"per_compute_unit"`
}

// Config controls tenancy defaults and billing.
type Config struct {
	// DefaultIsolation applies when a tenant declares no isolation mode.
	DefaultIsolation types.IsolationMode

	// DefaultQuotas seed every tenant's quota map; explicit tenant quotas win.
	DefaultQuotas map[types.QuotaType]int64

	// EnableBilling turns usage into billing events.
	EnableBilling bool
	BillingRates  BillingRates

	// HistoryRetention bounds the windowed usage history. It must cover the
	// longest quota window.
	HistoryRetention time.Duration

	// BillingRetention bounds the in-memory billing buffer.
	BillingRetention time.Duration
}

// DefaultConfig returns the default tenancy configuration.
func DefaultConfig() Config {
	return Config{
		DefaultIsolation: types.IsolationShared,
		EnableBilling:    true,
		BillingRates: BillingRates{
			PerRequest:     0.0001,
			PerToken:       0.000002,
			PerComputeUnit: 0.01,
		},
		HistoryRetention: 24 * time.Hour,
		BillingRetention: 30 * 24 * time.Hour,
	}
}

// usageEntry is one timestamped usage sample in a sliding-window buffer.
type usageEntry struct {
	at    time.Time
	value int64
}

// tenantState is the mutable per-tenant record. Its mutex is the per-tenant
// critical section; the manager map only locates states.
type tenantState struct {
	mu     sync.RWMutex
	tenant types.Tenant

	assigned map[string]struct{}

	concurrent   int64
	storageGB    int64
	computeUnits int64

	requestHistory []usageEntry
	tokenHistory   []usageEntry
	billing        []types.BillingEvent
}

// Manager is the tenancy facade. All operations are safe for concurrent use.
type Manager struct {
	tenants *xsync.Map[string, *tenantState]
	shared  *xsync.Map[string, struct{}]

	cfg     Config
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

// WithClock injects the clock used for windows and billing. Test hook.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a tenancy manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.DefaultIsolation == "" {
		cfg.DefaultIsolation = def.DefaultIsolation
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = def.HistoryRetention
	}
	if cfg.BillingRetention <= 0 {
		cfg.BillingRetention = def.BillingRetention
	}

	m := &Manager{
		tenants: xsync.NewMap[string, *tenantState](),
		shared:  xsync.NewMap[string, struct{}](),
		cfg:     cfg,
		emitter: events.Nop{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateTenant validates and registers a tenant. Unset quotas inherit the
// configured defaults; explicit quotas win.
func (m *Manager) CreateTenant(t types.Tenant) error {
	if t.ID == "" {
		return errors.NewInvalidRequest("tenant id is required")
	}
	if t.Name == "" {
		return errors.NewInvalidRequest("tenant name is required")
	}
	if t.Isolation == "" {
		t.Isolation = m.cfg.DefaultIsolation
	}
	if !t.Isolation.Valid() {
		return errors.NewInvalidRequest(fmt.Sprintf("unknown isolation mode %q", t.Isolation))
	}
	for qt, limit := range t.Quotas {
		if !qt.Valid() {
			return errors.NewInvalidRequest(fmt.Sprintf("unknown quota type %q", qt))
		}
		if limit < 0 {
			return errors.NewInvalidRequest(fmt.Sprintf("quota %q must be non-negative", qt))
		}
	}

	quotas := make(map[types.QuotaType]int64, len(m.cfg.DefaultQuotas)+len(t.Quotas))
	for qt, limit := range m.cfg.DefaultQuotas {
		quotas[qt] = limit
	}
	for qt, limit := range t.Quotas {
		quotas[qt] = limit
	}
	t.Quotas = quotas

	if t.Status == "" {
		t.Status = types.TenantActive
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}

	state := &tenantState{
		tenant:   t,
		assigned: make(map[string]struct{}),
	}
	if _, loaded := m.tenants.LoadOrStore(t.ID, state); loaded {
		return errors.NewInvalidRequest(fmt.Sprintf("tenant %s already exists", t.ID))
	}

	m.emitter.Emit(events.New(events.TenantCreated, map[string]any{
		"tenant_id": t.ID,
		"isolation": string(t.Isolation),
	}))
	return nil
}

// Patch is a partial tenant update; nil fields are left unchanged.
type Patch struct {
	Name      *string
	Isolation *types.IsolationMode
	Quotas    map[types.QuotaType]int64
	Metadata  map[string]string
	Status    *types.TenantStatus
}

// UpdateTenant merges the patch into the tenant. Changing isolation or
// quotas resets the windowed usage history, since the prior samples were
// accounted under different rules.
func (m *Manager) UpdateTenant(id string, patch Patch) error {
	state, err := m.state(id)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	reset := false
	if patch.Name != nil {
		state.tenant.Name = *patch.Name
	}
	if patch.Isolation != nil {
		if !patch.Isolation.Valid() {
			return errors.NewInvalidRequest(fmt.Sprintf("unknown isolation mode %q", *patch.Isolation))
		}
		if state.tenant.Isolation != *patch.Isolation {
			state.tenant.Isolation = *patch.Isolation
			reset = true
		}
	}
	if patch.Quotas != nil {
		for qt, limit := range patch.Quotas {
			if !qt.Valid() {
				return errors.NewInvalidRequest(fmt.Sprintf("unknown quota type %q", qt))
			}
			if limit < 0 {
				return errors.NewInvalidRequest(fmt.Sprintf("quota %q must be non-negative", qt))
			}
		}
		if state.tenant.Quotas == nil {
			state.tenant.Quotas = make(map[types.QuotaType]int64)
		}
		for qt, limit := range patch.Quotas {
			state.tenant.Quotas[qt] = limit
		}
		reset = true
	}
	if patch.Metadata != nil {
		if state.tenant.Metadata == nil {
			state.tenant.Metadata = make(map[string]string)
		}
		for k, v := range patch.Metadata {
			state.tenant.Metadata[k] = v
		}
	}
	if patch.Status != nil {
		state.tenant.Status = *patch.Status
	}

	if reset {
		state.requestHistory = nil
		state.tokenHistory = nil
	}

	m.emitter.Emit(events.New(events.TenantUpdated, map[string]any{
		"tenant_id": id,
	}))
	return nil
}

// DeleteTenant removes the tenant and all of its accounting state.
func (m *Manager) DeleteTenant(id string) error {
	if _, ok := m.tenants.LoadAndDelete(id); !ok {
		return errors.NewInvalidRequest(fmt.Sprintf("tenant %s not found", id))
	}
	m.emitter.Emit(events.New(events.TenantDeleted, map[string]any{
		"tenant_id": id,
	}))
	return nil
}

// GetTenant returns a copy of the tenant record.
func (m *Manager) GetTenant(id string) (types.Tenant, error) {
	state, err := m.state(id)
	if err != nil {
		return types.Tenant{}, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.tenant, nil
}

// AddToSharedPool marks a model reachable by shared and hybrid tenants.
func (m *Manager) AddToSharedPool(modelID string) {
	m.shared.Store(modelID, struct{}{})
}

// RemoveFromSharedPool withdraws a model from the shared pool.
func (m *Manager) RemoveFromSharedPool(modelID string) {
	m.shared.Delete(modelID)
}

// CheckModelAccess enforces the tenant's isolation mode. Suspended tenants
// are denied regardless of mode.
func (m *Manager) CheckModelAccess(tenantID, modelID string) error {
	state, err := m.state(tenantID)
	if err != nil {
		return err
	}

	state.mu.RLock()
	status := state.tenant.Status
	isolation := state.tenant.Isolation
	_, assigned := state.assigned[modelID]
	state.mu.RUnlock()

	if status == types.TenantSuspended {
		return errors.NewAccessDenied(tenantID, modelID)
	}
	if assigned {
		return nil
	}

	switch isolation {
	case types.IsolationStrict:
		return errors.NewAccessDenied(tenantID, modelID)
	case types.IsolationShared, types.IsolationHybrid:
		if _, ok := m.shared.Load(modelID); ok {
			return nil
		}
		return errors.NewAccessDenied(tenantID, modelID)
	default:
		return errors.NewAccessDenied(tenantID, modelID)
	}
}

// AssignModelToTenant grants a tenant direct access to a model, enforcing
// the ModelCount quota.
func (m *Manager) AssignModelToTenant(tenantID, modelID string) error {
	state, err := m.state(tenantID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, ok := state.assigned[modelID]; ok {
		return nil
	}
	if limit, ok := state.tenant.Quotas[types.QuotaModelCount]; ok {
		if int64(len(state.assigned)) >= limit {
			m.emitQuotaExceeded(tenantID, types.QuotaModelCount, int64(len(state.assigned)), limit)
			return errors.NewQuotaExceeded(string(types.QuotaModelCount), int64(len(state.assigned)), limit)
		}
	}
	state.assigned[modelID] = struct{}{}
	return nil
}

// UnassignModel revokes a direct assignment.
func (m *Manager) UnassignModel(tenantID, modelID string) error {
	state, err := m.state(tenantID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	delete(state.assigned, modelID)
	state.mu.Unlock()
	return nil
}

// AssignedModels returns the tenant's directly assigned model ids.
func (m *Manager) AssignedModels(tenantID string) ([]string, error) {
	state, err := m.state(tenantID)
	if err != nil {
		return nil, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	ids := make([]string, 0, len(state.assigned))
	for id := range state.assigned {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *Manager) state(id string) (*tenantState, error) {
	if id == "" {
		return nil, errors.NewInvalidRequest("tenant id is required")
	}
	state, ok := m.tenants.Load(id)
	if !ok {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("tenant %s not found", id))
	}
	return state, nil
}

func (m *Manager) emitQuotaExceeded(tenantID string, qt types.QuotaType, used, limit int64) {
	m.emitter.Emit(events.New(events.QuotaExceeded, map[string]any{
		"tenant_id": tenantID,
		"type":      string(qt),
		"used":      used,
		"limit":     limit,
	}))
}
