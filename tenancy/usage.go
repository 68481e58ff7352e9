package tenancy

import (
	"time"

	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// CheckQuota verifies that admitting op would not breach any configured
// quota. It is a pure read: no counter moves. Quota types are evaluated in
// the stable AllQuotaTypes order so the first reported breach is
// deterministic.
func (m *Manager) CheckQuota(tenantID string, op types.Usage) error {
	state, err := m.state(tenantID)
	if err != nil {
		return err
	}

	now := m.now()

	state.mu.RLock()
	defer state.mu.RUnlock()

	for _, qt := range types.AllQuotaTypes {
		limit, ok := state.tenant.Quotas[qt]
		if !ok {
			continue
		}
		delta := quotaDelta(qt, op)
		if delta == 0 && qt.Window() > 0 {
			continue
		}

		used := state.usedLocked(qt, now)
		if used+delta > limit {
			m.emitQuotaExceeded(tenantID, qt, used, limit)
			return errors.NewQuotaExceeded(string(qt), used, limit)
		}
	}
	return nil
}

// RecordUsage applies one usage batch atomically: windowed histories grow,
// gauges move, the history is pruned, and a billing event is appended when
// billing is enabled.
func (m *Manager) RecordUsage(tenantID string, usage types.Usage) error {
	state, err := m.state(tenantID)
	if err != nil {
		return err
	}

	now := m.now()

	state.mu.Lock()
	if usage.Requests > 0 {
		state.requestHistory = append(state.requestHistory, usageEntry{at: now, value: usage.Requests})
	}
	if usage.Tokens > 0 {
		state.tokenHistory = append(state.tokenHistory, usageEntry{at: now, value: usage.Tokens})
	}
	state.storageGB += usage.StorageGB
	if state.storageGB < 0 {
		state.storageGB = 0
	}
	state.computeUnits += usage.ComputeUnits
	if state.computeUnits < 0 {
		state.computeUnits = 0
	}

	state.requestHistory = prune(state.requestHistory, now.Add(-m.cfg.HistoryRetention))
	state.tokenHistory = prune(state.tokenHistory, now.Add(-m.cfg.HistoryRetention))

	var cost float64
	if m.cfg.EnableBilling {
		cost = float64(usage.Requests)*m.cfg.BillingRates.PerRequest +
			float64(usage.Tokens)*m.cfg.BillingRates.PerToken +
			float64(usage.ComputeUnits)*m.cfg.BillingRates.PerComputeUnit
		state.billing = append(state.billing, types.BillingEvent{
			TenantID:  tenantID,
			Timestamp: now,
			Requests:  usage.Requests,
			Tokens:    usage.Tokens,
			ModelID:   usage.ModelID,
			Cost:      cost,
		})
		state.billing = pruneBilling(state.billing, now.Add(-m.cfg.BillingRetention))
	}
	state.mu.Unlock()

	m.emitter.Emit(events.New(events.UsageRecorded, map[string]any{
		"tenant_id": tenantID,
		"requests":  usage.Requests,
		"tokens":    usage.Tokens,
		"cost":      cost,
	}))
	return nil
}

// AcquireConcurrent admits one request against the ConcurrentRequests gauge,
// failing fast with QuotaExceeded at the limit.
func (m *Manager) AcquireConcurrent(tenantID string) error {
	state, err := m.state(tenantID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if limit, ok := state.tenant.Quotas[types.QuotaConcurrentRequests]; ok {
		if state.concurrent+1 > limit {
			m.emitQuotaExceeded(tenantID, types.QuotaConcurrentRequests, state.concurrent, limit)
			return errors.NewQuotaExceeded(string(types.QuotaConcurrentRequests), state.concurrent, limit)
		}
	}
	state.concurrent++
	return nil
}

// ReleaseConcurrent ends one admitted request. The gauge never goes negative.
func (m *Manager) ReleaseConcurrent(tenantID string) {
	state, err := m.state(tenantID)
	if err != nil {
		return
	}
	state.mu.Lock()
	if state.concurrent > 0 {
		state.concurrent--
	}
	state.mu.Unlock()
}

// UsedQuota returns the current usage for one quota type.
func (m *Manager) UsedQuota(tenantID string, qt types.QuotaType) (int64, error) {
	state, err := m.state(tenantID)
	if err != nil {
		return 0, err
	}
	now := m.now()
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.usedLocked(qt, now), nil
}

// BillingEvents returns a copy of the tenant's billing buffer.
func (m *Manager) BillingEvents(tenantID string) ([]types.BillingEvent, error) {
	state, err := m.state(tenantID)
	if err != nil {
		return nil, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	out := make([]types.BillingEvent, len(state.billing))
	copy(out, state.billing)
	return out, nil
}

// usedLocked computes the current usage for a quota type: a sliding-window
// sum for windowed types, the live gauge otherwise.
func (s *tenantState) usedLocked(qt types.QuotaType, now time.Time) int64 {
	if window := qt.Window(); window > 0 {
		cutoff := now.Add(-window)
		switch qt {
		case types.QuotaRequestsPerMinute, types.QuotaRequestsPerHour, types.QuotaRequestsPerDay:
			return windowSum(s.requestHistory, cutoff)
		default:
			return windowSum(s.tokenHistory, cutoff)
		}
	}

	switch qt {
	case types.QuotaConcurrentRequests:
		return s.concurrent
	case types.QuotaModelCount:
		return int64(len(s.assigned))
	case types.QuotaStorageGB:
		return s.storageGB
	case types.QuotaComputeUnits:
		return s.computeUnits
	default:
		return 0
	}
}

// quotaDelta maps the usage batch onto one quota dimension.
func quotaDelta(qt types.QuotaType, op types.Usage) int64 {
	switch qt {
	case types.QuotaRequestsPerMinute, types.QuotaRequestsPerHour, types.QuotaRequestsPerDay:
		return op.Requests
	case types.QuotaTokensPerMinute, types.QuotaTokensPerHour, types.QuotaTokensPerDay:
		return op.Tokens
	case types.QuotaConcurrentRequests:
		return op.Requests
	case types.QuotaStorageGB:
		return op.StorageGB
	case types.QuotaComputeUnits:
		return op.ComputeUnits
	default:
		return 0
	}
}

// windowSum sums entries strictly newer than the cutoff.
func windowSum(entries []usageEntry, cutoff time.Time) int64 {
	var sum int64
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].at.After(cutoff) {
			break
		}
		sum += entries[i].value
	}
	return sum
}

// prune drops entries at or before the cutoff. Entries are appended in time
// order, so a single scan from the front suffices.
func prune(entries []usageEntry, cutoff time.Time) []usageEntry {
	idx := 0
	for idx < len(entries) && !entries[idx].at.After(cutoff) {
		idx++
	}
	if idx == 0 {
		return entries
	}
	return append(entries[:0:0], entries[idx:]...)
}

func pruneBilling(entries []types.BillingEvent, cutoff time.Time) []types.BillingEvent {
	idx := 0
	for idx < len(entries) && !entries[idx].Timestamp.After(cutoff) {
		idx++
	}
	if idx == 0 {
		return entries
	}
	return append(entries[:0:0], entries[idx:]...)
}
