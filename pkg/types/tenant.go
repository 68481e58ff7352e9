package types

import "time"

// IsolationMode controls which models a tenant may reach.
type IsolationMode string

const (
	// IsolationStrict restricts a tenant to its assigned models only.
	IsolationStrict IsolationMode = "strict"
	// IsolationShared grants access to the shared pool plus assigned models.
	IsolationShared IsolationMode = "shared"
	// IsolationHybrid is the union of strict and shared access.
	IsolationHybrid IsolationMode = "hybrid"
)

// Valid reports whether m is a recognized isolation mode.
func (m IsolationMode) Valid() bool {
	switch m {
	case IsolationStrict, IsolationShared, IsolationHybrid:
		return true
	}
	return false
}

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// QuotaType identifies one enforceable tenant quota.
type QuotaType string

const (
	QuotaRequestsPerMinute  QuotaType = "requests_per_minute"
	QuotaRequestsPerHour    QuotaType = "requests_per_hour"
	QuotaRequestsPerDay     QuotaType = "requests_per_day"
	QuotaTokensPerMinute    QuotaType = "tokens_per_minute"
	QuotaTokensPerHour      QuotaType = "tokens_per_hour"
	QuotaTokensPerDay       QuotaType = "tokens_per_day"
	QuotaConcurrentRequests QuotaType = "concurrent_requests"
	QuotaModelCount         QuotaType = "model_count"
	QuotaStorageGB          QuotaType = "storage_gb"
	QuotaComputeUnits       QuotaType = "compute_units"
)

// AllQuotaTypes lists every quota type in the stable order quota checks
// enumerate them, so the first reported breach is deterministic.
var AllQuotaTypes = []QuotaType{
	QuotaRequestsPerMinute,
	QuotaRequestsPerHour,
	QuotaRequestsPerDay,
	QuotaTokensPerMinute,
	QuotaTokensPerHour,
	QuotaTokensPerDay,
	QuotaConcurrentRequests,
	QuotaModelCount,
	QuotaStorageGB,
	QuotaComputeUnits,
}

// Valid reports whether q is a recognized quota type.
func (q QuotaType) Valid() bool {
	for _, known := range AllQuotaTypes {
		if q == known {
			return true
		}
	}
	return false
}

// Window returns the sliding-window length for windowed quota types and
// zero for gauge quota types.
func (q QuotaType) Window() time.Duration {
	switch q {
	case QuotaRequestsPerMinute, QuotaTokensPerMinute:
		return time.Minute
	case QuotaRequestsPerHour, QuotaTokensPerHour:
		return time.Hour
	case QuotaRequestsPerDay, QuotaTokensPerDay:
		return 24 * time.Hour
	}
	return 0
}

// Tenant is one isolated consumer of the router.
type Tenant struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Isolation IsolationMode       `json:"isolation"`
	Quotas    map[QuotaType]int64 `json:"quotas,omitempty"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
	Status    TenantStatus        `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
}

// Usage is one batch of resource consumption reported to the tenancy
// manager. Each submitted batch is applied atomically.
type Usage struct {
	Requests     int64   `json:"requests,omitempty"`
	Tokens       int64   `json:"tokens,omitempty"`
	ComputeUnits int64   `json:"compute_units,omitempty"`
	StorageGB    int64   `json:"storage_gb,omitempty"`
	ModelID      string  `json:"model_id,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
}

// BillingEvent records one accounted slice of tenant usage. Events are kept
// in memory for at most 30 days and emitted to the external sink; pricing is
// consumer-side.
type BillingEvent struct {
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
	Tokens    int64     `json:"tokens"`
	ModelID   string    `json:"model_id,omitempty"`
	Cost      float64   `json:"cost"`
}
