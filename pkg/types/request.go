package types

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mode describes the latency expectation of a request.
type Mode string

const (
	ModeRealtime Mode = "realtime"
	ModeNormal   Mode = "normal"
	ModeBatch    Mode = "batch"
)

// Requirements constrains which models are eligible for a request and
// carries the generation parameters forwarded to the selected model.
type Requirements struct {
	Capabilities   []Capability `json:"capabilities,omitempty"`
	Format         Format       `json:"format,omitempty"`
	MaxSize        int64        `json:"max_size,omitempty"` // upper bound on parameter count
	PreferredModel string       `json:"preferred_model,omitempty"`
	MaxTokens      int          `json:"max_tokens,omitempty"`
	Temperature    *float64     `json:"temperature,omitempty"`
	Template       string       `json:"template,omitempty"`
	SystemPrompt   string       `json:"system_prompt,omitempty"`
}

// Canonical returns a stable textual form of the requirements, suitable for
// fingerprinting. Capabilities are sorted so that logically equal requirement
// sets canonicalize identically.
func (r Requirements) Canonical() string {
	caps := make([]string, len(r.Capabilities))
	for i, c := range r.Capabilities {
		caps[i] = string(c)
	}
	sort.Strings(caps)

	var b strings.Builder
	b.WriteString("caps=")
	b.WriteString(strings.Join(caps, ","))
	b.WriteString(";format=")
	b.WriteString(string(r.Format))
	b.WriteString(";max_size=")
	b.WriteString(strconv.FormatInt(r.MaxSize, 10))
	b.WriteString(";preferred=")
	b.WriteString(r.PreferredModel)
	b.WriteString(";max_tokens=")
	b.WriteString(strconv.Itoa(r.MaxTokens))
	if r.Temperature != nil {
		b.WriteString(";temp=")
		b.WriteString(strconv.FormatFloat(*r.Temperature, 'g', -1, 64))
	}
	return b.String()
}

// RequestContext carries caller identity and routing hints.
type RequestContext struct {
	UserID      string            `json:"user_id,omitempty"`
	TenantID    string            `json:"tenant_id,omitempty"`
	Mode        Mode              `json:"mode,omitempty"`
	UserSegment string            `json:"user_segment,omitempty"`
	Region      string            `json:"region,omitempty"`
	Credentials string            `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Request is the logical, transport-agnostic inference request.
type Request struct {
	Prompt        string         `json:"prompt"`
	Requirements  Requirements   `json:"requirements"`
	Context       RequestContext `json:"context"`
	FallbackChain []string       `json:"fallback_chain,omitempty"`

	// Strategy optionally overrides the router's configured strategy for
	// this request. Experiment variants inject overrides here.
	Strategy string `json:"strategy,omitempty"`

	// Stream requests a token stream instead of a buffered response.
	Stream bool `json:"stream,omitempty"`
}

// GenerateOptions are the per-call generation parameters a pipeline passes
// to a model.
type GenerateOptions struct {
	MaxTokens    int
	Temperature  *float64
	Template     string
	SystemPrompt string

	// Cache controls response caching. nil means "use the default" (enabled).
	Cache *bool

	// TTL overrides the pipeline response-cache TTL when > 0.
	TTL time.Duration

	// Retries overrides the pipeline retry count when non-nil.
	Retries *int
}

// CacheEnabled reports whether response caching applies for these options.
func (o *GenerateOptions) CacheEnabled() bool {
	if o == nil || o.Cache == nil {
		return true
	}
	return *o.Cache
}

// Canonical returns a stable textual form of the options for cache keys.
func (o *GenerateOptions) Canonical() string {
	if o == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("max_tokens=")
	b.WriteString(strconv.Itoa(o.MaxTokens))
	if o.Temperature != nil {
		b.WriteString(";temp=")
		b.WriteString(strconv.FormatFloat(*o.Temperature, 'g', -1, 64))
	}
	b.WriteString(";template=")
	b.WriteString(o.Template)
	b.WriteString(";system=")
	b.WriteString(o.SystemPrompt)
	return b.String()
}
