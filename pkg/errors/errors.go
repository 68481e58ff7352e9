// Package errors defines the unified error taxonomy for routing and
// execution. Every failure surfaced by the substrate is one of these kinds;
// provider- and loader-specific errors are mapped into them at the edge.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind is a stable, transport-independent error classification.
type Kind string

const (
	// KindNoCandidate: the requirement filter yielded an empty candidate set.
	KindNoCandidate Kind = "no_candidate"
	// KindNoLoader: no loader is registered for the detected format.
	KindNoLoader Kind = "no_loader"
	// KindNotLoaded: a model operation was invoked on an unloaded model.
	KindNotLoaded Kind = "not_loaded"
	// KindTimeout: the request deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindRateLimited: the upstream signaled a rate limit.
	KindRateLimited Kind = "rate_limited"
	// KindInvalidRequest: malformed prompt or out-of-range options. Not retried.
	KindInvalidRequest Kind = "invalid_request"
	// KindUpstreamError: transient upstream failure. Retried.
	KindUpstreamError Kind = "upstream_error"
	// KindCorruptedStream: a streaming integrity check failed.
	KindCorruptedStream Kind = "corrupted_stream"
	// KindQuotaExceeded: a tenant quota was breached.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindAccessDenied: the tenant lacks access to the requested model.
	KindAccessDenied Kind = "access_denied"
	// KindUnauthorized: missing or invalid credentials.
	KindUnauthorized Kind = "unauthorized"
)

// Error is the standardized error carried across the substrate. It exposes
// the kind, a short stable message, and a structured field bag; internal
// causes are logged by the owning component, never returned to callers.
type Error struct {
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	ModelID   string         `json:"model_id,omitempty"`
	Retryable bool           `json:"-"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ModelID != "" {
		return fmt.Sprintf("[%s] %s (model=%s)", e.Kind, e.Message, e.ModelID)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// WithField returns e with an additional structured field set.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// KindOf returns the kind of err, or the empty kind for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is a substrate error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err may be retried by the pipeline. Foreign
// errors are treated as transient so unknown transport failures get the
// retry path.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// IsPolicy reports whether the kind is a policy error. Policy errors are
// never subject to fallback: the decision would be identical on any model.
func IsPolicy(kind Kind) bool {
	switch kind {
	case KindQuotaExceeded, KindAccessDenied, KindUnauthorized:
		return true
	}
	return false
}

// NewNoCandidate creates a NoCandidate error for a requirement set.
func NewNoCandidate(requirements string) *Error {
	return &Error{
		Kind:    KindNoCandidate,
		Message: "no model satisfies the request requirements",
		Fields:  map[string]any{"requirements": requirements},
	}
}

// NewNoLoader creates a NoLoader error for a format tag.
func NewNoLoader(format string) *Error {
	return &Error{
		Kind:    KindNoLoader,
		Message: "no loader registered for format",
		Fields:  map[string]any{"format": format},
	}
}

// NewNotLoaded creates a NotLoaded error for a model.
func NewNotLoaded(modelID string) *Error {
	return &Error{
		Kind:    KindNotLoaded,
		Message: "model is not loaded",
		ModelID: modelID,
	}
}

// NewTimeout creates a Timeout error carrying the elapsed time and budget.
func NewTimeout(modelID string, elapsed, budget time.Duration) *Error {
	return &Error{
		Kind:      KindTimeout,
		Message:   "deadline exceeded",
		ModelID:   modelID,
		Retryable: true,
		Fields: map[string]any{
			"elapsed_ms": elapsed.Milliseconds(),
			"budget_ms":  budget.Milliseconds(),
		},
	}
}

// NewRateLimited creates a RateLimited error. retryAfter of zero means the
// upstream gave no hint.
func NewRateLimited(modelID string, retryAfter time.Duration) *Error {
	e := &Error{
		Kind:      KindRateLimited,
		Message:   "upstream rate limit",
		ModelID:   modelID,
		Retryable: true,
	}
	if retryAfter > 0 {
		e.Fields = map[string]any{"retry_after_ms": retryAfter.Milliseconds()}
	}
	return e
}

// NewInvalidRequest creates an InvalidRequest error. Never retried.
func NewInvalidRequest(message string) *Error {
	return &Error{
		Kind:    KindInvalidRequest,
		Message: message,
	}
}

// NewUpstreamError creates a transient UpstreamError.
func NewUpstreamError(modelID, message string) *Error {
	return &Error{
		Kind:      KindUpstreamError,
		Message:   message,
		ModelID:   modelID,
		Retryable: true,
	}
}

// NewCorruptedStream creates a CorruptedStream error naming the failed check.
func NewCorruptedStream(modelID, check string) *Error {
	return &Error{
		Kind:    KindCorruptedStream,
		Message: "stream integrity check failed",
		ModelID: modelID,
		Fields:  map[string]any{"check": check},
	}
}

// NewQuotaExceeded creates a QuotaExceeded error carrying the breached
// quota type, the usage observed, and the configured limit.
func NewQuotaExceeded(quotaType string, used, limit int64) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Message: "tenant quota exceeded",
		Fields: map[string]any{
			"type":  quotaType,
			"used":  used,
			"limit": limit,
		},
	}
}

// NewAccessDenied creates an AccessDenied error.
func NewAccessDenied(tenantID, modelID string) *Error {
	return &Error{
		Kind:    KindAccessDenied,
		Message: "tenant has no access to model",
		ModelID: modelID,
		Fields:  map[string]any{"tenant_id": tenantID},
	}
}

// NewUnauthorized creates an Unauthorized error.
func NewUnauthorized(message string) *Error {
	return &Error{
		Kind:    KindUnauthorized,
		Message: message,
	}
}
