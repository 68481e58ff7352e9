// Package model defines the uniform contracts over inference backends: the
// Model handle the substrate routes to and executes against, and the Loader
// factory that materializes Models from source specs, keyed by format tag.
package model

import (
	"context"

	"github.com/blueberrycongee/modelmux/pkg/types"
)

// State is the runtime lifecycle state of a model.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Info is the immutable identity and declared shape of a model.
type Info struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Version      string             `json:"version,omitempty"`
	Format       types.Format       `json:"format"`
	Architecture string             `json:"architecture,omitempty"`
	Parameters   int64              `json:"parameters,omitempty"`
	ContextWindow int               `json:"context_window,omitempty"`
	Quantization string             `json:"quantization,omitempty"`
	Capabilities []types.Capability `json:"capabilities,omitempty"`
	Engine       types.Engine       `json:"engine,omitempty"`

	// MaxConcurrent is the model's own concurrency limit; zero falls back
	// to the pipeline default.
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// Source is the spec source this model was materialized from, kept so
	// the registry snapshot can rebuild it.
	Source string `json:"source,omitempty"`
}

// Supports reports whether the info claims the capability.
func (i Info) Supports(cap types.Capability) bool {
	for _, c := range i.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// SizeGB estimates the in-memory footprint in gigabytes from the declared
// parameter count, assuming two bytes per parameter.
func (i Info) SizeGB() float64 {
	return float64(i.Parameters) * 2 / 1e9
}

// Model is the uniform handle over one inference backend. Implementations
// own their internal thread-safety; all methods may be called from many
// goroutines. Operations never silently return empty results on internal
// error: failures are always typed (pkg/errors kinds).
type Model interface {
	// Info returns the immutable identity of the model.
	Info() Info

	// State returns the current lifecycle state.
	State() State

	// Load transitions Unloaded/Failed -> Loading -> Loaded/Failed.
	// Idempotent once Loaded.
	Load(ctx context.Context) error

	// Unload releases backend resources. Subsequent Generate/Stream calls
	// fail with NotLoaded. Unload waits for in-flight work admitted via
	// Acquire to drain.
	Unload(ctx context.Context) error

	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string, opts *types.GenerateOptions) (*types.GenerateResult, error)

	// Stream produces a lazy, finite token stream. The returned stream is
	// non-restartable and always terminates with a Finished chunk, even on
	// abort; its finalizer is guaranteed to run.
	Stream(ctx context.Context, prompt string, opts *types.GenerateOptions) (*Stream, error)

	// Embed returns one vector per input text. Required only when the
	// capability set contains embedding.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Tokenize and Detokenize convert between text and token ids. Required
	// only when the loader declares tokenization support.
	Tokenize(ctx context.Context, text string) ([]int, error)
	Detokenize(ctx context.Context, ids []int) (string, error)

	// Supports reports whether the model claims the capability.
	Supports(cap types.Capability) bool

	// Metrics returns the model's rolling metrics. The returned handle is
	// live and safe for concurrent use.
	Metrics() *Metrics

	// Acquire registers an in-flight operation so Unload cannot race it.
	// It fails with NotLoaded when the model is not Loaded.
	Acquire() error

	// Release ends an in-flight operation admitted by Acquire.
	Release()
}
