// Package mock provides an in-process, scriptable model and loader. It backs
// tests and local development without a real inference backend.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// GenerateFunc scripts the completion behavior of a mock model.
type GenerateFunc func(ctx context.Context, prompt string, opts *types.GenerateOptions) (*types.GenerateResult, error)

// StreamFunc scripts the fragment sequence of a mock stream.
type StreamFunc func(prompt string) []string

// Model is a scriptable in-process model.
type Model struct {
	*model.Base

	latency time.Duration

	mu       sync.Mutex
	generate GenerateFunc
	stream   StreamFunc

	// failures counts down: while positive, Generate fails with failErr.
	failures int
	failErr  error
}

// Option customizes a mock model.
type Option func(*Model)

// WithLatency adds simulated processing time to every call.
func WithLatency(d time.Duration) Option {
	return func(m *Model) { m.latency = d }
}

// WithGenerate scripts the completion behavior.
func WithGenerate(fn GenerateFunc) Option {
	return func(m *Model) { m.generate = fn }
}

// WithStream scripts the stream fragments.
func WithStream(fn StreamFunc) Option {
	return func(m *Model) { m.stream = fn }
}

// WithFailures makes the next n Generate calls fail with err before the
// model recovers. Useful for retry and fallback behavior.
func WithFailures(n int, err error) Option {
	return func(m *Model) {
		m.failures = n
		m.failErr = err
	}
}

// New creates a mock model from the given info.
func New(info model.Info, opts ...Option) *Model {
	if info.Format == "" {
		info.Format = types.FormatMock
	}
	m := &Model{}
	m.Base = model.NewBase(info, model.Hooks{})
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Generate implements model.Model. The default behavior echoes the prompt
// inside an OpenAI-shaped raw payload so normalization paths are exercised.
func (m *Model) Generate(ctx context.Context, prompt string, opts *types.GenerateOptions) (*types.GenerateResult, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.failures > 0 {
		m.failures--
		err := m.failErr
		m.mu.Unlock()
		return nil, err
	}
	generate := m.generate
	m.mu.Unlock()

	if generate != nil {
		return generate(ctx, prompt, opts)
	}

	text := "echo: " + prompt
	tokens := len(strings.Fields(prompt)) + 2
	return &types.GenerateResult{
		Raw: map[string]any{
			"choices": []any{
				map[string]any{
					"message": map[string]any{"content": text},
				},
			},
			"usage": map[string]any{"total_tokens": float64(tokens)},
		},
	}, nil
}

// Stream implements model.Model. Fragments default to the whitespace-split
// prompt echo; a StreamFunc overrides them.
func (m *Model) Stream(ctx context.Context, prompt string, opts *types.GenerateOptions) (*model.Stream, error) {
	if m.State() != model.StateLoaded {
		return nil, errors.NewNotLoaded(m.Info().ID)
	}

	m.mu.Lock()
	script := m.stream
	m.mu.Unlock()

	fragments := []string{"echo:", " " + prompt}
	if script != nil {
		fragments = script(prompt)
	}

	s := model.NewStream(len(fragments)+1, nil)
	go func() {
		total := 0
		for _, fragment := range fragments {
			if err := m.wait(ctx); err != nil {
				s.Fail(err)
				return
			}
			total += len(fragment)
			if !s.Send(types.StreamChunk{Raw: fragment}) {
				return
			}
		}
		s.Finish(total)
	}()
	return s, nil
}

// Embed implements model.Model with a deterministic toy embedding.
func (m *Model) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 8)
		for j, r := range text {
			vec[j%8] += float32(r) / 1000
		}
		out[i] = vec
	}
	return out, nil
}

// Tokenize implements model.Model over bytes.
func (m *Model) Tokenize(_ context.Context, text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := range text {
		ids[i] = int(text[i])
	}
	return ids, nil
}

// Detokenize implements model.Model.
func (m *Model) Detokenize(_ context.Context, ids []int) (string, error) {
	b := make([]byte, len(ids))
	for i, id := range ids {
		if id < 0 || id > 255 {
			return "", fmt.Errorf("token id %d out of range", id)
		}
		b[i] = byte(id)
	}
	return string(b), nil
}

func (m *Model) wait(ctx context.Context) error {
	if m.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loader materializes mock models. Spec options: name, parameters,
// context_window, max_concurrent, capabilities ([]string), latency_ms.
type Loader struct {
	defaults []Option
}

// NewLoader creates a mock loader. The given options apply to every model
// it materializes.
func NewLoader(defaults ...Option) *Loader {
	return &Loader{defaults: defaults}
}

// Format implements model.Loader.
func (l *Loader) Format() types.Format { return types.FormatMock }

// Load implements model.Loader.
func (l *Loader) Load(_ context.Context, spec model.Spec) (model.Model, error) {
	id := spec.ID
	if id == "" {
		id = spec.Source
	}
	if id == "" {
		return nil, fmt.Errorf("mock spec needs an id or source")
	}

	info := model.Info{
		ID:     id,
		Name:   id,
		Format: types.FormatMock,
		Source: spec.Source,
		Capabilities: []types.Capability{
			types.CapCompletion,
			types.CapChat,
			types.CapStreaming,
		},
	}
	opts := append([]Option(nil), l.defaults...)

	if spec.Options != nil {
		if name, ok := spec.Options["name"].(string); ok {
			info.Name = name
		}
		if params, ok := asInt64(spec.Options["parameters"]); ok {
			info.Parameters = params
		}
		if window, ok := asInt64(spec.Options["context_window"]); ok {
			info.ContextWindow = int(window)
		}
		if mc, ok := asInt64(spec.Options["max_concurrent"]); ok {
			info.MaxConcurrent = int(mc)
		}
		if caps, ok := spec.Options["capabilities"].([]string); ok {
			info.Capabilities = info.Capabilities[:0]
			for _, c := range caps {
				info.Capabilities = append(info.Capabilities, types.Capability(c))
			}
		}
		if ms, ok := asInt64(spec.Options["latency_ms"]); ok {
			opts = append(opts, WithLatency(time.Duration(ms)*time.Millisecond))
		}
	}

	return New(info, opts...), nil
}

// FromSnapshot implements model.Loader.
func (l *Loader) FromSnapshot(_ context.Context, entry model.SnapshotEntry) (model.Model, error) {
	info := model.Info{
		ID:           entry.ID,
		Name:         entry.Name,
		Format:       types.FormatMock,
		Source:       entry.Source,
		Parameters:   entry.Parameters,
		Capabilities: entry.Capabilities,
	}
	return New(info, l.defaults...), nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
