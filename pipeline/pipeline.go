// Package pipeline executes a routed request against its selected model. It
// owns preprocessing, response caching, retry with backoff, result
// normalization, and the streaming health checks.
package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/xxh3"

	"github.com/blueberrycongee/modelmux/pkg/cache"
	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// Config controls pipeline execution.
type Config struct {
	// MaxConcurrent bounds concurrent executions per model when the model
	// declares no limit of its own.
	MaxConcurrent int

	// Retries is the default retry count; a request attempts Retries+1 times.
	Retries int

	// Timeout applies when the caller's context carries no deadline.
	Timeout time.Duration

	// ResponseCacheTTL is the default response-cache entry lifetime.
	ResponseCacheTTL time.Duration

	// RatePerSecond optionally throttles per-model admission. Zero disables.
	RatePerSecond float64
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    5,
		Retries:          3,
		Timeout:          30 * time.Second,
		ResponseCacheTTL: time.Hour,
	}
}

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// Pipeline executes requests against models.
type Pipeline struct {
	cache   cache.Cache
	cfg     Config
	gates   *gates
	emitter events.Emitter
	logger  *slog.Logger

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithCache sets the response cache backend. nil disables response caching.
func WithCache(c cache.Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithEmitter sets the event emitter.
func WithEmitter(e events.Emitter) Option {
	return func(p *Pipeline) { p.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithSleep replaces the backoff sleeper. Test hook.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = sleep }
}

// New creates a pipeline.
func New(cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Retries < 0 {
		cfg.Retries = def.Retries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ResponseCacheTTL <= 0 {
		cfg.ResponseCacheTTL = def.ResponseCacheTTL
	}

	p := &Pipeline{
		cfg:     cfg,
		gates:   newGates(cfg.MaxConcurrent, cfg.RatePerSecond),
		emitter: events.Nop{},
		logger:  slog.Default(),
		jitter:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the full request lifecycle against the model: cache lookup,
// preprocessing, generation under retry, normalization, and cache insert.
func (p *Pipeline) Process(ctx context.Context, m model.Model, prompt string, opts *types.GenerateOptions) (*types.Response, error) {
	start := time.Now()
	info := m.Info()

	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	key := responseKey(info.ID, prompt, opts)
	if p.cache != nil && opts.CacheEnabled() {
		if resp := p.cacheLookup(ctx, key, info.ID); resp != nil {
			resp.DurationMs = time.Since(start).Milliseconds()
			p.emitProcessed(info.ID, resp, true)
			return resp, nil
		}
	}

	g := p.gates.forModel(info.ID, info.MaxConcurrent)
	if err := g.acquire(ctx); err != nil {
		return nil, errors.NewTimeout(info.ID, time.Since(start), p.cfg.Timeout)
	}
	defer g.release()

	if err := m.Acquire(); err != nil {
		return nil, err
	}
	defer m.Release()

	// In-flight count feeds least-loaded routing.
	m.Metrics().IncInFlight()
	defer m.Metrics().DecInFlight()

	prepared := Preprocess(prompt, opts)

	result, err := p.generateWithRetry(ctx, m, prepared, opts)
	if err != nil {
		return nil, err
	}

	text, tokens, err := NormalizeResult(info.ID, result)
	if err != nil {
		return nil, err
	}

	resp := &types.Response{
		Text:       text,
		Tokens:     tokens,
		ModelID:    info.ID,
		DurationMs: time.Since(start).Milliseconds(),
	}

	if p.cache != nil && opts.CacheEnabled() {
		p.cacheInsert(ctx, key, resp, opts)
	}

	m.Metrics().RecordInference(start, tokens)
	p.emitProcessed(info.ID, resp, false)
	return resp, nil
}

// generateWithRetry attempts generation up to retries+1 times with capped
// exponential backoff and jitter. Non-retryable errors and exhausted
// deadlines end the loop immediately.
func (p *Pipeline) generateWithRetry(ctx context.Context, m model.Model, prompt string, opts *types.GenerateOptions) (*types.GenerateResult, error) {
	retries := p.cfg.Retries
	if opts != nil && opts.Retries != nil && *opts.Retries >= 0 {
		retries = *opts.Retries
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := p.backoffDelay(attempt)
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
				break
			}
			if err := p.sleep(ctx, delay); err != nil {
				break
			}
			p.logger.Debug("retrying generation",
				"model_id", m.Info().ID,
				"attempt", attempt,
			)
		}

		result, err := m.Generate(ctx, prompt, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		elapsed := p.cfg.Timeout
		if deadline, ok := ctx.Deadline(); ok {
			elapsed = p.cfg.Timeout - time.Until(deadline)
		}
		return nil, errors.NewTimeout(m.Info().ID, elapsed, p.cfg.Timeout)
	}
	return nil, lastErr
}

// backoffDelay returns base*2^(attempt-1) capped, with ±10% jitter.
func (p *Pipeline) backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay || delay <= 0 {
		delay = retryMaxDelay
	}
	p.jitterMu.Lock()
	factor := 0.9 + 0.2*p.jitter.Float64()
	p.jitterMu.Unlock()
	return time.Duration(float64(delay) * factor)
}

// Preprocess applies the template and system prompt to the raw prompt. The
// template's "{prompt}" placeholder is substituted; the system prompt is
// prefixed with a blank line separator.
func Preprocess(prompt string, opts *types.GenerateOptions) string {
	if opts == nil {
		return prompt
	}
	out := prompt
	if opts.Template != "" {
		out = strings.ReplaceAll(opts.Template, "{prompt}", out)
	}
	if opts.SystemPrompt != "" {
		out = opts.SystemPrompt + "\n\n" + out
	}
	return out
}

// NormalizeResult projects the provider result into (text, tokens). The
// accepted raw shapes are a bare "text" field and the conventional
// choices[0] envelope with usage.total_tokens; an empty result is an
// upstream error, never a silent empty response.
func NormalizeResult(modelID string, result *types.GenerateResult) (string, int, error) {
	if result == nil {
		return "", 0, errors.NewUpstreamError(modelID, "provider returned no result")
	}

	text := result.Text
	tokens := result.Tokens

	if text == "" && result.Raw != nil {
		if s, ok := result.Raw["text"].(string); ok {
			text = s
		} else if choices, ok := result.Raw["choices"].([]any); ok && len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				if message, ok := choice["message"].(map[string]any); ok {
					if content, ok := message["content"].(string); ok {
						text = content
					}
				} else if s, ok := choice["text"].(string); ok {
					text = s
				}
			}
		}
		if usage, ok := result.Raw["usage"].(map[string]any); ok {
			if total, ok := usage["total_tokens"].(float64); ok {
				tokens = int(total)
			}
		}
	}

	if text == "" {
		return "", 0, errors.NewUpstreamError(modelID, "provider returned empty completion")
	}
	if tokens <= 0 {
		tokens = estimateTokens(text)
	}
	return text, tokens, nil
}

// estimateTokens approximates the token count at four characters per token.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// responseKey fingerprints (model, prompt, options) for the response cache.
func responseKey(modelID, prompt string, opts *types.GenerateOptions) string {
	h := xxh3.HashString(modelID + "\x00" +
		strconv.FormatUint(xxh3.HashString(prompt), 16) + "\x00" +
		opts.Canonical())
	return "resp:" + strconv.FormatUint(h, 16)
}

func (p *Pipeline) cacheLookup(ctx context.Context, key, modelID string) *types.Response {
	data, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn("response cache get", "error", err)
		return nil
	}
	if data == nil {
		return nil
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		p.logger.Warn("response cache entry corrupt", "key", key, "error", err)
		_ = p.cache.Delete(ctx, key)
		return nil
	}

	var resp types.Response
	if err := json.Unmarshal(entry.Response, &resp); err != nil {
		_ = p.cache.Delete(ctx, key)
		return nil
	}
	resp.Cached = true
	resp.ModelID = modelID
	return &resp
}

func (p *Pipeline) cacheInsert(ctx context.Context, key string, resp *types.Response, opts *types.GenerateOptions) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	entry, err := json.Marshal(cache.Entry{
		Timestamp: time.Now().Unix(),
		Response:  data,
		ModelID:   resp.ModelID,
	})
	if err != nil {
		return
	}

	ttl := p.cfg.ResponseCacheTTL
	if opts != nil && opts.TTL > 0 {
		ttl = opts.TTL
	}
	if err := p.cache.Set(ctx, key, entry, ttl); err != nil {
		p.logger.Warn("response cache set", "error", err)
	}
}

func (p *Pipeline) emitProcessed(modelID string, resp *types.Response, cached bool) {
	p.emitter.Emit(events.New(events.Processed, map[string]any{
		"model_id":    modelID,
		"tokens":      resp.Tokens,
		"duration_ms": resp.DurationMs,
		"cached":      cached,
	}))
}
