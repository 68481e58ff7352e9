// Package openailike materializes models served behind an OpenAI-compatible
// HTTP API. One loader covers any such endpoint; the spec source is the base
// URL and the model name rides in the spec options.
package openailike

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// Config holds the loader-level connection settings shared by every model
// the loader materializes.
type Config struct {
	APIKey       string            `yaml:"api_key"`
	APIKeyHeader string            `yaml:"api_key_header"`
	APIKeyPrefix string            `yaml:"api_key_prefix"`
	ExtraHeaders map[string]string `yaml:"extra_headers"`
	Timeout      time.Duration     `yaml:"timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		APIKeyHeader: "Authorization",
		APIKeyPrefix: "Bearer ",
		Timeout:      60 * time.Second,
	}
}

// Loader materializes openai-format models.
type Loader struct {
	cfg    Config
	client *http.Client
}

// NewLoader creates an openailike loader.
func NewLoader(cfg Config) *Loader {
	def := DefaultConfig()
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = def.APIKeyHeader
	}
	if cfg.APIKeyPrefix == "" && cfg.APIKeyHeader == "Authorization" {
		cfg.APIKeyPrefix = def.APIKeyPrefix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Loader{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Format implements model.Loader.
func (l *Loader) Format() types.Format { return types.FormatOpenAILike }

// Load implements model.Loader. spec.Source is the base URL; spec options:
// model (upstream model name), name, context_window, capabilities.
func (l *Loader) Load(_ context.Context, spec model.Spec) (model.Model, error) {
	if spec.Source == "" {
		return nil, fmt.Errorf("openailike spec needs a base URL source")
	}

	upstream := spec.ID
	if v, ok := spec.Options["model"].(string); ok && v != "" {
		upstream = v
	}
	if upstream == "" {
		return nil, fmt.Errorf("openailike spec needs a model name")
	}

	id := spec.ID
	if id == "" {
		id = upstream
	}

	info := model.Info{
		ID:     id,
		Name:   upstream,
		Format: types.FormatOpenAILike,
		Engine: types.EngineCloud,
		Source: spec.Source,
		Capabilities: []types.Capability{
			types.CapCompletion,
			types.CapChat,
			types.CapStreaming,
		},
	}
	if v, ok := spec.Options["name"].(string); ok && v != "" {
		info.Name = v
	}
	if v, ok := spec.Options["context_window"].(float64); ok {
		info.ContextWindow = int(v)
	}
	if v, ok := spec.Options["context_window"].(int); ok {
		info.ContextWindow = v
	}
	if caps, ok := spec.Options["capabilities"].([]string); ok {
		info.Capabilities = info.Capabilities[:0]
		for _, c := range caps {
			info.Capabilities = append(info.Capabilities, types.Capability(c))
		}
	}

	return l.newModel(info, spec.Source, upstream), nil
}

// FromSnapshot implements model.Loader.
func (l *Loader) FromSnapshot(_ context.Context, entry model.SnapshotEntry) (model.Model, error) {
	if entry.Source == "" {
		return nil, fmt.Errorf("snapshot entry %s has no source URL", entry.ID)
	}
	info := model.Info{
		ID:           entry.ID,
		Name:         entry.Name,
		Format:       types.FormatOpenAILike,
		Engine:       types.EngineCloud,
		Source:       entry.Source,
		Parameters:   entry.Parameters,
		Capabilities: entry.Capabilities,
	}
	return l.newModel(info, entry.Source, entry.Name), nil
}

func (l *Loader) newModel(info model.Info, baseURL, upstream string) *Model {
	m := &Model{
		loader:   l,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		upstream: upstream,
	}
	// Loading an API-backed model is a health probe, not a weight transfer.
	m.Base = model.NewBase(info, model.Hooks{Load: m.probe})
	return m
}

// Model is one upstream model behind an OpenAI-compatible endpoint.
type Model struct {
	*model.Base

	loader   *Loader
	baseURL  string
	upstream string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// probe checks the endpoint is reachable before the model reports Loaded.
func (m *Model) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	m.setHeaders(req)

	resp, err := m.loader.client.Do(req)
	if err != nil {
		return errors.NewUpstreamError(m.Info().ID, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errors.NewUpstreamError(m.Info().ID, fmt.Sprintf("endpoint unhealthy: %d", resp.StatusCode))
	}
	return nil
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, prompt string, opts *types.GenerateOptions) (*types.GenerateResult, error) {
	resp, err := m.send(ctx, prompt, opts, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewUpstreamError(m.Info().ID, fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, m.mapError(resp, body)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.NewUpstreamError(m.Info().ID, fmt.Sprintf("unmarshal response: %v", err))
	}
	return &types.GenerateResult{Raw: raw}, nil
}

// Stream implements model.Model over SSE.
func (m *Model) Stream(ctx context.Context, prompt string, opts *types.GenerateOptions) (*model.Stream, error) {
	resp, err := m.send(ctx, prompt, opts, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, m.mapError(resp, body)
	}

	s := model.NewStream(16, func(bool) { resp.Body.Close() })
	go m.readSSE(resp.Body, s)
	return s, nil
}

// readSSE pumps SSE lines into the stream until [DONE] or EOF.
func (m *Model) readSSE(body io.Reader, s *model.Stream) {
	scanner := newLineScanner(body)
	total := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data: "))
		if bytes.Equal(line, []byte("[DONE]")) {
			s.Finish(total)
			return
		}

		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			// Tolerate malformed keepalive lines.
			continue
		}
		chunk := types.StreamChunk{Raw: raw}
		total += rawContentLength(raw)
		if !s.Send(chunk) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.Fail(errors.NewUpstreamError(m.Info().ID, err.Error()))
		return
	}
	s.Finish(total)
}

// Embed implements model.Model via the /embeddings endpoint.
func (m *Model) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model": m.upstream,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	m.setHeaders(req)

	resp, err := m.loader.client.Do(req)
	if err != nil {
		return nil, errors.NewUpstreamError(m.Info().ID, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewUpstreamError(m.Info().ID, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, m.mapError(resp, body)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.NewUpstreamError(m.Info().ID, fmt.Sprintf("unmarshal embeddings: %v", err))
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Tokenize is not exposed by OpenAI-compatible APIs.
func (m *Model) Tokenize(context.Context, string) ([]int, error) {
	return nil, errors.NewInvalidRequest("tokenization is not supported by this backend")
}

// Detokenize is not exposed by OpenAI-compatible APIs.
func (m *Model) Detokenize(context.Context, []int) (string, error) {
	return "", errors.NewInvalidRequest("detokenization is not supported by this backend")
}

func (m *Model) send(ctx context.Context, prompt string, opts *types.GenerateOptions, stream bool) (*http.Response, error) {
	payload := chatRequest{
		Model:    m.upstream,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   stream,
	}
	if opts != nil {
		payload.MaxTokens = opts.MaxTokens
		payload.Temperature = opts.Temperature
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	m.setHeaders(req)

	resp, err := m.loader.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewTimeout(m.Info().ID, 0, m.loader.cfg.Timeout)
		}
		return nil, errors.NewUpstreamError(m.Info().ID, err.Error())
	}
	return resp, nil
}

func (m *Model) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if m.loader.cfg.APIKey != "" {
		req.Header.Set(m.loader.cfg.APIKeyHeader, m.loader.cfg.APIKeyPrefix+m.loader.cfg.APIKey)
	}
	for k, v := range m.loader.cfg.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

// mapError converts an upstream error response to the standard taxonomy.
func (m *Model) mapError(resp *http.Response, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := "unknown upstream error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	id := m.Info().ID
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.NewUnauthorized(message)
	case http.StatusTooManyRequests:
		return errors.NewRateLimited(id, parseRetryAfter(resp))
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return errors.NewInvalidRequest(message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.NewTimeout(id, 0, m.loader.cfg.Timeout)
	default:
		return errors.NewUpstreamError(id, message)
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return 0
}

// newLineScanner builds a scanner sized for large SSE lines.
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

// rawContentLength extracts the fragment length from a raw SSE chunk.
func rawContentLength(raw map[string]any) int {
	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return 0
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return 0
	}
	if delta, ok := choice["delta"].(map[string]any); ok {
		if content, ok := delta["content"].(string); ok {
			return len(content)
		}
	}
	if text, ok := choice["text"].(string); ok {
		return len(text)
	}
	return 0
}
