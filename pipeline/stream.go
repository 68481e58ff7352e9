package pipeline

import (
	"context"
	"io"
	"time"
	"unicode"

	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/events"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

// repeatLimit is the number of identical consecutive fragments that trips
// the repetition health check.
const repeatLimit = 3

// StreamProcess runs the streaming lifecycle: admission, preprocessing, the
// model stream, chunk normalization, and health validation. The returned
// stream always terminates with a Finished chunk, and its finalizer releases
// the admission slot and the model on every terminal path.
func (p *Pipeline) StreamProcess(ctx context.Context, m model.Model, prompt string, opts *types.GenerateOptions) (*model.Stream, error) {
	start := time.Now()
	info := m.Info()

	if ctx == nil {
		ctx = context.Background()
	}

	g := p.gates.forModel(info.ID, info.MaxConcurrent)
	if err := g.acquire(ctx); err != nil {
		return nil, errors.NewTimeout(info.ID, time.Since(start), p.cfg.Timeout)
	}
	if err := m.Acquire(); err != nil {
		g.release()
		return nil, err
	}
	m.Metrics().IncInFlight()

	prepared := Preprocess(prompt, opts)
	inner, err := m.Stream(ctx, prepared, opts)
	if err != nil {
		m.Metrics().DecInFlight()
		m.Release()
		g.release()
		return nil, err
	}

	out := model.NewStream(16, func(aborted bool) {
		m.Metrics().DecInFlight()
		m.Release()
		g.release()
		p.emitter.Emit(events.New(events.StreamComplete, map[string]any{
			"model_id":    info.ID,
			"aborted":     aborted,
			"duration_ms": time.Since(start).Milliseconds(),
		}))
	})

	go p.pump(inner, out, m, start)
	return out, nil
}

// pump forwards chunks from the model stream to the consumer stream,
// normalizing raw payloads and enforcing the stream health checks.
func (p *Pipeline) pump(inner, out *model.Stream, m model.Model, start time.Time) {
	info := m.Info()

	var (
		totalLen    int
		totalTokens int
		lastText    string
		repeats     int
	)

	defer inner.Close()

	for {
		chunk, err := inner.Recv()
		if err == io.EOF {
			out.Finish(totalLen)
			m.Metrics().RecordInference(start, totalTokens)
			return
		}

		if chunk.Finished {
			if chunk.Aborted {
				out.Fail(errors.NewUpstreamError(info.ID, chunk.Error))
				return
			}
			if chunk.FullResponseLength > 0 {
				totalLen = chunk.FullResponseLength
			}
			out.Finish(totalLen)
			m.Metrics().RecordInference(start, totalTokens)
			return
		}

		text, ok := normalizeChunk(chunk)
		if !ok || text == "" {
			// Only non-empty fragments reach the consumer or the token
			// accounting.
			continue
		}

		if hasControlCorruption(text) {
			out.Fail(errors.NewCorruptedStream(info.ID, "control-character"))
			return
		}
		if text == lastText {
			repeats++
			if repeats >= repeatLimit {
				out.Fail(errors.NewCorruptedStream(info.ID, "repetition"))
				return
			}
		} else {
			repeats = 1
			lastText = text
		}

		totalLen += len(text)
		tokens := chunk.Tokens
		if tokens <= 0 {
			tokens = estimateTokens(text)
		}
		totalTokens += tokens

		if !out.Send(types.StreamChunk{Text: text, Tokens: tokens}) {
			// Consumer abandoned; stop pulling from the model.
			return
		}
	}
}

// normalizeChunk extracts the fragment text out of the supported chunk
// shapes: plain text, a raw string, an OpenAI-style delta envelope, or a
// bare {text} object. Unrecognized raw payloads are skipped.
func normalizeChunk(chunk types.StreamChunk) (string, bool) {
	if chunk.Text != "" {
		return chunk.Text, true
	}
	if chunk.Raw == nil {
		return "", false
	}

	switch raw := chunk.Raw.(type) {
	case string:
		return raw, true
	case map[string]any:
		if choices, ok := raw["choices"].([]any); ok && len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				if delta, ok := choice["delta"].(map[string]any); ok {
					if content, ok := delta["content"].(string); ok {
						return content, true
					}
				}
				if s, ok := choice["text"].(string); ok {
					return s, true
				}
			}
		}
		if s, ok := raw["text"].(string); ok {
			return s, true
		}
	}
	return "", false
}

// hasControlCorruption reports whether the fragment contains control
// characters other than ordinary whitespace.
func hasControlCorruption(text string) bool {
	for _, r := range text {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return true
		}
	}
	return false
}
