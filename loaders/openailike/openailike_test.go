package openailike

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/modelmux/pkg/errors"
	"github.com/blueberrycongee/modelmux/pkg/model"
	"github.com/blueberrycongee/modelmux/pkg/types"
)

func loadModel(t *testing.T, srv *httptest.Server, cfg Config) model.Model {
	t.Helper()
	l := NewLoader(cfg)
	m, err := l.Load(context.Background(), model.Spec{
		ID:      "remote",
		Source:  srv.URL,
		Options: map[string]any{"model": "gpt-4o-mini"},
	})
	require.NoError(t, err)
	require.NoError(t, m.Load(context.Background()))
	return m
}

func TestLoader_Load(t *testing.T) {
	l := NewLoader(Config{})

	t.Run("source is required", func(t *testing.T) {
		_, err := l.Load(context.Background(), model.Spec{})
		require.Error(t, err)
	})

	t.Run("model name is required", func(t *testing.T) {
		_, err := l.Load(context.Background(), model.Spec{Source: "http://x"})
		require.Error(t, err)
	})

	t.Run("descriptor fields", func(t *testing.T) {
		m, err := l.Load(context.Background(), model.Spec{
			Source:  "http://x/v1/",
			Options: map[string]any{"model": "gpt-4o", "context_window": float64(128000)},
		})
		require.NoError(t, err)
		info := m.Info()
		assert.Equal(t, "gpt-4o", info.ID)
		assert.Equal(t, types.FormatOpenAILike, info.Format)
		assert.Equal(t, types.EngineCloud, info.Engine)
		assert.Equal(t, 128000, info.ContextWindow)
	})
}

func TestModel_ProbeOnLoad(t *testing.T) {
	t.Run("healthy endpoint loads", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/models", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		m := loadModel(t, srv, Config{})
		assert.Equal(t, model.StateLoaded, m.State())
	})

	t.Run("5xx fails the probe", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		l := NewLoader(Config{})
		m, err := l.Load(context.Background(), model.Spec{
			Source: srv.URL, Options: map[string]any{"model": "x"},
		})
		require.NoError(t, err)
		require.Error(t, m.Load(context.Background()))
		assert.Equal(t, model.StateFailed, m.State())
	})
}

func TestModel_Generate(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			return
		}
		require.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{
			"choices": [{"message": {"content": "pong"}}],
			"usage": {"total_tokens": 3}
		}`)
	}))
	defer srv.Close()

	m := loadModel(t, srv, Config{APIKey: "sk-test"})

	result, err := m.Generate(context.Background(), "ping", &types.GenerateOptions{MaxTokens: 16})
	require.NoError(t, err)
	require.NotNil(t, result.Raw)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody.Model)
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "ping", gotBody.Messages[0].Content)
	assert.Equal(t, 16, gotBody.MaxTokens)

	choices := result.Raw["choices"].([]any)
	message := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "pong", message["content"])
}

func TestModel_ErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   errors.Kind
	}{
		{http.StatusUnauthorized, errors.KindUnauthorized},
		{http.StatusForbidden, errors.KindUnauthorized},
		{http.StatusTooManyRequests, errors.KindRateLimited},
		{http.StatusBadRequest, errors.KindInvalidRequest},
		{http.StatusNotFound, errors.KindInvalidRequest},
		{http.StatusGatewayTimeout, errors.KindTimeout},
		{http.StatusInternalServerError, errors.KindUpstreamError},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status %d", tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/models" {
					return
				}
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"error": {"message": "nope"}}`)
			}))
			defer srv.Close()

			m := loadModel(t, srv, Config{})
			_, err := m.Generate(context.Background(), "ping", nil)
			require.Error(t, err)
			assert.Equal(t, tc.kind, errors.KindOf(err))
		})
	}
}

func TestModel_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	m := loadModel(t, srv, Config{})
	s, err := m.Stream(context.Background(), "hi", nil)
	require.NoError(t, err)

	var parts []string
	var term types.StreamChunk
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if chunk.Finished {
			term = chunk
			continue
		}
		raw := chunk.Raw.(map[string]any)
		choices := raw["choices"].([]any)
		delta := choices[0].(map[string]any)["delta"].(map[string]any)
		parts = append(parts, delta["content"].(string))
	}

	assert.Equal(t, "hello", strings.Join(parts, ""))
	assert.True(t, term.Finished)
	assert.False(t, term.Aborted)
	assert.Equal(t, 5, term.FullResponseLength)
}

func TestModel_CustomHeaders(t *testing.T) {
	var gotKey, gotExtra string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotExtra = r.Header.Get("x-tenant")
	}))
	defer srv.Close()

	loadModel(t, srv, Config{
		APIKey:       "secret",
		APIKeyHeader: "x-api-key",
		ExtraHeaders: map[string]string{"x-tenant": "acme"},
	})

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "acme", gotExtra)
}
