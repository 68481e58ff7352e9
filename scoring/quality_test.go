package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blueberrycongee/modelmux/pkg/model"
)

func TestDetectTask(t *testing.T) {
	tests := []struct {
		prompt string
		want   TaskType
	}{
		{"Please implement a binary search function", TaskCode},
		{"Write a story about a lighthouse keeper", TaskCreative},
		{"Analyze the quarterly revenue trends", TaskAnalysis},
		{"Translate this paragraph to French", TaskTranslation},
		{"Summarize the attached meeting notes", TaskSummary},
		{"What's the capital of Peru?", TaskGeneral},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, DetectTask(tt.prompt))
		})
	}
}

func TestQualityScorer_BaseScore(t *testing.T) {
	s := NewQualityScorer(DefaultQualityConfig())

	t.Run("name substring match", func(t *testing.T) {
		assert.InDelta(t, 0.95, s.BaseScore(model.Info{Name: "gpt-4-turbo"}), 1e-9)
		assert.InDelta(t, 0.50, s.BaseScore(model.Info{Name: "tinyllm-1b"}), 1e-9)
	})

	t.Run("unknown name without parameters uses default", func(t *testing.T) {
		assert.InDelta(t, 0.6, s.BaseScore(model.Info{Name: "custom-net"}), 1e-9)
	})

	t.Run("unknown name earns a size bonus", func(t *testing.T) {
		small := s.BaseScore(model.Info{Name: "custom-net", Parameters: 1_000_000})
		big := s.BaseScore(model.Info{Name: "custom-net", Parameters: 70_000_000_000})
		assert.Greater(t, big, small)
		assert.LessOrEqual(t, big, 1.0)
	})
}

func TestQualityScorer_Score(t *testing.T) {
	s := NewQualityScorer(DefaultQualityConfig())

	t.Run("never exceeds one", func(t *testing.T) {
		score := s.Score(model.Info{Name: "gpt-4", ContextWindow: 8192}, "implement quicksort code")
		assert.LessOrEqual(t, score, 1.0)
		assert.Greater(t, score, 0.0)
	})

	t.Run("task modifier lifts matching models", func(t *testing.T) {
		codePrompt := "debug this function"
		generalPrompt := "hello there, how are you today"
		claude := model.Info{Name: "claude-opus"}
		assert.Greater(t, s.Score(claude, codePrompt), s.Score(claude, generalPrompt))
	})

	t.Run("higher base beats lower base on the same prompt", func(t *testing.T) {
		prompt := "hello world"
		assert.Greater(t,
			s.Score(model.Info{Name: "gpt-4"}, prompt),
			s.Score(model.Info{Name: "tiny-chat"}, prompt))
	})
}
