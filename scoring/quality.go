// Package scoring provides the quality, cost, and load-balance scorers
// consumed by router strategies. Scorers are pure over their inputs; rate
// and score tables are externally supplied configuration with defaults.
package scoring

import (
	"math"
	"strings"

	"github.com/blueberrycongee/modelmux/pkg/model"
)

// TaskType classifies a prompt by its dominant intent.
type TaskType string

const (
	TaskCode        TaskType = "code"
	TaskCreative    TaskType = "creative"
	TaskAnalysis    TaskType = "analysis"
	TaskTranslation TaskType = "translation"
	TaskSummary     TaskType = "summary"
	TaskGeneral     TaskType = "general"
)

// taskKeywords drives prompt classification. The first class with a keyword
// hit wins; order matters.
var taskKeywords = []struct {
	task     TaskType
	keywords []string
}{
	{TaskCode, []string{"code", "function", "debug", "implement", "refactor", "compile", "algorithm"}},
	{TaskCreative, []string{"story", "poem", "creative", "imagine", "fiction", "write a"}},
	{TaskAnalysis, []string{"analyze", "analysis", "compare", "evaluate", "assess", "reason"}},
	{TaskTranslation, []string{"translate", "translation"}},
	{TaskSummary, []string{"summarize", "summary", "tl;dr", "condense"}},
}

// DetectTask classifies a prompt using the fixed keyword table.
func DetectTask(prompt string) TaskType {
	lowered := strings.ToLower(prompt)
	for _, entry := range taskKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lowered, kw) {
				return entry.task
			}
		}
	}
	return TaskGeneral
}

// QualityConfig supplies the name and task tables for the quality scorer.
type QualityConfig struct {
	// BaseScores maps lowercased name substrings to base quality scores.
	BaseScores map[string]float64
	// DefaultBase applies when no substring matches and the model declares
	// no parameter count.
	DefaultBase float64
	// TaskModifiers maps a model-name substring to per-task multipliers.
	// A missing entry means modifier 1.0.
	TaskModifiers map[string]map[TaskType]float64
}

// DefaultQualityConfig returns the built-in score tables.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		BaseScores: map[string]float64{
			"gpt-4":   0.95,
			"claude":  0.93,
			"gemini":  0.90,
			"llama":   0.85,
			"mistral": 0.82,
			"qwen":    0.80,
			"phi":     0.70,
			"tiny":    0.50,
		},
		DefaultBase: 0.6,
		TaskModifiers: map[string]map[TaskType]float64{
			"claude": {TaskCode: 1.05, TaskCreative: 1.05},
			"gpt-4":  {TaskCode: 1.05, TaskAnalysis: 1.05},
			"llama":  {TaskCode: 0.95},
		},
	}
}

// QualityScorer estimates how well a model fits a prompt. It is a pure
// function of (model info, prompt).
type QualityScorer struct {
	cfg QualityConfig
}

// NewQualityScorer creates a scorer over the given tables.
func NewQualityScorer(cfg QualityConfig) *QualityScorer {
	if cfg.DefaultBase == 0 {
		cfg.DefaultBase = DefaultQualityConfig().DefaultBase
	}
	return &QualityScorer{cfg: cfg}
}

// Score blends base quality, task fit, and context utilization:
// 0.5*base + 0.3*task + 0.2*context, clamped to 1.
func (s *QualityScorer) Score(info model.Info, prompt string) float64 {
	return s.ScoreWithBase(info, prompt, s.baseScore(info))
}

// ScoreWithBase is Score with a precomputed base component, so callers
// holding a rescored base table skip the name lookup.
func (s *QualityScorer) ScoreWithBase(info model.Info, prompt string, base float64) float64 {
	task := base * s.taskModifier(info, DetectTask(prompt))
	context := contextUtilizationScore(len(prompt), info.ContextWindow)

	score := 0.5*base + 0.3*task + 0.2*context
	return math.Min(score, 1.0)
}

// BaseScore exposes the prompt-independent component, used by the router's
// periodic rescoring.
func (s *QualityScorer) BaseScore(info model.Info) float64 {
	return s.baseScore(info)
}

func (s *QualityScorer) baseScore(info model.Info) float64 {
	lowered := strings.ToLower(info.Name)
	for sub, score := range s.cfg.BaseScores {
		if strings.Contains(lowered, sub) {
			return score
		}
	}
	// Unknown names earn a size bonus on top of the default.
	if info.Parameters > 0 {
		bonus := math.Log10(float64(info.Parameters)/1e6) / 10
		if bonus < 0 {
			bonus = 0
		}
		return math.Min(s.cfg.DefaultBase+bonus, 1.0)
	}
	return s.cfg.DefaultBase
}

func (s *QualityScorer) taskModifier(info model.Info, task TaskType) float64 {
	lowered := strings.ToLower(info.Name)
	for sub, mods := range s.cfg.TaskModifiers {
		if strings.Contains(lowered, sub) {
			if mod, ok := mods[task]; ok {
				return mod
			}
		}
	}
	return 1.0
}

// contextUtilizationScore penalizes prompts that crowd or underuse the
// model's context window.
func contextUtilizationScore(promptLen, contextWindow int) float64 {
	if contextWindow <= 0 {
		return 1.0
	}
	utilization := float64(promptLen) / float64(contextWindow)
	switch {
	case utilization < 0.2:
		return 0.9
	case utilization > 0.8:
		return 0.7
	case utilization > 0.6:
		return 0.85
	default:
		return 1.0
	}
}
