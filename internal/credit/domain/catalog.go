package domain

import (
	"sort"
	"strings"
)

// Model enumerates the AI models credits are denominated in. The set is
// closed: unknown names are rejected instead of silently defaulting.
type Model string

const (
	ModelGPT4         Model = "gpt-4"
	ModelClaudeSonnet Model = "claude-sonnet"
	ModelClaudeHeroku Model = "claude-heroku"
	ModelDeepseek     Model = "deepseek"
	ModelHuggingface  Model = "huggingface"
	ModelTogetherAI   Model = "together-ai"
	ModelOllama       Model = "ollama"
	ModelDeepinfra    Model = "deepinfra"

	// ModelGemini is the free tier and never carries a balance.
	ModelGemini Model = "gemini"
)

var supportedModels = map[Model]struct{}{
	ModelGPT4:         {},
	ModelClaudeSonnet: {},
	ModelClaudeHeroku: {},
	ModelDeepseek:     {},
	ModelHuggingface:  {},
	ModelTogetherAI:   {},
	ModelOllama:       {},
	ModelDeepinfra:    {},
	ModelGemini:       {},
}

// ParseModel validates a model name against the supported set.
func ParseModel(value string) (Model, error) {
	model := Model(strings.TrimSpace(value))
	if model == "" {
		return "", ErrUnknownModel
	}
	if _, ok := supportedModels[model]; !ok {
		return "", ErrUnknownModel
	}
	return model, nil
}

// CostTable maps a model to its per-request cost in USD.
type CostTable map[Model]float64

// CostTableFromConfig validates a configured cost table. Unknown models and
// non-positive costs are configuration errors, not defaults.
func CostTableFromConfig(costs map[string]float64) (CostTable, error) {
	table := make(CostTable, len(costs))
	for name, cost := range costs {
		model, err := ParseModel(name)
		if err != nil {
			return nil, ErrDistributionConfig
		}
		if cost <= 0 {
			return nil, ErrDistributionConfig
		}
		table[model] = cost
	}
	return table, nil
}

// Models returns the table's models in deterministic order.
func (t CostTable) Models() []Model {
	models := make([]Model, 0, len(t))
	for model := range t {
		models = append(models, model)
	}
	sort.Slice(models, func(i, j int) bool { return models[i] < models[j] })
	return models
}

// TotalCost sums all unit costs.
func (t CostTable) TotalCost() float64 {
	var total float64
	for _, cost := range t {
		total += cost
	}
	return total
}

// MinCost returns the smallest unit cost, or 0 for an empty table.
func (t CostTable) MinCost() float64 {
	var min float64
	for _, cost := range t {
		if min == 0 || cost < min {
			min = cost
		}
	}
	return min
}
