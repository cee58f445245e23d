package app

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/budget"
	"github.com/cascadeflow/cascadeflow/internal/ratelimit"
)

// FileConfig is the YAML model/policy file named by CASCADEFLOW_CONFIG_FILE.
type FileConfig struct {
	Models     []FileModel                             `yaml:"models"`
	Domains    map[cascade.Domain]cascade.DomainConfig `yaml:"domains"`
	Tiers      map[string]budget.TierConfig            `yaml:"tiers"`
	RateLimits map[string]ratelimit.Policy             `yaml:"rate_limits"`

	// Pipeline defaults.
	Validation string  `yaml:"validation"`
	Threshold  float64 `yaml:"threshold"`
	MaxRetries int     `yaml:"max_retries"`
}

// FileModel is one model pool entry.
type FileModel struct {
	Name          string  `yaml:"name"`
	Provider      string  `yaml:"provider"`
	InputPer1K    float64 `yaml:"cost_per_1k_input"`
	OutputPer1K   float64 `yaml:"cost_per_1k_output"`
	MaxTokens     int     `yaml:"max_tokens"`
	SupportsTools bool    `yaml:"supports_tools"`
	QualityScore  float64 `yaml:"quality_score"`
	SpeedMs       int     `yaml:"speed_ms"`
	BaseURL       string  `yaml:"base_url"`
	APIKeyEnv     string  `yaml:"api_key_env"` // env var holding the key
}

// LoadFile parses the YAML config. An empty path returns the zero config and
// the caller falls back to defaults.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for i, m := range fc.Models {
		if m.Name == "" || m.Provider == "" {
			return fc, fmt.Errorf("config file %s: model %d needs name and provider", path, i)
		}
	}
	return fc, nil
}

// ModelConfigs converts file entries to the agent's model pool.
func (fc FileConfig) ModelConfigs() []cascade.ModelConfig {
	out := make([]cascade.ModelConfig, len(fc.Models))
	for i, m := range fc.Models {
		out[i] = cascade.ModelConfig{
			Name:            m.Name,
			Provider:        m.Provider,
			CostPer1KInput:  m.InputPer1K,
			CostPer1KOutput: m.OutputPer1K,
			MaxTokens:       m.MaxTokens,
			SupportsTools:   m.SupportsTools,
			QualityScore:    m.QualityScore,
			SpeedMs:         m.SpeedMs,
			BaseURL:         m.BaseURL,
		}
		if m.APIKeyEnv != "" {
			out[i].APIKey = os.Getenv(m.APIKeyEnv)
		}
	}
	return out
}

// DefaultModels is the pool used when no config file is given: a cheap
// drafter and a strong verifier per hosted provider, keyed off whichever
// provider keys are present in the environment.
func DefaultModels() []cascade.ModelConfig {
	var models []cascade.ModelConfig
	if os.Getenv("OPENAI_API_KEY") != "" {
		models = append(models,
			cascade.ModelConfig{Name: "gpt-4o-mini", Provider: "openai", CostPer1KInput: 0.00015, CostPer1KOutput: 0.0006, MaxTokens: 16384, SupportsTools: true, SpeedMs: 400},
			cascade.ModelConfig{Name: "gpt-4o", Provider: "openai", CostPer1KInput: 0.0025, CostPer1KOutput: 0.01, MaxTokens: 128000, SupportsTools: true, SpeedMs: 1200},
		)
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		models = append(models,
			cascade.ModelConfig{Name: "claude-3-5-haiku-latest", Provider: "anthropic", CostPer1KInput: 0.0008, CostPer1KOutput: 0.004, MaxTokens: 8192, SupportsTools: true, SpeedMs: 500},
			cascade.ModelConfig{Name: "claude-sonnet-4-20250514", Provider: "anthropic", CostPer1KInput: 0.003, CostPer1KOutput: 0.015, MaxTokens: 64000, SupportsTools: true, SpeedMs: 1400},
		)
	}
	if len(models) == 0 {
		// Local fallback so the service starts without any hosted keys.
		models = append(models,
			cascade.ModelConfig{Name: "llama3.2:3b", Provider: "ollama", MaxTokens: 8192, SpeedMs: 300},
			cascade.ModelConfig{Name: "llama3.1:70b", Provider: "ollama", MaxTokens: 8192, SpeedMs: 2500},
		)
	}
	return models
}
