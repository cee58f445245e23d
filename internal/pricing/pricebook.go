// Package pricing resolves per-token prices and computes the signed cost
// accounting for cascade runs.
package pricing

import (
	"strings"
	"sync/atomic"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// Entry is one priced model, keyed by provider and model name. Model acts as
// a prefix: "gpt-4o" covers "gpt-4o-2024-11-20".
type Entry struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
	CachedPer1K float64 `json:"cached_per_1k,omitempty" yaml:"cached_per_1k"`
	HasCached   bool    `json:"has_cached,omitempty" yaml:"has_cached"`
}

// builtinEntries is the internal registry: rough list prices (USD per 1k
// tokens) for the common hosted models, used when no external table is
// loaded.
var builtinEntries = []Entry{
	{Provider: "openai", Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006, CachedPer1K: 0.000075, HasCached: true},
	{Provider: "openai", Model: "gpt-4o", InputPer1K: 0.0025, OutputPer1K: 0.01, CachedPer1K: 0.00125, HasCached: true},
	{Provider: "openai", Model: "gpt-4.1-mini", InputPer1K: 0.0004, OutputPer1K: 0.0016, CachedPer1K: 0.0001, HasCached: true},
	{Provider: "openai", Model: "gpt-4.1", InputPer1K: 0.002, OutputPer1K: 0.008, CachedPer1K: 0.0005, HasCached: true},
	{Provider: "anthropic", Model: "claude-3-5-haiku", InputPer1K: 0.0008, OutputPer1K: 0.004},
	{Provider: "anthropic", Model: "claude-3-5-sonnet", InputPer1K: 0.003, OutputPer1K: 0.015},
	{Provider: "anthropic", Model: "claude-3-haiku", InputPer1K: 0.00025, OutputPer1K: 0.00125},
	{Provider: "anthropic", Model: "claude-3-opus", InputPer1K: 0.015, OutputPer1K: 0.075},
	{Provider: "groq", Model: "llama-3.1-8b", InputPer1K: 0.00005, OutputPer1K: 0.00008},
	{Provider: "groq", Model: "llama-3.3-70b", InputPer1K: 0.00059, OutputPer1K: 0.00079},
	{Provider: "together", Model: "mixtral-8x7b", InputPer1K: 0.0006, OutputPer1K: 0.0006},
	{Provider: "openrouter", Model: "deepseek-chat", InputPer1K: 0.00014, OutputPer1K: 0.00028},
}

// Book resolves (provider, model) to a price. Resolution priority: external
// table, then the internal registry, then the caller's ModelConfig, then
// zero. Provider-reported costs short-circuit in the calculator and never
// reach the book. The external table is hot-reloadable: Reload swaps it
// atomically and readers never lock.
type Book struct {
	external atomic.Pointer[[]Entry]
	registry []Entry
	configs  map[string]cascade.Price // keyed provider/model from ModelConfigs
}

// NewBook builds a price book over the caller's model pool.
func NewBook(models []cascade.ModelConfig) *Book {
	b := &Book{
		registry: builtinEntries,
		configs:  make(map[string]cascade.Price, len(models)),
	}
	for _, m := range models {
		if m.CostPer1KInput == 0 && m.CostPer1KOutput == 0 {
			continue
		}
		b.configs[configKey(m.Provider, m.Name)] = cascade.Price{
			InputPer1K:  m.CostPer1KInput,
			OutputPer1K: m.CostPer1KOutput,
			Source:      "config",
		}
	}
	return b
}

// Reload replaces the external pricing table. Safe to call while requests
// are in flight; in-flight resolutions keep the table they started with.
func (b *Book) Reload(entries []Entry) {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	b.external.Store(&cp)
}

// Resolve returns the price for a model and whether any source matched.
// A false return means every ladder rung missed and the zero price applies.
func (b *Book) Resolve(provider, model string) (cascade.Price, bool) {
	if ext := b.external.Load(); ext != nil {
		if p, ok := matchEntries(*ext, provider, model); ok {
			p.Source = "table"
			return p, true
		}
	}
	if p, ok := matchEntries(b.registry, provider, model); ok {
		p.Source = "registry"
		return p, true
	}
	if p, ok := b.configs[configKey(provider, model)]; ok {
		return p, true
	}
	return cascade.Price{Source: "zero"}, false
}

// matchEntries picks the exact entry, else the longest matching prefix.
func matchEntries(entries []Entry, provider, model string) (cascade.Price, bool) {
	bestLen := -1
	var best Entry
	for _, e := range entries {
		if e.Provider != "" && !strings.EqualFold(e.Provider, provider) {
			continue
		}
		if e.Model == model {
			best, bestLen = e, len(e.Model)+1 // exact beats any prefix
			break
		}
		if strings.HasPrefix(model, e.Model) && len(e.Model) > bestLen {
			best, bestLen = e, len(e.Model)
		}
	}
	if bestLen < 0 {
		return cascade.Price{}, false
	}
	return cascade.Price{
		InputPer1K:  best.InputPer1K,
		OutputPer1K: best.OutputPer1K,
		CachedPer1K: best.CachedPer1K,
		HasCached:   best.HasCached,
	}, true
}

func configKey(provider, model string) string {
	return strings.ToLower(provider) + "/" + strings.ToLower(model)
}
