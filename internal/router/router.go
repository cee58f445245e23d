// Package router turns a classified query into a routing decision: answer
// with a cheap drafter and validate, go straight to the verifier, or skip.
// The decision is a pure function of its input; health, clocks, and
// randomness stay out so identical requests route identically.
package router

import (
	"fmt"
	"sort"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// RiskFunc grades a tool spec. Wired to the tool checker; specs that carry
// an explicit tier keep it.
type RiskFunc func(cascade.ToolSpec) cascade.RiskTier

// Router implements cascade.Router.
type Router struct {
	risk RiskFunc
}

// Option configures a Router.
type Option func(*Router)

// WithRiskFunc supplies the tool risk grader.
func WithRiskFunc(fn RiskFunc) Option {
	return func(r *Router) { r.risk = fn }
}

// New builds a Router. Without a risk grader, tools are taken at their
// declared tier.
func New(opts ...Option) *Router {
	r := &Router{risk: func(spec cascade.ToolSpec) cascade.RiskTier {
		if spec.Risk != "" {
			return spec.Risk
		}
		return cascade.RiskLow
	}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route applies the decision ladder:
//
//  1. blocked admission skips outright
//  2. high or critical tool risk forces the verifier
//  3. force_direct, expert complexity, or a domain that requires (or
//     restricts cascading away from) the verifier forces the verifier
//  4. a single capable model is used directly
//  5. otherwise cascade with the cheapest capable pair
//
// Capable means: supports tools when tools are present, fits the requested
// max_tokens, not deprecated, not excluded by the domain config.
func (r *Router) Route(in cascade.RouteInput) cascade.RoutingDecision {
	if in.Admission == cascade.TierBlock {
		return cascade.RoutingDecision{
			Strategy: cascade.StrategySkip,
			Reasons:  []string{"admission-blocked"},
		}
	}

	capable := r.capableModels(in)
	if len(capable) == 0 {
		return cascade.RoutingDecision{
			Strategy: cascade.StrategySkip,
			Reasons:  []string{"no-capable-models"},
		}
	}

	degraded := in.Admission == cascade.TierDegrade
	var reasons []string
	if degraded {
		reasons = append(reasons, "budget-degraded")
	}
	if in.Intent.ShouldCall {
		reasons = append(reasons, fmt.Sprintf("tool-intent-%.1f", in.Intent.Confidence))
	}

	if tier, risky := r.riskiestTool(in.Tools); risky {
		v := r.pickVerifier(capable, in, degraded)
		return cascade.RoutingDecision{
			Strategy: cascade.StrategyDirect,
			Verifier: v,
			Reasons:  append(reasons, "tool-risk-"+string(tier)),
		}
	}

	if reason, forced := forceDirect(in); forced {
		v := r.pickVerifier(capable, in, degraded)
		return cascade.RoutingDecision{
			Strategy: cascade.StrategyDirect,
			Verifier: v,
			Reasons:  append(reasons, reason),
		}
	}

	if len(capable) == 1 {
		only := capable[0]
		return cascade.RoutingDecision{
			Strategy: cascade.StrategyDirect,
			Verifier: &only,
			Reasons:  append(reasons, "single-capable-model"),
		}
	}

	drafter, verifier, pairReasons := r.pickPair(capable, in, degraded)
	return cascade.RoutingDecision{
		Strategy: cascade.StrategyCascade,
		Drafter:  drafter,
		Verifier: verifier,
		Reasons:  append(reasons, pairReasons...),
	}
}

// forceDirect reports whether step 3 of the ladder applies.
func forceDirect(in cascade.RouteInput) (string, bool) {
	switch {
	case in.ForceDirect:
		return "force-direct", true
	case in.Complexity == cascade.Expert:
		return "complexity-expert", true
	case in.DomainCfg != nil && in.DomainCfg.RequireVerifier:
		return "domain-requires-verifier", true
	case in.DomainCfg != nil && !in.DomainCfg.CascadesAt(in.Complexity):
		return "domain-restricts-cascade", true
	}
	return "", false
}

// riskiestTool returns the highest tool tier at or above high.
func (r *Router) riskiestTool(tools []cascade.ToolSpec) (cascade.RiskTier, bool) {
	worst := cascade.RiskTier("")
	for _, spec := range tools {
		tier := r.risk(spec)
		if !tier.AtLeast(cascade.RiskHigh) {
			continue
		}
		if worst == "" || tier.AtLeast(worst) {
			worst = tier
		}
	}
	return worst, worst != ""
}

// capableModels filters and orders the pool: cost ascending, then higher
// quality_score, then lower speed_ms, then configuration order.
func (r *Router) capableModels(in cascade.RouteInput) []cascade.ModelConfig {
	excluded := make(map[string]bool)
	if in.DomainCfg != nil {
		for _, name := range in.DomainCfg.ExcludeModels {
			excluded[name] = true
		}
	}

	var capable []cascade.ModelConfig
	for _, m := range in.Models {
		if m.Deprecated {
			continue
		}
		if excluded[m.Name] {
			continue
		}
		if len(in.Tools) > 0 && !m.SupportsTools {
			continue
		}
		if in.MaxTokens > 0 && m.MaxTokens > 0 && in.MaxTokens > m.MaxTokens {
			continue
		}
		capable = append(capable, m)
	}

	sort.SliceStable(capable, func(i, j int) bool {
		a, b := capable[i], capable[j]
		if a.CostPer1K() != b.CostPer1K() {
			return a.CostPer1K() < b.CostPer1K()
		}
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		return a.SpeedMs < b.SpeedMs
	})
	return capable
}

// pickVerifier chooses the model for a direct route: the domain-named
// verifier when capable, otherwise the most capable model in the pool.
// Degraded budgets take the cheapest capable model instead.
func (r *Router) pickVerifier(capable []cascade.ModelConfig, in cascade.RouteInput, degraded bool) *cascade.ModelConfig {
	if degraded {
		m := capable[0]
		return &m
	}
	if in.DomainCfg != nil && in.DomainCfg.Verifier != "" {
		if i, ok := findModel(capable, in.DomainCfg.Verifier); ok {
			m := capable[i]
			return &m
		}
	}
	m := capable[len(capable)-1]
	return &m
}

// pickPair chooses the cascade pair: cheapest capable drafter and the next
// capable model above it, with domain-named models honored when capable.
// Degraded budgets ignore domain names and take the two cheapest.
func (r *Router) pickPair(capable []cascade.ModelConfig, in cascade.RouteInput, degraded bool) (*cascade.ModelConfig, *cascade.ModelConfig, []string) {
	di := 0
	reasons := []string{"cascade-cheapest-pair"}

	if !degraded && in.DomainCfg != nil && in.DomainCfg.Drafter != "" {
		if i, ok := findModel(capable, in.DomainCfg.Drafter); ok {
			di = i
			reasons = []string{"domain-drafter"}
		}
	}
	drafter := capable[di]

	if !degraded && in.DomainCfg != nil && in.DomainCfg.Verifier != "" {
		if i, ok := findModel(capable, in.DomainCfg.Verifier); ok && i != di {
			v := capable[i]
			return &drafter, &v, append(reasons, "domain-verifier")
		}
	}

	vi := di + 1
	if vi >= len(capable) {
		// the drafter is already the most capable; verify with the one below
		vi = di - 1
	}
	verifier := capable[vi]
	return &drafter, &verifier, reasons
}

func findModel(pool []cascade.ModelConfig, name string) (int, bool) {
	for i, m := range pool {
		if m.Name == name {
			return i, true
		}
	}
	return 0, false
}
