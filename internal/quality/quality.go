// Package quality scores draft responses before the pipeline commits to them.
// Validators are pure functions of their input: no clock, no network, no
// shared state. The semantic method uses an embedder preloaded at
// construction time.
package quality

import (
	"github.com/cascadeflow/cascadeflow/cascade"
)

// Validation method names. DomainConfig.Validation and per-request options
// select among these.
const (
	MethodNone      = "none"
	MethodHeuristic = "heuristic"
	MethodLogprob   = "logprob"
	MethodSyntax    = "syntax"
	MethodSemantic  = "semantic"
	MethodFact      = "fact"
	MethodSafety    = "safety"
	MethodCustom    = "custom"
)

// DefaultThreshold applies when neither the request, the domain config, nor
// the complexity map names one.
const DefaultThreshold = 0.7

// complexityThresholds is the adaptive acceptance floor per complexity
// bucket. Trivial is absent on purpose: trivial queries fall through to
// DefaultThreshold.
var complexityThresholds = map[cascade.Complexity]float64{
	cascade.Simple:   0.6,
	cascade.Moderate: 0.7,
	cascade.Hard:     0.8,
	cascade.Expert:   0.85,
}

// CustomFunc is a caller-supplied validator. It receives the resolved
// threshold in the input and returns a complete score; Passed is normalized
// by the suite afterwards.
type CustomFunc func(in cascade.QualityInput) cascade.QualityScore

// Suite implements cascade.QualityValidator by dispatching on the resolved
// method name. Unknown or unavailable methods degrade to heuristic so a
// misconfigured validator never hard-fails a request.
type Suite struct {
	embedder cascade.Embedder
	custom   CustomFunc
}

// Option configures a Suite.
type Option func(*Suite)

// WithEmbedder supplies the preloaded embedding model used by the semantic
// method. Without one, semantic validation degrades to heuristic.
func WithEmbedder(e cascade.Embedder) Option {
	return func(s *Suite) { s.embedder = e }
}

// WithCustom registers the caller's validator for MethodCustom.
func WithCustom(fn CustomFunc) Option {
	return func(s *Suite) { s.custom = fn }
}

// NewSuite builds the validator suite.
func NewSuite(opts ...Option) *Suite {
	s := &Suite{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate scores in.Response against in.Threshold using in.Method.
// Passed is always Value >= Threshold except for MethodNone, which is an
// unconditional accept.
func (s *Suite) Validate(in cascade.QualityInput) cascade.QualityScore {
	var score cascade.QualityScore
	switch in.Method {
	case MethodNone:
		score = cascade.QualityScore{
			Value: 1.0,
			Components: cascade.QualityComponents{
				Confidence: 1.0, Alignment: 1.0, Structure: 1.0, Safety: 1.0,
			},
			Passed: true,
		}
		return score
	case MethodLogprob:
		score = logprobScore(in)
	case MethodSyntax:
		score = syntaxScore(in)
	case MethodSemantic:
		score = semanticScore(s.embedder, in)
	case MethodFact:
		score = strictScore(in, factRules(in.Domain))
	case MethodSafety:
		score = strictScore(in, safetyRules(in.Domain))
	case MethodCustom:
		if s.custom != nil {
			score = s.custom(in)
			break
		}
		score = heuristicScore(in)
	default:
		score = heuristicScore(in)
	}
	score.Passed = score.Value >= in.Threshold
	if !score.Passed && score.Reason == "" {
		score.Reason = "score below threshold"
	}
	if score.Passed {
		score.Reason = ""
	}
	return score
}

// ResolveThreshold picks the acceptance floor for one request:
// explicit per-request value, then the domain config, then the
// complexity-adaptive map, then DefaultThreshold.
func ResolveThreshold(explicit *float64, cfg *cascade.DomainConfig, c cascade.Complexity) float64 {
	if explicit != nil {
		return *explicit
	}
	if cfg != nil && cfg.Threshold > 0 {
		return cfg.Threshold
	}
	if t, ok := complexityThresholds[c]; ok {
		return t
	}
	return DefaultThreshold
}

// ResolveMethod picks the validation method for one request: explicit
// per-request value, then the domain config, then a domain-implied default.
// Code-like domains get syntax checks, medical and legal get the strict
// rule sets, everything else gets heuristic.
func ResolveMethod(explicit string, cfg *cascade.DomainConfig, d cascade.Domain) string {
	if explicit != "" {
		return explicit
	}
	if cfg != nil && cfg.Validation != "" {
		return cfg.Validation
	}
	switch d {
	case cascade.DomainCode, cascade.DomainData, cascade.DomainStructured, cascade.DomainMath, cascade.DomainTool:
		return MethodSyntax
	case cascade.DomainMedical, cascade.DomainLegal:
		return MethodSafety
	default:
		return MethodHeuristic
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// compose averages the four component axes into the final value.
func compose(c cascade.QualityComponents) float64 {
	return clamp01((c.Confidence + c.Alignment + c.Structure + c.Safety) / 4)
}
