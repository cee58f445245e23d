// Package classify implements the query classifiers: complexity bucketing
// and domain tagging. Both are deterministic keyword/pattern scorers; the
// domain side optionally consults a preloaded embedder.
package classify

import (
	"math"
	"strings"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// signal is one additive scoring rule.
type signal struct {
	match  string
	points float64
	reason string
}

// Keyword tables are slices, not maps: iteration order is part of the
// determinism contract.
var multiStepSignals = []signal{
	{"step by step", 18, "multi-step request"},
	{"first", 8, "sequenced instructions"},
	{"then", 8, "sequenced instructions"},
	{"after that", 10, "sequenced instructions"},
	{"finally", 8, "sequenced instructions"},
	{"and also", 6, "compound request"},
}

var conditionalSignals = []signal{
	{"if ", 6, "conditional logic"},
	{"unless", 8, "conditional logic"},
	{"depending on", 10, "conditional logic"},
	{"otherwise", 6, "conditional logic"},
	{"in case", 6, "conditional logic"},
}

var iterativeSignals = []signal{
	{"for each", 10, "iteration over items"},
	{"for every", 10, "iteration over items"},
	{"all of the", 6, "iteration over items"},
	{"one by one", 8, "iteration over items"},
}

var ambiguousSignals = []signal{
	{"somehow", 6, "ambiguous phrasing"},
	{"maybe", 4, "ambiguous phrasing"},
	{"something like", 6, "ambiguous phrasing"},
	{"etc", 3, "open-ended enumeration"},
}

var expertSignals = []signal{
	{"prove", 25, "formal proof requested"},
	{"theorem", 22, "formal mathematics"},
	{"derive", 18, "formal derivation"},
	{"complexity analysis", 20, "algorithmic analysis"},
	{"formal verification", 25, "formal methods"},
	{"distributed consensus", 22, "specialist systems topic"},
	{"cryptograph", 20, "specialist security topic"},
	{"differential equation", 22, "advanced mathematics"},
	{"optimize", 12, "optimization task"},
	{"architecture", 12, "design-level reasoning"},
	{"refactor", 14, "code restructuring"},
	{"debug", 12, "fault isolation"},
	{"race condition", 18, "concurrency reasoning"},
	{"deadlock", 18, "concurrency reasoning"},
}

// simplePrefixes mark lookup-style questions that stay cheap regardless of
// topic words.
var simplePrefixes = []string{
	"what is", "what's", "who is", "who was", "when is", "when was",
	"where is", "define", "translate", "convert", "how many", "how much",
	"list", "name",
}

var mathOperators = []string{"+", "-", "*", "/", "=", "^", "%", "√", "∑", "∫", "≤", "≥"}

// Bucket thresholds. A score sitting exactly on a boundary stays in the
// simpler bucket.
const (
	simpleFloor   = 8.0
	moderateFloor = 25.0
	hardFloor     = 50.0
	expertFloor   = 75.0
)

// ComplexityClassifier scores query text into the five complexity buckets.
// The zero value is ready to use.
type ComplexityClassifier struct{}

// NewComplexityClassifier returns the standard rule-based classifier.
func NewComplexityClassifier() *ComplexityClassifier { return &ComplexityClassifier{} }

// Classify maps text to a complexity bucket with a confidence. The result
// depends only on the input.
func (c *ComplexityClassifier) Classify(text string) cascade.ComplexityResult {
	lower := strings.ToLower(text)
	score := 0.0
	var reasons []string

	words := len(strings.Fields(text))
	switch {
	case words > 150:
		score += 40
		reasons = append(reasons, "very long query")
	case words > 60:
		score += 30
		reasons = append(reasons, "long query")
	case words > 20:
		score += 20
		reasons = append(reasons, "medium-length query")
	case words > 6:
		score += 10
	}

	matched := 0
	for _, table := range [][]signal{multiStepSignals, conditionalSignals, iterativeSignals, ambiguousSignals, expertSignals} {
		for _, s := range table {
			if strings.Contains(lower, s.match) {
				score += s.points
				reasons = append(reasons, s.reason)
				matched++
			}
		}
	}
	if matched >= 3 {
		score += 10
		reasons = append(reasons, "multiple complexity signals")
	}

	if strings.Contains(text, "```") {
		score += 20
		reasons = append(reasons, "contains code fence")
	} else if strings.Count(text, "`") >= 2 {
		score += 8
		reasons = append(reasons, "contains inline code")
	}

	for _, op := range mathOperators {
		if strings.Contains(text, op) {
			score += 12
			reasons = append(reasons, "mathematical notation")
			break
		}
	}

	for _, p := range simplePrefixes {
		if strings.HasPrefix(lower, p) {
			score -= 15
			reasons = append(reasons, "simple lookup phrasing")
			break
		}
	}

	if score < 0 {
		score = 0
	}

	level := bucketFor(score)
	return cascade.ComplexityResult{
		Level:      level,
		Confidence: confidenceFor(score),
		Score:      score,
		Reasons:    reasons,
	}
}

func bucketFor(score float64) cascade.Complexity {
	switch {
	case score > expertFloor:
		return cascade.Expert
	case score > hardFloor:
		return cascade.Hard
	case score > moderateFloor:
		return cascade.Moderate
	case score > simpleFloor:
		return cascade.Simple
	default:
		return cascade.Trivial
	}
}

// confidenceFor grows with distance from the nearest bucket boundary: a
// score deep inside a bucket is a confident call, one near a threshold is
// not.
func confidenceFor(score float64) float64 {
	boundaries := []float64{simpleFloor, moderateFloor, hardFloor, expertFloor}
	nearest := math.MaxFloat64
	for _, b := range boundaries {
		if d := math.Abs(score - b); d < nearest {
			nearest = d
		}
	}
	conf := 0.55 + nearest/(moderateFloor-simpleFloor)*0.45
	return math.Min(conf, 1.0)
}
