package quality

import (
	"math"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// logprobScore averages provider-reported token confidences. Log
// probabilities (values <= 0) are exponentiated first; values already in
// (0, 1] are taken as probabilities. Without any logprobs the method
// degrades to heuristic.
func logprobScore(in cascade.QualityInput) cascade.QualityScore {
	if len(in.LogProbs) == 0 {
		return heuristicScore(in)
	}

	sum := 0.0
	for _, lp := range in.LogProbs {
		p := lp
		if lp <= 0 {
			p = math.Exp(lp)
		}
		if p > 1 {
			p = 1
		}
		sum += p
	}
	mean := sum / float64(len(in.LogProbs))

	base := heuristicScore(in)
	comp := cascade.QualityComponents{
		Confidence: mean,
		Alignment:  base.Components.Alignment,
		Structure:  base.Components.Structure,
		Safety:     1.0,
	}
	score := cascade.QualityScore{Value: compose(comp), Components: comp}
	if mean < 0.5 {
		score.Reason = "low token confidence"
	}
	return score
}
