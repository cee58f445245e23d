package quality

import (
	"math"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// semanticScore measures cosine similarity between query and response
// embeddings. The embedder is preloaded; a nil embedder or an embedding
// failure degrades to heuristic scoring rather than failing the request.
func semanticScore(e cascade.Embedder, in cascade.QualityInput) cascade.QualityScore {
	if e == nil {
		return heuristicScore(in)
	}
	qv, err := e.Embed(in.Query)
	if err != nil {
		return heuristicScore(in)
	}
	rv, err := e.Embed(in.Response)
	if err != nil {
		return heuristicScore(in)
	}

	sim := cosine(qv, rv)
	if sim < 0 {
		sim = 0
	}

	base := heuristicScore(in)
	comp := cascade.QualityComponents{
		Confidence: sim,
		Alignment:  sim,
		Structure:  base.Components.Structure,
		Safety:     1.0,
	}
	score := cascade.QualityScore{Value: sim, Components: comp}
	if base.Value == 0 {
		return base
	}
	if sim < in.Threshold {
		score.Reason = "response diverges from query intent"
	}
	return score
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
