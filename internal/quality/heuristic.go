package quality

import (
	"strings"
	"unicode"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// lengthFloor is the minimum word count a response needs to earn full
// confidence credit at each complexity bucket.
var lengthFloor = map[cascade.Complexity]int{
	cascade.Trivial:  1,
	cascade.Simple:   5,
	cascade.Moderate: 12,
	cascade.Hard:     25,
	cascade.Expert:   40,
}

// heuristicScore grades a response on cheap structural signals:
//
//   - confidence = min(words / floor(complexity), 1.0)
//   - alignment  = 0.5 + 0.5 * overlap of significant query terms
//   - structure  = formatting sanity (balanced fences, no repetition spam)
//   - safety     = 1.0 (the heuristic method does not judge content)
//
// The value is the mean of the four components. An empty response scores
// zero outright.
func heuristicScore(in cascade.QualityInput) cascade.QualityScore {
	if strings.TrimSpace(in.Response) == "" {
		return cascade.QualityScore{Value: 0, Reason: "empty response"}
	}

	floor := lengthFloor[in.Complexity]
	if floor < 1 {
		floor = 1
	}
	confidence := float64(wordCount(in.Response)) / float64(floor)
	if confidence > 1 {
		confidence = 1
	}

	comp := cascade.QualityComponents{
		Confidence: confidence,
		Alignment:  0.5 + 0.5*termOverlap(in.Query, in.Response),
		Structure:  formatScore(in.Response),
		Safety:     1.0,
	}
	score := cascade.QualityScore{Value: compose(comp), Components: comp}
	if confidence < 1 {
		score.Reason = "response shorter than expected for complexity"
	}
	return score
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// significantTerms extracts lowercase words of five or more letters. Short
// words carry too little signal for overlap checks.
func significantTerms(s string) []string {
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(f) >= 5 {
			terms = append(terms, f)
		}
	}
	return terms
}

// termOverlap is the fraction of the query's significant terms that appear
// in the response. A query with no significant terms yields full overlap.
func termOverlap(query, response string) float64 {
	terms := significantTerms(query)
	if len(terms) == 0 {
		return 1.0
	}
	lower := strings.ToLower(response)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// formatScore starts at 1.0 and deducts for visible damage: an unclosed
// code fence costs 0.5, repetition spam costs 0.5.
func formatScore(s string) float64 {
	score := 1.0
	if strings.Count(s, "```")%2 == 1 {
		score -= 0.5
	}
	if repetitionSpam(s) {
		score -= 0.5
	}
	if score < 0 {
		score = 0
	}
	return score
}

// repetitionSpam reports whether a single word dominates a response of more
// than ten words, a common degenerate-decoding signature.
func repetitionSpam(s string) bool {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) <= 10 {
		return false
	}
	counts := make(map[string]int, len(fields))
	max := 0
	for _, f := range fields {
		counts[f]++
		if counts[f] > max {
			max = counts[f]
		}
	}
	return float64(max)/float64(len(fields)) > 0.5
}
