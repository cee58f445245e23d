package pricing

import (
	"math"
	"strings"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// Calculator turns call usage into the signed CostBreakdown. Provider-
// reported costs take priority over every book rung; breakdowns computed
// without real usage are marked Estimated and claim no savings.
type Calculator struct {
	book cascade.PriceBook
}

// NewCalculator builds a calculator over the given price book.
func NewCalculator(book cascade.PriceBook) *Calculator {
	return &Calculator{book: book}
}

// EstimateTokens approximates the token count of text: max(1, round(1.3 ·
// words)). Used only when a provider reports no usage.
func (c *Calculator) EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	est := int(math.Round(1.3 * float64(words)))
	if est < 1 {
		return 1
	}
	return est
}

// resolvePrice walks the ladder below provider-reported: book (external
// table, registry, construction-time configs), then the call's own
// ModelConfig, then zero.
func (c *Calculator) resolvePrice(m cascade.ModelConfig) cascade.Price {
	if c.book != nil {
		if p, ok := c.book.Resolve(m.Provider, m.Name); ok {
			return p
		}
	}
	if m.CostPer1KInput != 0 || m.CostPer1KOutput != 0 {
		return cascade.Price{
			InputPer1K:  m.CostPer1KInput,
			OutputPer1K: m.CostPer1KOutput,
			Source:      "config",
		}
	}
	return cascade.Price{Source: "zero"}
}

// callCost prices a single model call. estimated reports that token counts
// were derived from text rather than provider usage.
func (c *Calculator) callCost(call *cascade.CallCost) (cost float64, in, out int, estimated bool) {
	if u := call.Usage; u != nil {
		in, out = u.InputTokens, u.OutputTokens
	} else {
		in = c.EstimateTokens(call.Prompt)
		out = c.EstimateTokens(call.Output)
		estimated = true
	}

	if call.Reported > 0 {
		return call.Reported, in, out, estimated
	}

	p := c.resolvePrice(call.Model)
	cached := 0
	if call.Usage != nil {
		cached = call.Usage.CachedInputTokens
	}
	cachedPer1K := 0.0
	if p.HasCached {
		cachedPer1K = p.CachedPer1K
	}
	cost = (float64(in)*p.InputPer1K + float64(out)*p.OutputPer1K + float64(cached)*cachedPer1K) / 1000
	return cost, in, out, estimated
}

// Breakdown computes the full accounting for one finished run.
//
// Accepted draft: only the draft is billed; bigonly is the hypothetical
// verifier cost for the same input and output length. Rejected draft: both
// calls are billed and bigonly equals the verifier cost, so cost_saved is
// exactly -draft_cost. Direct: bigonly equals total and nothing was saved.
// Estimated breakdowns collapse bigonly to total so cost_saved stays zero.
func (c *Calculator) Breakdown(in cascade.CostInput) cascade.CostBreakdown {
	bd := cascade.CostBreakdown{
		WasCascaded:   in.Cascaded,
		DraftAccepted: in.Accepted,
	}

	estimated := false
	var draftIn, draftOut int
	if in.Draft != nil {
		cost, i, o, est := c.callCost(in.Draft)
		bd.DraftCost = cost
		bd.DraftTokens = i + o
		draftIn, draftOut = i, o
		estimated = estimated || est
	}
	if in.Verifier != nil {
		cost, i, o, est := c.callCost(in.Verifier)
		bd.VerifierCost = cost
		bd.VerifierTokens = i + o
		estimated = estimated || est
	}

	bd.TotalCost = bd.DraftCost + bd.VerifierCost
	bd.TotalTokens = bd.DraftTokens + bd.VerifierTokens
	bd.Estimated = estimated

	switch {
	case estimated:
		bd.BigonlyCost = bd.TotalCost
		bd.Metadata = map[string]any{"savings_suppressed": "usage missing; costs estimated"}
	case in.Cascaded && in.Accepted && in.Draft != nil:
		vp := c.resolvePrice(in.VerifierModel)
		bd.BigonlyCost = (float64(draftIn)*vp.InputPer1K + float64(draftOut)*vp.OutputPer1K) / 1000
	case in.Cascaded && !in.Accepted:
		bd.BigonlyCost = bd.VerifierCost
	default:
		bd.BigonlyCost = bd.TotalCost
	}

	bd.CostSaved = bd.BigonlyCost - bd.TotalCost
	if bd.BigonlyCost > 0 {
		bd.SavingsPercent = bd.CostSaved / bd.BigonlyCost * 100
	}
	return bd
}
