package cascade

// Shared fakes for pipeline tests. Each collaborator gets the smallest stub
// that lets a test steer one decision; the real implementations live under
// internal/ and have their own suites.

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubComplexity struct{ level Complexity }

func (s stubComplexity) Classify(string) ComplexityResult {
	return ComplexityResult{Level: s.level, Confidence: 0.9, Score: 40}
}

type stubDomain struct{ domain Domain }

func (s stubDomain) Classify(string) DomainResult {
	d := s.domain
	if d == "" {
		d = DomainGeneral
	}
	return DomainResult{Domain: d, Confidence: 0.8}
}

// stubChecker validates every call except the names listed in invalid.
type stubChecker struct {
	intent  ToolCallIntent
	invalid map[string]string // tool name -> problem
}

func (s stubChecker) Detect(Query, []ToolSpec) ToolCallIntent { return s.intent }

func (s stubChecker) Validate(calls []ToolCall, _ []ToolSpec) []ToolValidation {
	out := make([]ToolValidation, len(calls))
	for i, call := range calls {
		out[i] = ToolValidation{Call: call, Valid: true, Structural: true, Safety: true, Semantic: 1}
		if problem, ok := s.invalid[call.Name]; ok {
			out[i].Valid = false
			out[i].Problems = []string{problem}
		}
	}
	return out
}

func (s stubChecker) AssessRisk(ToolSpec) RiskTier { return RiskLow }

// scoredQuality returns a fixed score; Passed follows the resolved threshold.
type scoredQuality struct {
	score  float64
	reason string
}

func (s scoredQuality) Validate(in QualityInput) QualityScore {
	return QualityScore{
		Value:  s.score,
		Passed: s.score >= in.Threshold,
		Reason: s.reason,
	}
}

// ladderRouter is a deterministic miniature of the production decision
// ladder: blocked admission skips, forced or single-model pools go direct,
// everything else cascades cheapest-to-priciest.
type ladderRouter struct{}

func (ladderRouter) Route(in RouteInput) RoutingDecision {
	if in.Admission == TierBlock {
		return RoutingDecision{Strategy: StrategySkip, Reasons: []string{"admission blocked"}}
	}
	cheap, exp := in.Models[0], in.Models[0]
	for _, m := range in.Models[1:] {
		if m.CostPer1K() < cheap.CostPer1K() {
			cheap = m
		}
		if m.CostPer1K() > exp.CostPer1K() {
			exp = m
		}
	}
	if in.ForceDirect || len(in.Models) == 1 {
		v := exp
		return RoutingDecision{Strategy: StrategyDirect, Verifier: &v, Reasons: []string{"direct"}}
	}
	d, v := cheap, exp
	return RoutingDecision{Strategy: StrategyCascade, Drafter: &d, Verifier: &v, Reasons: []string{"cascade"}}
}

// flatCost prices calls straight off reported usage so cost assertions stay
// arithmetic: savings positive when the accepted draft undercut the verifier,
// negative when a rejected draft wasted spend.
type flatCost struct{}

func price(m ModelConfig, u *Usage) float64 {
	if u == nil {
		return 0
	}
	return (float64(u.InputTokens)*m.CostPer1KInput + float64(u.OutputTokens)*m.CostPer1KOutput) / 1000
}

func (flatCost) Breakdown(in CostInput) CostBreakdown {
	bd := CostBreakdown{WasCascaded: in.Cascaded, DraftAccepted: in.Accepted}
	if in.Draft != nil {
		bd.DraftCost = price(in.Draft.Model, in.Draft.Usage)
		if in.Draft.Usage != nil {
			bd.DraftTokens = in.Draft.Usage.TotalTokens
		} else {
			bd.Estimated = true
		}
	}
	if in.Verifier != nil {
		bd.VerifierCost = price(in.Verifier.Model, in.Verifier.Usage)
		if in.Verifier.Usage != nil {
			bd.VerifierTokens = in.Verifier.Usage.TotalTokens
		} else {
			bd.Estimated = true
		}
	}
	bd.TotalCost = bd.DraftCost + bd.VerifierCost
	bd.TotalTokens = bd.DraftTokens + bd.VerifierTokens
	switch {
	case in.Cascaded && in.Accepted && in.Draft != nil:
		bd.BigonlyCost = price(in.VerifierModel, in.Draft.Usage)
	case in.Cascaded && in.Verifier != nil:
		bd.BigonlyCost = price(in.VerifierModel, in.Verifier.Usage)
	default:
		bd.BigonlyCost = bd.TotalCost
	}
	if !bd.Estimated {
		bd.CostSaved = bd.BigonlyCost - bd.TotalCost
		if bd.BigonlyCost > 0 {
			bd.SavingsPercent = bd.CostSaved / bd.BigonlyCost * 100
		}
	}
	return bd
}

func (flatCost) EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	n := int(math.Round(1.3 * float64(words)))
	if n < 1 {
		n = 1
	}
	return n
}

// fakeProvider records every request and answers from per-call hooks.
type fakeProvider struct {
	name string

	mu    sync.Mutex
	calls []*ProviderRequest

	onGenerate func(call int, req *ProviderRequest) (*ProviderResponse, error)
	onStream   func(call int, req *ProviderRequest) (ChunkStream, error)
}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeProvider) record(req *ProviderRequest) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return len(f.calls)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) call(i int) *ProviderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeProvider) Generate(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error) {
	n := f.record(req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.onGenerate == nil {
		return respond("ok", 10, 10), nil
	}
	return f.onGenerate(n, req)
}

func (f *fakeProvider) Stream(ctx context.Context, req *ProviderRequest) (ChunkStream, error) {
	if f.onStream == nil {
		return nil, ErrStreamingUnsupported
	}
	n := f.record(req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.onStream(n, req)
}

// sliceStream replays a scripted chunk sequence.
type sliceStream struct {
	chunks []ProviderChunk
	pos    int
	closed bool
}

func (s *sliceStream) Recv() (*ProviderChunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return &c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// respond builds the common one-shot answer with usage attached.
func respond(content string, in, out int) *ProviderResponse {
	return &ProviderResponse{
		Content: content,
		Usage:   &Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

func testModels() []ModelConfig {
	return []ModelConfig{
		{Name: "mini", Provider: "fake", CostPer1KInput: 0.00015, CostPer1KOutput: 0.0006, MaxTokens: 16384, SupportsTools: true, SpeedMs: 300},
		{Name: "big", Provider: "fake", CostPer1KInput: 0.0025, CostPer1KOutput: 0.01, MaxTokens: 16384, SupportsTools: true, SpeedMs: 1200},
	}
}

func newTestPipeline(t *testing.T, prov Provider, mutate func(*PipelineConfig)) *Pipeline {
	t.Helper()
	cfg := PipelineConfig{
		Models:     testModels(),
		Providers:  map[string]Provider{"fake": prov},
		Complexity: stubComplexity{level: Moderate},
		Domain:     stubDomain{},
		Tools:      stubChecker{},
		Quality:    scoredQuality{score: 0.9},
		Router:     ladderRouter{},
		Cost:       flatCost{},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	return p
}

// recordingSink captures metric events in emission order.
type recordingSink struct {
	mu     sync.Mutex
	events []MetricEvent
}

func (s *recordingSink) Emit(ev MetricEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []MetricEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MetricEventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}
