package cascade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDraftAccepted(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(_ int, req *ProviderRequest) (*ProviderResponse, error) {
		return respond("Paris is the capital of France.", 12, 8), nil
	}}
	p := newTestPipeline(t, prov, nil)

	res, err := p.Run(context.Background(), Query{Prompt: "What is the capital of France?"}, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, "Paris is the capital of France.", res.Content)
	assert.Equal(t, "mini", res.ModelUsed)
	assert.True(t, res.Cascaded)
	assert.True(t, res.DraftAccepted)
	assert.Equal(t, StrategyCascade, res.RoutingStrategy)
	assert.Equal(t, 1, prov.callCount(), "accepted draft must not touch the verifier")
	assert.Greater(t, res.Cost.CostSaved, 0.0)
	assert.Empty(t, res.RejectionReason)
	assert.NotEmpty(t, res.TraceID)
	require.NotNil(t, res.Quality)
	assert.True(t, res.Quality.Passed)
}

func TestRunEscalatesOnLowQuality(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		if n == 1 {
			return respond("idk", 12, 2), nil
		}
		return respond("A thorough, correct answer.", 30, 40), nil
	}}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) {
		cfg.Quality = scoredQuality{score: 0.3, reason: "too terse"}
	})

	res, err := p.Run(context.Background(), Query{Prompt: "Explain the halting problem"}, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, "big", res.ModelUsed)
	assert.True(t, res.Cascaded)
	assert.False(t, res.DraftAccepted)
	assert.Equal(t, "too terse", res.RejectionReason)
	assert.Equal(t, "A thorough, correct answer.", res.Content)
	assert.Equal(t, "idk", res.DraftText)
	assert.Equal(t, "A thorough, correct answer.", res.VerifierText)
	assert.Less(t, res.Cost.CostSaved, 0.0, "rejected draft is pure waste")

	// The verifier sees the rejected draft and a correction turn, not a
	// fresh prompt.
	require.Equal(t, 2, prov.callCount())
	esc := prov.call(1)
	assert.Equal(t, "big", esc.Model)
	require.Len(t, esc.Messages, 3)
	assert.Equal(t, "user", esc.Messages[0].Role)
	assert.Equal(t, "assistant", esc.Messages[1].Role)
	assert.Equal(t, "idk", esc.Messages[1].Content)
	assert.Equal(t, "user", esc.Messages[2].Role)
	assert.Contains(t, esc.Messages[2].Content, "too terse")
}

func TestRunForceDirect(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(_ int, req *ProviderRequest) (*ProviderResponse, error) {
		return respond("direct answer", 10, 10), nil
	}}
	p := newTestPipeline(t, prov, nil)

	opts := DefaultOptions()
	opts.ForceDirect = true
	res, err := p.Run(context.Background(), Query{Prompt: "hello there"}, opts)
	require.NoError(t, err)

	assert.Equal(t, "big", res.ModelUsed)
	assert.False(t, res.Cascaded)
	assert.False(t, res.DraftAccepted)
	assert.Equal(t, StrategyDirect, res.RoutingStrategy)
	assert.Equal(t, 1, prov.callCount())
	assert.Zero(t, res.Cost.CostSaved, "direct routes report no savings")
}

func TestRunSingleModelGoesDirect(t *testing.T) {
	prov := &fakeProvider{}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) {
		cfg.Models = testModels()[:1]
	})

	res, err := p.Run(context.Background(), Query{Prompt: "just one model here"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, StrategyDirect, res.RoutingStrategy)
	assert.Equal(t, "mini", res.ModelUsed)
}

func TestRunEmptyQuery(t *testing.T) {
	prov := &fakeProvider{}
	p := newTestPipeline(t, prov, nil)

	for _, q := range []Query{
		{},
		{Prompt: "   "},
		{Messages: []Message{{Role: "user", Content: "\n\t"}}},
	} {
		_, err := p.Run(context.Background(), q, DefaultOptions())
		require.Error(t, err)
		assert.Equal(t, KindBadRequest, KindOf(err))
	}
	assert.Zero(t, prov.callCount())
}

func TestRunZeroDeadlineFailsBeforeAnySideEffect(t *testing.T) {
	prov := &fakeProvider{}
	sink := &recordingSink{}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) { cfg.Sink = sink })

	opts := DefaultOptions()
	opts.HasDeadline = true
	_, err := p.Run(context.Background(), Query{Prompt: "never runs"}, opts)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Zero(t, prov.callCount())
	assert.Empty(t, sink.types(), "an already-expired deadline must leave no trace")
}

func TestRunTemperatureOutOfRange(t *testing.T) {
	p := newTestPipeline(t, &fakeProvider{}, nil)
	temp := 2.5
	opts := DefaultOptions()
	opts.Temperature = &temp
	_, err := p.Run(context.Background(), Query{Prompt: "hi"}, opts)
	require.Error(t, err)
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		if n < 3 {
			return nil, Errorf(KindTransientProvider, "fake.generate", "upstream 503")
		}
		return respond("third time lucky", 10, 10), nil
	}}
	p := newTestPipeline(t, prov, nil)

	res, err := p.Run(context.Background(), Query{Prompt: "flaky upstream"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", res.Content)
	assert.Equal(t, 3, prov.callCount())
}

func TestRunDoesNotRetryAuthErrors(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(int, *ProviderRequest) (*ProviderResponse, error) {
		return nil, Errorf(KindAuthProvider, "fake.generate", "401 bad key")
	}}
	p := newTestPipeline(t, prov, nil)

	_, err := p.Run(context.Background(), Query{Prompt: "hi"}, DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, KindAuthProvider, KindOf(err))
	assert.Equal(t, 1, prov.callCount())

	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "mini", ce.Model)
}

func TestRunRetriesExhausted(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(int, *ProviderRequest) (*ProviderResponse, error) {
		return nil, Errorf(KindTransientProvider, "fake.generate", "still down")
	}}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) { cfg.MaxRetries = 2 })

	_, err := p.Run(context.Background(), Query{Prompt: "down forever"}, DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, KindTransientProvider, KindOf(err))
	assert.Equal(t, 2, prov.callCount(), "max_retries counts total attempts")
}

type fixedBudget struct {
	decision TierDecision

	mu       sync.Mutex
	recorded []float64
}

func (b *fixedBudget) Check(string, string, float64) TierDecision { return b.decision }

func (b *fixedBudget) Record(_, _ string, cost float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorded = append(b.recorded, cost)
}

func TestRunBudgetBlock(t *testing.T) {
	prov := &fakeProvider{}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) {
		cfg.Budget = &fixedBudget{decision: TierDecision{Action: TierBlock, Reason: "daily budget exhausted"}}
	})

	_, err := p.Run(context.Background(), Query{Prompt: "anything"}, DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, KindAdmission, KindOf(err))
	assert.Contains(t, err.Error(), "daily budget exhausted")
	assert.Zero(t, prov.callCount(), "blocked requests reach no provider")
}

func TestRunBudgetDegradeLowersThreshold(t *testing.T) {
	prov := &fakeProvider{}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) {
		cfg.Quality = scoredQuality{score: 0.35, reason: "weak"}
		cfg.Budget = &fixedBudget{decision: TierDecision{
			Action:         TierDegrade,
			ThresholdFloor: 0.3,
		}}
	})

	// 0.35 fails the moderate default of 0.7 but clears the degraded floor,
	// so the draft is kept instead of escalating.
	res, err := p.Run(context.Background(), Query{Prompt: "degrade me"}, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.DraftAccepted)
	assert.Equal(t, "mini", res.ModelUsed)
	assert.Equal(t, 1, prov.callCount())
}

func TestRunBudgetWarnAnnotatesResult(t *testing.T) {
	p := newTestPipeline(t, &fakeProvider{}, func(cfg *PipelineConfig) {
		cfg.Budget = &fixedBudget{decision: TierDecision{Action: TierWarn, Reason: "75% of daily budget used"}}
	})

	res, err := p.Run(context.Background(), Query{Prompt: "warn me"}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "75% of daily budget used", res.Cost.Metadata["budget_warning"])
}

type fixedGate struct {
	admission Admission

	mu      sync.Mutex
	started int
	ended   int
}

func (g *fixedGate) StartRequest(string, int) Admission {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.admission.Allowed {
		g.started++
	}
	return g.admission
}

func (g *fixedGate) EndRequest(string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ended++
}

func TestRunGateDenied(t *testing.T) {
	prov := &fakeProvider{}
	gate := &fixedGate{admission: Admission{RetryAfterMs: 1500, Reason: "rpm exceeded"}}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) { cfg.Gate = gate })

	_, err := p.Run(context.Background(), Query{Prompt: "too fast"}, DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, KindAdmission, KindOf(err))
	assert.Equal(t, 1500*time.Millisecond, RetryAfterOf(err))
	assert.Zero(t, prov.callCount())
	assert.Zero(t, gate.ended, "a denied request never pairs an EndRequest")
}

func TestRunGateReleasedOnFailure(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(int, *ProviderRequest) (*ProviderResponse, error) {
		return nil, Errorf(KindAuthProvider, "fake.generate", "401")
	}}
	gate := &fixedGate{admission: Admission{Allowed: true}}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) { cfg.Gate = gate })

	_, err := p.Run(context.Background(), Query{Prompt: "hi"}, DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, gate.started, gate.ended, "every admitted call must release the gate")
}

func TestRunMaxStepsZeroReturnsCallsVerbatim(t *testing.T) {
	var executed int
	prov := &fakeProvider{onGenerate: func(int, *ProviderRequest) (*ProviderResponse, error) {
		return &ProviderResponse{
			Content:   "",
			Usage:     &Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			ToolCalls: []ToolCall{{ID: "call_1", Name: "lookup", Arguments: `{"q":"x"}`}},
		}, nil
	}}
	p := newTestPipeline(t, prov, nil)

	opts := DefaultOptions()
	opts.MaxSteps = 0
	opts.Tools = []ToolSpec{{Name: "lookup"}}
	opts.ToolExecutor = func(context.Context, string, map[string]any) (string, error) {
		executed++
		return "", nil
	}
	res, err := p.Run(context.Background(), Query{Prompt: "look something up"}, opts)
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "lookup", res.ToolCalls[0].Name)
	assert.Zero(t, executed, "max_steps 0 must not execute tools")
	assert.Equal(t, 1, prov.callCount())
}

func TestRunDomainTemperaturePassedThrough(t *testing.T) {
	prov := &fakeProvider{}
	temp := 0.2
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) {
		cfg.Domain = stubDomain{domain: DomainCode}
		cfg.Domains = map[Domain]DomainConfig{
			DomainCode: {Temperature: &temp},
		}
	})

	_, err := p.Run(context.Background(), Query{Prompt: "write a function"}, DefaultOptions())
	require.NoError(t, err)
	req := prov.call(0)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.2, *req.Temperature)
}

func TestRunExplicitTemperatureWinsOverDomain(t *testing.T) {
	prov := &fakeProvider{}
	domainTemp := 0.2
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) {
		cfg.Domain = stubDomain{domain: DomainCode}
		cfg.Domains = map[Domain]DomainConfig{DomainCode: {Temperature: &domainTemp}}
	})

	want := 1.1
	opts := DefaultOptions()
	opts.Temperature = &want
	_, err := p.Run(context.Background(), Query{Prompt: "write a poem about code"}, opts)
	require.NoError(t, err)
	require.NotNil(t, prov.call(0).Temperature)
	assert.Equal(t, want, *prov.call(0).Temperature)
}

func TestRunMetricLifecycle(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(t, &fakeProvider{}, func(cfg *PipelineConfig) { cfg.Sink = sink })

	res, err := p.Run(context.Background(), Query{Prompt: "observe me"}, DefaultOptions())
	require.NoError(t, err)

	types := sink.types()
	require.NotEmpty(t, types)
	assert.Equal(t, MetricQueryStart, types[0])
	assert.Equal(t, MetricQueryComplete, types[len(types)-1])
	assert.Contains(t, types, MetricComplexityDetected)
	assert.Contains(t, types, MetricStrategySelected)
	assert.Contains(t, types, MetricModelCallStart)
	assert.Contains(t, types, MetricModelCallComplete)
	assert.Contains(t, types, MetricCascadeDecision)

	// Every event of the run carries the same trace id.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, ev := range sink.events {
		assert.Equal(t, res.TraceID, ev.TraceID)
	}
}

func TestRunErrorMetricOnFailure(t *testing.T) {
	sink := &recordingSink{}
	prov := &fakeProvider{onGenerate: func(int, *ProviderRequest) (*ProviderResponse, error) {
		return nil, Errorf(KindAuthProvider, "fake.generate", "401")
	}}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) { cfg.Sink = sink })

	_, err := p.Run(context.Background(), Query{Prompt: "fail"}, DefaultOptions())
	require.Error(t, err)
	types := sink.types()
	assert.Equal(t, MetricQueryError, types[len(types)-1])
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newTestPipeline(t, &fakeProvider{}, nil)

	_, err := p.Run(ctx, Query{Prompt: "cancelled before start"}, DefaultOptions())
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestNewPipelineValidation(t *testing.T) {
	base := func() PipelineConfig {
		return PipelineConfig{
			Models:     testModels(),
			Providers:  map[string]Provider{"fake": &fakeProvider{}},
			Complexity: stubComplexity{},
			Domain:     stubDomain{},
			Tools:      stubChecker{},
			Quality:    scoredQuality{score: 0.9},
			Router:     ladderRouter{},
			Cost:       flatCost{},
		}
	}

	tests := []struct {
		name string
		mut  func(*PipelineConfig)
	}{
		{"no models", func(c *PipelineConfig) { c.Models = nil }},
		{"unregistered provider", func(c *PipelineConfig) { c.Models[0].Provider = "ghost" }},
		{"unnamed model", func(c *PipelineConfig) { c.Models[0].Name = "" }},
		{"unknown domain key", func(c *PipelineConfig) {
			c.Domains = map[Domain]DomainConfig{"astrology": {}}
		}},
		{"missing complexity", func(c *PipelineConfig) { c.Complexity = nil }},
		{"missing domain", func(c *PipelineConfig) { c.Domain = nil }},
		{"missing tools", func(c *PipelineConfig) { c.Tools = nil }},
		{"missing quality", func(c *PipelineConfig) { c.Quality = nil }},
		{"missing router", func(c *PipelineConfig) { c.Router = nil }},
		{"missing cost", func(c *PipelineConfig) { c.Cost = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mut(&cfg)
			_, err := NewPipeline(cfg)
			require.Error(t, err)
			assert.Equal(t, KindConfig, KindOf(err))
		})
	}
}

func TestDefaultThresholdResolution(t *testing.T) {
	explicit := 0.95
	domainCfg := &DomainConfig{Threshold: 0.82}

	tests := []struct {
		name     string
		explicit *float64
		cfg      *DomainConfig
		c        Complexity
		want     float64
	}{
		{"explicit wins", &explicit, domainCfg, Simple, 0.95},
		{"domain config next", nil, domainCfg, Simple, 0.82},
		{"simple", nil, nil, Simple, 0.6},
		{"moderate", nil, nil, Moderate, 0.7},
		{"hard", nil, nil, Hard, 0.8},
		{"expert", nil, nil, Expert, 0.85},
		{"trivial falls back", nil, nil, Trivial, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, defaultThreshold(tt.explicit, tt.cfg, tt.c))
		})
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
		assert.LessOrEqual(t, d, retryMaxDelay+retryMaxDelay/2, "attempt %d", attempt)
	}
}

func TestEstimateSpendUsesWorstModel(t *testing.T) {
	p := newTestPipeline(t, &fakeProvider{}, nil)
	r := &run{text: "ten words of text here to price out the request", opts: DefaultOptions()}
	got := p.estimateSpend(r)

	tokens := flatCost{}.EstimateTokens(r.text)
	want := (float64(tokens)*0.0025 + float64(tokens)*0.01) / 1000
	assert.InDelta(t, want, got, 1e-12)
}

func TestRunQueryWithTranscript(t *testing.T) {
	prov := &fakeProvider{}
	p := newTestPipeline(t, prov, nil)

	q := Query{Messages: []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "follow-up"},
	}}
	_, err := p.Run(context.Background(), q, DefaultOptions())
	require.NoError(t, err)

	msgs := prov.call(0).Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "follow-up", msgs[3].Content)
}

func TestRunSystemPromptPrepended(t *testing.T) {
	prov := &fakeProvider{}
	p := newTestPipeline(t, prov, nil)

	opts := DefaultOptions()
	opts.SystemPrompt = "answer in French"
	_, err := p.Run(context.Background(), Query{Prompt: "bonjour"}, opts)
	require.NoError(t, err)

	msgs := prov.call(0).Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "answer in French", msgs[0].Content)
}

func TestRunTimingAccounted(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(int, *ProviderRequest) (*ProviderResponse, error) {
		time.Sleep(5 * time.Millisecond)
		return respond("slow enough to measure", 10, 10), nil
	}}
	p := newTestPipeline(t, prov, nil)

	res, err := p.Run(context.Background(), Query{Prompt: "time me"}, DefaultOptions())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Timing.TotalMs, res.Timing.DraftMs)
	assert.GreaterOrEqual(t, res.Timing.DraftMs, int64(5))
	assert.GreaterOrEqual(t, res.Timing.OverheadMs, int64(0))
}

func TestRunConcurrentRequests(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		return respond(fmt.Sprintf("answer %d", n), 10, 10), nil
	}}
	p := newTestPipeline(t, prov, nil)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Run(context.Background(), Query{Prompt: fmt.Sprintf("query %d", i)}, DefaultOptions())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, 16, prov.callCount())
}
