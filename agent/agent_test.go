package agent

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/budget"
	"github.com/cascadeflow/cascadeflow/internal/quality"
	"github.com/cascadeflow/cascadeflow/internal/ratelimit"
)

// providerStub answers every Generate from a per-call hook and never streams.
type providerStub struct {
	mu    sync.Mutex
	calls []*cascade.ProviderRequest

	onGenerate func(call int, req *cascade.ProviderRequest) (*cascade.ProviderResponse, error)
}

func (p *providerStub) Name() string { return "stub" }

func (p *providerStub) Generate(ctx context.Context, req *cascade.ProviderRequest) (*cascade.ProviderResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	n := len(p.calls)
	p.mu.Unlock()
	if p.onGenerate == nil {
		return &cascade.ProviderResponse{
			Content: "a reasonably complete stub answer",
			Usage:   &cascade.Usage{InputTokens: 20, OutputTokens: 15, TotalTokens: 35},
		}, nil
	}
	return p.onGenerate(n, req)
}

func (p *providerStub) Stream(context.Context, *cascade.ProviderRequest) (cascade.ChunkStream, error) {
	return nil, cascade.ErrStreamingUnsupported
}

func (p *providerStub) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *providerStub) model(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i].Model
}

func stubModels() []cascade.ModelConfig {
	return []cascade.ModelConfig{
		{Name: "mini", Provider: "stub", CostPer1KInput: 0.00015, CostPer1KOutput: 0.0006, MaxTokens: 16384, SupportsTools: true, SpeedMs: 300},
		{Name: "big", Provider: "stub", CostPer1KInput: 0.0025, CostPer1KOutput: 0.01, MaxTokens: 128000, SupportsTools: true, SpeedMs: 1400},
	}
}

func newAgent(t *testing.T, prov *providerStub, mutate func(*Config)) *Agent {
	t.Helper()
	cfg := Config{
		Models:    stubModels(),
		Providers: map[string]cascade.Provider{"stub": prov},
		Quality:   &QualityConfig{Method: quality.MethodNone},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestNewRequiresModels(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Equal(t, cascade.KindConfig, cascade.KindOf(err))
}

func TestAgentRunAcceptsDraft(t *testing.T) {
	prov := &providerStub{}
	a := newAgent(t, prov, nil)

	res, err := a.Run(context.Background(), cascade.Query{Prompt: "What is the capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, "mini", res.ModelUsed)
	assert.True(t, res.Cascaded)
	assert.True(t, res.DraftAccepted)
	assert.Equal(t, 1, prov.callCount())
}

func TestAgentRunEscalatesViaCustomValidator(t *testing.T) {
	prov := &providerStub{}
	a := newAgent(t, prov, func(cfg *Config) {
		cfg.Quality = &QualityConfig{
			Method: quality.MethodCustom,
			Custom: func(in cascade.QualityInput) cascade.QualityScore {
				return cascade.QualityScore{Value: 0.1, Reason: "always reject"}
			},
		}
	})

	res, err := a.Run(context.Background(), cascade.Query{Prompt: "What is the capital of France?"})
	require.NoError(t, err)
	assert.Equal(t, "big", res.ModelUsed)
	assert.False(t, res.DraftAccepted)
	assert.Equal(t, 2, prov.callCount())
	assert.Equal(t, "mini", prov.model(0))
	assert.Equal(t, "big", prov.model(1))
}

func TestAgentQualityStrategyForcesDirect(t *testing.T) {
	prov := &providerStub{}
	a := newAgent(t, prov, func(cfg *Config) {
		cfg.Cascade = &CascadeConfig{RoutingStrategy: StrategyQuality}
	})

	res, err := a.Run(context.Background(), cascade.Query{Prompt: "What is the capital of France?"})
	require.NoError(t, err)
	assert.False(t, res.Cascaded)
	assert.Equal(t, "big", res.ModelUsed)
	assert.Equal(t, 1, prov.callCount())
}

func TestAgentSpeedStrategyOrdersByLatency(t *testing.T) {
	models := []cascade.ModelConfig{
		{Name: "slow-cheap", Provider: "stub", CostPer1KInput: 0.0001, CostPer1KOutput: 0.0004, SpeedMs: 2000},
		{Name: "fast-pricey", Provider: "stub", CostPer1KInput: 0.002, CostPer1KOutput: 0.008, SpeedMs: 200},
	}
	a := newAgent(t, &providerStub{}, func(cfg *Config) {
		cfg.Models = models
		cfg.Cascade = &CascadeConfig{RoutingStrategy: StrategySpeed}
	})

	got := a.Models()
	assert.Equal(t, "fast-pricey", got[0].Name)
	assert.Equal(t, "slow-cheap", got[1].Name)
}

func TestAgentCostOrderingIsDefault(t *testing.T) {
	models := []cascade.ModelConfig{
		{Name: "pricey", Provider: "stub", CostPer1KInput: 0.002, CostPer1KOutput: 0.008},
		{Name: "cheap", Provider: "stub", CostPer1KInput: 0.0001, CostPer1KOutput: 0.0004},
	}
	a := newAgent(t, &providerStub{}, func(cfg *Config) { cfg.Models = models })

	got := a.Models()
	assert.Equal(t, "cheap", got[0].Name)
	assert.Equal(t, "pricey", got[1].Name)
}

func TestAgentModelsReturnsCopy(t *testing.T) {
	a := newAgent(t, &providerStub{}, nil)
	a.Models()[0].Name = "mutated"
	assert.Equal(t, "mini", a.Models()[0].Name)
}

func TestAgentMaxBudgetBlocks(t *testing.T) {
	prov := &providerStub{}
	a := newAgent(t, prov, func(cfg *Config) {
		cfg.Cascade = &CascadeConfig{MaxBudget: 1e-12}
	})

	_, err := a.Run(context.Background(), cascade.Query{Prompt: "anything at all"})
	require.Error(t, err)
	assert.Equal(t, cascade.KindAdmission, cascade.KindOf(err))
	assert.Zero(t, prov.callCount())
}

func TestAgentRecordsSpendAgainstTier(t *testing.T) {
	// One expensive run exhausts the tier's daily budget; the next is blocked.
	prov := &providerStub{onGenerate: func(int, *cascade.ProviderRequest) (*cascade.ProviderResponse, error) {
		return &cascade.ProviderResponse{
			Content: "very long expensive answer",
			Usage:   &cascade.Usage{InputTokens: 100_000_000, OutputTokens: 100_000_000, TotalTokens: 200_000_000},
		}, nil
	}}
	a := newAgent(t, prov, func(cfg *Config) {
		cfg.Tiers = map[string]budget.TierConfig{"test": {DailyBudgetUSD: 0.5}}
	})

	_, err := a.Run(context.Background(), cascade.Query{Prompt: "burn the budget"}, WithUser("u1", "test"))
	require.NoError(t, err)

	_, err = a.Run(context.Background(), cascade.Query{Prompt: "one more"}, WithUser("u1", "test"))
	require.Error(t, err)
	assert.Equal(t, cascade.KindAdmission, cascade.KindOf(err))

	// Other users on the same tier have their own window.
	_, err = a.Run(context.Background(), cascade.Query{Prompt: "different user"}, WithUser("u2", "test"))
	require.NoError(t, err)
}

func TestAgentRateLimitDenies(t *testing.T) {
	prov := &providerStub{}
	a := newAgent(t, prov, func(cfg *Config) {
		cfg.RateLimits = map[string]ratelimit.Policy{
			"stub": {Concurrency: 1, RequestsPerMinute: 1},
		}
	})

	_, err := a.Run(context.Background(), cascade.Query{Prompt: "first is fine"})
	require.NoError(t, err)

	_, err = a.Run(context.Background(), cascade.Query{Prompt: "second is limited"})
	require.Error(t, err)
	assert.Equal(t, cascade.KindAdmission, cascade.KindOf(err))
	assert.Greater(t, cascade.RetryAfterOf(err), time.Duration(0))
}

func TestAgentStream(t *testing.T) {
	a := newAgent(t, &providerStub{}, nil)

	ch, err := a.Stream(context.Background(), cascade.Query{Prompt: "What is the capital of France?"})
	require.NoError(t, err)

	var events []cascade.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, cascade.EventRouting, events[0].Type)
	last := events[len(events)-1]
	require.Equal(t, cascade.EventComplete, last.Type)
	assert.Contains(t, last.Content, "stub answer")
}

func TestAgentStreamAbandonedConsumerReleasesGoroutine(t *testing.T) {
	a := newAgent(t, &providerStub{}, nil)

	before := runtime.NumGoroutine()
	const rounds = 20
	for i := 0; i < rounds; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		_, err := a.Stream(ctx, cascade.Query{Prompt: "What is the capital of France?"})
		require.NoError(t, err)
		// Cancel without ever reading from the channel.
		cancel()
	}

	assert.Eventually(t, func() bool {
		runtime.GC()
		return runtime.NumGoroutine() < before+rounds/2
	}, 5*time.Second, 50*time.Millisecond, "stream goroutines survived consumer abandonment")
}

func TestAgentCallbacksReceiveLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []cascade.MetricEventType
	a := newAgent(t, &providerStub{}, func(cfg *Config) {
		cfg.Callbacks = []cascade.Callback{func(ev cascade.MetricEvent) {
			mu.Lock()
			seen = append(seen, ev.Type)
			mu.Unlock()
		}}
	})

	_, err := a.Run(context.Background(), cascade.Query{Prompt: "observe"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, cascade.MetricQueryStart, seen[0])
	assert.Equal(t, cascade.MetricQueryComplete, seen[len(seen)-1])
}

func TestRunOptionValidation(t *testing.T) {
	a := newAgent(t, &providerStub{}, nil)
	q := cascade.Query{Prompt: "hello"}

	bad := []RunOption{
		WithTemperature(2.5),
		WithTemperature(-0.1),
		WithThreshold(1.5),
		WithDeadline(-1),
		WithMaxSteps(-1),
		WithMaxTokens(-1),
		WithToolConcurrency(0),
	}
	for i, opt := range bad {
		_, err := a.Run(context.Background(), q, opt)
		require.Error(t, err, "option %d", i)
		assert.Equal(t, cascade.KindBadRequest, cascade.KindOf(err), "option %d", i)
	}
}

func TestWithDeadlineZeroTimesOut(t *testing.T) {
	prov := &providerStub{}
	a := newAgent(t, prov, nil)

	_, err := a.Run(context.Background(), cascade.Query{Prompt: "never starts"}, WithDeadline(0))
	require.Error(t, err)
	assert.Equal(t, cascade.KindTimeout, cascade.KindOf(err))
	assert.Zero(t, prov.callCount())
}

func TestRunBatchSequential(t *testing.T) {
	prov := &providerStub{}
	a := newAgent(t, prov, nil)

	queries := []cascade.Query{
		{Prompt: "first question"},
		{},
		{Prompt: "third question"},
	}
	res, err := a.RunBatch(context.Background(), queries, BatchOptions{Strategy: BatchSequential})
	require.NoError(t, err)

	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	assert.NotNil(t, res.Results[0].Result)
	assert.Equal(t, string(cascade.KindBadRequest), res.Results[1].Kind)
	assert.NotNil(t, res.Results[2].Result)
}

func TestRunBatchSequentialStopOnError(t *testing.T) {
	prov := &providerStub{}
	a := newAgent(t, prov, nil)

	queries := []cascade.Query{
		{},
		{Prompt: "never attempted"},
	}
	res, err := a.RunBatch(context.Background(), queries, BatchOptions{
		Strategy:    BatchSequential,
		StopOnError: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.SuccessCount)
	assert.Equal(t, 2, res.FailureCount)
	assert.Contains(t, res.Results[1].Error, "not attempted")
	assert.Zero(t, prov.callCount())
}

func TestRunBatchParallelKeepsOrder(t *testing.T) {
	prov := &providerStub{onGenerate: func(n int, req *cascade.ProviderRequest) (*cascade.ProviderResponse, error) {
		// Echo the question so order is observable.
		q := req.Messages[len(req.Messages)-1].Content
		return &cascade.ProviderResponse{
			Content: "answer to " + q,
			Usage:   &cascade.Usage{InputTokens: 10, OutputTokens: 10, TotalTokens: 20},
		}, nil
	}}
	a := newAgent(t, prov, nil)

	queries := make([]cascade.Query, 8)
	for i := range queries {
		queries[i] = cascade.Query{Prompt: "question " + string(rune('a'+i))}
	}
	res, err := a.RunBatch(context.Background(), queries, BatchOptions{
		Strategy:    BatchParallel,
		Concurrency: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, res.SuccessCount)
	for i, item := range res.Results {
		require.NotNil(t, item.Result, "item %d", i)
		assert.True(t, strings.HasSuffix(item.Result.Content, queries[i].Prompt), "item %d out of order", i)
	}
}

func TestRunBatchUnknownStrategy(t *testing.T) {
	a := newAgent(t, &providerStub{}, nil)
	_, err := a.RunBatch(context.Background(), []cascade.Query{{Prompt: "x"}}, BatchOptions{Strategy: "zigzag"})
	require.Error(t, err)
	assert.Equal(t, cascade.KindBadRequest, cascade.KindOf(err))
}
