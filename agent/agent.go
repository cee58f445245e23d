// Package agent is the public construction API: it assembles the cascade
// pipeline from an ordered model pool and optional quality, cascade, domain,
// and admission configuration, and exposes Run, Stream, and RunBatch.
package agent

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/budget"
	"github.com/cascadeflow/cascadeflow/internal/classify"
	"github.com/cascadeflow/cascadeflow/internal/events"
	"github.com/cascadeflow/cascadeflow/internal/pricing"
	"github.com/cascadeflow/cascadeflow/internal/providers/registry"
	"github.com/cascadeflow/cascadeflow/internal/quality"
	"github.com/cascadeflow/cascadeflow/internal/ratelimit"
	"github.com/cascadeflow/cascadeflow/internal/router"
	"github.com/cascadeflow/cascadeflow/internal/tooling"
)

// RoutingStrategy biases model selection at construction time.
type RoutingStrategy string

const (
	// StrategyAdaptive is the default cascade behavior.
	StrategyAdaptive RoutingStrategy = "adaptive"
	// StrategyCost is an alias for adaptive; cost-ascending ordering is
	// inherent to the decision ladder.
	StrategyCost RoutingStrategy = "cost"
	// StrategyQuality bypasses drafting and answers with the verifier.
	StrategyQuality RoutingStrategy = "quality"
	// StrategySpeed orders the pool by measured latency instead of cost.
	StrategySpeed RoutingStrategy = "speed"
)

// QualityConfig tunes validation.
type QualityConfig struct {
	Threshold *float64
	Method    string
	Embedder  cascade.Embedder
	Custom    quality.CustomFunc
}

// CascadeConfig tunes the pipeline.
type CascadeConfig struct {
	MaxBudget       float64 // per-request USD ceiling, 0 = unlimited
	MaxRetries      int
	Timeout         time.Duration // per provider call
	RoutingStrategy RoutingStrategy
	Verbose         bool
}

// Config assembles an Agent. Models is required and is kept in the given
// order for tie-breaking; everything else is optional.
type Config struct {
	Models    []cascade.ModelConfig
	Providers map[string]cascade.Provider // nil = environment defaults
	Quality   *QualityConfig
	Cascade   *CascadeConfig
	Domains   map[cascade.Domain]cascade.DomainConfig
	Callbacks []cascade.Callback

	RateLimits map[string]ratelimit.Policy
	Tiers      map[string]budget.TierConfig
	PriceBook  cascade.PriceBook

	Logger *slog.Logger
}

// Agent is the process-wide entry point. Its model list is immutable after
// construction; build a new agent for a new configuration.
type Agent struct {
	pipeline *cascade.Pipeline
	events   *events.Manager
	budget   *budget.Manager
	models   []cascade.ModelConfig
	defaults cascade.Options
}

// New validates the configuration eagerly and builds the agent.
// Configuration errors are fatal at construction.
func New(cfg Config) (*Agent, error) {
	if len(cfg.Models) == 0 {
		return nil, cascade.Errorf(cascade.KindConfig, "agent.new", "at least one model is required")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	cc := CascadeConfig{}
	if cfg.Cascade != nil {
		cc = *cfg.Cascade
	}

	models := orderModels(cfg.Models, cc.RoutingStrategy)

	provs := cfg.Providers
	if provs == nil {
		provs = registry.Defaults(cc.Timeout)
	}

	qc := QualityConfig{}
	if cfg.Quality != nil {
		qc = *cfg.Quality
	}
	var qualityOpts []quality.Option
	if qc.Embedder != nil {
		qualityOpts = append(qualityOpts, quality.WithEmbedder(qc.Embedder))
	}
	if qc.Custom != nil {
		qualityOpts = append(qualityOpts, quality.WithCustom(qc.Custom))
	}
	suite := quality.NewSuite(qualityOpts...)

	var domainOpts []classify.DomainOption
	if qc.Embedder != nil {
		domainOpts = append(domainOpts, classify.WithEmbedder(qc.Embedder, 0.15))
	}

	checker := tooling.NewChecker()

	book := cfg.PriceBook
	if book == nil {
		book = pricing.NewBook(models)
	}

	mgr := events.NewManager(cfg.Callbacks...)

	var gate cascade.Gate
	if len(cfg.RateLimits) > 0 {
		gate = ratelimit.New(cfg.RateLimits)
	}

	budgetMgr := budget.New(cfg.Tiers)
	var policy cascade.BudgetPolicy = budgetMgr
	if cc.MaxBudget > 0 {
		policy = &cappedPolicy{inner: budgetMgr, maxPerRequest: cc.MaxBudget}
	}

	pipeline, err := cascade.NewPipeline(cascade.PipelineConfig{
		Models:      models,
		Providers:   provs,
		Domains:     cfg.Domains,
		Complexity:  classify.NewComplexityClassifier(),
		Domain:      classify.NewDomainClassifier(domainOpts...),
		Tools:       checker,
		Quality:     suite,
		Router:      router.New(router.WithRiskFunc(checker.AssessRisk)),
		Cost:        pricing.NewCalculator(book),
		Gate:        gate,
		Budget:      policy,
		Sink:        mgr,
		Threshold:   quality.ResolveThreshold,
		Method:      quality.ResolveMethod,
		Logger:      log,
		MaxRetries:  cc.MaxRetries,
		StepTimeout: cc.Timeout,
	})
	if err != nil {
		return nil, err
	}

	defaults := cascade.DefaultOptions()
	if qc.Threshold != nil {
		defaults.Threshold = qc.Threshold
	}
	if qc.Method != "" {
		defaults.Validation = qc.Method
	}
	if cc.RoutingStrategy == StrategyQuality {
		defaults.ForceDirect = true
	}

	return &Agent{
		pipeline: pipeline,
		events:   mgr,
		budget:   budgetMgr,
		models:   models,
		defaults: defaults,
	}, nil
}

// orderModels sorts the pool ascending by cost (or latency for the speed
// strategy) while keeping configuration order among ties.
func orderModels(in []cascade.ModelConfig, strategy RoutingStrategy) []cascade.ModelConfig {
	models := make([]cascade.ModelConfig, len(in))
	copy(models, in)
	if strategy == StrategySpeed {
		sort.SliceStable(models, func(i, j int) bool {
			return models[i].SpeedMs < models[j].SpeedMs
		})
		return models
	}
	sort.SliceStable(models, func(i, j int) bool {
		return models[i].CostPer1K() < models[j].CostPer1K()
	})
	return models
}

// cappedPolicy layers a per-request cost ceiling over the tier policy.
type cappedPolicy struct {
	inner         *budget.Manager
	maxPerRequest float64
}

func (c *cappedPolicy) Check(userID, tier string, estimatedCost float64) cascade.TierDecision {
	if estimatedCost > c.maxPerRequest {
		return cascade.TierDecision{
			Action: cascade.TierBlock,
			Reason: "estimated cost exceeds the per-request budget",
		}
	}
	return c.inner.Check(userID, tier, estimatedCost)
}

func (c *cappedPolicy) Record(userID, tier string, cost float64) {
	c.inner.Record(userID, tier, cost)
}

// Events exposes the event manager for subscribers (SSE feeds, ledgers,
// metric exporters).
func (a *Agent) Events() *events.Manager { return a.events }

// Budget exposes the spend accountant, e.g. to rehydrate month-to-date spend
// from persistent storage at startup.
func (a *Agent) Budget() *budget.Manager { return a.budget }

// Models returns the agent's ordered model pool.
func (a *Agent) Models() []cascade.ModelConfig {
	out := make([]cascade.ModelConfig, len(a.models))
	copy(out, a.models)
	return out
}

// Run executes one query synchronously.
func (a *Agent) Run(ctx context.Context, q cascade.Query, opts ...RunOption) (*cascade.CascadeResult, error) {
	options, err := a.buildOptions(opts)
	if err != nil {
		return nil, err
	}
	res, err := a.pipeline.Run(ctx, q, options)
	if err != nil {
		return nil, err
	}
	a.budget.Record(options.UserID, options.UserTier, res.Cost.TotalCost)
	return res, nil
}

// Stream executes one query and yields events as they occur. The channel
// closes after the terminal COMPLETE or ERROR event.
func (a *Agent) Stream(ctx context.Context, q cascade.Query, opts ...RunOption) (<-chan cascade.StreamEvent, error) {
	options, err := a.buildOptions(opts)
	if err != nil {
		return nil, err
	}
	src := a.pipeline.StreamRun(ctx, q, options)

	// Interpose to record spend when the terminal event carries a result.
	// The send must also watch ctx so an abandoned consumer does not strand
	// this goroutine.
	out := make(chan cascade.StreamEvent)
	go func() {
		defer close(out)
		for ev := range src {
			if ev.Type == cascade.EventComplete {
				if res, ok := ev.Data["result"].(*cascade.CascadeResult); ok {
					a.budget.Record(options.UserID, options.UserTier, res.Cost.TotalCost)
				}
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *Agent) buildOptions(opts []RunOption) (cascade.Options, error) {
	options := a.defaults
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return cascade.Options{}, err
		}
	}
	return options, nil
}
