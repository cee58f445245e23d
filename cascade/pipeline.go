// Package cascade implements the cost-optimizing cascade decision engine:
// classify a query, pick a drafter/verifier pair, try the cheap model,
// validate its answer, and escalate only when the draft falls short. The
// pipeline owns every per-request entity and releases it when the result or
// the terminal stream event is emitted.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Defaults applied when construction or options leave a knob unset.
const (
	DefaultMaxRetries      = 3
	DefaultMaxSteps        = 5
	DefaultStepTimeout     = 60 * time.Second
	DefaultToolConcurrency = 4

	retryBaseDelay = 200 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// Options control one run. Zero-value fields fall back to pipeline defaults;
// use DefaultOptions as the base when setting fields directly.
type Options struct {
	MaxTokens       int
	Temperature     *float64 // nil = provider default, else validated in [0,2]
	SystemPrompt    string
	Tools           []ToolSpec
	ToolExecutor    ToolExecutor
	ForceDirect     bool
	MaxSteps        int // tool loop cap; 0 = never execute tools
	ToolConcurrency int
	UserID          string
	UserTier        string
	Deadline        time.Duration // per-request budget; 0 with HasDeadline set fails immediately
	HasDeadline     bool
	Threshold       *float64 // explicit quality threshold
	Validation      string   // explicit validation method
}

// DefaultOptions returns the per-run defaults.
func DefaultOptions() Options {
	return Options{MaxSteps: DefaultMaxSteps, ToolConcurrency: DefaultToolConcurrency}
}

// ThresholdFunc resolves the quality acceptance floor for one request.
type ThresholdFunc func(explicit *float64, cfg *DomainConfig, c Complexity) float64

// MethodFunc resolves the validation method name for one request.
type MethodFunc func(explicit string, cfg *DomainConfig, d Domain) string

// PipelineConfig assembles the pipeline's collaborators. Models and Providers
// are required along with the five core engines; Gate, Budget, and Sink are
// optional and absent ones are treated as always-allowing no-ops.
type PipelineConfig struct {
	Models    []ModelConfig
	Providers map[string]Provider // keyed by ModelConfig.Provider
	Domains   map[Domain]DomainConfig

	Complexity ComplexityClassifier
	Domain     DomainClassifier
	Tools      ToolChecker
	Quality    QualityValidator
	Router     Router
	Cost       CostModel

	Gate   Gate
	Budget BudgetPolicy
	Sink   MetricSink

	// Threshold and Method default to the complexity-adaptive map and the
	// heuristic method; the agent wires the quality package's resolvers.
	Threshold ThresholdFunc
	Method    MethodFunc

	Logger      *slog.Logger
	MaxRetries  int           // provider attempts per call, default 3
	StepTimeout time.Duration // per provider call, default 60s
}

// Pipeline orchestrates draft, validate, escalate, and the tool loop for one
// agent. It is safe for concurrent use across requests.
type Pipeline struct {
	models    []ModelConfig
	providers map[string]Provider
	domains   map[Domain]DomainConfig

	complexity ComplexityClassifier
	domain     DomainClassifier
	tools      ToolChecker
	quality    QualityValidator
	router     Router
	cost       CostModel

	gate   Gate
	budget BudgetPolicy
	sink   MetricSink

	threshold ThresholdFunc
	method    MethodFunc

	log         *slog.Logger
	maxRetries  int
	stepTimeout time.Duration
}

// NewPipeline validates the configuration and builds a pipeline. Invalid
// configuration is fatal: every model must name a registered provider and
// every core engine must be present.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if len(cfg.Models) == 0 {
		return nil, Errorf(KindConfig, "pipeline.new", "no models configured")
	}
	for _, m := range cfg.Models {
		if m.Name == "" || m.Provider == "" {
			return nil, Errorf(KindConfig, "pipeline.new", "model %q: name and provider are required", m.Name)
		}
		if _, ok := cfg.Providers[m.Provider]; !ok {
			return nil, Errorf(KindConfig, "pipeline.new", "model %q: provider %q not registered", m.Name, m.Provider)
		}
	}
	for d := range cfg.Domains {
		if !ValidDomain(d) {
			return nil, Errorf(KindConfig, "pipeline.new", "unknown domain %q in domain config", d)
		}
	}
	switch {
	case cfg.Complexity == nil:
		return nil, Errorf(KindConfig, "pipeline.new", "complexity classifier is required")
	case cfg.Domain == nil:
		return nil, Errorf(KindConfig, "pipeline.new", "domain classifier is required")
	case cfg.Tools == nil:
		return nil, Errorf(KindConfig, "pipeline.new", "tool checker is required")
	case cfg.Quality == nil:
		return nil, Errorf(KindConfig, "pipeline.new", "quality validator is required")
	case cfg.Router == nil:
		return nil, Errorf(KindConfig, "pipeline.new", "router is required")
	case cfg.Cost == nil:
		return nil, Errorf(KindConfig, "pipeline.new", "cost model is required")
	}

	p := &Pipeline{
		models:      cfg.Models,
		providers:   cfg.Providers,
		domains:     cfg.Domains,
		complexity:  cfg.Complexity,
		domain:      cfg.Domain,
		tools:       cfg.Tools,
		quality:     cfg.Quality,
		router:      cfg.Router,
		cost:        cfg.Cost,
		gate:        cfg.Gate,
		budget:      cfg.Budget,
		sink:        cfg.Sink,
		threshold:   cfg.Threshold,
		method:      cfg.Method,
		log:         cfg.Logger,
		maxRetries:  cfg.MaxRetries,
		stepTimeout: cfg.StepTimeout,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.maxRetries <= 0 {
		p.maxRetries = DefaultMaxRetries
	}
	if p.stepTimeout <= 0 {
		p.stepTimeout = DefaultStepTimeout
	}
	if p.threshold == nil {
		p.threshold = defaultThreshold
	}
	if p.method == nil {
		p.method = func(explicit string, _ *DomainConfig, _ Domain) string {
			if explicit != "" {
				return explicit
			}
			return "heuristic"
		}
	}
	return p, nil
}

// defaultThreshold is the resolution chain without a wired resolver:
// explicit value, domain config, complexity-adaptive map, then 0.7.
func defaultThreshold(explicit *float64, cfg *DomainConfig, c Complexity) float64 {
	if explicit != nil {
		return *explicit
	}
	if cfg != nil && cfg.Threshold > 0 {
		return cfg.Threshold
	}
	switch c {
	case Simple:
		return 0.6
	case Moderate:
		return 0.7
	case Hard:
		return 0.8
	case Expert:
		return 0.85
	}
	return 0.7
}

// Run executes the full cascade synchronously and returns the result.
func (p *Pipeline) Run(ctx context.Context, q Query, opts Options) (*CascadeResult, error) {
	return p.execute(ctx, q, opts, discardEvents, false)
}

// discardEvents is the Run-path emitter: the non-streaming caller only sees
// the CascadeResult.
func discardEvents(StreamEvent) {}

// run carries the mutable state of one request through the pipeline steps.
type run struct {
	traceID string
	opts    Options
	stream  bool
	emit    func(StreamEvent)

	msgs       []Message
	text       string
	complexity ComplexityResult
	domain     DomainResult
	domainCfg  *DomainConfig
	intent     ToolCallIntent
	tier       TierDecision
	decision   RoutingDecision

	state   machine
	started time.Time
	timing  Timing

	draft    *ProviderResponse
	draftCC  *CallCost
	verifier *ProviderResponse
	verifCC  *CallCost
	accepted bool
	quality  *QualityScore
	reject   string
	final    *ProviderResponse
	usedName string
}

// execute is the single code path behind Run and StreamRun; streaming only
// changes chunk delivery. Cancellation is checked between steps and before
// every outbound call.
func (p *Pipeline) execute(ctx context.Context, q Query, opts Options, emit func(StreamEvent), streaming bool) (*CascadeResult, error) {
	if opts.HasDeadline {
		if opts.Deadline <= 0 {
			return nil, Errorf(KindTimeout, "pipeline.deadline", "request deadline elapsed before start")
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}
	if q.Empty() {
		return nil, Errorf(KindBadRequest, "pipeline.normalize", "empty query")
	}
	if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > 2) {
		return nil, Errorf(KindBadRequest, "pipeline.normalize", "temperature %.2f out of range [0,2]", *opts.Temperature)
	}
	if opts.ToolConcurrency <= 0 {
		opts.ToolConcurrency = DefaultToolConcurrency
	}

	r := &run{
		traceID: uuid.NewString(),
		opts:    opts,
		stream:  streaming,
		emit:    emit,
		started: time.Now(),
		state:   newMachine(),
	}
	p.metric(MetricQueryStart, r.traceID, map[string]any{"streaming": streaming})

	res, err := p.steps(ctx, q, r)
	if err != nil {
		p.metric(MetricQueryError, r.traceID, map[string]any{"kind": string(KindOf(err)), "error": err.Error()})
		return nil, err
	}
	p.metric(MetricQueryComplete, r.traceID, map[string]any{
		"model_used":     res.ModelUsed,
		"strategy":       string(res.RoutingStrategy),
		"draft_accepted": res.DraftAccepted,
		"total_cost":     res.Cost.TotalCost,
		"cost_saved":     res.Cost.CostSaved,
		"total_ms":       res.Timing.TotalMs,
		"total_tokens":   res.Cost.TotalTokens,
		"domain":         string(res.Domain),
		"user_id":        r.opts.UserID,
		"tier":           r.opts.UserTier,
	})
	return res, nil
}

// steps walks the state machine: normalize, classify, route, admit, execute,
// validate or tool-loop, assemble.
func (p *Pipeline) steps(ctx context.Context, q Query, r *run) (*CascadeResult, error) {
	r.msgs = q.Normalize(r.opts.SystemPrompt)
	r.text = q.Text()

	// Classify complexity and domain concurrently; both are pure CPU.
	cstart := time.Now()
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { r.complexity = p.complexity.Classify(r.text); return nil })
	g.Go(func() error { r.domain = p.domain.Classify(r.text); return nil })
	_ = g.Wait()
	r.timing.ComplexityMs = msSince(cstart)
	p.metric(MetricComplexityDetected, r.traceID, map[string]any{
		"complexity": r.complexity.Level.String(),
		"confidence": r.complexity.Confidence,
		"domain":     string(r.domain.Domain),
	})

	if cfg, ok := p.domains[r.domain.Domain]; ok {
		r.domainCfg = &cfg
	}
	r.intent = p.tools.Detect(q, r.opts.Tools)

	r.tier = TierDecision{Action: TierAllow}
	if p.budget != nil {
		r.tier = p.budget.Check(r.opts.UserID, r.opts.UserTier, p.estimateSpend(r))
	}

	r.decision = p.router.Route(RouteInput{
		Query:       q,
		Complexity:  r.complexity.Level,
		Domain:      r.domain.Domain,
		DomainCfg:   r.domainCfg,
		Tools:       r.opts.Tools,
		Intent:      r.intent,
		Models:      p.models,
		Admission:   r.tier.Action,
		ForceDirect: r.opts.ForceDirect,
		MaxTokens:   r.opts.MaxTokens,
	})
	if err := r.state.to(stateRouted); err != nil {
		return nil, err
	}
	routingData := map[string]any{
		"strategy":   string(r.decision.Strategy),
		"complexity": r.complexity.Level.String(),
		"domain":     string(r.domain.Domain),
		"reasons":    r.decision.Reasons,
		"trace_id":   r.traceID,
	}
	if r.decision.Drafter != nil {
		routingData["drafter"] = r.decision.Drafter.Name
	}
	if r.decision.Verifier != nil {
		routingData["verifier"] = r.decision.Verifier.Name
	}
	r.emit(StreamEvent{Type: EventRouting, Data: routingData})
	p.metric(MetricStrategySelected, r.traceID, routingData)

	if r.decision.Strategy == StrategySkip {
		_ = r.state.to(stateBlocked)
		err := &Error{
			Kind: KindAdmission,
			Op:   "pipeline.admit",
			Err:  fmt.Errorf("request skipped: %s", strings.Join(r.decision.Reasons, ", ")),
		}
		if r.tier.Action == TierBlock && r.tier.Reason != "" {
			err.Err = fmt.Errorf("request skipped: %s", r.tier.Reason)
		}
		return nil, err
	}
	if err := r.state.to(stateAdmitted); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, E(KindOf(err), "pipeline.admit", err)
	}

	var err error
	if r.decision.Strategy == StrategyCascade {
		err = p.runCascade(ctx, r)
	} else {
		err = p.runDirect(ctx, r)
	}
	if err != nil {
		return nil, err
	}
	if err := r.state.to(stateDone); err != nil {
		return nil, err
	}
	return p.assemble(r), nil
}

// runDirect serves the request with the verifier alone.
func (p *Pipeline) runDirect(ctx context.Context, r *run) error {
	if err := r.state.to(stateDirect); err != nil {
		return err
	}
	model := *r.decision.Verifier
	resp, elapsed, err := p.callModel(ctx, r, model, r.msgs, "verifier")
	r.timing.VerifierMs = elapsed
	if err != nil {
		return err
	}
	r.verifier = resp
	r.verifCC = p.callCost(model, resp, r.msgs)
	r.final = resp
	r.usedName = model.Name

	if wantsTools(r, resp) {
		if err := r.state.to(stateToolLoop); err != nil {
			return err
		}
		return p.runToolLoop(ctx, r, model, resp, func(resp *ProviderResponse, msgs []Message) {
			r.verifCC.Usage = addUsage(r.verifCC.Usage, resp.Usage)
			r.verifCC.Output = resp.Content
			r.final = resp
		})
	}
	return nil
}

// runCascade drafts with the cheap model, then either loops on tools,
// accepts, or escalates to the verifier.
func (p *Pipeline) runCascade(ctx context.Context, r *run) error {
	if err := r.state.to(stateDrafting); err != nil {
		return err
	}
	drafter := *r.decision.Drafter
	resp, elapsed, err := p.callModel(ctx, r, drafter, r.msgs, "drafter")
	r.timing.DraftMs = elapsed
	if err != nil {
		return err
	}
	r.draft = resp
	r.draftCC = p.callCost(drafter, resp, r.msgs)
	r.final = resp
	r.usedName = drafter.Name

	if wantsTools(r, resp) {
		if err := r.state.to(stateToolLoop); err != nil {
			return err
		}
		r.accepted = true
		return p.runToolLoop(ctx, r, drafter, resp, func(resp *ProviderResponse, msgs []Message) {
			r.draftCC.Usage = addUsage(r.draftCC.Usage, resp.Usage)
			r.draftCC.Output = resp.Content
			r.final = resp
		})
	}

	if err := r.state.to(stateValidating); err != nil {
		return err
	}
	threshold := p.threshold(r.opts.Threshold, r.domainCfg, r.complexity.Level)
	if r.tier.Action == TierDegrade && r.tier.ThresholdFloor > 0 && r.tier.ThresholdFloor < threshold {
		threshold = r.tier.ThresholdFloor
	}
	method := p.method(r.opts.Validation, r.domainCfg, r.domain.Domain)

	vstart := time.Now()
	score := p.quality.Validate(QualityInput{
		Query:      r.text,
		Response:   resp.Content,
		Complexity: r.complexity.Level,
		Domain:     r.domain.Domain,
		Method:     method,
		Threshold:  threshold,
		LogProbs:   resp.LogProbs,
	})
	r.timing.VerifyMs = msSince(vstart)
	r.quality = &score
	p.metric(MetricCascadeDecision, r.traceID, map[string]any{
		"accepted":  score.Passed,
		"score":     score.Value,
		"threshold": threshold,
		"method":    method,
		"reason":    score.Reason,
	})

	if score.Passed {
		r.accepted = true
		r.emit(StreamEvent{Type: EventDraftDecision, Data: map[string]any{
			"accepted": true, "score": score.Value, "threshold": threshold, "model": drafter.Name,
		}})
		return r.state.to(stateAccepted)
	}

	r.reject = score.Reason
	r.emit(StreamEvent{Type: EventDraftDecision, Data: map[string]any{
		"accepted": false, "score": score.Value, "threshold": threshold, "model": drafter.Name, "reason": score.Reason,
	}})
	if err := r.state.to(stateEscalating); err != nil {
		return err
	}
	verifier := *r.decision.Verifier
	r.emit(StreamEvent{Type: EventSwitch, Data: map[string]any{
		"from": drafter.Name, "to": verifier.Name, "reason": score.Reason,
	}})

	// The verifier sees the original transcript plus the rejected draft as
	// context, so it can correct rather than start from scratch.
	escMsgs := make([]Message, 0, len(r.msgs)+2)
	escMsgs = append(escMsgs, r.msgs...)
	escMsgs = append(escMsgs,
		Message{Role: "assistant", Content: resp.Content},
		Message{Role: "user", Content: "The previous answer did not meet the quality bar (" + score.Reason + "). Provide the best final answer."},
	)
	vresp, elapsed, err := p.callModel(ctx, r, verifier, escMsgs, "verifier")
	r.timing.VerifierMs = elapsed
	if err != nil {
		return err
	}
	r.verifier = vresp
	r.verifCC = p.callCost(verifier, vresp, escMsgs)
	r.final = vresp
	r.usedName = verifier.Name
	return r.state.to(stateEscalated)
}

// wantsTools reports whether the response should enter the tool loop.
// MaxSteps 0 or a missing executor means the output is used verbatim.
func wantsTools(r *run, resp *ProviderResponse) bool {
	return len(resp.ToolCalls) > 0 && len(r.opts.Tools) > 0 &&
		r.opts.ToolExecutor != nil && r.opts.MaxSteps > 0
}

// assemble builds the CascadeResult from the run's accumulated state.
func (p *Pipeline) assemble(r *run) *CascadeResult {
	cascaded := r.decision.Strategy == StrategyCascade
	cost := p.cost.Breakdown(CostInput{
		Draft:         r.draftCC,
		Verifier:      r.verifCC,
		VerifierModel: derefModel(r.decision.Verifier),
		Accepted:      cascaded && r.accepted,
		Cascaded:      cascaded,
	})

	res := &CascadeResult{
		Content:         r.final.Content,
		ModelUsed:       r.usedName,
		Cascaded:        cascaded,
		DraftAccepted:   cascaded && r.accepted,
		RoutingStrategy: r.decision.Strategy,
		Complexity:      r.complexity.Level,
		Domain:          r.domain.Domain,
		Quality:         r.quality,
		RejectionReason: r.reject,
		ToolCalls:       r.final.ToolCalls,
		Cost:            cost,
		TraceID:         r.traceID,
	}
	if r.draft != nil {
		res.DraftText = r.draft.Content
	}
	if r.verifier != nil {
		res.VerifierText = r.verifier.Content
	}
	if r.tier.Action == TierWarn && r.tier.Reason != "" {
		if res.Cost.Metadata == nil {
			res.Cost.Metadata = map[string]any{}
		}
		res.Cost.Metadata["budget_warning"] = r.tier.Reason
	}

	r.timing.TotalMs = msSince(r.started)
	r.timing.OverheadMs = r.timing.TotalMs - r.timing.DraftMs - r.timing.VerifyMs - r.timing.VerifierMs
	if r.timing.OverheadMs < 0 {
		r.timing.OverheadMs = 0
	}
	res.Timing = r.timing
	return res
}

// callModel invokes one provider with rate-limit admission, bounded retries
// with exponential backoff on transient errors, and chunk emission on the
// streaming path. role tags events and metrics as drafter or verifier.
func (p *Pipeline) callModel(ctx context.Context, r *run, m ModelConfig, msgs []Message, role string) (*ProviderResponse, int64, error) {
	start := time.Now()
	provider, ok := p.providers[m.Provider]
	if !ok {
		return nil, 0, Errorf(KindInternal, "pipeline.call", "provider %q not registered", m.Provider)
	}

	if p.gate != nil {
		estimate := p.cost.EstimateTokens(r.text) + r.opts.MaxTokens
		adm := p.gate.StartRequest(m.Provider, estimate)
		if !adm.Allowed {
			return nil, msSince(start), &Error{
				Kind:       KindAdmission,
				Op:         "pipeline.ratelimit",
				Model:      m.Name,
				RetryAfter: time.Duration(adm.RetryAfterMs) * time.Millisecond,
				Err:        fmt.Errorf("rate limited: %s", adm.Reason),
			}
		}
		defer p.gate.EndRequest(m.Provider)
	}

	req := &ProviderRequest{
		Model:       m.Name,
		Messages:    msgs,
		MaxTokens:   r.opts.MaxTokens,
		Temperature: p.temperature(r),
		Tools:       r.opts.Tools,
		APIKey:      m.APIKey,
		BaseURL:     m.BaseURL,
		Extra:       m.Extra,
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, msSince(start), E(KindOf(err), "pipeline.call", err)
		}
		p.metric(MetricModelCallStart, r.traceID, map[string]any{
			"model": m.Name, "provider": m.Provider, "role": role, "attempt": attempt,
		})

		resp, err := p.attempt(ctx, r, provider, req, m, role)
		if err == nil {
			p.metric(MetricModelCallComplete, r.traceID, map[string]any{
				"model": m.Name, "provider": m.Provider, "role": role, "attempt": attempt,
				"latency_ms": msSince(start),
			})
			return resp, msSince(start), nil
		}

		lastErr = err
		p.metric(MetricModelCallError, r.traceID, map[string]any{
			"model": m.Name, "provider": m.Provider, "role": role, "attempt": attempt,
			"kind": string(KindOf(err)), "error": err.Error(),
		})
		if !IsRetryable(err) || attempt == p.maxRetries {
			break
		}
		delay := backoffDelay(attempt)
		p.log.Debug("retrying model call",
			"model", m.Name, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, msSince(start), E(KindOf(ctx.Err()), "pipeline.call", ctx.Err())
		}
	}

	if ce, ok := AsError(lastErr); ok {
		if ce.Model == "" {
			ce.Model = m.Name
		}
		return nil, msSince(start), ce
	}
	return nil, msSince(start), &Error{Kind: KindOf(lastErr), Op: "pipeline." + role, Model: m.Name, Err: lastErr}
}

// attempt performs a single provider call, streaming when the run streams.
// Providers that cannot stream fall back to Generate with one synthesized
// chunk so consumers still see the content flow through CHUNK events.
func (p *Pipeline) attempt(ctx context.Context, r *run, provider Provider, req *ProviderRequest, m ModelConfig, role string) (*ProviderResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	if !r.stream {
		return provider.Generate(cctx, req)
	}

	stream, err := provider.Stream(cctx, req)
	if err != nil {
		if errors.Is(err, ErrStreamingUnsupported) {
			resp, gerr := provider.Generate(cctx, req)
			if gerr != nil {
				return nil, gerr
			}
			if resp.Content != "" {
				r.emit(StreamEvent{Type: EventChunk, Content: resp.Content, Data: map[string]any{
					"model": m.Name, "role": role,
				}})
			}
			emitToolCallEvents(r, m, resp.ToolCalls)
			return resp, nil
		}
		return nil, err
	}
	defer func() { _ = stream.Close() }()
	return p.consumeStream(ctx, r, stream, m, role)
}

// consumeStream drains a chunk stream into a ProviderResponse, emitting
// CHUNK and TOOL_CALL_* events in upstream order. Consumer cancellation
// stops the read within one chunk.
func (p *Pipeline) consumeStream(ctx context.Context, r *run, stream ChunkStream, m ModelConfig, role string) (*ProviderResponse, error) {
	resp := &ProviderResponse{Model: m.Name}
	var content strings.Builder
	asm := newToolCallAssembler()

	for {
		if err := ctx.Err(); err != nil {
			return nil, E(KindOf(err), "pipeline.stream", err)
		}
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			r.emit(StreamEvent{Type: EventChunk, Content: chunk.Content, Data: map[string]any{
				"model": m.Name, "role": role,
			}})
		}
		if chunk.ToolCall != nil {
			asm.apply(r, m, chunk.ToolCall)
		}
		if chunk.Usage != nil {
			resp.Usage = chunk.Usage
		}
		if chunk.FinishReason != "" {
			resp.FinishReason = chunk.FinishReason
		}
		if chunk.Done {
			break
		}
	}

	resp.Content = content.String()
	resp.ToolCalls = asm.finish(r, m)
	return resp, nil
}

// emitToolCallEvents synthesizes START and COMPLETE events for tool calls
// that arrived whole from a non-streaming provider response.
func emitToolCallEvents(r *run, m ModelConfig, calls []ToolCall) {
	for _, call := range calls {
		r.emit(StreamEvent{Type: EventToolCallStart, Data: map[string]any{
			"id": call.ID, "name": call.Name, "model": m.Name,
		}})
		r.emit(StreamEvent{Type: EventToolCallComplete, Data: map[string]any{
			"id": call.ID, "name": call.Name, "arguments": call.Arguments,
		}})
	}
}

// toolCallAssembler folds streamed tool-call deltas into whole calls,
// preserving the order the model issued them.
type toolCallAssembler struct {
	order []int
	calls map[int]*ToolCall
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{calls: make(map[int]*ToolCall)}
}

func (a *toolCallAssembler) apply(r *run, m ModelConfig, d *ToolCallDelta) {
	call, ok := a.calls[d.Index]
	if !ok {
		call = &ToolCall{ID: d.ID, Name: d.Name}
		a.calls[d.Index] = call
		a.order = append(a.order, d.Index)
		r.emit(StreamEvent{Type: EventToolCallStart, Data: map[string]any{
			"id": d.ID, "name": d.Name, "model": m.Name,
		}})
	}
	if d.ID != "" {
		call.ID = d.ID
	}
	if d.Name != "" {
		call.Name = d.Name
	}
	if d.ArgumentsDelta != "" {
		call.Arguments += d.ArgumentsDelta
		r.emit(StreamEvent{Type: EventToolCallDelta, Content: d.ArgumentsDelta, Data: map[string]any{
			"id": call.ID, "name": call.Name,
		}})
	}
}

func (a *toolCallAssembler) finish(r *run, m ModelConfig) []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		call := a.calls[idx]
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		r.emit(StreamEvent{Type: EventToolCallComplete, Data: map[string]any{
			"id": call.ID, "name": call.Name, "arguments": call.Arguments,
		}})
		calls = append(calls, *call)
	}
	return calls
}

// estimateSpend prices the request at the most expensive model in the pool
// for a conservative pre-flight budget figure.
func (p *Pipeline) estimateSpend(r *run) float64 {
	tokens := p.cost.EstimateTokens(r.text)
	out := r.opts.MaxTokens
	if out <= 0 {
		out = tokens
	}
	worst := p.models[0]
	for _, m := range p.models[1:] {
		if m.CostPer1K() > worst.CostPer1K() {
			worst = m
		}
	}
	return (float64(tokens)*worst.CostPer1KInput + float64(out)*worst.CostPer1KOutput) / 1000
}

// temperature resolves the sampling temperature: request, then domain config.
func (p *Pipeline) temperature(r *run) *float64 {
	if r.opts.Temperature != nil {
		return r.opts.Temperature
	}
	if r.domainCfg != nil && r.domainCfg.Temperature != nil {
		return r.domainCfg.Temperature
	}
	return nil
}

// callCost snapshots one provider call for the cost calculator.
func (p *Pipeline) callCost(m ModelConfig, resp *ProviderResponse, msgs []Message) *CallCost {
	var prompt strings.Builder
	for _, msg := range msgs {
		prompt.WriteString(msg.Content)
		prompt.WriteString("\n")
	}
	return &CallCost{
		Model:    m,
		Usage:    resp.Usage,
		Reported: resp.CostUSD,
		Prompt:   prompt.String(),
		Output:   resp.Content,
	}
}

func (p *Pipeline) metric(t MetricEventType, traceID string, data map[string]any) {
	if p.sink == nil {
		return
	}
	p.sink.Emit(MetricEvent{Type: t, TraceID: traceID, At: time.Now(), Data: data})
}

func addUsage(base *Usage, extra *Usage) *Usage {
	if extra == nil {
		return base
	}
	if base == nil {
		u := *extra
		return &u
	}
	base.Add(*extra)
	return base
}

func derefModel(m *ModelConfig) ModelConfig {
	if m == nil {
		return ModelConfig{}
	}
	return *m
}

// backoffDelay is exponential with full jitter, capped at retryMaxDelay.
func backoffDelay(attempt int) time.Duration {
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay {
		d = retryMaxDelay
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}
