package durable

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/activity"

	"github.com/cascadeflow/cascadeflow/agent"
	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/classify"
	"github.com/cascadeflow/cascadeflow/internal/ledger"
	"github.com/cascadeflow/cascadeflow/internal/router"
)

// Activities holds the dependencies workflow activities run against.
type Activities struct {
	Agent  *agent.Agent
	Store  ledger.Store // optional; batch audit entries
	Logger *slog.Logger

	complexity *classify.ComplexityClassifier
	domain     *classify.DomainClassifier
	router     *router.Router
}

// NewActivities builds the activity set around a live agent.
func NewActivities(a *agent.Agent, store ledger.Store, log *slog.Logger) *Activities {
	if log == nil {
		log = slog.Default()
	}
	return &Activities{
		Agent:      a,
		Store:      store,
		Logger:     log,
		complexity: classify.NewComplexityClassifier(),
		domain:     classify.NewDomainClassifier(),
		router:     router.New(),
	}
}

// PlanRoute previews the routing decision for one query so the intended
// strategy lands in workflow history. The pipeline re-routes during
// ExecuteRun; this preview never binds it.
func (a *Activities) PlanRoute(ctx context.Context, in RunInput) (RoutePlan, error) {
	text := in.Query.Text()
	comp := a.complexity.Classify(text)
	dom := a.domain.Classify(text)

	decision := a.router.Route(cascade.RouteInput{
		Query:       in.Query,
		Complexity:  comp.Level,
		Domain:      dom.Domain,
		Models:      a.Agent.Models(),
		ForceDirect: in.Settings.ForceDirect,
		MaxTokens:   in.Settings.MaxTokens,
	})

	plan := RoutePlan{
		Strategy:   string(decision.Strategy),
		Complexity: comp.Level.String(),
		Domain:     string(dom.Domain),
	}
	if decision.Drafter != nil {
		plan.Drafter = decision.Drafter.Name
	}
	if decision.Verifier != nil {
		plan.Verifier = decision.Verifier.Name
	}
	return plan, nil
}

// ExecuteRun runs one query through the agent. Run failures are captured in
// the returned item rather than failing the activity: the pipeline already
// retried transient errors internally, and a Temporal retry would re-bill
// the provider call.
func (a *Activities) ExecuteRun(ctx context.Context, in RunInput) (agent.BatchItem, error) {
	activity.RecordHeartbeat(ctx, fmt.Sprintf("run %s/%d", in.BatchID, in.Index))

	res, err := a.Agent.Run(ctx, in.Query, runOptions(in.Settings)...)
	if err != nil {
		a.Logger.Warn("durable run failed",
			"batch_id", in.BatchID, "index", in.Index,
			"kind", string(cascade.KindOf(err)), "error", err)
		return agent.BatchItem{Index: in.Index, Error: err.Error(), Kind: string(cascade.KindOf(err))}, nil
	}
	return agent.BatchItem{Index: in.Index, Result: res}, nil
}

// RecordBatch writes the batch outcome to the audit trail. Run-level records
// are already persisted by the ledger's event subscription during ExecuteRun.
func (a *Activities) RecordBatch(ctx context.Context, rec BatchRecord) error {
	if a.Store == nil {
		return nil
	}
	detail := fmt.Sprintf("queries=%d ok=%d failed=%d", rec.QueryCount, rec.SuccessCount, rec.FailureCount)
	if err := a.Store.LogAudit(ctx, ledger.AuditEntry{
		Action:   "batch.complete",
		Resource: rec.BatchID,
		Detail:   detail,
	}); err != nil {
		a.Logger.Warn("batch audit write failed", "batch_id", rec.BatchID, "error", err)
	}
	return nil
}

func runOptions(s RunSettings) []agent.RunOption {
	var opts []agent.RunOption
	if s.UserID != "" || s.Tier != "" {
		opts = append(opts, agent.WithUser(s.UserID, s.Tier))
	}
	if s.SystemPrompt != "" {
		opts = append(opts, agent.WithSystemPrompt(s.SystemPrompt))
	}
	if s.MaxTokens > 0 {
		opts = append(opts, agent.WithMaxTokens(s.MaxTokens))
	}
	if s.HasTemp {
		opts = append(opts, agent.WithTemperature(s.Temperature))
	}
	if s.Threshold > 0 {
		opts = append(opts, agent.WithThreshold(s.Threshold))
	}
	if s.Validation != "" {
		opts = append(opts, agent.WithValidation(s.Validation))
	}
	if s.ForceDirect {
		opts = append(opts, agent.ForceDirect())
	}
	if s.DeadlineMs > 0 {
		opts = append(opts, agent.WithDeadline(s.DeadlineMs))
	}
	return opts
}
