package durable

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/cascadeflow/cascadeflow/agent"
	"github.com/cascadeflow/cascadeflow/cascade"
)

// RunWorkflow executes one query durably: route preview, then the run itself.
// The run activity never retries at the Temporal layer; the pipeline retries
// transient provider errors internally and a workflow-level retry would
// re-bill the call.
func RunWorkflow(ctx workflow.Context, in RunInput) (agent.BatchItem, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 120 * time.Second,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	// Route preview is informational; a failure here never blocks the run.
	var plan RoutePlan
	if err := workflow.ExecuteActivity(ctx, (*Activities).PlanRoute, in).Get(ctx, &plan); err != nil {
		logger.Warn("route preview failed", "batch_id", in.BatchID, "index", in.Index, "error", err)
	} else {
		logger.Info("route planned",
			"batch_id", in.BatchID, "index", in.Index,
			"strategy", plan.Strategy, "drafter", plan.Drafter, "verifier", plan.Verifier)
	}

	var item agent.BatchItem
	if err := workflow.ExecuteActivity(ctx, (*Activities).ExecuteRun, in).Get(ctx, &item); err != nil {
		// Activity-level failure (timeout, worker loss): report it as a
		// failed item so the batch keeps its shape.
		return agent.BatchItem{Index: in.Index, Error: err.Error(), Kind: string(cascade.KindTransientProvider)}, nil
	}
	return item, nil
}

// BatchWorkflow fans a batch out into one child RunWorkflow per query.
// Results keep input order. Sequential batches honor StopOnError by marking
// the remaining queries as not attempted, matching the in-process path.
func BatchWorkflow(ctx workflow.Context, in BatchInput) (BatchOutput, error) {
	out := BatchOutput{
		BatchID: in.BatchID,
		Results: make([]agent.BatchItem, len(in.Queries)),
	}

	if in.Strategy == string(agent.BatchParallel) {
		runParallel(ctx, in, &out)
	} else {
		runSequential(ctx, in, &out)
	}

	for _, item := range out.Results {
		if item.Result != nil {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	}
	actx := workflow.WithActivityOptions(ctx, ao)
	_ = workflow.ExecuteActivity(actx, (*Activities).RecordBatch, BatchRecord{
		BatchID:      in.BatchID,
		QueryCount:   len(in.Queries),
		SuccessCount: out.SuccessCount,
		FailureCount: out.FailureCount,
	}).Get(actx, nil)

	return out, nil
}

func runSequential(ctx workflow.Context, in BatchInput, out *BatchOutput) {
	for i, q := range in.Queries {
		var item agent.BatchItem
		err := workflow.ExecuteChildWorkflow(ctx, RunWorkflow, RunInput{
			BatchID:  in.BatchID,
			Index:    i,
			Query:    q,
			Settings: in.Settings,
		}).Get(ctx, &item)
		if err != nil {
			item = agent.BatchItem{Index: i, Error: err.Error(), Kind: string(cascade.KindTransientProvider)}
		}
		out.Results[i] = item

		if item.Result == nil && in.StopOnError {
			for j := i + 1; j < len(in.Queries); j++ {
				out.Results[j] = agent.BatchItem{Index: j, Error: "not attempted: batch stopped on error", Kind: string(cascade.KindCancelled)}
			}
			return
		}
	}
}

func runParallel(ctx workflow.Context, in BatchInput, out *BatchOutput) {
	concurrency := in.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	// Waves of child workflows, concurrency per wave. Deterministic and
	// close enough to the in-process semantics: StopOnError stops issuing
	// new waves, never cancels in-flight runs.
	for start := 0; start < len(in.Queries); start += concurrency {
		end := start + concurrency
		if end > len(in.Queries) {
			end = len(in.Queries)
		}

		futures := make([]workflow.ChildWorkflowFuture, end-start)
		for i := start; i < end; i++ {
			futures[i-start] = workflow.ExecuteChildWorkflow(ctx, RunWorkflow, RunInput{
				BatchID:  in.BatchID,
				Index:    i,
				Query:    in.Queries[i],
				Settings: in.Settings,
			})
		}

		waveFailed := false
		for i := start; i < end; i++ {
			var item agent.BatchItem
			if err := futures[i-start].Get(ctx, &item); err != nil {
				item = agent.BatchItem{Index: i, Error: err.Error(), Kind: string(cascade.KindTransientProvider)}
			}
			out.Results[i] = item
			if item.Result == nil {
				waveFailed = true
			}
		}

		if waveFailed && in.StopOnError {
			for j := end; j < len(in.Queries); j++ {
				out.Results[j] = agent.BatchItem{Index: j, Error: "not attempted: batch stopped on error", Kind: string(cascade.KindCancelled)}
			}
			return
		}
	}
}
