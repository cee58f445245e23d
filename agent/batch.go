package agent

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// BatchStrategy selects how a batch executes.
type BatchStrategy string

const (
	BatchSequential BatchStrategy = "sequential"
	BatchParallel   BatchStrategy = "parallel"
)

// BatchOptions configure RunBatch. Run holds the per-query options applied
// to every query in the batch.
type BatchOptions struct {
	Strategy    BatchStrategy
	Concurrency int // parallel only, default 4
	StopOnError bool
	Run         []RunOption
}

// BatchItem is one query's outcome, at the query's original index.
type BatchItem struct {
	Index  int                    `json:"index"`
	Result *cascade.CascadeResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Kind   string                 `json:"kind,omitempty"`
}

// BatchResult aggregates a finished batch.
type BatchResult struct {
	Results      []BatchItem `json:"results"`
	SuccessCount int         `json:"success_count"`
	FailureCount int         `json:"failure_count"`
}

// RunBatch executes queries sequentially or in parallel. Results stay in
// input order regardless of completion order. With StopOnError, the first
// failure stops issuing new work; already-started queries still finish.
func (a *Agent) RunBatch(ctx context.Context, queries []cascade.Query, opts BatchOptions) (*BatchResult, error) {
	if opts.Strategy == "" {
		opts.Strategy = BatchSequential
	}
	if opts.Strategy != BatchSequential && opts.Strategy != BatchParallel {
		return nil, cascade.Errorf(cascade.KindBadRequest, "agent.batch", "unknown batch strategy %q", opts.Strategy)
	}

	out := &BatchResult{Results: make([]BatchItem, len(queries))}

	if opts.Strategy == BatchSequential {
		for i, q := range queries {
			res, err := a.Run(ctx, q, opts.Run...)
			out.Results[i] = itemOf(i, res, err)
			if err != nil && opts.StopOnError {
				// Remaining queries are reported as not attempted.
				for j := i + 1; j < len(queries); j++ {
					out.Results[j] = BatchItem{Index: j, Error: "not attempted: batch stopped on error", Kind: string(cascade.KindCancelled)}
				}
				break
			}
		}
		tally(out)
		return out, nil
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	gctx := ctx
	var g *errgroup.Group
	if opts.StopOnError {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = new(errgroup.Group)
	}
	g.SetLimit(concurrency)

	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				out.Results[i] = BatchItem{Index: i, Error: "not attempted: batch stopped on error", Kind: string(cascade.KindCancelled)}
				return nil
			}
			res, err := a.Run(gctx, q, opts.Run...)
			out.Results[i] = itemOf(i, res, err)
			if err != nil && opts.StopOnError {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	tally(out)
	return out, nil
}

func itemOf(i int, res *cascade.CascadeResult, err error) BatchItem {
	if err != nil {
		return BatchItem{Index: i, Error: err.Error(), Kind: string(cascade.KindOf(err))}
	}
	return BatchItem{Index: i, Result: res}
}

func tally(out *BatchResult) {
	out.SuccessCount, out.FailureCount = 0, 0
	for _, item := range out.Results {
		if item.Result != nil {
			out.SuccessCount++
		} else {
			out.FailureCount++
		}
	}
}
