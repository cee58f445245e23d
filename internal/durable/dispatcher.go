package durable

import (
	"context"
	"log/slog"

	"go.temporal.io/sdk/client"

	"github.com/cascadeflow/cascadeflow/agent"
	"github.com/cascadeflow/cascadeflow/internal/circuitbreaker"
)

// Dispatcher routes batches to Temporal when it is healthy and falls back to
// the in-process batch path when it is not. The breaker opens after repeated
// dispatch failures so a down Temporal cluster does not add latency to every
// batch.
type Dispatcher struct {
	agent   *agent.Agent
	manager *Manager // nil when Temporal is disabled
	breaker *circuitbreaker.Breaker
	log     *slog.Logger
}

// NewDispatcher builds a dispatcher. A nil manager disables the durable path
// entirely; every batch then runs in process.
func NewDispatcher(a *agent.Agent, m *Manager, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		agent:   a,
		manager: m,
		breaker: circuitbreaker.New(circuitbreaker.Config{}),
		log:     log,
	}
}

// Durable reports whether the next batch would attempt the Temporal path.
func (d *Dispatcher) Durable() bool {
	return d.manager != nil && d.breaker.Allow()
}

// TemporalClient exposes the underlying client for workflow introspection.
// Nil when the durable path is disabled.
func (d *Dispatcher) TemporalClient() client.Client {
	if d.manager == nil {
		return nil
	}
	return d.manager.Client()
}

// RunBatch executes a batch, durably when possible. The output shape is
// identical on both paths.
func (d *Dispatcher) RunBatch(ctx context.Context, in BatchInput) (*BatchOutput, error) {
	if d.manager == nil {
		return d.runInProcess(ctx, in)
	}
	if !d.breaker.Allow() {
		d.log.Warn("durable dispatch suppressed by open breaker", "batch_id", in.BatchID)
		return d.runInProcess(ctx, in)
	}

	wr, err := d.manager.Client().ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "batch-" + in.BatchID,
		TaskQueue: d.manager.TaskQueue(),
	}, BatchWorkflow, in)
	if err != nil {
		d.breaker.RecordFailure()
		d.log.Warn("durable dispatch failed, running in process", "batch_id", in.BatchID, "error", err)
		return d.runInProcess(ctx, in)
	}

	var out BatchOutput
	if err := wr.Get(ctx, &out); err != nil {
		// The workflow started but did not finish; context cancellation or
		// cluster loss. Do not re-run the batch, the caller may retry.
		d.breaker.RecordFailure()
		return nil, err
	}
	d.breaker.RecordSuccess()
	return &out, nil
}

func (d *Dispatcher) runInProcess(ctx context.Context, in BatchInput) (*BatchOutput, error) {
	res, err := d.agent.RunBatch(ctx, in.Queries, agent.BatchOptions{
		Strategy:    agent.BatchStrategy(strategyOrDefault(in.Strategy)),
		Concurrency: in.Concurrency,
		StopOnError: in.StopOnError,
		Run:         runOptions(in.Settings),
	})
	if err != nil {
		return nil, err
	}
	return &BatchOutput{
		BatchID:      in.BatchID,
		Results:      res.Results,
		SuccessCount: res.SuccessCount,
		FailureCount: res.FailureCount,
	}, nil
}

func strategyOrDefault(s string) string {
	if s == "" {
		return string(agent.BatchSequential)
	}
	return s
}
