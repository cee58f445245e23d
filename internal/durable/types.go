// Package durable runs batches as Temporal workflows so that long batches
// survive process restarts. Each query becomes a child RunWorkflow with three
// activities: plan the route, execute the run, record the outcome. When
// Temporal is unreachable or disabled the dispatcher falls back to the
// in-process batch path with identical results.
package durable

import (
	"github.com/cascadeflow/cascadeflow/agent"
	"github.com/cascadeflow/cascadeflow/cascade"
)

// RunSettings is the serializable subset of per-run options a workflow can
// carry across activity boundaries.
type RunSettings struct {
	UserID       string  `json:"user_id,omitempty"`
	Tier         string  `json:"tier,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	HasTemp      bool    `json:"has_temp,omitempty"`
	Threshold    float64 `json:"threshold,omitempty"`
	Validation   string  `json:"validation,omitempty"`
	ForceDirect  bool    `json:"force_direct,omitempty"`
	DeadlineMs   int     `json:"deadline_ms,omitempty"`
}

// RunInput is one query executed as a child workflow.
type RunInput struct {
	BatchID  string        `json:"batch_id"`
	Index    int           `json:"index"`
	Query    cascade.Query `json:"query"`
	Settings RunSettings   `json:"settings"`
}

// RoutePlan is the routing preview recorded in workflow history before the
// run executes. Informational only; the pipeline routes again internally.
type RoutePlan struct {
	Strategy   string `json:"strategy"`
	Drafter    string `json:"drafter,omitempty"`
	Verifier   string `json:"verifier,omitempty"`
	Complexity string `json:"complexity"`
	Domain     string `json:"domain"`
}

// BatchInput starts a BatchWorkflow.
type BatchInput struct {
	BatchID     string          `json:"batch_id"`
	Queries     []cascade.Query `json:"queries"`
	Settings    RunSettings     `json:"settings"`
	Strategy    string          `json:"strategy,omitempty"` // sequential or parallel
	Concurrency int             `json:"concurrency,omitempty"`
	StopOnError bool            `json:"stop_on_error,omitempty"`
}

// BatchOutput mirrors agent.BatchResult so callers see the same shape
// whether a batch ran durably or in process.
type BatchOutput struct {
	BatchID      string            `json:"batch_id"`
	Results      []agent.BatchItem `json:"results"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
}

// BatchRecord is the audit payload written when a batch finishes.
type BatchRecord struct {
	BatchID      string `json:"batch_id"`
	QueryCount   int    `json:"query_count"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
}
