package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/durable"
)

// maxBatchQueries bounds one batch request.
const maxBatchQueries = 256

// BatchRequest is the JSON body for /v1/batch. Options apply to every query.
type BatchRequest struct {
	Queries     []BatchQuery `json:"queries"`
	Strategy    string       `json:"strategy,omitempty"` // sequential or parallel
	Concurrency int          `json:"concurrency,omitempty"`
	StopOnError bool         `json:"stop_on_error,omitempty"`

	SystemPrompt string   `json:"system_prompt,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Threshold    float64  `json:"threshold,omitempty"`
	Validation   string   `json:"validation,omitempty"`
	ForceDirect  bool     `json:"force_direct,omitempty"`

	UserID string `json:"user_id,omitempty"`
	Tier   string `json:"tier,omitempty"`
}

// BatchQuery is one unit of batch work.
type BatchQuery struct {
	Prompt   string            `json:"prompt,omitempty"`
	Messages []cascade.Message `json:"messages,omitempty"`
}

// BatchHandler executes a batch, durably when Temporal is available.
func BatchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if len(req.Queries) == 0 {
			jsonError(w, "queries required", http.StatusBadRequest)
			return
		}
		if len(req.Queries) > maxBatchQueries {
			jsonError(w, "too many queries", http.StatusBadRequest)
			return
		}
		if !checkKeyBudget(d, r, w) {
			return
		}

		queries := make([]cascade.Query, len(req.Queries))
		for i, q := range req.Queries {
			if q.Prompt == "" && len(q.Messages) == 0 {
				jsonError(w, "empty query in batch", http.StatusBadRequest)
				return
			}
			queries[i] = cascade.Query{Prompt: q.Prompt, Messages: q.Messages}
		}

		runReq := RunRequest{
			SystemPrompt: req.SystemPrompt,
			MaxTokens:    req.MaxTokens,
			Threshold:    req.Threshold,
			Validation:   req.Validation,
			ForceDirect:  req.ForceDirect,
			UserID:       req.UserID,
			Tier:         req.Tier,
		}
		user, tier := runReq.identity(r)

		settings := durable.RunSettings{
			UserID:       user,
			Tier:         tier,
			SystemPrompt: req.SystemPrompt,
			MaxTokens:    req.MaxTokens,
			Threshold:    req.Threshold,
			Validation:   req.Validation,
			ForceDirect:  req.ForceDirect,
		}
		if req.Temperature != nil {
			settings.HasTemp = true
			settings.Temperature = *req.Temperature
		}

		out, err := d.Dispatcher.RunBatch(r.Context(), durable.BatchInput{
			BatchID:     uuid.NewString(),
			Queries:     queries,
			Settings:    settings,
			Strategy:    req.Strategy,
			Concurrency: req.Concurrency,
			StopOnError: req.StopOnError,
		})
		if err != nil {
			runError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}
