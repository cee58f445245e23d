package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/cascadeflow/cascadeflow/agent"
	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/apikey"
)

// maxStreamBytes caps one SSE response (10 MB). Exceeding it terminates the
// stream with an error event.
const maxStreamBytes = 10 * 1024 * 1024

// RunRequest is the JSON body for /v1/run and /v1/stream.
type RunRequest struct {
	Prompt   string            `json:"prompt,omitempty"`
	Messages []cascade.Message `json:"messages,omitempty"`

	SystemPrompt string   `json:"system_prompt,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Threshold    float64  `json:"threshold,omitempty"`
	Validation   string   `json:"validation,omitempty"`
	ForceDirect  bool     `json:"force_direct,omitempty"`
	DeadlineMs   int      `json:"deadline_ms,omitempty"`

	// Admission identity; overridden by the API key when one is present.
	UserID string `json:"user_id,omitempty"`
	Tier   string `json:"tier,omitempty"`
}

func (req RunRequest) query() (cascade.Query, error) {
	if req.Prompt == "" && len(req.Messages) == 0 {
		return cascade.Query{}, fmt.Errorf("prompt or messages required")
	}
	return cascade.Query{Prompt: req.Prompt, Messages: req.Messages}, nil
}

// identity resolves (user, tier): an authenticated API key wins over the
// request body.
func (req RunRequest) identity(r *http.Request) (string, string) {
	user, tier := req.UserID, req.Tier
	if keyUser, keyTier := apikey.Identity(r.Context()); keyUser != "" {
		user = keyUser
		if keyTier != "" {
			tier = keyTier
		}
	}
	return user, tier
}

func (req RunRequest) options(user, tier string) []agent.RunOption {
	var opts []agent.RunOption
	if user != "" || tier != "" {
		opts = append(opts, agent.WithUser(user, tier))
	}
	if req.SystemPrompt != "" {
		opts = append(opts, agent.WithSystemPrompt(req.SystemPrompt))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, agent.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature != nil {
		opts = append(opts, agent.WithTemperature(*req.Temperature))
	}
	if req.Threshold > 0 {
		opts = append(opts, agent.WithThreshold(req.Threshold))
	}
	if req.Validation != "" {
		opts = append(opts, agent.WithValidation(req.Validation))
	}
	if req.ForceDirect {
		opts = append(opts, agent.ForceDirect())
	}
	if req.DeadlineMs > 0 {
		opts = append(opts, agent.WithDeadline(req.DeadlineMs))
	}
	return opts
}

// RunHandler executes one query and returns the full result.
func RunHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		q, err := req.query()
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !checkKeyBudget(d, r, w) {
			return
		}

		user, tier := req.identity(r)
		res, err := d.Agent.Run(r.Context(), q, req.options(user, tier)...)
		if err != nil {
			runError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// StreamHandler executes one query and relays its event stream as SSE.
// Chunk content counts against maxStreamBytes.
func StreamHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		var req RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		q, err := req.query()
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !checkKeyBudget(d, r, w) {
			return
		}

		user, tier := req.identity(r)
		stream, err := d.Agent.Stream(r.Context(), q, req.options(user, tier)...)
		if err != nil {
			runError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		reqID := middleware.GetReqID(r.Context())
		var total int64
		for ev := range stream {
			payload, merr := json.Marshal(ev)
			if merr != nil {
				d.logger().Warn("stream: event marshal failed", "request_id", reqID, "error", merr)
				continue
			}
			total += int64(len(payload))
			if total > maxStreamBytes {
				d.logger().Warn("stream: output cap exceeded", "request_id", reqID, "bytes", total)
				_, _ = fmt.Fprintf(w, "event: error\ndata: {\"error\":\"stream output cap exceeded\"}\n\n")
				flusher.Flush()
				return
			}
			if _, werr := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); werr != nil {
				return
			}
			flusher.Flush()
		}
	}
}
