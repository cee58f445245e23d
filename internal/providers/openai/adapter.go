// Package openai adapts the OpenAI chat-completions wire format to the
// cascade.Provider contract. Groq, Together, OpenRouter, and vLLM speak the
// same format and are served by this adapter with a different base URL.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/providers"
)

const defaultBaseURL = "https://api.openai.com"

// Adapter implements cascade.Provider over the chat-completions API.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithHTTPClient substitutes the HTTP client, e.g. to add an otelhttp
// transport or a test server's client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New builds an adapter. name is the provider tag models refer to (openai,
// groq, together, openrouter, vllm); apiKey and baseURL are construction
// defaults that per-request ModelConfig values override.
func New(name, apiKey, baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	a := &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return a.name }

// wire types

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	PromptDetails    *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

func (u *wireUsage) toUsage() *cascade.Usage {
	if u == nil {
		return nil
	}
	usage := &cascade.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptDetails != nil {
		usage.CachedInputTokens = u.PromptDetails.CachedTokens
	}
	return usage
}

// payload builds the request body shared by Generate and Stream.
func (a *Adapter) payload(req *cascade.ProviderRequest, stream bool) map[string]any {
	messages := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		messages[i] = wm
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			}
		}
		payload["tools"] = tools
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	for k, v := range req.Extra {
		if k != "model" && k != "messages" && k != "stream" {
			payload[k] = v
		}
	}
	return payload
}

func (a *Adapter) headers(req *cascade.ProviderRequest) map[string]string {
	key := req.APIKey
	if key == "" {
		key = a.apiKey
	}
	if key == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + key}
}

func (a *Adapter) url(req *cascade.ProviderRequest) string {
	base := req.BaseURL
	if base == "" {
		base = a.baseURL
	}
	return base + "/v1/chat/completions"
}

// Generate performs one completion.
func (a *Adapter) Generate(ctx context.Context, req *cascade.ProviderRequest) (*cascade.ProviderResponse, error) {
	body, err := providers.DoRequest(ctx, a.client, a.url(req), a.payload(req, false), a.headers(req))
	if err != nil {
		return nil, providers.Classify(a.name+".generate", req.Model, err)
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   string         `json:"content"`
				ToolCalls []wireToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
			LogProbs     *struct {
				Content []struct {
					LogProb float64 `json:"logprob"`
				} `json:"content"`
			} `json:"logprobs"`
		} `json:"choices"`
		Usage *wireUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, providers.Classify(a.name+".generate", req.Model, fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, providers.Classify(a.name+".generate", req.Model, fmt.Errorf("response has no choices"))
	}

	choice := parsed.Choices[0]
	resp := &cascade.ProviderResponse{
		Content:      choice.Message.Content,
		Model:        parsed.Model,
		Usage:        parsed.Usage.toUsage(),
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, cascade.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if choice.LogProbs != nil {
		for _, lp := range choice.LogProbs.Content {
			resp.LogProbs = append(resp.LogProbs, lp.LogProb)
		}
	}
	return resp, nil
}

// Stream opens a streaming completion and returns a lazy chunk sequence.
func (a *Adapter) Stream(ctx context.Context, req *cascade.ProviderRequest) (cascade.ChunkStream, error) {
	body, err := providers.DoStreamRequest(ctx, a.client, a.url(req), a.payload(req, true), a.headers(req))
	if err != nil {
		return nil, providers.Classify(a.name+".stream", req.Model, err)
	}
	return &chunkStream{
		name:    a.name,
		model:   req.Model,
		body:    body,
		scanner: providers.NewSSEScanner(body),
	}, nil
}

// chunkStream decodes chat-completion SSE frames into ProviderChunks.
type chunkStream struct {
	name    string
	model   string
	body    io.ReadCloser
	scanner *providers.SSEScanner
	usage   *cascade.Usage
	done    bool
}

func (s *chunkStream) Recv() (*cascade.ProviderChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		data, err := s.scanner.Next()
		if err != nil {
			if err == io.EOF {
				s.done = true
				if s.usage != nil {
					return &cascade.ProviderChunk{Done: true, Usage: s.usage}, nil
				}
				return nil, io.EOF
			}
			return nil, providers.Classify(s.name+".stream", s.model, err)
		}
		if data == "[DONE]" {
			s.done = true
			return &cascade.ProviderChunk{Done: true, Usage: s.usage}, nil
		}

		var frame struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int          `json:"index"`
						ID       string       `json:"id"`
						Function wireFunction `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *wireUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return nil, providers.Classify(s.name+".stream", s.model, fmt.Errorf("decode chunk: %w", err))
		}
		if frame.Usage != nil {
			// The usage frame arrives last, after the finish-reason chunk.
			s.usage = frame.Usage.toUsage()
		}
		if len(frame.Choices) == 0 {
			continue
		}

		choice := frame.Choices[0]
		chunk := &cascade.ProviderChunk{
			Content:      choice.Delta.Content,
			FinishReason: choice.FinishReason,
		}
		if len(choice.Delta.ToolCalls) > 0 {
			tc := choice.Delta.ToolCalls[0]
			chunk.ToolCall = &cascade.ToolCallDelta{
				Index:          tc.Index,
				ID:             tc.ID,
				Name:           tc.Function.Name,
				ArgumentsDelta: tc.Function.Arguments,
			}
		}
		if chunk.Content == "" && chunk.ToolCall == nil && chunk.FinishReason == "" {
			continue
		}
		return chunk, nil
	}
}

func (s *chunkStream) Close() error {
	return s.body.Close()
}
