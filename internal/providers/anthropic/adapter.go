// Package anthropic adapts the Anthropic messages API to the
// cascade.Provider contract.
package anthropic

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

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096 // the messages API requires max_tokens
)

// Adapter implements cascade.Provider for Anthropic.
type Adapter struct {
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

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New builds an adapter with construction-default credentials; per-request
// ModelConfig values override them.
func New(apiKey, baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return "anthropic" }

// payload flattens the typed transcript to the messages wire shape: system
// turns become the top-level system parameter, assistant tool calls become
// tool_use blocks, and tool results become tool_result blocks.
func (a *Adapter) payload(req *cascade.ProviderRequest, stream bool) map[string]any {
	var system string
	var messages []map[string]any
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case "assistant":
			content := []map[string]any{}
			if m.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, map[string]any{
					"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": input,
				})
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": content})
		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type": "tool_result", "tool_use_id": m.ToolCallID, "content": m.Content,
				}},
			})
		default:
			messages = append(messages, map[string]any{"role": "user", "content": m.Content})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			}
		}
		payload["tools"] = tools
	}
	if stream {
		payload["stream"] = true
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
	return map[string]string{
		"x-api-key":         key,
		"anthropic-version": apiVersion,
	}
}

func (a *Adapter) url(req *cascade.ProviderRequest) string {
	base := req.BaseURL
	if base == "" {
		base = a.baseURL
	}
	return base + "/v1/messages"
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

func (u *wireUsage) toUsage() *cascade.Usage {
	if u == nil {
		return nil
	}
	return &cascade.Usage{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CachedInputTokens: u.CacheReadInputTokens,
		TotalTokens:       u.InputTokens + u.OutputTokens,
	}
}

// Generate performs one completion.
func (a *Adapter) Generate(ctx context.Context, req *cascade.ProviderRequest) (*cascade.ProviderResponse, error) {
	body, err := providers.DoRequest(ctx, a.client, a.url(req), a.payload(req, false), a.headers(req))
	if err != nil {
		return nil, providers.Classify("anthropic.generate", req.Model, err)
	}

	var parsed struct {
		Model   string `json:"model"`
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
		StopReason string     `json:"stop_reason"`
		Usage      *wireUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, providers.Classify("anthropic.generate", req.Model, fmt.Errorf("decode response: %w", err))
	}

	resp := &cascade.ProviderResponse{
		Model:        parsed.Model,
		Usage:        parsed.Usage.toUsage(),
		FinishReason: parsed.StopReason,
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, cascade.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return resp, nil
}

// Stream opens a streaming completion.
func (a *Adapter) Stream(ctx context.Context, req *cascade.ProviderRequest) (cascade.ChunkStream, error) {
	body, err := providers.DoStreamRequest(ctx, a.client, a.url(req), a.payload(req, true), a.headers(req))
	if err != nil {
		return nil, providers.Classify("anthropic.stream", req.Model, err)
	}
	return &chunkStream{
		model:   req.Model,
		body:    body,
		scanner: providers.NewSSEScanner(body),
	}, nil
}

// chunkStream decodes messages-API SSE events. Tool-use block starts map to
// a delta carrying the id and name; input_json_delta events carry argument
// fragments; message_delta carries the final usage.
type chunkStream struct {
	model   string
	body    io.ReadCloser
	scanner *providers.SSEScanner
	usage   wireUsage
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
				return nil, io.EOF
			}
			return nil, providers.Classify("anthropic.stream", s.model, err)
		}

		var frame struct {
			Type    string `json:"type"`
			Index   int    `json:"index"`
			Message struct {
				Usage *wireUsage `json:"usage"`
			} `json:"message"`
			ContentBlock struct {
				Type  string          `json:"type"`
				ID    string          `json:"id"`
				Name  string          `json:"name"`
				Input json.RawMessage `json:"input"`
			} `json:"content_block"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
				StopReason  string `json:"stop_reason"`
			} `json:"delta"`
			Usage *wireUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return nil, providers.Classify("anthropic.stream", s.model, fmt.Errorf("decode chunk: %w", err))
		}

		switch frame.Type {
		case "message_start":
			if frame.Message.Usage != nil {
				s.usage.InputTokens = frame.Message.Usage.InputTokens
				s.usage.CacheReadInputTokens = frame.Message.Usage.CacheReadInputTokens
			}
		case "content_block_start":
			if frame.ContentBlock.Type == "tool_use" {
				return &cascade.ProviderChunk{ToolCall: &cascade.ToolCallDelta{
					Index: frame.Index,
					ID:    frame.ContentBlock.ID,
					Name:  frame.ContentBlock.Name,
				}}, nil
			}
		case "content_block_delta":
			switch frame.Delta.Type {
			case "text_delta":
				if frame.Delta.Text != "" {
					return &cascade.ProviderChunk{Content: frame.Delta.Text}, nil
				}
			case "input_json_delta":
				return &cascade.ProviderChunk{ToolCall: &cascade.ToolCallDelta{
					Index:          frame.Index,
					ArgumentsDelta: frame.Delta.PartialJSON,
				}}, nil
			}
		case "message_delta":
			if frame.Usage != nil {
				s.usage.OutputTokens = frame.Usage.OutputTokens
			}
			if frame.Delta.StopReason != "" {
				s.done = true
				return &cascade.ProviderChunk{
					Done:         true,
					Usage:        s.usage.toUsage(),
					FinishReason: frame.Delta.StopReason,
				}, nil
			}
		case "message_stop":
			s.done = true
			return &cascade.ProviderChunk{Done: true, Usage: s.usage.toUsage()}, nil
		}
	}
}

func (s *chunkStream) Close() error {
	return s.body.Close()
}
