// Package ollama adapts a local Ollama server's /api/chat endpoint to the
// cascade.Provider contract. Ollama streams newline-delimited JSON rather
// than SSE and reports token counts in the final object.
package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/providers"
)

const defaultBaseURL = "http://localhost:11434"

// Adapter implements cascade.Provider for Ollama.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout. Local models can be slow to
// load, so the default is generous.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New builds an adapter for the given base URL (empty = localhost default).
func New(baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	a := &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return "ollama" }

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (a *Adapter) payload(req *cascade.ProviderRequest, stream bool) map[string]any {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = json.RawMessage(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		messages = append(messages, wm)
	}

	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   stream,
	}
	if len(options) > 0 {
		payload["options"] = options
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
	return payload
}

func (a *Adapter) url(req *cascade.ProviderRequest) string {
	base := req.BaseURL
	if base == "" {
		base = a.baseURL
	}
	return base + "/api/chat"
}

type wireResponse struct {
	Model   string      `json:"model"`
	Message wireMessage `json:"message"`
	Done    bool        `json:"done"`

	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (r *wireResponse) usage() *cascade.Usage {
	if r.PromptEvalCount == 0 && r.EvalCount == 0 {
		return nil
	}
	return &cascade.Usage{
		InputTokens:  r.PromptEvalCount,
		OutputTokens: r.EvalCount,
		TotalTokens:  r.PromptEvalCount + r.EvalCount,
	}
}

func toolCallsOf(m wireMessage) []cascade.ToolCall {
	calls := make([]cascade.ToolCall, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		// Ollama does not assign call ids; the pipeline fills them in.
		calls = append(calls, cascade.ToolCall{
			Name:      tc.Function.Name,
			Arguments: string(tc.Function.Arguments),
		})
	}
	if len(calls) == 0 {
		return nil
	}
	return calls
}

// Generate performs one completion.
func (a *Adapter) Generate(ctx context.Context, req *cascade.ProviderRequest) (*cascade.ProviderResponse, error) {
	body, err := providers.DoRequest(ctx, a.client, a.url(req), a.payload(req, false), nil)
	if err != nil {
		return nil, providers.Classify("ollama.generate", req.Model, err)
	}

	var parsed wireResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, providers.Classify("ollama.generate", req.Model, fmt.Errorf("decode response: %w", err))
	}
	return &cascade.ProviderResponse{
		Content:   parsed.Message.Content,
		Model:     parsed.Model,
		Usage:     parsed.usage(),
		ToolCalls: toolCallsOf(parsed.Message),
	}, nil
}

// Stream opens a streaming completion over newline-delimited JSON.
func (a *Adapter) Stream(ctx context.Context, req *cascade.ProviderRequest) (cascade.ChunkStream, error) {
	body, err := providers.DoStreamRequest(ctx, a.client, a.url(req), a.payload(req, true), nil)
	if err != nil {
		return nil, providers.Classify("ollama.stream", req.Model, err)
	}
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &chunkStream{model: req.Model, body: body, scanner: sc}, nil
}

type chunkStream struct {
	model   string
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *chunkStream) Recv() (*cascade.ProviderChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame wireResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, providers.Classify("ollama.stream", s.model, fmt.Errorf("decode chunk: %w", err))
		}
		chunk := &cascade.ProviderChunk{Content: frame.Message.Content}
		if calls := toolCallsOf(frame.Message); len(calls) > 0 {
			// Whole calls arrive in one frame; surface the first as a
			// completed delta and the rest on subsequent frames.
			chunk.ToolCall = &cascade.ToolCallDelta{
				Name:           calls[0].Name,
				ArgumentsDelta: calls[0].Arguments,
			}
		}
		if frame.Done {
			s.done = true
			chunk.Done = true
			chunk.Usage = frame.usage()
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, providers.Classify("ollama.stream", s.model, err)
	}
	s.done = true
	return nil, io.EOF
}

func (s *chunkStream) Close() error {
	return s.body.Close()
}
