package cascade

import (
	"context"
	"errors"
)

// ErrStreamingUnsupported is returned by providers that cannot stream.
// The pipeline falls back to Generate and synthesizes a single chunk.
var ErrStreamingUnsupported = errors.New("streaming not supported by provider")

// Provider is the uniform contract over heterogeneous LLM backends.
// Implementations are stateless: authentication and endpoint come from the
// request (populated from ModelConfig), with constructor values as fallback.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)
	Stream(ctx context.Context, req *ProviderRequest) (ChunkStream, error)
}

// ProviderRequest is a normalized generation request.
type ProviderRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64 // nil = provider default
	Tools       []ToolSpec
	APIKey      string // per-request auth from ModelConfig
	BaseURL     string // per-request endpoint override
	Extra       map[string]any
}

// ProviderResponse is a completed generation.
type ProviderResponse struct {
	Content      string
	Model        string
	Usage        *Usage // nil when the upstream reported none
	FinishReason string
	ToolCalls    []ToolCall
	LogProbs     []float64 // per-token confidences when the upstream reports them
	CostUSD      float64   // provider-reported cost, 0 when absent
}

// ToolCallDelta is an incremental fragment of a streamed tool call.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// ProviderChunk is one unit of a streamed response. Chunks arrive in
// generation order; the final chunk has Done=true and carries Usage when the
// upstream supplied it.
type ProviderChunk struct {
	Content      string
	ToolCall     *ToolCallDelta
	Done         bool
	Usage        *Usage
	FinishReason string
}

// ChunkStream is a lazy sequence of chunks. Recv returns io.EOF after the
// final chunk. Close releases the upstream connection and is safe to call
// more than once.
type ChunkStream interface {
	Recv() (*ProviderChunk, error)
	Close() error
}

// ToolExecutor runs a named tool server-side and returns its result text.
// Execution errors become TOOL_ERROR events; the loop may retry if the model
// reissues the call.
type ToolExecutor func(ctx context.Context, name string, args map[string]any) (string, error)
