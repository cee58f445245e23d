package cascade

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream did not close; %d events so far", len(events))
		}
	}
}

func indexOf(events []StreamEvent, typ EventType) int {
	for i, ev := range events {
		if ev.Type == typ {
			return i
		}
	}
	return -1
}

func chunkText(events []StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventChunk {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

func streamOf(chunks ...ProviderChunk) func(int, *ProviderRequest) (ChunkStream, error) {
	return func(int, *ProviderRequest) (ChunkStream, error) {
		return &sliceStream{chunks: chunks}, nil
	}
}

func TestStreamAcceptedDraftOrdering(t *testing.T) {
	prov := &fakeProvider{onStream: streamOf(
		ProviderChunk{Content: "Hel"},
		ProviderChunk{Content: "lo."},
		ProviderChunk{Done: true, Usage: &Usage{InputTokens: 10, OutputTokens: 4, TotalTokens: 14}},
	)}
	p := newTestPipeline(t, prov, nil)

	events := collect(t, p.StreamRun(context.Background(), Query{Prompt: "greet me"}, DefaultOptions()))
	require.NotEmpty(t, events)

	assert.Equal(t, EventRouting, events[0].Type, "ROUTING is always first")
	last := events[len(events)-1]
	require.Equal(t, EventComplete, last.Type, "exactly one terminal event")
	assert.Equal(t, "Hello.", last.Content)
	assert.Equal(t, "Hello.", chunkText(events), "chunk concatenation equals the final content")

	decision := indexOf(events, EventDraftDecision)
	require.GreaterOrEqual(t, decision, 0)
	assert.Equal(t, true, events[decision].Data["accepted"])
	assert.Less(t, decision, len(events)-1)
	assert.Equal(t, -1, indexOf(events, EventSwitch), "accepted drafts never switch")

	res, ok := last.Data["result"].(*CascadeResult)
	require.True(t, ok, "terminal COMPLETE carries the result")
	assert.Equal(t, "Hello.", res.Content)
	assert.True(t, res.DraftAccepted)
}

func TestStreamEscalationOrdering(t *testing.T) {
	prov := &fakeProvider{onStream: func(n int, req *ProviderRequest) (ChunkStream, error) {
		if n == 1 {
			return &sliceStream{chunks: []ProviderChunk{
				{Content: "meh"},
				{Done: true, Usage: &Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}},
			}}, nil
		}
		return &sliceStream{chunks: []ProviderChunk{
			{Content: "A much "},
			{Content: "better answer."},
			{Done: true, Usage: &Usage{InputTokens: 30, OutputTokens: 10, TotalTokens: 40}},
		}}, nil
	}}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) {
		cfg.Quality = scoredQuality{score: 0.2, reason: "shallow"}
	})

	events := collect(t, p.StreamRun(context.Background(), Query{Prompt: "explain entropy"}, DefaultOptions()))

	decision := indexOf(events, EventDraftDecision)
	sw := indexOf(events, EventSwitch)
	require.GreaterOrEqual(t, decision, 0)
	require.GreaterOrEqual(t, sw, 0)
	assert.Less(t, decision, sw, "DRAFT_DECISION precedes SWITCH")
	assert.Equal(t, false, events[decision].Data["accepted"])
	assert.Equal(t, "mini", events[sw].Data["from"])
	assert.Equal(t, "big", events[sw].Data["to"])

	// Verifier chunks all come after the switch.
	for i, ev := range events {
		if ev.Type == EventChunk && ev.Data["role"] == "verifier" {
			assert.Greater(t, i, sw)
		}
	}

	last := events[len(events)-1]
	require.Equal(t, EventComplete, last.Type)
	assert.Equal(t, "A much better answer.", last.Content)
}

func TestStreamFallsBackToGenerate(t *testing.T) {
	// onStream nil: the provider reports ErrStreamingUnsupported and the
	// pipeline synthesizes a single chunk from Generate.
	prov := &fakeProvider{onGenerate: func(int, *ProviderRequest) (*ProviderResponse, error) {
		return respond("whole answer at once", 10, 8), nil
	}}
	p := newTestPipeline(t, prov, nil)

	events := collect(t, p.StreamRun(context.Background(), Query{Prompt: "no streaming here"}, DefaultOptions()))

	chunks := 0
	for _, ev := range events {
		if ev.Type == EventChunk {
			chunks++
		}
	}
	assert.Equal(t, 1, chunks)
	assert.Equal(t, "whole answer at once", chunkText(events))
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
}

func TestStreamBadRequestYieldsOnlyError(t *testing.T) {
	p := newTestPipeline(t, &fakeProvider{}, nil)

	events := collect(t, p.StreamRun(context.Background(), Query{}, DefaultOptions()))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, string(KindBadRequest), events[0].Data["kind"])
	assert.NotEmpty(t, events[0].Data["reason"])
}

func TestStreamAdmissionErrorCarriesRetryHint(t *testing.T) {
	gate := &fixedGate{admission: Admission{RetryAfterMs: 2000, Reason: "rpm exceeded"}}
	p := newTestPipeline(t, &fakeProvider{}, func(cfg *PipelineConfig) { cfg.Gate = gate })

	events := collect(t, p.StreamRun(context.Background(), Query{Prompt: "limited"}, DefaultOptions()))
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type)
	assert.Equal(t, string(KindAdmission), last.Data["kind"])
	assert.Equal(t, int64(2000), last.Data["retry_after_ms"])
}

func TestStreamCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prov := &fakeProvider{onStream: func(int, *ProviderRequest) (ChunkStream, error) {
		return &endlessStream{cancel: cancel}, nil
	}}
	p := newTestPipeline(t, prov, nil)

	events := collect(t, p.StreamRun(ctx, Query{Prompt: "cancel mid-stream"}, DefaultOptions()))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Type, "cancellation still terminates the stream")
	assert.Equal(t, string(KindCancelled), last.Data["kind"])
}

// endlessStream cancels the run after a few chunks and then keeps producing,
// proving the consumer stops within one chunk of cancellation.
type endlessStream struct {
	cancel context.CancelFunc
	n      int
}

func (s *endlessStream) Recv() (*ProviderChunk, error) {
	s.n++
	if s.n == 3 {
		s.cancel()
	}
	return &ProviderChunk{Content: "x"}, nil
}

func (s *endlessStream) Close() error { return nil }

func TestStreamToolEventOrdering(t *testing.T) {
	prov := &fakeProvider{onStream: func(n int, req *ProviderRequest) (ChunkStream, error) {
		if n == 1 {
			return &sliceStream{chunks: []ProviderChunk{
				{ToolCall: &ToolCallDelta{Index: 0, ID: "call_1", Name: "get_weather"}},
				{ToolCall: &ToolCallDelta{Index: 0, ArgumentsDelta: `{"city":`}},
				{ToolCall: &ToolCallDelta{Index: 0, ArgumentsDelta: `"Paris"}`}},
				{Done: true, Usage: &Usage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30}},
			}}, nil
		}
		return &sliceStream{chunks: []ProviderChunk{
			{Content: "Sunny in Paris."},
			{Done: true, Usage: &Usage{InputTokens: 40, OutputTokens: 8, TotalTokens: 48}},
		}}, nil
	}}
	p := newTestPipeline(t, prov, nil)

	executor := func(_ context.Context, _ string, args map[string]any) (string, error) {
		require.Equal(t, "Paris", args["city"])
		return "sunny", nil
	}
	opts := DefaultOptions()
	opts.Tools = weatherTools()
	opts.ToolExecutor = executor

	events := collect(t, p.StreamRun(context.Background(), Query{Prompt: "Paris weather"}, opts))

	start := indexOf(events, EventToolCallStart)
	delta := indexOf(events, EventToolCallDelta)
	complete := indexOf(events, EventToolCallComplete)
	executing := indexOf(events, EventToolExecuting)
	result := indexOf(events, EventToolResult)

	require.GreaterOrEqual(t, start, 0)
	require.GreaterOrEqual(t, delta, 0)
	require.GreaterOrEqual(t, complete, 0)
	require.GreaterOrEqual(t, executing, 0)
	require.GreaterOrEqual(t, result, 0)

	assert.Less(t, start, delta)
	assert.Less(t, delta, complete)
	assert.Less(t, complete, executing)
	assert.Less(t, executing, result)

	// The assembled call carries the full argument text.
	assert.Equal(t, `{"city":"Paris"}`, events[complete].Data["arguments"])
	assert.Equal(t, "sunny", events[result].Content)

	last := events[len(events)-1]
	require.Equal(t, EventComplete, last.Type)
	assert.Equal(t, "Sunny in Paris.", last.Content)
}

func TestStreamAndRunParity(t *testing.T) {
	newProv := func() *fakeProvider {
		return &fakeProvider{
			onGenerate: func(int, *ProviderRequest) (*ProviderResponse, error) {
				return respond("same answer both ways", 10, 8), nil
			},
			onStream: streamOf(
				ProviderChunk{Content: "same answer "},
				ProviderChunk{Content: "both ways"},
				ProviderChunk{Done: true, Usage: &Usage{InputTokens: 10, OutputTokens: 8, TotalTokens: 18}},
			),
		}
	}

	runRes, err := newTestPipeline(t, newProv(), nil).
		Run(context.Background(), Query{Prompt: "parity check"}, DefaultOptions())
	require.NoError(t, err)

	events := collect(t, newTestPipeline(t, newProv(), nil).
		StreamRun(context.Background(), Query{Prompt: "parity check"}, DefaultOptions()))
	last := events[len(events)-1]
	require.Equal(t, EventComplete, last.Type)
	streamRes := last.Data["result"].(*CascadeResult)

	assert.Equal(t, runRes.Content, streamRes.Content)
	assert.Equal(t, runRes.ModelUsed, streamRes.ModelUsed)
	assert.Equal(t, runRes.DraftAccepted, streamRes.DraftAccepted)
	assert.InDelta(t, runRes.Cost.TotalCost, streamRes.Cost.TotalCost, 1e-12)
}
