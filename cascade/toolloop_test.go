package cascade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weatherTools() []ToolSpec {
	return []ToolSpec{{
		Name:        "get_weather",
		Description: "Current weather for a city",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"city": map[string]any{"type": "string"}},
		},
	}}
}

func toolOpts(executor ToolExecutor, tools ...ToolSpec) Options {
	opts := DefaultOptions()
	if len(tools) == 0 {
		tools = weatherTools()
	}
	opts.Tools = tools
	opts.ToolExecutor = executor
	return opts
}

func callResponse(calls ...ToolCall) *ProviderResponse {
	return &ProviderResponse{
		Usage:     &Usage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30},
		ToolCalls: calls,
	}
}

func TestToolLoopSingleRound(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		if n == 1 {
			return callResponse(ToolCall{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Paris"}`}), nil
		}
		return respond("It is sunny in Paris.", 40, 12), nil
	}}
	p := newTestPipeline(t, prov, nil)

	var gotArgs map[string]any
	executor := func(_ context.Context, name string, args map[string]any) (string, error) {
		require.Equal(t, "get_weather", name)
		gotArgs = args
		return "sunny, 24C", nil
	}

	res, err := p.Run(context.Background(), Query{Prompt: "Weather in Paris?"}, toolOpts(executor))
	require.NoError(t, err)

	assert.Equal(t, "It is sunny in Paris.", res.Content)
	assert.Equal(t, map[string]any{"city": "Paris"}, gotArgs)
	assert.True(t, res.DraftAccepted, "tool-capable drafts are accepted without quality scoring")
	assert.Nil(t, res.Quality)

	// The follow-up call replays the full transcript: user, assistant with
	// the calls, then one tool turn per call.
	require.Equal(t, 2, prov.callCount())
	msgs := prov.call(1).Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "tool", msgs[2].Role)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Equal(t, "sunny, 24C", msgs[2].Content)
}

func TestToolLoopStopsAtMaxSteps(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		// The model never stops asking for tools.
		return callResponse(ToolCall{Name: "get_weather", Arguments: `{"city":"Lyon"}`}), nil
	}}
	p := newTestPipeline(t, prov, nil)

	var executions int
	var mu sync.Mutex
	executor := func(context.Context, string, map[string]any) (string, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		return "cloudy", nil
	}

	opts := toolOpts(executor)
	opts.MaxSteps = 2
	res, err := p.Run(context.Background(), Query{Prompt: "endless tools"}, opts)
	require.NoError(t, err)

	assert.Equal(t, 2, executions, "one execution round per step")
	assert.Equal(t, 3, prov.callCount(), "initial call plus one follow-up per step")
	assert.Len(t, res.ToolCalls, 1, "unexecuted trailing calls are returned verbatim")
}

func TestToolLoopAssignsMissingAndDuplicateIDs(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		if n == 1 {
			return callResponse(
				ToolCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
				ToolCall{ID: "dup", Name: "get_weather", Arguments: `{"city":"Lyon"}`},
				ToolCall{ID: "dup", Name: "get_weather", Arguments: `{"city":"Nice"}`},
			), nil
		}
		return respond("done", 10, 5), nil
	}}
	p := newTestPipeline(t, prov, nil)

	executor := func(context.Context, string, map[string]any) (string, error) { return "ok", nil }
	_, err := p.Run(context.Background(), Query{Prompt: "three cities"}, toolOpts(executor))
	require.NoError(t, err)

	msgs := prov.call(1).Messages
	ids := map[string]bool{}
	for _, m := range msgs {
		if m.Role == "tool" {
			assert.NotEmpty(t, m.ToolCallID)
			assert.False(t, ids[m.ToolCallID], "tool call ids must be unique per run")
			ids[m.ToolCallID] = true
		}
	}
	assert.Len(t, ids, 3)
}

func TestToolLoopInvalidCallFedBack(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		if n == 1 {
			return callResponse(ToolCall{ID: "bad", Name: "rm_rf", Arguments: `{}`}), nil
		}
		return respond("recovered", 10, 5), nil
	}}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) {
		cfg.Tools = stubChecker{invalid: map[string]string{"rm_rf": "unknown tool"}}
	})

	var executions int
	executor := func(context.Context, string, map[string]any) (string, error) {
		executions++
		return "never", nil
	}
	res, err := p.Run(context.Background(), Query{Prompt: "try something invalid"}, toolOpts(executor))
	require.NoError(t, err)

	assert.Zero(t, executions, "invalid calls are never executed")
	assert.Equal(t, "recovered", res.Content)

	msgs := prov.call(1).Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "error: invalid tool call")
	assert.Contains(t, last.Content, "unknown tool")
}

func TestToolLoopValidationRetriesExhausted(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(int, *ProviderRequest) (*ProviderResponse, error) {
		return callResponse(ToolCall{Name: "rm_rf", Arguments: `{}`}), nil
	}}
	p := newTestPipeline(t, prov, func(cfg *PipelineConfig) {
		cfg.Tools = stubChecker{invalid: map[string]string{"rm_rf": "unknown tool"}}
		cfg.MaxRetries = 1
	})

	executor := func(context.Context, string, map[string]any) (string, error) { return "", nil }
	_, err := p.Run(context.Background(), Query{Prompt: "always invalid"}, toolOpts(executor))
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestToolLoopExecutorErrorFedBack(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		if n == 1 {
			return callResponse(ToolCall{ID: "c1", Name: "get_weather", Arguments: `{"city":"Atlantis"}`}), nil
		}
		return respond("no such city", 10, 5), nil
	}}
	p := newTestPipeline(t, prov, nil)

	executor := func(context.Context, string, map[string]any) (string, error) {
		return "", errors.New("city not found")
	}
	res, err := p.Run(context.Background(), Query{Prompt: "weather in Atlantis"}, toolOpts(executor))
	require.NoError(t, err, "tool failures feed back to the model, they are not fatal")
	assert.Equal(t, "no such city", res.Content)

	msgs := prov.call(1).Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "error:")
	assert.Contains(t, last.Content, "city not found")
}

func TestToolLoopPanicRecovered(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		if n == 1 {
			return callResponse(ToolCall{ID: "c1", Name: "get_weather", Arguments: `{}`}), nil
		}
		return respond("survived", 10, 5), nil
	}}
	p := newTestPipeline(t, prov, nil)

	executor := func(context.Context, string, map[string]any) (string, error) {
		panic("tool blew up")
	}
	res, err := p.Run(context.Background(), Query{Prompt: "panic path"}, toolOpts(executor))
	require.NoError(t, err)
	assert.Equal(t, "survived", res.Content)

	last := prov.call(1).Messages[len(prov.call(1).Messages)-1]
	assert.Contains(t, last.Content, "panicked")
}

func TestToolLoopMalformedArguments(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		if n == 1 {
			return callResponse(ToolCall{ID: "c1", Name: "get_weather", Arguments: `{"city":`}), nil
		}
		return respond("fixed", 10, 5), nil
	}}
	p := newTestPipeline(t, prov, nil)

	var executions int
	executor := func(context.Context, string, map[string]any) (string, error) {
		executions++
		return "", nil
	}
	res, err := p.Run(context.Background(), Query{Prompt: "broken json"}, toolOpts(executor))
	require.NoError(t, err)
	assert.Zero(t, executions, "unparseable arguments never reach the executor")
	assert.Equal(t, "fixed", res.Content)

	last := prov.call(1).Messages[len(prov.call(1).Messages)-1]
	assert.Contains(t, last.Content, "error:")
}

func TestToolLoopParallelExecutionMergesInCallOrder(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		if n == 1 {
			return callResponse(
				ToolCall{ID: "a", Name: "get_weather", Arguments: `{"city":"slow"}`},
				ToolCall{ID: "b", Name: "get_weather", Arguments: `{"city":"fast"}`},
			), nil
		}
		return respond("both done", 10, 5), nil
	}}
	p := newTestPipeline(t, prov, nil)

	executor := func(_ context.Context, _ string, args map[string]any) (string, error) {
		if args["city"] == "slow" {
			time.Sleep(30 * time.Millisecond)
			return "slow result", nil
		}
		return "fast result", nil
	}
	_, err := p.Run(context.Background(), Query{Prompt: "two cities"}, toolOpts(executor))
	require.NoError(t, err)

	// The slow call was issued first, so its result comes first even though
	// the fast one completed earlier.
	msgs := prov.call(1).Messages
	var toolTurns []Message
	for _, m := range msgs {
		if m.Role == "tool" {
			toolTurns = append(toolTurns, m)
		}
	}
	require.Len(t, toolTurns, 2)
	assert.Equal(t, "a", toolTurns[0].ToolCallID)
	assert.Equal(t, "slow result", toolTurns[0].Content)
	assert.Equal(t, "b", toolTurns[1].ToolCallID)
	assert.Equal(t, "fast result", toolTurns[1].Content)
}

func TestToolLoopCancellationAborts(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(int, *ProviderRequest) (*ProviderResponse, error) {
		return callResponse(ToolCall{ID: "c1", Name: "get_weather", Arguments: `{}`}), nil
	}}
	p := newTestPipeline(t, prov, nil)

	ctx, cancel := context.WithCancel(context.Background())
	executor := func(ctx context.Context, _ string, _ map[string]any) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}
	_, err := p.Run(ctx, Query{Prompt: "cancel mid-tool"}, toolOpts(executor))
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestToolLoopDirectRoute(t *testing.T) {
	prov := &fakeProvider{onGenerate: func(n int, req *ProviderRequest) (*ProviderResponse, error) {
		if n == 1 {
			return callResponse(ToolCall{ID: "c1", Name: "get_weather", Arguments: `{"city":"Oslo"}`}), nil
		}
		return respond("cold in Oslo", 10, 5), nil
	}}
	p := newTestPipeline(t, prov, nil)

	executor := func(context.Context, string, map[string]any) (string, error) { return "-3C", nil }
	opts := toolOpts(executor)
	opts.ForceDirect = true
	res, err := p.Run(context.Background(), Query{Prompt: "Oslo weather"}, opts)
	require.NoError(t, err)

	assert.Equal(t, "big", res.ModelUsed)
	assert.False(t, res.Cascaded)
	assert.Equal(t, "cold in Oslo", res.Content)
	assert.Equal(t, "big", prov.call(1).Model, "the loop stays on the routed model")
}

func TestEnsureUniqueIDs(t *testing.T) {
	seen := map[string]bool{"used": true}
	calls := ensureUniqueIDs([]ToolCall{
		{ID: "", Name: "a"},
		{ID: "used", Name: "b"},
		{ID: "fresh", Name: "c"},
	}, seen)

	assert.NotEmpty(t, calls[0].ID)
	assert.NotEqual(t, "used", calls[1].ID)
	assert.Equal(t, "fresh", calls[2].ID)
	assert.Len(t, seen, 4)
}
