package cascade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// toolResult pairs one call with its execution outcome. Results are merged
// into the transcript in call-issue order regardless of completion order.
type toolResult struct {
	call ToolCall
	out  string
	err  error
}

// runToolLoop drives the tool-call loop: validate the model's calls, execute
// the valid ones (independent calls in parallel), merge results into the
// transcript in call order, and feed the transcript back to the same model
// until it stops calling tools or MaxSteps is reached. onTurn folds each
// follow-up response into the run's cost accounting.
func (p *Pipeline) runToolLoop(ctx context.Context, r *run, m ModelConfig, first *ProviderResponse, onTurn func(*ProviderResponse, []Message)) error {
	transcript := make([]Message, len(r.msgs))
	copy(transcript, r.msgs)

	resp := first
	seenIDs := make(map[string]bool)
	validationRetries := 0

	for step := 0; step < r.opts.MaxSteps; step++ {
		calls := resp.ToolCalls
		if len(calls) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return E(KindOf(err), "pipeline.toolloop", err)
		}
		calls = ensureUniqueIDs(calls, seenIDs)

		validations := p.tools.Validate(calls, r.opts.Tools)
		invalid := 0
		for _, v := range validations {
			if !v.Valid {
				invalid++
			}
		}
		if invalid > 0 {
			validationRetries++
			if validationRetries > p.maxRetries {
				return Errorf(KindValidation, "pipeline.toolloop",
					"tool calls still invalid after %d attempts", validationRetries)
			}
		}

		results, err := p.executeToolCalls(ctx, r, validations)
		if err != nil {
			return err
		}

		// Assistant turn with the calls, then one tool turn per call in
		// issue order. The transcript stays replayable end to end.
		transcript = append(transcript, Message{Role: "assistant", Content: resp.Content, ToolCalls: calls})
		for _, res := range results {
			content := res.out
			if res.err != nil {
				content = "error: " + res.err.Error()
			}
			transcript = append(transcript, Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: res.call.ID,
			})
		}

		role := "drafter"
		if r.decision.Strategy == StrategyDirect {
			role = "verifier"
		}
		next, elapsed, err := p.callModel(ctx, r, m, transcript, role)
		if role == "drafter" {
			r.timing.DraftMs += elapsed
		} else {
			r.timing.VerifierMs += elapsed
		}
		if err != nil {
			return err
		}
		onTurn(next, transcript)
		resp = next
	}
	return nil
}

// executeToolCalls runs the turn's calls. Valid calls execute in parallel
// bounded by ToolConcurrency; invalid calls become validator-error results
// fed back to the model. Cancellation aborts the group and reports the
// in-flight calls as errors without merging partial results.
func (p *Pipeline) executeToolCalls(ctx context.Context, r *run, validations []ToolValidation) ([]toolResult, error) {
	results := make([]toolResult, len(validations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.ToolConcurrency)
	for i, v := range validations {
		results[i].call = v.Call
		if !v.Valid {
			results[i].err = fmt.Errorf("invalid tool call: %s", strings.Join(v.Problems, "; "))
			r.emit(StreamEvent{Type: EventToolError, Data: map[string]any{
				"id": v.Call.ID, "name": v.Call.Name, "error": results[i].err.Error(), "kind": string(KindValidation),
			}})
			continue
		}
		i, call := i, v.Call
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r.emit(StreamEvent{Type: EventToolExecuting, Data: map[string]any{
				"id": call.ID, "name": call.Name,
			}})
			start := time.Now()
			out, err := p.executeOne(gctx, r, call)
			if err != nil {
				r.emit(StreamEvent{Type: EventToolError, Data: map[string]any{
					"id": call.ID, "name": call.Name, "error": err.Error(), "kind": string(KindOf(err)),
				}})
				if gctx.Err() != nil {
					// Cancellation aborts the whole turn; partial results
					// are reported but never merged.
					return gctx.Err()
				}
				// Other tool failures are fed back to the model, not fatal.
				results[i].err = err
				return nil
			}
			results[i].out = out
			r.emit(StreamEvent{Type: EventToolResult, Content: out, Data: map[string]any{
				"id": call.ID, "name": call.Name, "latency_ms": time.Since(start).Milliseconds(),
			}})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, E(KindOf(err), "pipeline.toolloop", err)
	}
	return results, nil
}

// executeOne parses arguments and invokes the caller's executor, converting
// panics and errors into tool_execution failures.
func (p *Pipeline) executeOne(ctx context.Context, r *run, call ToolCall) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Errorf(KindToolExecution, "pipeline.tool", "tool %s panicked: %v", call.Name, rec)
		}
	}()
	args, perr := call.ParsedArguments()
	if perr != nil {
		return "", E(KindValidation, "pipeline.tool", perr)
	}
	out, xerr := r.opts.ToolExecutor(ctx, call.Name, args)
	if xerr != nil {
		if KindOf(xerr) == KindCancelled || KindOf(xerr) == KindTimeout {
			return "", xerr
		}
		return "", &Error{Kind: KindToolExecution, Op: "pipeline.tool", Err: xerr}
	}
	return out, nil
}

// ensureUniqueIDs assigns ids to calls missing one and de-duplicates against
// ids already used earlier in the transcript.
func ensureUniqueIDs(calls []ToolCall, seen map[string]bool) []ToolCall {
	out := make([]ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" || seen[call.ID] {
			call.ID = uuid.NewString()
		}
		seen[call.ID] = true
		out[i] = call
	}
	return out
}
