package agent

import (
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// RunOption adjusts one run. Options validate eagerly so a bad value fails
// before any provider call.
type RunOption func(*cascade.Options) error

// WithMaxTokens caps generation length.
func WithMaxTokens(n int) RunOption {
	return func(o *cascade.Options) error {
		if n < 0 {
			return cascade.Errorf(cascade.KindBadRequest, "agent.options", "max_tokens must be non-negative")
		}
		o.MaxTokens = n
		return nil
	}
}

// WithTemperature sets the sampling temperature, validated in [0,2].
func WithTemperature(t float64) RunOption {
	return func(o *cascade.Options) error {
		if t < 0 || t > 2 {
			return cascade.Errorf(cascade.KindBadRequest, "agent.options", "temperature %.2f out of range [0,2]", t)
		}
		o.Temperature = &t
		return nil
	}
}

// WithSystemPrompt prepends a system message to the transcript.
func WithSystemPrompt(s string) RunOption {
	return func(o *cascade.Options) error {
		o.SystemPrompt = s
		return nil
	}
}

// WithTools declares the callable tools for this run.
func WithTools(tools ...cascade.ToolSpec) RunOption {
	return func(o *cascade.Options) error {
		o.Tools = tools
		return nil
	}
}

// WithToolExecutor supplies the server-side tool handler. Without one, tool
// calls are returned in the result rather than executed.
func WithToolExecutor(fn cascade.ToolExecutor) RunOption {
	return func(o *cascade.Options) error {
		o.ToolExecutor = fn
		return nil
	}
}

// ForceDirect bypasses the cascade and answers with the verifier.
func ForceDirect() RunOption {
	return func(o *cascade.Options) error {
		o.ForceDirect = true
		return nil
	}
}

// WithMaxSteps caps the tool loop. Zero means tool calls are never executed
// and the model's output is used verbatim.
func WithMaxSteps(n int) RunOption {
	return func(o *cascade.Options) error {
		if n < 0 {
			return cascade.Errorf(cascade.KindBadRequest, "agent.options", "max_steps must be non-negative")
		}
		o.MaxSteps = n
		return nil
	}
}

// WithToolConcurrency bounds parallel tool execution within one turn.
func WithToolConcurrency(n int) RunOption {
	return func(o *cascade.Options) error {
		if n < 1 {
			return cascade.Errorf(cascade.KindBadRequest, "agent.options", "tool concurrency must be at least 1")
		}
		o.ToolConcurrency = n
		return nil
	}
}

// WithUser attaches the admission identity for budget and tier policy.
func WithUser(id, tier string) RunOption {
	return func(o *cascade.Options) error {
		o.UserID = id
		o.UserTier = tier
		return nil
	}
}

// WithDeadline bounds the whole request in milliseconds. Zero fails
// immediately with a timeout and no side effects.
func WithDeadline(ms int) RunOption {
	return func(o *cascade.Options) error {
		if ms < 0 {
			return cascade.Errorf(cascade.KindBadRequest, "agent.options", "deadline must be non-negative")
		}
		o.Deadline = time.Duration(ms) * time.Millisecond
		o.HasDeadline = true
		return nil
	}
}

// WithThreshold overrides the quality acceptance floor for this run.
func WithThreshold(v float64) RunOption {
	return func(o *cascade.Options) error {
		if v < 0 || v > 1 {
			return cascade.Errorf(cascade.KindBadRequest, "agent.options", "threshold %.2f out of range [0,1]", v)
		}
		o.Threshold = &v
		return nil
	}
}

// WithValidation overrides the validation method for this run.
func WithValidation(method string) RunOption {
	return func(o *cascade.Options) error {
		o.Validation = method
		return nil
	}
}
