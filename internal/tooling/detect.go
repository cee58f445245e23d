package tooling

import (
	"regexp"
	"strings"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// Detection layer weights. Confidence is the capped sum of every layer that
// fires; explicit tool calls short-circuit at full confidence.
const (
	weightExplicit   = 1.0
	weightStructured = 0.8
	weightHeuristic  = 0.6
	weightFallback   = 0.4

	shouldCallFloor = 0.5
)

// structuredRe matches JSON-shaped tool-call markup embedded in query text:
// either a provider-style tool_calls/function_call key or an inline object
// carrying both "name" and "arguments".
var structuredRe = regexp.MustCompile(`"(tool_calls?|function_call|tool_use)"\s*:|\{[^{}]*"name"\s*:\s*"[^"]+"[^{}]*"arguments"\s*:`)

// intentKeywords are verbs that usually mean the model is expected to act,
// not answer.
var intentKeywords = []string{
	"search", "fetch", "look up", "lookup", "retrieve", "download",
	"upload", "call the", "query the", "read the file", "write to",
	"open the file", "list the", "send an email", "run the", "execute",
	"use the tool", "check the weather", "book", "schedule",
}

// Checker implements cascade.ToolChecker: layered intent detection,
// generated-call validation, and risk grading.
type Checker struct{}

// NewChecker builds a stateless checker.
func NewChecker() *Checker { return &Checker{} }

// AssessRisk returns the caller-assigned tier when present, otherwise the
// tier derived from name/description patterns.
func (c *Checker) AssessRisk(spec cascade.ToolSpec) cascade.RiskTier {
	if spec.Risk != "" {
		return spec.Risk
	}
	return deriveRisk(spec)
}

// Detect runs the four detection layers against the query. With no tools
// registered there is nothing to call and the intent stays zero.
func (c *Checker) Detect(q cascade.Query, tools []cascade.ToolSpec) cascade.ToolCallIntent {
	if len(tools) == 0 {
		return cascade.ToolCallIntent{}
	}

	// Layer 1: the conversation already carries structured tool calls.
	for _, m := range q.Messages {
		if len(m.ToolCalls) > 0 {
			return cascade.ToolCallIntent{
				ShouldCall: true,
				Confidence: weightExplicit,
				Layers:     []string{"explicit"},
			}
		}
	}

	text := q.Text()
	lowerText := lower(text)
	var (
		confidence float64
		layers     []string
		hints      []string
	)

	// Layer 2: JSON-shaped tool-call markup in the text itself.
	if m := structuredRe.FindString(text); m != "" {
		confidence += weightStructured
		layers = append(layers, "structured")
		hints = append(hints, strings.TrimSpace(m))
	}

	// Layer 3: action-intent keywords.
	var matched []string
	for _, kw := range intentKeywords {
		if strings.Contains(lowerText, kw) {
			matched = append(matched, kw)
		}
	}
	if len(matched) > 0 {
		confidence += weightHeuristic
		layers = append(layers, "heuristic")
		hints = append(hints, matched...)
	}

	// Layer 4: a registered tool is named outright.
	for _, spec := range tools {
		name := lower(spec.Name)
		if len(name) >= 3 && strings.Contains(lowerText, name) {
			confidence += weightFallback
			layers = append(layers, "fallback")
			hints = append(hints, spec.Name)
			break
		}
	}

	if confidence > 1.0 {
		confidence = 1.0
	}
	return cascade.ToolCallIntent{
		ShouldCall: confidence >= shouldCallFloor,
		Confidence: confidence,
		Layers:     layers,
		Hints:      hints,
	}
}

func lower(s string) string { return strings.ToLower(s) }
