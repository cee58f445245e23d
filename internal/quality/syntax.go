package quality

import (
	"encoding/json"
	"strings"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// syntaxScore runs the domain-specific structural check and folds the result
// into the structure component. Domains without a syntax notion fall back to
// heuristic scoring.
func syntaxScore(in cascade.QualityInput) cascade.QualityScore {
	var structure float64
	var problem string

	switch in.Domain {
	case cascade.DomainData, cascade.DomainStructured, cascade.DomainTool:
		structure, problem = jsonStructure(in.Response)
	case cascade.DomainCode:
		structure, problem = codeStructure(in.Response)
	case cascade.DomainMath:
		structure, problem = mathStructure(in.Response)
	default:
		return heuristicScore(in)
	}

	base := heuristicScore(in)
	if base.Value == 0 {
		return base
	}
	base.Components.Structure = structure
	base.Value = compose(base.Components)
	if problem != "" {
		base.Reason = problem
	}
	return base
}

// jsonStructure expects a parseable JSON payload somewhere in the response.
func jsonStructure(response string) (float64, string) {
	payload := extractJSON(response)
	if payload == "" {
		return 0.2, "no JSON payload found"
	}
	if !json.Valid([]byte(payload)) {
		return 0.2, "JSON payload does not parse"
	}
	return 1.0, ""
}

// codeStructure expects at least one closed code fence with balanced
// delimiters. A response without any fence is graded on the whole text.
func codeStructure(response string) (float64, string) {
	code := response
	if idx := strings.Index(response, "```"); idx >= 0 {
		rest := response[idx+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:] // skip the language tag line
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			return 0.3, "unclosed code fence"
		}
		code = rest[:end]
	}
	if strings.TrimSpace(code) == "" {
		return 0.2, "empty code block"
	}
	if !delimitersBalanced(code) {
		return 0.4, "unbalanced delimiters in code"
	}
	return 1.0, ""
}

// mathStructure expects numeric or symbolic content in the answer.
func mathStructure(response string) (float64, string) {
	if strings.ContainsAny(response, "0123456789") ||
		strings.ContainsAny(response, "+-*/=<>^√∑∫π") {
		return 1.0, ""
	}
	return 0.4, "no numeric or symbolic content"
}

// extractJSON finds a JSON payload inside a response: a ```json fence first,
// then raw text starting with an object or array opener.
func extractJSON(content string) string {
	if idx := strings.Index(content, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(content[start:], "```"); end >= 0 {
			return strings.TrimSpace(content[start : start+end])
		}
	}
	trimmed := strings.TrimSpace(content)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return trimmed
	}
	return ""
}

// delimitersBalanced checks brace, bracket, and paren pairing. It is not a
// parser; string literals can fool it, which is acceptable for a cheap
// draft gate.
func delimitersBalanced(code string) bool {
	var stack []rune
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	for _, r := range code {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}
