package tooling

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// semanticFloor is the minimum placeholder-free fraction a call's string
// arguments must reach to count as valid.
const semanticFloor = 0.6

var (
	// destructiveArgRe flags shell and SQL payloads inside argument values.
	destructiveArgRe = regexp.MustCompile(`(?i)rm\s+-rf|;\s*(drop|truncate)\s+table|;\s*delete\s+from|'\s*or\s+'?1'?\s*=\s*'?1|\|\s*sh\b|&&\s*rm\s|mkfs|>\s*/dev/sd`)

	// secretArgRe flags values that look like leaked credentials.
	secretArgRe = regexp.MustCompile(`sk-[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16}|ghp_[A-Za-z0-9]{20,}|-----BEGIN [A-Z ]*PRIVATE KEY`)
)

// placeholders are values a model emits when it never filled a slot in.
var placeholders = map[string]bool{
	"tbd": true, "todo": true, "null": true, "undefined": true,
	"xxx": true, "placeholder": true, "...": true, "<value>": true,
}

// Validate grades each generated call structurally (parseable arguments,
// schema conformance), semantically (no placeholder values), and for safety
// (no destructive or secret-looking payloads, no empty fields on high-risk
// tools). A call is valid when structural and safety pass and the semantic
// score clears the floor.
func (c *Checker) Validate(calls []cascade.ToolCall, tools []cascade.ToolSpec) []cascade.ToolValidation {
	byName := make(map[string]cascade.ToolSpec, len(tools))
	for _, spec := range tools {
		byName[spec.Name] = spec
	}

	out := make([]cascade.ToolValidation, 0, len(calls))
	for _, call := range calls {
		out = append(out, c.validateOne(call, byName))
	}
	return out
}

func (c *Checker) validateOne(call cascade.ToolCall, byName map[string]cascade.ToolSpec) cascade.ToolValidation {
	v := cascade.ToolValidation{Call: call, Structural: true, Safety: true, Semantic: 1.0}
	fail := func(problem string) {
		v.Problems = append(v.Problems, problem)
	}

	spec, known := byName[call.Name]
	if !known {
		v.Structural = false
		fail(fmt.Sprintf("unknown tool %q", call.Name))
		return v
	}

	args, err := call.ParsedArguments()
	if err != nil {
		v.Structural = false
		fail(err.Error())
		return v
	}

	if spec.Parameters != nil {
		sch, err := compileSchema(spec.Name, spec.Parameters)
		if err != nil {
			v.Structural = false
			fail(err.Error())
		} else if err := sch.Validate(args); err != nil {
			v.Structural = false
			fail(fmt.Sprintf("arguments do not match schema: %v", err))
		}
	}

	v.Semantic = semanticScore(args, fail)
	v.Safety = safetyCheck(args, c.AssessRisk(spec), fail)
	v.Valid = v.Structural && v.Safety && v.Semantic >= semanticFloor
	return v
}

// semanticScore is the fraction of string arguments carrying real values.
// Calls without string arguments score full marks.
func semanticScore(args map[string]any, fail func(string)) float64 {
	var values []string
	collectStrings(args, &values)
	if len(values) == 0 {
		return 1.0
	}
	bad := 0
	for _, s := range values {
		t := strings.ToLower(strings.TrimSpace(s))
		if t == "" || placeholders[t] || (strings.HasPrefix(t, "<") && strings.HasSuffix(t, ">")) {
			bad++
		}
	}
	if bad > 0 {
		fail(fmt.Sprintf("%d of %d string arguments are placeholders or empty", bad, len(values)))
	}
	return float64(len(values)-bad) / float64(len(values))
}

// safetyCheck scans argument values for destructive payloads and leaked
// secrets, and rejects empty required-looking values on high-risk tools.
func safetyCheck(args map[string]any, risk cascade.RiskTier, fail func(string)) bool {
	ok := true
	var values []string
	collectStrings(args, &values)
	for _, s := range values {
		if destructiveArgRe.MatchString(s) {
			fail("destructive pattern in arguments")
			ok = false
		}
		if secretArgRe.MatchString(s) {
			fail("secret-looking value in arguments")
			ok = false
		}
	}
	if risk.AtLeast(cascade.RiskHigh) {
		for key, val := range args {
			if s, isStr := val.(string); isStr && strings.TrimSpace(s) == "" {
				fail(fmt.Sprintf("empty value for %q on a %s-risk tool", key, risk))
				ok = false
			}
		}
	}
	return ok
}

// collectStrings walks nested maps and arrays gathering every string value.
func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case map[string]any:
		for _, inner := range t {
			collectStrings(inner, out)
		}
	case []any:
		for _, inner := range t {
			collectStrings(inner, out)
		}
	}
}
