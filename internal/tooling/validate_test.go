package tooling

import (
	"strings"
	"testing"

	"github.com/cascadeflow/cascadeflow/cascade"
)

func validateOne(t *testing.T, call cascade.ToolCall, specs ...cascade.ToolSpec) cascade.ToolValidation {
	t.Helper()
	got := NewChecker().Validate([]cascade.ToolCall{call}, specs)
	if len(got) != 1 {
		t.Fatalf("Validate() returned %d results, want 1", len(got))
	}
	return got[0]
}

func TestValidateCleanCall(t *testing.T) {
	v := validateOne(t,
		cascade.ToolCall{ID: "1", Name: "get_weather", Arguments: `{"city": "Paris"}`},
		weatherSpec(),
	)
	if !v.Valid || !v.Structural || !v.Safety || v.Semantic != 1.0 {
		t.Errorf("clean call graded %+v", v)
	}
	if len(v.Problems) != 0 {
		t.Errorf("Problems = %v, want none", v.Problems)
	}
}

func TestValidateUnknownTool(t *testing.T) {
	v := validateOne(t,
		cascade.ToolCall{ID: "1", Name: "nope", Arguments: `{}`},
		weatherSpec(),
	)
	if v.Valid || v.Structural {
		t.Errorf("unknown tool graded %+v", v)
	}
	if len(v.Problems) == 0 || !strings.Contains(v.Problems[0], "unknown tool") {
		t.Errorf("Problems = %v", v.Problems)
	}
}

func TestValidateMalformedArguments(t *testing.T) {
	v := validateOne(t,
		cascade.ToolCall{ID: "1", Name: "get_weather", Arguments: `{"city": `},
		weatherSpec(),
	)
	if v.Valid || v.Structural {
		t.Errorf("malformed arguments graded %+v", v)
	}
}

func TestValidateSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		args string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"city": 42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := validateOne(t,
				cascade.ToolCall{ID: "1", Name: "get_weather", Arguments: tt.args},
				weatherSpec(),
			)
			if v.Structural {
				t.Errorf("schema violation passed structural check: %+v", v)
			}
			if v.Valid {
				t.Errorf("schema violation graded valid")
			}
		})
	}
}

func TestValidatePlaceholderArguments(t *testing.T) {
	v := validateOne(t,
		cascade.ToolCall{ID: "1", Name: "get_weather", Arguments: `{"city": "TBD"}`},
		weatherSpec(),
	)
	if v.Semantic != 0 {
		t.Errorf("Semantic = %v, want 0", v.Semantic)
	}
	if v.Valid {
		t.Errorf("all-placeholder call graded valid")
	}
	if !v.Structural || !v.Safety {
		t.Errorf("placeholder should only fail the semantic axis: %+v", v)
	}
}

func TestValidatePartialPlaceholders(t *testing.T) {
	spec := cascade.ToolSpec{
		Name: "make_note",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{"type": "string"},
				"body":  map[string]any{"type": "string"},
			},
		},
	}
	v := validateOne(t,
		cascade.ToolCall{ID: "1", Name: "make_note", Arguments: `{"title": "groceries", "body": "<value>"}`},
		spec,
	)
	if v.Semantic != 0.5 {
		t.Errorf("Semantic = %v, want 0.5", v.Semantic)
	}
	if v.Valid {
		t.Errorf("half-placeholder call graded valid at floor 0.6")
	}
}

func TestValidateDestructivePayload(t *testing.T) {
	spec := cascade.ToolSpec{Name: "query_db", Description: "runs a read-only query"}
	v := validateOne(t,
		cascade.ToolCall{ID: "1", Name: "query_db", Arguments: `{"sql": "SELECT 1; DROP TABLE users"}`},
		spec,
	)
	if v.Safety {
		t.Errorf("destructive SQL passed safety check: %+v", v)
	}
	if v.Valid {
		t.Errorf("destructive call graded valid")
	}
}

func TestValidateSecretPayload(t *testing.T) {
	spec := cascade.ToolSpec{Name: "log_message"}
	v := validateOne(t,
		cascade.ToolCall{ID: "1", Name: "log_message", Arguments: `{"text": "my key is sk-abcdefghijklmnopqrstuvwxyz123456"}`},
		spec,
	)
	if v.Safety {
		t.Errorf("secret-looking value passed safety check: %+v", v)
	}
}

func TestValidateEmptyFieldOnHighRiskTool(t *testing.T) {
	spec := cascade.ToolSpec{Name: "delete_user", Description: "removes an account"}
	v := validateOne(t,
		cascade.ToolCall{ID: "1", Name: "delete_user", Arguments: `{"user_id": ""}`},
		spec,
	)
	if v.Safety {
		t.Errorf("empty field on a critical tool passed safety check: %+v", v)
	}
	if v.Valid {
		t.Errorf("graded valid")
	}
}

func TestValidateSchemalessTool(t *testing.T) {
	v := validateOne(t,
		cascade.ToolCall{ID: "1", Name: "ping", Arguments: `{"host": "example.org"}`},
		cascade.ToolSpec{Name: "ping"},
	)
	if !v.Valid {
		t.Errorf("schemaless tool with sane args graded %+v", v)
	}
}

func TestValidateEmptyArguments(t *testing.T) {
	v := validateOne(t,
		cascade.ToolCall{ID: "1", Name: "ping", Arguments: ""},
		cascade.ToolSpec{Name: "ping"},
	)
	if !v.Structural || v.Semantic != 1.0 {
		t.Errorf("empty argument object graded %+v", v)
	}
}

func TestValidatePreservesCallOrder(t *testing.T) {
	calls := []cascade.ToolCall{
		{ID: "a", Name: "ping", Arguments: `{}`},
		{ID: "b", Name: "nope", Arguments: `{}`},
		{ID: "c", Name: "ping", Arguments: `{}`},
	}
	got := NewChecker().Validate(calls, []cascade.ToolSpec{{Name: "ping"}})
	if len(got) != 3 {
		t.Fatalf("got %d results", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].Call.ID != want {
			t.Errorf("result %d is call %q, want %q", i, got[i].Call.ID, want)
		}
	}
	if got[0].Valid != true || got[1].Valid != false || got[2].Valid != true {
		t.Errorf("validity = %v %v %v", got[0].Valid, got[1].Valid, got[2].Valid)
	}
}
