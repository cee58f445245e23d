// Package tooling handles everything tool-shaped: the tool registry,
// call-intent detection, generated-call validation, and risk grading.
package tooling

import (
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// Registry holds the tools a request may call, keyed by name, in
// registration order. Risk tiers left empty by the caller are derived from
// name/description patterns at registration time.
type Registry struct {
	mu    sync.RWMutex
	order []string
	specs map[string]cascade.ToolSpec
}

// NewRegistry registers the given specs. Duplicate names and uncompilable
// parameter schemas are configuration errors.
func NewRegistry(specs ...cascade.ToolSpec) (*Registry, error) {
	r := &Registry{specs: make(map[string]cascade.ToolSpec, len(specs))}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds one tool. The spec's schema is compiled once here so a bad
// schema fails construction instead of the first request.
func (r *Registry) Register(spec cascade.ToolSpec) error {
	if spec.Name == "" {
		return cascade.Errorf(cascade.KindConfig, "tooling.register", "tool with empty name")
	}
	if spec.Parameters != nil {
		if _, err := compileSchema(spec.Name, spec.Parameters); err != nil {
			return cascade.E(cascade.KindConfig, "tooling.register", err)
		}
	}
	if spec.Risk == "" {
		spec.Risk = deriveRisk(spec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return cascade.Errorf(cascade.KindConfig, "tooling.register", "duplicate tool %q", spec.Name)
	}
	r.order = append(r.order, spec.Name)
	r.specs[spec.Name] = spec
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (cascade.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// Specs returns all registered tools in registration order.
func (r *Registry) Specs() []cascade.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cascade.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.specs[name])
	}
	return out
}

// Names returns the registered tool names, sorted, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	sort.Strings(out)
	return out
}

// compileSchema compiles a tool's parameter schema document.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return sch, nil
}
