// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	gjsonschema "github.com/google/jsonschema-go/jsonschema"
	"github.com/invopop/jsonschema"

	"github.com/nugget/quill-agent/internal/llm"
)

// Handler executes a tool with decoded JSON arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	schema *gjsonschema.Resolved
}

// New builds a Tool whose arguments are described by the Go struct T.
// The JSON Schema is reflected from T, and arguments are decoded into a
// fresh T before fn runs. Decode failures are reported as malformed
// requests rather than execution errors.
func New[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		Parameters:  SchemaFor[T](),
		Handler: func(ctx context.Context, raw map[string]any) (string, error) {
			var args T
			if err := decodeArgs(raw, &args); err != nil {
				return "", &ToolError{Kind: KindMalformed, Tool: name, Err: err}
			}
			return fn(ctx, args)
		},
	}
}

// SchemaFor reflects the JSON Schema object for T with definitions
// inlined and the $schema/$id keywords removed.
func SchemaFor[T any]() map[string]any {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	s := r.Reflect(v)

	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema for %T: %v", v, err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("tools: unmarshal schema for %T: %v", v, err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	return m
}

func decodeArgs(raw map[string]any, dst any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

// Registry holds available tools. It is populated at startup and only
// read afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names must be non-empty and unique, and the
// parameter schema must resolve.
func (r *Registry) Register(t *Tool) error {
	return r.RegisterAll(t)
}

// RegisterAll adds a set of tools atomically: either every tool is
// registered or, on the first invalid or conflicting tool, none is.
func (r *Registry) RegisterAll(ts ...*Tool) error {
	resolved := make([]*gjsonschema.Resolved, len(ts))
	seen := make(map[string]bool, len(ts))
	for i, t := range ts {
		if t == nil || t.Name == "" {
			return fmt.Errorf("tool name is empty")
		}
		if t.Handler == nil {
			return fmt.Errorf("tool %s has no handler", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("tool %s already registered", t.Name)
		}
		seen[t.Name] = true
		rs, err := resolveSchema(t.Parameters)
		if err != nil {
			return fmt.Errorf("tool %s: %w", t.Name, err)
		}
		resolved[i] = rs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range ts {
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("tool %s already registered", t.Name)
		}
	}
	for i, t := range ts {
		t.schema = resolved[i]
		r.tools[t.Name] = t
	}
	return nil
}

// Get returns a tool by name, or nil when it is not registered.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, t := range list {
		names[i] = t.Name
	}
	return names
}

// Schemas returns the tool declarations sent to the model.
func (r *Registry) Schemas() []llm.ToolSchema {
	list := r.List()
	out := make([]llm.ToolSchema, len(list))
	for i, t := range list {
		out[i] = llm.ToolSchema{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return out
}

// Run looks up, validates, and executes a tool. Every failure is a
// *ToolError whose Kind tells lookup, malformed-argument, and execution
// failures apart. Panics inside a handler become execution errors.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any) (result string, err error) {
	t := r.Get(name)
	if t == nil {
		return "", &ToolError{Kind: KindLookup, Tool: name, Available: r.Names(), Err: ErrToolNotFound}
	}
	if err := validateArgs(t.schema, args); err != nil {
		return "", &ToolError{Kind: KindMalformed, Tool: name, Err: err}
	}

	defer func() {
		if p := recover(); p != nil {
			result = ""
			err = &ToolError{Kind: KindExecution, Tool: name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	out, err := t.Handler(ctx, args)
	if err != nil {
		return "", asToolError(name, err)
	}
	return out, nil
}
