package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestRegistry(t *testing.T, tools ...*Tool) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name, err)
		}
	}
	return r
}

func echoTool(name string) *Tool {
	return New(name, "echoes its text", func(_ context.Context, a TextArgs) (string, error) {
		return name + ":" + a.Text, nil
	})
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoTool("alpha")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name string
		tool *Tool
	}{
		{"duplicate", echoTool("alpha")},
		{"nil tool", nil},
		{"empty name", &Tool{Handler: func(context.Context, map[string]any) (string, error) { return "", nil }}},
		{"no handler", &Tool{Name: "beta"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.tool); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegistryLookup(t *testing.T) {
	r := newTestRegistry(t, echoTool("zeta"), echoTool("alpha"), echoTool("mid"))

	if r.Get("alpha") == nil {
		t.Error("Get(alpha) = nil")
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) should be nil")
	}

	names := r.Names()
	want := []string{"alpha", "mid", "zeta"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", names, want)
	}

	schemas := r.Schemas()
	if len(schemas) != 3 || schemas[0].Name != "alpha" || schemas[0].Description != "echoes its text" {
		t.Errorf("Schemas() = %+v", schemas)
	}
	if schemas[0].Parameters["type"] != "object" {
		t.Errorf("schema type = %v, want object", schemas[0].Parameters["type"])
	}
}

func TestSchemaFor(t *testing.T) {
	s := SchemaFor[CalculatorArgs]()

	if _, ok := s["$schema"]; ok {
		t.Error("$schema should be removed")
	}
	if _, ok := s["$id"]; ok {
		t.Error("$id should be removed")
	}
	props, ok := s["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties missing: %v", s)
	}
	expr, ok := props["expression"].(map[string]any)
	if !ok || expr["type"] != "string" || expr["description"] == nil {
		t.Errorf("expression property = %v", props["expression"])
	}
	if got := requiredFields(s["required"]); len(got) != 1 || got[0] != "expression" {
		t.Errorf("required = %v", s["required"])
	}
	if s["additionalProperties"] != false {
		t.Errorf("additionalProperties = %v, want false", s["additionalProperties"])
	}

	dice := SchemaFor[DiceArgs]()
	if len(requiredFields(dice["required"])) != 0 {
		t.Errorf("optional sides should not be required: %v", dice["required"])
	}

	empty := SchemaFor[NoArgs]()
	if p, ok := empty["properties"].(map[string]any); !ok || len(p) != 0 {
		t.Errorf("NoArgs properties = %v", empty["properties"])
	}
}

func TestRegistryRun(t *testing.T) {
	boom := errors.New("boom")
	r := newTestRegistry(t,
		echoTool("echo"),
		New("fails", "always fails", func(context.Context, NoArgs) (string, error) { return "", boom }),
		New("panics", "always panics", func(context.Context, NoArgs) (string, error) { panic("kaboom") }),
	)

	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		want     string
		wantKind Kind
		wantIs   error
	}{
		{name: "success", tool: "echo", args: map[string]any{"text": "hi"}, want: "echo:hi"},
		{name: "lookup", tool: "unknown_tool", args: map[string]any{}, wantKind: KindLookup, wantIs: ErrToolNotFound},
		{name: "missing field", tool: "echo", args: map[string]any{}, wantKind: KindMalformed},
		{name: "wrong type", tool: "echo", args: map[string]any{"text": 42.0}, wantKind: KindMalformed},
		{name: "unknown field", tool: "echo", args: map[string]any{"text": "x", "extra": 1.0}, wantKind: KindMalformed},
		{name: "handler error", tool: "fails", args: nil, wantKind: KindExecution, wantIs: boom},
		{name: "panic", tool: "panics", args: nil, wantKind: KindExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Run(context.Background(), tt.tool, tt.args)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				if got != tt.want {
					t.Errorf("Run = %q, want %q", got, tt.want)
				}
				return
			}

			var te *ToolError
			if !errors.As(err, &te) {
				t.Fatalf("error %v is not a *ToolError", err)
			}
			if te.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", te.Kind, tt.wantKind)
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.wantIs)
			}
		})
	}
}

// Direct invocation of an unknown tool reports a lookup failure listing
// what is available.
func TestRegistryRun_UnknownToolListsAvailable(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r, BuiltinOptions{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	_, err := r.Run(context.Background(), "unknown_tool", map[string]any{})
	if KindOf(err) != KindLookup {
		t.Fatalf("KindOf(%v) = %q, want lookup", err, KindOf(err))
	}
	msg := err.Error()
	for _, name := range []string{"calculator", "coin_flip", "dice_roll"} {
		if !strings.Contains(msg, name) {
			t.Errorf("error %q does not list %s", msg, name)
		}
	}
}

func TestToolErrorMessages(t *testing.T) {
	tests := []struct {
		err  *ToolError
		want string
	}{
		{&ToolError{Kind: KindLookup, Tool: "x", Err: ErrToolNotFound}, `tool "x" not found`},
		{&ToolError{Kind: KindLookup, Tool: "x", Available: []string{"a", "b"}}, `tool "x" not found. Available: a, b`},
		{&ToolError{Kind: KindMalformed, Tool: "x", Err: errors.New("missing required field: text")}, `invalid arguments for tool "x": missing required field: text`},
		{&ToolError{Kind: KindExecution, Tool: "x", Err: errors.New("boom")}, `tool "x" failed: boom`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf(plain error) should be empty")
	}
}

func TestRunIDFromContext(t *testing.T) {
	if got := RunIDFromContext(context.Background()); got != "" {
		t.Errorf("unset run id = %q", got)
	}
	if got := RunIDFromContext(WithRunID(context.Background(), "run-1")); got != "run-1" {
		t.Errorf("run id = %q, want run-1", got)
	}
}

// requiredFields reads a JSON Schema "required" value as a string list.
func requiredFields(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
