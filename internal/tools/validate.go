package tools

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// resolveSchema compiles a tool's parameter schema for argument
// validation. A nil schema accepts any arguments.
func resolveSchema(params map[string]any) (*jsonschema.Resolved, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return rs, nil
}

// validateArgs checks args against a resolved schema. Nil args are
// validated as an empty object.
func validateArgs(rs *jsonschema.Resolved, args map[string]any) error {
	if rs == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return rs.Validate(args)
}
