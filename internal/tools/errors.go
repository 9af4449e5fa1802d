package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolNotFound is wrapped by lookup failures.
var ErrToolNotFound = errors.New("tool not found")

// Kind classifies a tool failure.
type Kind string

// Tool failure kinds.
const (
	// KindLookup means the requested tool is not registered.
	KindLookup Kind = "lookup"
	// KindMalformed means the arguments do not satisfy the tool's schema.
	KindMalformed Kind = "malformed"
	// KindExecution means the tool ran and failed, panicked, or timed out.
	KindExecution Kind = "execution"
)

// ToolError is returned by Registry.Run. Inside an agent run it is
// rendered into tool-result text and the run continues.
type ToolError struct {
	Kind      Kind
	Tool      string
	Available []string // set for lookup failures
	Err       error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	switch e.Kind {
	case KindLookup:
		msg := fmt.Sprintf("tool %q not found", e.Tool)
		if len(e.Available) > 0 {
			msg += ". Available: " + strings.Join(e.Available, ", ")
		}
		return msg
	case KindMalformed:
		return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Err)
	default:
		return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error { return e.Err }

// asToolError keeps an existing *ToolError and classifies anything else
// as an execution failure.
func asToolError(name string, err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Kind: KindExecution, Tool: name, Err: err}
}

// KindOf returns the failure kind of err, or "" when err is not a
// *ToolError.
func KindOf(err error) Kind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
