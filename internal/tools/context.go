package tools

import "context"

type contextKey string

const runIDKey contextKey = "run_id"

// WithRunID adds the agent run ID to the context so tools and their
// log lines can be correlated with the run that invoked them.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run ID from the context. Returns ""
// if not set.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}
