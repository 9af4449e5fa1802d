package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// tools may be nil for plain completions.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolSchema) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Named is implemented by clients that can report their provider name.
type Named interface {
	Provider() string
}
