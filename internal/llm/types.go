// Package llm provides LLM client implementations.
package llm

import "time"

// Wire roles shared by every provider conversion.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned ID; empty for Ollama and older Gemini models
	Function ToolFunction `json:"function"`
}

// ToolFunction names the tool and carries its decoded arguments.
type ToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSchema declares one tool the model may call. Parameters is a JSON
// Schema object describing the tool's arguments.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Options are sampling parameters applied to every request a client sends.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the unified response from any LLM provider.
// All fields use proper Go types; wire format conversion happens
// at provider boundaries (ollama.go, gemini.go, anthropic.go).
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int

	// StopReason is the provider's finish reason, when reported.
	StopReason string
}

// Provider names reported by clients.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)
