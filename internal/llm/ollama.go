package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/quill-agent/internal/config"
	"github.com/nugget/quill-agent/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, opts Options, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute), // large local models with tools need time
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Provider implements Named.
func (c *OllamaClient) Provider() string { return ProviderOllama }

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function ToolFunction `json:"function"`
}

type ollamaTool struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSchema) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Tools:    convertToolsToOllama(tools),
	}
	if c.opts.Temperature != 0 || c.opts.MaxTokens != 0 {
		req.Options = &ollamaOptions{Temperature: c.opts.Temperature, NumPredict: c.opts.MaxTokens}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "ollama request", "model", model, "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var wire ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return convertFromOllama(&wire, extractToolNames(tools)), nil
}

func convertToOllama(messages []Message) []ollamaMessage {
	names := make(map[string]string) // tool call ID → tool name
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Function.Name
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{Function: tc.Function})
		}
		if m.Role == RoleTool {
			om.ToolName = names[m.ToolCallID]
		}
		out = append(out, om)
	}
	return out
}

func convertToolsToOllama(tools []ToolSchema) []ollamaTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ollamaTool, len(tools))
	for i, t := range tools {
		out[i] = ollamaTool{Type: "function", Function: t}
	}
	return out
}

func convertFromOllama(wire *ollamaResponse, validTools []string) *ChatResponse {
	resp := &ChatResponse{
		Model:        wire.Model,
		InputTokens:  wire.PromptEvalCount,
		OutputTokens: wire.EvalCount,
		StopReason:   wire.DoneReason,
		Message: Message{
			Role:    RoleAssistant,
			Content: wire.Message.Content,
		},
	}
	if t, err := time.Parse(time.RFC3339Nano, wire.CreatedAt); err == nil {
		resp.CreatedAt = t
	}
	for _, tc := range wire.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{Function: tc.Function})
	}

	// Many local models emit tool calls as text rather than native tool_calls.
	if len(resp.Message.ToolCalls) == 0 && resp.Message.Content != "" {
		if parsed := parseTextToolCalls(resp.Message.Content, validTools); len(parsed) > 0 {
			resp.Message.ToolCalls = parsed
			resp.Message.Content = ""
		}
	}
	return resp
}

// extractToolNames returns the declared tool names, or nil when none are declared.
func extractToolNames(tools []ToolSchema) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Name != "" {
			names = append(names, t.Name)
		}
	}
	return names
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

var toolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// parseTextToolCalls attempts to extract tool calls from content text.
// Handled formats:
//   - JSON object or array: {"name": "...", "arguments": {...}}
//   - concatenated objects: {...}{...} with optional trailing prose
//   - tagged: <tool_call>...</tool_call>
//   - name prefix: tool_name {"arg": ...}
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	var raw []textToolCall
	switch {
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal([]byte(content), &raw); err != nil {
			return nil
		}
	case strings.HasPrefix(content, "{"):
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var c textToolCall
			if err := dec.Decode(&c); err != nil {
				break
			}
			raw = append(raw, c)
		}
	default:
		if c, ok := parseNamePrefixed(content); ok {
			raw = append(raw, c)
		}
	}

	valid := make(map[string]bool, len(validTools))
	for _, name := range validTools {
		valid[name] = true
	}

	var result []ToolCall
	for _, c := range raw {
		if c.Name == "" {
			continue
		}
		if len(valid) > 0 && !valid[c.Name] {
			continue
		}
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
		result = append(result, ToolCall{Function: ToolFunction{Name: c.Name, Arguments: c.Arguments}})
	}
	return result
}

// parseNamePrefixed handles the "tool_name {json}" form.
func parseNamePrefixed(content string) (textToolCall, bool) {
	idx := strings.Index(content, "{")
	if idx <= 0 {
		return textToolCall{}, false
	}
	name := strings.TrimSpace(content[:idx])
	if !toolNamePattern.MatchString(name) {
		return textToolCall{}, false
	}
	var args map[string]any
	if err := json.NewDecoder(strings.NewReader(content[idx:])).Decode(&args); err != nil {
		return textToolCall{}, false
	}
	return textToolCall{Name: name, Arguments: args}, true
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

// ListModels returns available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
