package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/quill-agent/internal/httpkit"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	opts   Options
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. Extra request
// options are applied after the defaults, so callers can replace the
// HTTP client or base URL.
func NewAnthropicClient(apiKey string, opts Options, logger *slog.Logger, extra ...option.RequestOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = anthropicDefaultMaxTokens
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(0), // rely on ctx deadlines
			httpkit.WithLogger(logger),
		)),
	}
	reqOpts = append(reqOpts, extra...)

	return &AnthropicClient{
		client: anthropic.NewClient(reqOpts...),
		opts:   opts,
		logger: logger.With("provider", ProviderAnthropic),
	}
}

// Provider implements Named.
func (c *AnthropicClient) Provider() string { return ProviderAnthropic }

// Chat sends a non-streaming Messages request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSchema) (*ChatResponse, error) {
	msgs, system := convertToAnthropic(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(c.opts.MaxTokens),
		Messages:  msgs,
		Tools:     convertToolsToAnthropic(tools),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if c.opts.Temperature > 0 {
		params.Temperature = anthropic.Float(c.opts.Temperature)
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	c.logger.Debug("anthropic response",
		"model", model,
		"stop_reason", string(msg.StopReason),
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return convertFromAnthropic(msg)
}

// Ping sends a one-token request to verify the key and endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaude3_7SonnetLatest,
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	if err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// convertToAnthropic converts internal messages to Anthropic params.
// System messages are lifted into a separate prompt, and consecutive
// user-side turns (tool results followed by text) are merged into a
// single user message as the API requires.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var systemParts []string
	var out []anthropic.MessageParam

	appendUser := func(blocks ...anthropic.ContentBlockParamUnion) {
		if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.NewUserMessage(blocks...))
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleUser:
			appendUser(anthropic.NewTextBlock(msg.Content))

		case RoleTool:
			appendUser(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}

	return out, strings.Join(systemParts, "\n\n")
}

func convertToolsToAnthropic(tools []ToolSchema) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]}
		if schema.Properties == nil {
			schema.Properties = map[string]any{}
		}
		schema.Required = requiredFields(t.Parameters)
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		}})
	}
	return out
}

// requiredFields reads the "required" list from a JSON Schema object,
// accepting both []string and the []any produced by json.Unmarshal.
func requiredFields(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if name, ok := s.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}

func convertFromAnthropic(msg *anthropic.Message) (*ChatResponse, error) {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if raw := b.JSON.Input.Raw(); raw != "" && raw != "null" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return nil, fmt.Errorf("decode tool_use input for %s: %w", b.Name, err)
				}
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:       b.ID,
				Function: ToolFunction{Name: b.Name, Arguments: args},
			})
		}
	}

	return &ChatResponse{
		Model:     string(msg.Model),
		CreatedAt: time.Now(),
		Message: Message{
			Role:      RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}, nil
}
