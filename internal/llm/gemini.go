package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/quill-agent/internal/config"
	"github.com/nugget/quill-agent/internal/httpkit"
)

// DefaultGeminiURL is the public Generative Language API endpoint.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com"

// GeminiClient is a client for the Gemini generateContent REST API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a new Gemini client. An empty baseURL uses
// DefaultGeminiURL.
func NewGeminiClient(apiKey, baseURL string, opts Options, logger *slog.Logger) *GeminiClient {
	if baseURL == "" {
		baseURL = DefaultGeminiURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		httpClient: httpkit.NewClient(
			httpkit.WithLogger(logger),
			httpkit.WithRetry(2, 500*time.Millisecond),
		),
		logger: logger.With("provider", ProviderGemini),
	}
}

// Provider implements Named.
func (c *GeminiClient) Provider() string { return ProviderGemini }

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion   string `json:"modelVersion"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Chat sends a generateContent request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSchema) (*ChatResponse, error) {
	req := convertToGemini(messages, tools)
	if c.opts.Temperature != 0 || c.opts.MaxTokens != 0 {
		gc := &geminiGenerationConfig{MaxOutputTokens: c.opts.MaxTokens}
		if c.opts.Temperature != 0 {
			temp := c.opts.Temperature
			gc.Temperature = &temp
		}
		req.GenerationConfig = gc
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "gemini request", "model", model, "body", string(jsonData))

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(model), url.QueryEscape(c.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// The URL carries the key; keep it out of the error text.
		if ue, ok := err.(*url.Error); ok {
			err = ue.Err
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		var ge geminiError
		if json.Unmarshal([]byte(body), &ge) == nil && ge.Error.Message != "" {
			return nil, fmt.Errorf("API error %d (%s): %s", resp.StatusCode, ge.Error.Status, ge.Error.Message)
		}
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	var wire geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out, err := convertFromGemini(&wire)
	if err != nil {
		return nil, err
	}
	if out.Model == "" {
		out.Model = model
	}
	return out, nil
}

// convertToGemini maps the conversation onto Gemini contents. Tool
// results travel as functionResponse parts, which Gemini matches by
// function name, so request IDs are resolved to names from the
// preceding assistant turn. Adjacent user-side turns are merged.
func convertToGemini(messages []Message, tools []ToolSchema) geminiRequest {
	var req geminiRequest
	var systemParts []string
	names := make(map[string]string)

	appendContent := func(role string, parts ...geminiPart) {
		if n := len(req.Contents); n > 0 && req.Contents[n-1].Role == role {
			req.Contents[n-1].Parts = append(req.Contents[n-1].Parts, parts...)
			return
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: parts})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			systemParts = append(systemParts, m.Content)
		case RoleUser:
			appendContent("user", geminiPart{Text: m.Content})
		case RoleAssistant:
			var parts []geminiPart
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				names[tc.ID] = tc.Function.Name
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Function.Name, Args: args}})
			}
			if len(parts) > 0 {
				appendContent("model", parts...)
			}
		case RoleTool:
			appendContent("user", geminiPart{FunctionResponse: &geminiFunctionResponse{
				Name:     names[m.ToolCallID],
				Response: map[string]any{"result": m.Content},
			}})
		}
	}

	if len(systemParts) > 0 {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(systemParts, "\n\n")}}}
	}
	if len(tools) > 0 {
		decls := make([]geminiFunctionDeclaration, len(tools))
		for i, t := range tools {
			decls[i] = geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(t.Parameters),
			}
		}
		req.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return req
}

// geminiSchema strips JSON Schema keywords the Gemini OpenAPI subset
// rejects. Objects without properties are omitted entirely.
func geminiSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	if props, ok := schema["properties"].(map[string]any); ok && len(props) == 0 && schema["type"] == "object" {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch k {
		case "$schema", "$id", "additionalProperties", "$defs", "definitions":
			continue
		}
		switch vv := v.(type) {
		case map[string]any:
			if k == "properties" {
				props := make(map[string]any, len(vv))
				for name, p := range vv {
					if pm, ok := p.(map[string]any); ok {
						props[name] = geminiSchema(pm)
					} else {
						props[name] = p
					}
				}
				out[k] = props
				continue
			}
			out[k] = geminiSchema(vv)
		default:
			out[k] = v
		}
	}
	return out
}

func convertFromGemini(wire *geminiResponse) (*ChatResponse, error) {
	if len(wire.Candidates) == 0 {
		if wire.PromptFeedback != nil && wire.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("prompt blocked: %s", wire.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("no candidates in response")
	}

	cand := wire.Candidates[0]
	var content strings.Builder
	var calls []ToolCall
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			args := p.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, ToolCall{
				ID:       p.FunctionCall.ID,
				Function: ToolFunction{Name: p.FunctionCall.Name, Arguments: args},
			})
		case p.Text != "":
			content.WriteString(p.Text)
		}
	}

	return &ChatResponse{
		Model:     wire.ModelVersion,
		CreatedAt: time.Now(),
		Message: Message{
			Role:      RoleAssistant,
			Content:   content.String(),
			ToolCalls: calls,
		},
		InputTokens:  wire.UsageMetadata.PromptTokenCount,
		OutputTokens: wire.UsageMetadata.CandidatesTokenCount,
		StopReason:   cand.FinishReason,
	}, nil
}

// Ping lists models to verify the key and endpoint.
func (c *GeminiClient) Ping(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/v1beta/models?pageSize=1&key=%s", c.baseURL, url.QueryEscape(c.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ue, ok := err.(*url.Error); ok {
			err = ue.Err
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
