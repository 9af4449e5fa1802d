package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		validTools []string
		wantCount  int
		wantName   string // First tool name if wantCount > 0
	}{
		{name: "empty content", content: "", wantCount: 0},
		{name: "whitespace only", content: "   \n\t  ", wantCount: 0},
		{name: "plain text no JSON", content: "Two plus two is four.", wantCount: 0},
		{
			name:      "single tool call object",
			content:   `{"name": "calculator", "arguments": {"expression": "2+2"}}`,
			wantCount: 1,
			wantName:  "calculator",
		},
		{
			name:      "array of tool calls",
			content:   `[{"name": "calculator", "arguments": {"expression": "2+2"}}, {"name": "coin_flip", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "calculator",
		},
		{
			name:      "tagged tool call",
			content:   `<tool_call>{"name": "word_counter", "arguments": {"text": "a b c"}}</tool_call>`,
			wantCount: 1,
			wantName:  "word_counter",
		},
		{
			name:      "tagged tool call without closing tag",
			content:   `<tool_call>{"name": "reverse_text", "arguments": {"text": "abc"}}`,
			wantCount: 1,
			wantName:  "reverse_text",
		},
		{
			name:      "tagged with preamble",
			content:   `Let me work that out. <tool_call>{"name": "calculator", "arguments": {"expression": "3*7"}}</tool_call>`,
			wantCount: 1,
			wantName:  "calculator",
		},
		{name: "malformed JSON", content: `{"name": "calculator", "arguments": {`, wantCount: 0},
		{name: "JSON without name field", content: `{"foo": "bar", "arguments": {}}`, wantCount: 0},
		{name: "JSON with empty name", content: `{"name": "", "arguments": {}}`, wantCount: 0},
		{
			name:       "invalid tool rejected by validation",
			content:    `{"name": "rm_rf", "arguments": {}}`,
			validTools: []string{"calculator", "coin_flip"},
			wantCount:  0,
		},
		{
			name:       "mixed valid/invalid in array",
			content:    `[{"name": "coin_flip", "arguments": {}}, {"name": "invalid_tool", "arguments": {}}]`,
			validTools: []string{"calculator", "coin_flip"},
			wantCount:  1,
			wantName:   "coin_flip",
		},
		{
			name:       "no validation (empty validTools)",
			content:    `{"name": "any_tool_name", "arguments": {}}`,
			validTools: []string{},
			wantCount:  1,
			wantName:   "any_tool_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content, tt.validTools)
			if len(got) != tt.wantCount {
				t.Fatalf("parseTextToolCalls() returned %d tools, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("first tool name = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestParseTextToolCalls_ConcatenatedWithTrailingText(t *testing.T) {
	content := `{"name": "calculator", "arguments": {"expression": "1+1"}}{"name": "word_counter", "arguments": {"text": "x y"}}That should do it.`

	calls := parseTextToolCalls(content, []string{"calculator", "word_counter"})
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}
	if calls[1].Function.Arguments["text"] != "x y" {
		t.Errorf("call[1] text = %v, want %q", calls[1].Function.Arguments["text"], "x y")
	}
}

func TestParseTextToolCalls_NamePrefixed(t *testing.T) {
	calls := parseTextToolCalls(`dice_roll {"sides": 20} rolling now`, []string{"dice_roll"})
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].Function.Arguments["sides"] != float64(20) {
		t.Errorf("sides = %v, want 20", calls[0].Function.Arguments["sides"])
	}

	if got := parseTextToolCalls(`unknown_tool {"foo": "bar"}`, []string{"dice_roll"}); len(got) != 0 {
		t.Errorf("unknown prefixed tool should be ignored, got %d calls", len(got))
	}
	if got := parseTextToolCalls(`Sure thing {"foo": "bar"}`, nil); len(got) != 0 {
		t.Errorf("prose prefix should not parse as a tool call, got %d", len(got))
	}
}

func TestExtractToolNames(t *testing.T) {
	if got := extractToolNames(nil); got != nil {
		t.Errorf("extractToolNames(nil) = %v, want nil", got)
	}
	got := extractToolNames([]ToolSchema{{Name: "calculator"}, {Name: ""}, {Name: "coin_flip"}})
	if len(got) != 2 || got[0] != "calculator" || got[1] != "coin_flip" {
		t.Errorf("extractToolNames() = %v", got)
	}
}

func TestOllamaChat(t *testing.T) {
	var captured ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"model":"qwen3:4b","created_at":"2026-01-02T03:04:05Z","done":true,
			"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"calculator","arguments":{"expression":"2+2"}}}]},
			"prompt_eval_count":12,"eval_count":5}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, Options{Temperature: 0.5}, nil)
	msgs := []Message{
		{Role: RoleUser, Content: "what is 2+2"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Function: ToolFunction{Name: "calculator"}}}},
		{Role: RoleTool, Content: "The result of 2+2 is 4", ToolCallID: "call_1"},
	}
	resp, err := c.Chat(context.Background(), "qwen3:4b", msgs, []ToolSchema{{Name: "calculator"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if captured.Stream {
		t.Error("request should not stream")
	}
	if captured.Options == nil || captured.Options.Temperature != 0.5 {
		t.Errorf("options = %+v, want temperature 0.5", captured.Options)
	}
	if got := captured.Messages[2].ToolName; got != "calculator" {
		t.Errorf("tool message tool_name = %q, want calculator", got)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Type != "function" {
		t.Errorf("tools = %+v", captured.Tools)
	}

	if resp.InputTokens != 12 || resp.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d, want 12/5", resp.InputTokens, resp.OutputTokens)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "calculator" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("CreatedAt not parsed")
	}
}

func TestOllamaChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, Options{}, nil)
	if _, err := c.Chat(context.Background(), "missing", []Message{{Role: RoleUser, Content: "hi"}}, nil); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
