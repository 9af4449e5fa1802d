package llm

import (
	"context"
	"errors"
	"testing"
)

type stubClient struct {
	name  string
	calls int
}

func (s *stubClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSchema) (*ChatResponse, error) {
	s.calls++
	return &ChatResponse{Model: model, Message: Message{Role: RoleAssistant, Content: s.name}}, nil
}

func (s *stubClient) Ping(ctx context.Context) error { return nil }

func (s *stubClient) Provider() string { return s.name }

func TestMultiClientRouting(t *testing.T) {
	gemini := &stubClient{name: ProviderGemini}
	anth := &stubClient{name: ProviderAnthropic}

	m := NewMultiClient(gemini)
	m.AddProvider(ProviderAnthropic, anth)
	m.AddModel("claude-sonnet-4-5", ProviderAnthropic)
	m.AddModel("orphan", "missing-provider")

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", ProviderAnthropic},
		{"gemini-2.5-flash-lite", ProviderGemini},
		{"orphan", ProviderGemini},
	}
	for _, tt := range tests {
		resp, err := m.Chat(context.Background(), tt.model, nil, nil)
		if err != nil {
			t.Fatalf("Chat(%s): %v", tt.model, err)
		}
		if resp.Message.Content != tt.want {
			t.Errorf("model %s routed to %q, want %q", tt.model, resp.Message.Content, tt.want)
		}
		if got := m.ProviderFor(tt.model); got != tt.want {
			t.Errorf("ProviderFor(%s) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestMultiClientNoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "anything", nil, nil); err == nil {
		t.Error("expected error with no provider")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected ping error with no fallback")
	}
	if err := m.PingModel(context.Background(), "anything"); err == nil {
		t.Error("expected PingModel error with no provider")
	}
}

type downClient struct{ stubClient }

func (downClient) Ping(context.Context) error { return errors.New("connection refused") }

func TestMultiClientPingModel(t *testing.T) {
	m := NewMultiClient(&stubClient{name: ProviderOllama})
	m.AddProvider(ProviderAnthropic, &downClient{})
	m.AddModel("claude-sonnet-4-5", ProviderAnthropic)

	if err := m.PingModel(context.Background(), "qwen3:8b"); err != nil {
		t.Errorf("PingModel(fallback) = %v", err)
	}
	if err := m.PingModel(context.Background(), "claude-sonnet-4-5"); err == nil {
		t.Error("PingModel should report the anthropic client's failure")
	}
}
