package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/quill-agent/internal/events"
	"github.com/nugget/quill-agent/internal/llm"
	"github.com/nugget/quill-agent/internal/tools"
	"github.com/nugget/quill-agent/internal/transcript"
	"github.com/nugget/quill-agent/internal/usage"
)

// SynthesisInstruction is appended to the wire messages when the
// transcript ends with tool results. It is never stored in the transcript.
const SynthesisInstruction = "Based on the tool results above, please provide a clear and complete answer to my original question."

// Inferencer produces the next assistant message for a transcript.
type Inferencer interface {
	Invoke(ctx context.Context, t transcript.Transcript) (transcript.Message, error)
}

// UsageRecorder receives token usage for each inference call.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// LLMInference is the Inferencer backed by an llm.Client.
type LLMInference struct {
	client       llm.Client
	model        string
	registry     *tools.Registry
	systemPrompt string
	timeout      time.Duration
	usage        UsageRecorder
	logger       *slog.Logger
	bus          *events.Bus
}

// InferenceOption configures an LLMInference.
type InferenceOption func(*LLMInference)

// WithSystemPrompt prepends a system message to every call.
func WithSystemPrompt(prompt string) InferenceOption {
	return func(l *LLMInference) { l.systemPrompt = prompt }
}

// WithInferenceTimeout bounds each call. Zero means no deadline.
func WithInferenceTimeout(d time.Duration) InferenceOption {
	return func(l *LLMInference) { l.timeout = d }
}

// WithUsageRecorder reports token usage of each call to rec.
func WithUsageRecorder(rec UsageRecorder) InferenceOption {
	return func(l *LLMInference) { l.usage = rec }
}

// WithInferenceEvents publishes llm_call and llm_response events on bus.
func WithInferenceEvents(bus *events.Bus) InferenceOption {
	return func(l *LLMInference) { l.bus = bus }
}

// NewLLMInference creates an Inferencer that calls model through client,
// offering every tool in registry. A nil registry offers no tools.
func NewLLMInference(client llm.Client, model string, registry *tools.Registry, logger *slog.Logger, opts ...InferenceOption) *LLMInference {
	if logger == nil {
		logger = slog.Default()
	}
	l := &LLMInference{
		client:   client,
		model:    model,
		registry: registry,
		logger:   logger.With("component", "inference"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Model returns the model name used for every call.
func (l *LLMInference) Model() string { return l.model }

// Invoke performs exactly one inference call and returns the assistant
// message it produced. Tool calls without a provider id get a
// generated "call_" id so results can be correlated.
func (l *LLMInference) Invoke(ctx context.Context, t transcript.Transcript) (transcript.Message, error) {
	last, ok := t.Last()
	if !ok || (last.Role != transcript.RoleUser && last.Role != transcript.RoleTool) {
		return transcript.Message{}, &InferenceError{Model: l.model, Err: ErrBadTranscript}
	}

	msgs := l.wireMessages(t)
	var schemas []llm.ToolSchema
	if l.registry != nil {
		schemas = l.registry.Schemas()
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	runID := tools.RunIDFromContext(ctx)
	iter := iterationFromContext(ctx)

	l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"run_id":   runID,
		"iter":     iter,
		"model":    l.model,
		"messages": len(msgs),
	})
	l.logger.Debug("calling model",
		"run_id", runID,
		"iter", iter,
		"model", l.model,
		"messages", len(msgs),
		"tools", len(schemas),
	)

	start := time.Now()
	resp, err := l.client.Chat(ctx, l.model, msgs, schemas)
	elapsed := time.Since(start)
	if err != nil {
		return transcript.Message{}, &InferenceError{Model: l.model, Err: err}
	}
	if resp == nil {
		return transcript.Message{}, &InferenceError{Model: l.model, Err: errors.New("empty response from provider")}
	}

	l.recordUsage(ctx, runID, iter, resp, elapsed)

	reqs := make([]transcript.ToolRequest, 0, len(resp.Message.ToolCalls))
	seen := make(map[string]bool, len(resp.Message.ToolCalls))
	for _, tc := range resp.Message.ToolCalls {
		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		reqs = append(reqs, transcript.ToolRequest{ID: id, Name: tc.Function.Name, Arguments: args})
	}

	l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"run_id":      runID,
		"iter":        iter,
		"model":       l.model,
		"tokens_in":   resp.InputTokens,
		"tokens_out":  resp.OutputTokens,
		"tool_calls":  len(reqs),
		"duration_ms": elapsed.Milliseconds(),
	})
	l.logger.Debug("model responded",
		"run_id", runID,
		"iter", iter,
		"tool_calls", len(reqs),
		"content_len", len(resp.Message.Content),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	return transcript.Assistant(resp.Message.Content, reqs...), nil
}

// wireMessages converts the transcript to provider-neutral messages.
func (l *LLMInference) wireMessages(t transcript.Transcript) []llm.Message {
	msgs := make([]llm.Message, 0, t.Len()+2)
	if l.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: l.systemPrompt})
	}

	for _, m := range t.Messages() {
		switch m.Role {
		case transcript.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case transcript.RoleAssistant:
			wm := llm.Message{Role: llm.RoleAssistant, Content: m.Content}
			for _, r := range m.ToolRequests {
				wm.ToolCalls = append(wm.ToolCalls, llm.ToolCall{
					ID:       r.ID,
					Function: llm.ToolFunction{Name: r.Name, Arguments: r.Arguments},
				})
			}
			msgs = append(msgs, wm)
		case transcript.RoleTool:
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: m.Content, ToolCallID: m.RequestID})
		}
	}

	if last, ok := t.Last(); ok && last.Role == transcript.RoleTool {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: SynthesisInstruction})
	}
	return msgs
}

func (l *LLMInference) recordUsage(ctx context.Context, runID string, iter int, resp *llm.ChatResponse, elapsed time.Duration) {
	if l.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = l.model
	}
	rec := usage.Record{
		RunID:        runID,
		Iteration:    iter,
		Model:        model,
		Provider:     providerOf(l.client, l.model),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Kind:         usage.KindAgent,
		DurationMS:   elapsed.Milliseconds(),
	}
	// A cancelled run still gets its usage recorded.
	if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Warn("failed to record usage", "run_id", runID, "error", err)
	}
}

// providerOf names the backend serving model, or "" when unknown.
func providerOf(c llm.Client, model string) string {
	switch v := c.(type) {
	case interface{ ProviderFor(string) string }:
		return v.ProviderFor(model)
	case llm.Named:
		return v.Provider()
	}
	return ""
}

type iterationKey struct{}

func withIteration(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, iterationKey{}, n)
}

func iterationFromContext(ctx context.Context) int {
	n, _ := ctx.Value(iterationKey{}).(int)
	return n
}
