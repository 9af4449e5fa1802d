package tools

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/nugget/quill-agent/internal/events"
	"github.com/nugget/quill-agent/internal/transcript"
)

// jitterTool sleeps a random short time so parallel completions land
// out of order, then echoes its text.
func jitterTool() *Tool {
	return New("jitter", "sleeps then echoes", func(ctx context.Context, a TextArgs) (string, error) {
		select {
		case <-time.After(time.Duration(rand.IntN(5)) * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "echo:" + a.Text, nil
	})
}

func requestsFor(k int) transcript.Message {
	reqs := make([]transcript.ToolRequest, k)
	for i := range reqs {
		reqs[i] = transcript.ToolRequest{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      "jitter",
			Arguments: map[string]any{"text": fmt.Sprint(i)},
		}
	}
	return transcript.Assistant("", reqs...)
}

func TestExecutor_OrderAndCardinality(t *testing.T) {
	reg := newTestRegistry(t, jitterTool())

	for _, sequential := range []bool{false, true} {
		for _, k := range []int{0, 1, 3, 8} {
			t.Run(fmt.Sprintf("sequential=%v/k=%d", sequential, k), func(t *testing.T) {
				ex := NewExecutor(reg, nil, WithSequential(sequential))
				results := ex.Execute(context.Background(), requestsFor(k))

				if len(results) != k {
					t.Fatalf("got %d results, want %d", len(results), k)
				}
				for i, m := range results {
					if m.Role != transcript.RoleTool {
						t.Errorf("result %d role = %q", i, m.Role)
					}
					if want := fmt.Sprintf("call_%d", i); m.RequestID != want {
						t.Errorf("result %d RequestID = %q, want %q", i, m.RequestID, want)
					}
					if want := fmt.Sprintf("echo:%d", i); m.Content != want {
						t.Errorf("result %d content = %q, want %q", i, m.Content, want)
					}
				}
			})
		}
	}
}

func TestExecutor_FailSoft(t *testing.T) {
	reg := newTestRegistry(t,
		echoTool("echo"),
		New("panics", "panics", func(context.Context, NoArgs) (string, error) { panic("kaboom") }),
		New("slow", "ignores its context", func(context.Context, NoArgs) (string, error) {
			time.Sleep(200 * time.Millisecond)
			return "too late", nil
		}),
	)
	ex := NewExecutor(reg, nil, WithToolTimeout(20*time.Millisecond))

	msg := transcript.Assistant("",
		transcript.ToolRequest{ID: "a", Name: "panics"},
		transcript.ToolRequest{ID: "b", Name: "nope"},
		transcript.ToolRequest{ID: "c", Name: "echo", Arguments: map[string]any{"text": 7.0}},
		transcript.ToolRequest{ID: "d", Name: "slow"},
		transcript.ToolRequest{ID: "e", Name: "echo", Arguments: map[string]any{"text": "ok"}},
	)
	results := ex.Execute(context.Background(), msg)

	wants := []struct {
		id       string
		contains string
	}{
		{"a", "panic: kaboom"},
		{"b", `tool "nope" not found`},
		{"c", "invalid arguments"},
		{"d", "timed out"},
		{"e", "echo:ok"},
	}
	if len(results) != len(wants) {
		t.Fatalf("got %d results, want %d", len(results), len(wants))
	}
	for i, w := range wants {
		if results[i].RequestID != w.id {
			t.Errorf("result %d RequestID = %q, want %q", i, results[i].RequestID, w.id)
		}
		if !strings.Contains(results[i].Content, w.contains) {
			t.Errorf("result %d content = %q, want containing %q", i, results[i].Content, w.contains)
		}
	}
	if !strings.HasPrefix(results[0].Content, "Error: ") {
		t.Errorf("failure content should start with Error: prefix, got %q", results[0].Content)
	}

	// The results must be appendable to a transcript as answers.
	tr, err := transcript.New("go")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr, err = tr.Append(msg)
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if _, err := tr.Append(results...); err != nil {
		t.Fatalf("append results: %v", err)
	}
}

func TestExecutor_Events(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	reg := newTestRegistry(t, echoTool("echo"))
	ex := NewExecutor(reg, nil, WithEventBus(bus))
	ctx := WithRunID(context.Background(), "run-42")

	ex.Execute(ctx, transcript.Assistant("",
		transcript.ToolRequest{ID: "x", Name: "echo", Arguments: map[string]any{"text": "hi"}},
	))

	var kinds []string
	for len(kinds) < 2 {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
			if e.Data["run_id"] != "run-42" {
				t.Errorf("event %s run_id = %v", e.Kind, e.Data["run_id"])
			}
			if e.Kind == events.KindToolDone && e.Data["ok"] != true {
				t.Errorf("tool_done ok = %v", e.Data["ok"])
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	if kinds[0] != events.KindToolCall || kinds[1] != events.KindToolDone {
		t.Errorf("event kinds = %v", kinds)
	}
}
