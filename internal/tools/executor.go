package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/quill-agent/internal/events"
	"github.com/nugget/quill-agent/internal/transcript"
)

// Executor runs the tool requests of one assistant message and turns
// every outcome, including failures, into tool-result messages.
type Executor struct {
	registry   *Registry
	timeout    time.Duration
	sequential bool
	logger     *slog.Logger
	bus        *events.Bus
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithToolTimeout bounds each tool call. Zero disables the bound.
func WithToolTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithSequential makes the executor run requests one at a time.
func WithSequential(sequential bool) ExecutorOption {
	return func(e *Executor) { e.sequential = sequential }
}

// WithEventBus publishes tool_call and tool_done events to bus.
func WithEventBus(bus *events.Bus) ExecutorOption {
	return func(e *Executor) { e.bus = bus }
}

// NewExecutor creates an executor over reg.
func NewExecutor(reg *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		registry: reg,
		logger:   logger.With("component", "tools"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs every request in msg and returns one tool message per
// request, in request order, with RequestID set to the request's ID.
// It never fails: lookup, argument, execution, and timeout errors are
// rendered as result text. Requests run concurrently unless the
// executor is sequential; results are placed by index, not completion.
func (e *Executor) Execute(ctx context.Context, msg transcript.Message) []transcript.Message {
	reqs := msg.ToolRequests
	results := make([]transcript.Message, len(reqs))

	if e.sequential || len(reqs) <= 1 {
		for i, req := range reqs {
			results[i] = e.runOne(ctx, req)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.runOne(ctx, req)
		}()
	}
	wg.Wait()
	return results
}

func (e *Executor) runOne(ctx context.Context, req transcript.ToolRequest) transcript.Message {
	runID := RunIDFromContext(ctx)
	start := time.Now()

	e.bus.Emit(events.SourceTools, events.KindToolCall, map[string]any{
		"run_id":     runID,
		"tool":       req.Name,
		"request_id": req.ID,
	})

	out, err := e.call(ctx, req)
	elapsed := time.Since(start)

	done := map[string]any{
		"run_id":      runID,
		"tool":        req.Name,
		"request_id":  req.ID,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		kind := KindOf(err)
		done["error_kind"] = string(kind)
		e.logger.Warn("tool failed",
			"run_id", runID,
			"tool", req.Name,
			"request_id", req.ID,
			"kind", kind,
			"error", err,
			"elapsed", elapsed.Round(time.Millisecond),
		)
		out = FormatError(err)
	} else {
		e.logger.Debug("tool executed",
			"run_id", runID,
			"tool", req.Name,
			"request_id", req.ID,
			"result_len", len(out),
			"elapsed", elapsed.Round(time.Millisecond),
		)
	}
	e.bus.Emit(events.SourceTools, events.KindToolDone, done)

	return transcript.ToolResult(req.ID, out)
}

// call runs one request under the per-tool timeout. A handler that
// ignores its context is abandoned when the deadline passes; its
// goroutine finishes in the background.
func (e *Executor) call(ctx context.Context, req transcript.ToolRequest) (string, error) {
	if e.timeout <= 0 {
		return e.registry.Run(ctx, req.Name, req.Arguments)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		out, err := e.registry.Run(ctx, req.Name, req.Arguments)
		ch <- outcome{out, err}
	}()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-ctx.Done():
		return "", &ToolError{
			Kind: KindExecution,
			Tool: req.Name,
			Err:  fmt.Errorf("timed out after %s: %w", e.timeout, ctx.Err()),
		}
	}
}

// FormatError renders a tool failure as the text the model sees.
func FormatError(err error) string {
	return "Error: " + err.Error()
}
