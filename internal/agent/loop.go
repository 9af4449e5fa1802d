// Package agent implements the tool-calling agent loop: a state machine
// that alternates between model inference and tool execution until the
// model produces a final answer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/quill-agent/internal/config"
	"github.com/nugget/quill-agent/internal/events"
	"github.com/nugget/quill-agent/internal/tools"
	"github.com/nugget/quill-agent/internal/transcript"
)

// DefaultMaxIterations caps tool round-trips when no limit is
// configured.
const DefaultMaxIterations = 8

// State is a phase of a run.
type State int

const (
	StateStart State = iota
	StateInvoking
	StateRouting
	StateExecuting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateInvoking:
		return "invoking"
	case StateRouting:
		return "routing"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ToolRunner executes the tool requests of an assistant message and
// returns one tool message per request, in request order.
type ToolRunner interface {
	Execute(ctx context.Context, msg transcript.Message) []transcript.Message
}

// Orchestrator drives runs. It holds no per-run state and is safe for
// concurrent use; each run owns its transcript.
type Orchestrator struct {
	inference     Inferencer
	tools         ToolRunner
	maxIterations int
	logger        *slog.Logger
	bus           *events.Bus
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxIterations sets the round-trip cap. Values below 1 keep the
// default.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithEventBus publishes run lifecycle events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(inf Inferencer, runner ToolRunner, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		inference:     inf,
		tools:         runner,
		maxIterations: DefaultMaxIterations,
		logger:        logger.With("component", "agent"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MaxIterations returns the configured round-trip cap.
func (o *Orchestrator) MaxIterations() int { return o.maxIterations }

// Run answers query, calling tools as the model requests them. It
// returns a *RunError when the run fails.
func (o *Orchestrator) Run(ctx context.Context, query string) (*Result, error) {
	r := &run{
		o:     o,
		id:    uuid.NewString(),
		start: time.Now(),
		state: StateStart,
	}
	r.log = o.logger.With("run_id", r.id)
	ctx = tools.WithRunID(ctx, r.id)
	return r.loop(ctx, query)
}

// run holds the state of one Run call.
type run struct {
	o          *Orchestrator
	id         string
	start      time.Time
	log        *slog.Logger
	state      State
	tr         transcript.Transcript
	iterations int
}

func (r *run) loop(ctx context.Context, query string) (*Result, error) {
	var err error
	for {
		switch r.state {
		case StateStart:
			if strings.TrimSpace(query) == "" {
				return r.fail(TagInvalidQuery, nil)
			}
			if r.tr, err = transcript.New(query); err != nil {
				return r.fail(TagInternal, err)
			}
			r.o.bus.Emit(events.SourceAgent, events.KindRunStart, map[string]any{
				"run_id":    r.id,
				"query_len": len(query),
			})
			r.log.Info("run started", "query_len", len(query), "max_iterations", r.o.maxIterations)
			r.advance(StateInvoking)

		case StateInvoking:
			msg, err := r.o.inference.Invoke(withIteration(ctx, r.iterations), r.tr)
			if err != nil {
				return r.fail(TagInferenceUnavailable, err)
			}
			if r.tr, err = r.tr.Append(msg); err != nil {
				return r.fail(TagInternal, err)
			}
			r.advance(StateRouting)

		case StateRouting:
			if Decide(r.tr) == ContinueWithTools {
				if r.iterations >= r.o.maxIterations {
					return r.fail(TagBoundedLoopExceeded,
						fmt.Errorf("model still requesting tools after %d round-trips", r.iterations))
				}
				r.advance(StateExecuting)
				continue
			}
			last, _ := r.tr.Last()
			if strings.TrimSpace(last.Content) == "" {
				return r.fail(TagEmptyResponse, nil)
			}
			r.advance(StateDone)

		case StateExecuting:
			last, _ := r.tr.Last()
			results := r.o.tools.Execute(ctx, last)
			if r.tr, err = r.tr.Append(results...); err != nil {
				return r.fail(TagInternal, err)
			}
			r.iterations++
			r.advance(StateInvoking)

		case StateDone:
			return r.done(), nil

		default:
			return r.fail(TagInternal, fmt.Errorf("unexpected state %s", r.state))
		}
	}
}

func (r *run) advance(next State) {
	r.log.Log(context.Background(), config.LevelTrace, "state transition",
		"from", r.state, "to", next, "iter", r.iterations, "messages", r.tr.Len())
	r.state = next
}

func (r *run) done() *Result {
	last, _ := r.tr.Last()
	elapsed := time.Since(r.start)

	r.o.bus.Emit(events.SourceAgent, events.KindRunComplete, map[string]any{
		"run_id":     r.id,
		"iterations": r.iterations,
		"messages":   r.tr.Len(),
		"elapsed_ms": elapsed.Milliseconds(),
	})
	r.log.Info("run completed",
		"iterations", r.iterations,
		"messages", r.tr.Len(),
		"response_len", len(last.Content),
		"elapsed", elapsed.Round(time.Millisecond),
	)

	return &Result{
		RunID:         r.id,
		FinalResponse: last.Content,
		Transcript:    r.tr,
		MessageCount:  r.tr.Len(),
		Iterations:    r.iterations,
		Duration:      elapsed,
	}
}

func (r *run) fail(tag string, cause error) (*Result, error) {
	prev := r.state
	r.state = StateFailed
	elapsed := time.Since(r.start)

	errText := tag
	if cause != nil {
		errText = cause.Error()
	}
	r.o.bus.Emit(events.SourceAgent, events.KindRunFailed, map[string]any{
		"run_id":     r.id,
		"tag":        tag,
		"iterations": r.iterations,
		"error":      errText,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	r.log.Warn("run failed",
		"tag", tag,
		"state", prev,
		"iterations", r.iterations,
		"error", errText,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	return nil, &RunError{Tag: tag, RunID: r.id, Iterations: r.iterations, Err: cause}
}
