// Package events provides a publish/subscribe event bus for run
// observability. The agent loop and tool executor publish step events;
// the API's websocket stream consumes them. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so publishers need no guard checks and
// their control flow never depends on whether anyone is listening.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the orchestration loop.
	SourceAgent = "agent"
	// SourceTools identifies events from the tool executor.
	SourceTools = "tools"
	// SourceAPI identifies events from the HTTP layer.
	SourceAPI = "api"
	// SourceConnwatch identifies dependency health transitions.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of an agent run.
	// Data: run_id, query_len.
	KindRunStart = "run_start"
	// KindLLMCall signals the start of an inference call.
	// Data: run_id, iter, model, messages.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of an inference call.
	// Data: run_id, iter, model, tokens_in, tokens_out, tool_calls,
	// duration_ms.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: run_id, tool, request_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: run_id, tool, request_id, ok, error_kind, duration_ms.
	KindToolDone = "tool_done"
	// KindRunComplete signals a run reached Done.
	// Data: run_id, iterations, messages, elapsed_ms.
	KindRunComplete = "run_complete"
	// KindRunFailed signals a run reached Failed.
	// Data: run_id, tag, iterations, error, elapsed_ms.
	KindRunFailed = "run_failed"
	// KindCategorize signals a single-shot categorization call finished.
	// Data: ok, duration_ms.
	KindCategorize = "categorize"
	// KindServiceUp signals a dependency became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a reachable dependency stopped answering.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Emit is shorthand for Publish with the timestamp set to now.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
