// Package transcript models the conversation history of one agent run as
// an immutable, append-only log of role-tagged messages.
//
// A Transcript value never changes once constructed. Append validates the
// new messages against the log's ordering rules and returns a new Transcript
// that shares its prefix with the receiver:
//
//   - the first message is a user message;
//   - an assistant message never directly follows another assistant message;
//   - every tool message answers the nearest preceding actionable assistant
//     message, one result per request, in request order;
//   - nothing but tool results may be appended while requests are pending.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// Role tags a Message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolRequest is a model's request to run one named tool, tagged with a
// correlation ID that the matching tool message echoes back.
type ToolRequest struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one entry in a Transcript. Which fields are meaningful
// depends on Role: user messages carry Content; assistant messages carry
// optional Content and optional ToolRequests; tool messages carry
// RequestID and Content.
type Message struct {
	Role         Role          `json:"role"`
	Content      string        `json:"content,omitempty"`
	ToolRequests []ToolRequest `json:"tool_requests,omitempty"`
	RequestID    string        `json:"request_id,omitempty"`
}

// User returns a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant returns an assistant message with optional tool requests.
func Assistant(content string, reqs ...ToolRequest) Message {
	return Message{Role: RoleAssistant, Content: content, ToolRequests: reqs}
}

// ToolResult returns a tool message answering the request with the given ID.
func ToolResult(requestID, content string) Message {
	return Message{Role: RoleTool, RequestID: requestID, Content: content}
}

// Actionable reports whether m is an assistant message that requests at
// least one tool call. Nil and empty request lists are equivalent.
func (m Message) Actionable() bool {
	return m.Role == RoleAssistant && len(m.ToolRequests) > 0
}

func (m Message) clone() Message {
	if m.ToolRequests == nil {
		return m
	}
	reqs := make([]ToolRequest, len(m.ToolRequests))
	for i, r := range m.ToolRequests {
		r.Arguments = maps.Clone(r.Arguments)
		reqs[i] = r
	}
	m.ToolRequests = reqs
	return m
}

// ErrInvalidAppend is wrapped by every error Append returns.
var ErrInvalidAppend = errors.New("invalid transcript append")

// Transcript is an immutable append-only message log. The zero value is
// an empty transcript.
type Transcript struct {
	msgs []Message
	// pending holds the IDs of tool requests from the last actionable
	// assistant message that have not been answered yet, in order.
	pending []string
}

// New starts a transcript with the user's query.
func New(query string) (Transcript, error) {
	return Transcript{}.Append(User(query))
}

// Append returns a new Transcript with msgs added at the end. The receiver
// is left untouched. On error no message is appended.
func (t Transcript) Append(msgs ...Message) (Transcript, error) {
	// The full slice expression caps capacity so append always copies and
	// never writes into storage another Transcript can see.
	next := Transcript{
		msgs:    t.msgs[:len(t.msgs):len(t.msgs)],
		pending: t.pending,
	}
	for _, m := range msgs {
		if err := next.check(m); err != nil {
			return t, err
		}
		m = m.clone()
		switch {
		case m.Role == RoleTool:
			next.pending = next.pending[1:]
		case m.Actionable():
			ids := make([]string, len(m.ToolRequests))
			for i, r := range m.ToolRequests {
				ids[i] = r.ID
			}
			next.pending = ids
		}
		next.msgs = append(next.msgs, m)
	}
	return next, nil
}

func (t Transcript) check(m Message) error {
	pos := len(t.msgs)
	if pos == 0 && m.Role != RoleUser {
		return fmt.Errorf("%w: first message must be %s, got %s", ErrInvalidAppend, RoleUser, m.Role)
	}

	switch m.Role {
	case RoleUser:
		if len(t.pending) > 0 {
			return fmt.Errorf("%w: user message at %d while %d tool result(s) pending", ErrInvalidAppend, pos, len(t.pending))
		}
	case RoleAssistant:
		if len(t.pending) > 0 {
			return fmt.Errorf("%w: assistant message at %d while %d tool result(s) pending", ErrInvalidAppend, pos, len(t.pending))
		}
		if t.msgs[pos-1].Role == RoleAssistant {
			return fmt.Errorf("%w: consecutive assistant messages at %d", ErrInvalidAppend, pos)
		}
		seen := make(map[string]bool, len(m.ToolRequests))
		for _, r := range m.ToolRequests {
			if r.ID == "" {
				return fmt.Errorf("%w: tool request %q has no id", ErrInvalidAppend, r.Name)
			}
			if seen[r.ID] {
				return fmt.Errorf("%w: duplicate tool request id %q", ErrInvalidAppend, r.ID)
			}
			seen[r.ID] = true
		}
	case RoleTool:
		if len(t.pending) == 0 {
			return fmt.Errorf("%w: tool message %q at %d answers no pending request", ErrInvalidAppend, m.RequestID, pos)
		}
		if m.RequestID != t.pending[0] {
			return fmt.Errorf("%w: tool message answers %q, expected %q", ErrInvalidAppend, m.RequestID, t.pending[0])
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidAppend, m.Role)
	}
	return nil
}

// Len returns the number of messages.
func (t Transcript) Len() int { return len(t.msgs) }

// At returns a copy of the i-th message. It panics if i is out of range.
func (t Transcript) At(i int) Message { return t.msgs[i].clone() }

// Last returns a copy of the final message, or false if t is empty.
func (t Transcript) Last() (Message, bool) {
	if len(t.msgs) == 0 {
		return Message{}, false
	}
	return t.msgs[len(t.msgs)-1].clone(), true
}

// Messages returns a copy of every message, oldest first.
func (t Transcript) Messages() []Message {
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.clone()
	}
	return out
}

// Pending returns the IDs of tool requests still awaiting results.
func (t Transcript) Pending() []string { return slices.Clone(t.pending) }

// MarshalJSON renders the transcript as a JSON array of messages.
func (t Transcript) MarshalJSON() ([]byte, error) {
	if t.msgs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t.msgs)
}
