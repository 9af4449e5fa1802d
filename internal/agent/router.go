package agent

import "github.com/nugget/quill-agent/internal/transcript"

// Decision is the router's verdict on a transcript.
type Decision int

const (
	// End means the run has no outstanding tool requests.
	End Decision = iota
	// ContinueWithTools means the last message asks for tool calls.
	ContinueWithTools
)

func (d Decision) String() string {
	if d == ContinueWithTools {
		return "tools"
	}
	return "end"
}

// Decide returns ContinueWithTools iff the last message of t is an
// assistant message carrying at least one tool request.
func Decide(t transcript.Transcript) Decision {
	last, ok := t.Last()
	if ok && last.Actionable() {
		return ContinueWithTools
	}
	return End
}
