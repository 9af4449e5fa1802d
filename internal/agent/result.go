package agent

import (
	"time"

	"github.com/nugget/quill-agent/internal/transcript"
)

// Result is the outcome of a run that reached Done.
type Result struct {
	RunID         string                `json:"run_id"`
	FinalResponse string                `json:"response"`
	Transcript    transcript.Transcript `json:"transcript"`
	MessageCount  int                   `json:"message_count"`
	// Iterations counts completed inference/tool round-trips.
	Iterations int           `json:"iterations"`
	Duration   time.Duration `json:"duration_ns"`
}
