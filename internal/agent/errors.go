package agent

import (
	"errors"
	"fmt"
)

// Failure tags reported by a run that ends in the Failed state.
const (
	TagInferenceUnavailable = "inference_unavailable"
	TagBoundedLoopExceeded  = "bounded_loop_exceeded"
	TagEmptyResponse        = "empty_response"
	TagInvalidQuery         = "invalid_query"
	TagInternal             = "internal"
)

// Sentinel errors matched by errors.Is against a *RunError.
var (
	ErrInferenceUnavailable = errors.New("inference unavailable")
	ErrBoundedLoopExceeded  = errors.New("bounded loop exceeded")
	ErrEmptyResponse        = errors.New("empty final response")
	ErrInvalidQuery         = errors.New("invalid query")
	ErrInternal             = errors.New("internal error")
)

// ErrBadTranscript is returned (inside an *InferenceError) when the
// transcript is empty or does not end with a user or tool message.
var ErrBadTranscript = errors.New("transcript must end with a user or tool message")

// InferenceError reports a failed inference call. It is fatal to the run.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("inference failed: %v", e.Err)
	}
	return fmt.Sprintf("inference with %s failed: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// RunError is the error returned by Orchestrator.Run when a run reaches
// the Failed state.
type RunError struct {
	Tag        string
	RunID      string
	Iterations int
	Err        error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("run %s failed: %s", e.RunID, e.Tag)
	}
	return fmt.Sprintf("run %s failed: %s: %v", e.RunID, e.Tag, e.Err)
}

// Unwrap exposes both the tag's sentinel and the underlying cause.
func (e *RunError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := sentinelFor(e.Tag); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func sentinelFor(tag string) error {
	switch tag {
	case TagInferenceUnavailable:
		return ErrInferenceUnavailable
	case TagBoundedLoopExceeded:
		return ErrBoundedLoopExceeded
	case TagEmptyResponse:
		return ErrEmptyResponse
	case TagInvalidQuery:
		return ErrInvalidQuery
	case TagInternal:
		return ErrInternal
	}
	return nil
}

// TagOf returns the failure tag carried by err, or "" when err is not
// a *RunError.
func TagOf(err error) string {
	var re *RunError
	if errors.As(err, &re) {
		return re.Tag
	}
	return ""
}
