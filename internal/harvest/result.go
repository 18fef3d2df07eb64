package harvest

import (
	"errors"
	"time"

	"github.com/ligustah/harvest/internal/m2m"
	"github.com/ligustah/harvest/internal/status"
)

// Kind tells the pipeline what to do after a stage.
type Kind int

const (
	// Continue moves on to the next stage.
	Continue Kind = iota
	// Retry runs the stage again after the retry delay.
	Retry
	// Fatal aborts the run.
	Fatal
	// Skip ends the run without an error.
	Skip
)

func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Retry:
		return "retry"
	case Fatal:
		return "fatal"
	case Skip:
		return "skip"
	}
	return "unknown"
}

// Result is the outcome of a stage. Err explains every kind but Continue.
type Result struct {
	Kind Kind
	Err  error
}

func proceed() Result { return Result{Kind: Continue} }
func retry(err error) Result { return Result{Kind: Retry, Err: err} }
func fatal(err error) Result { return Result{Kind: Fatal, Err: err} }
func skip(reason error) Result { return Result{Kind: Skip, Err: reason} }

// classify maps a stage error to a result. Upstream outages and pending
// requests are retried, everything else is fatal.
func classify(err error) Result {
	switch {
	case err == nil:
		return proceed()
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, m2m.ErrUnavailable), errors.Is(err, ErrNotReady):
		return retry(err)
	}
	return fatal(err)
}

// Outcome is the final state of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// RunResult summarizes the run of one stream.
type RunResult struct {
	Stream  StreamIdentity
	Outcome Outcome
	// Phase is the status phase at the end of the run.
	Phase    status.Phase
	Err      error
	Datasets int
	Rows     int
	Bytes    int64
	Duration time.Duration
}
