package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ligustah/harvest/internal/status"
)

// GapThreshold is the largest difference between the upstream end time and
// the stored end date that still counts as up to date.
const GapThreshold = time.Minute

// Readiness is the verdict of the Checker.
type Readiness int

const (
	// NotRequested means a new data request has to be made.
	NotRequested Readiness = iota
	// Requested means a request is in flight or its data awaits processing.
	Requested
	// Skipped means there is nothing to do for this run.
	Skipped
)

func (r Readiness) String() string {
	switch r {
	case NotRequested:
		return "not_requested"
	case Requested:
		return "requested"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// EndTimer looks up the current upstream end time of a stream.
type EndTimer interface {
	EndTime(ctx context.Context, refdes, method, name string) (time.Time, error)
}

// Checker decides from the status record whether a stream needs a new
// request, has one pending, or is up to date.
type Checker struct {
	upstream EndTimer
	logger   *slog.Logger
}

// NewChecker returns a Checker that asks upstream for end times.
func NewChecker(upstream EndTimer, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{upstream: upstream, logger: logger}
}

// Check evaluates rec. It never changes the record. A failed end time
// lookup is reported as ErrUpstreamUnavailable.
func (c *Checker) Check(ctx context.Context, rec *status.Record, id StreamIdentity, refresh bool) (Readiness, error) {
	if rec.Status() == status.StatusDiscontinued {
		return Skipped, fmt.Errorf("%w: %s", ErrDiscontinued, id)
	}
	if refresh {
		if rec.DataCheck() {
			return Requested, nil
		}
		return NotRequested, nil
	}
	if rec.EndDate == nil {
		return NotRequested, fmt.Errorf("%w (%s)", ErrNullMetadata, id)
	}
	if rec.DataCheck() {
		return Requested, nil
	}
	if rec.Status() != status.StatusSuccess || !rec.DataReady() {
		return NotRequested, nil
	}

	end, err := c.upstream.EndTime(ctx, id.Instrument(), id.Method(), id.Stream())
	if err != nil {
		if ctx.Err() != nil {
			return NotRequested, ctx.Err()
		}
		return NotRequested, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	if rec.ProcessStatus() != status.ProcessSuccess {
		// Ready data that was not processed yet.
		return Requested, nil
	}
	gap := end.Sub(*rec.EndDate)
	c.logger.Info("end time compared", "stream", id.TableName(),
		"stored", rec.EndDate.Format(time.RFC3339), "upstream", end.Format(time.RFC3339), "gap", gap)
	if gap > GapThreshold {
		return NotRequested, nil
	}
	return Skipped, nil
}
