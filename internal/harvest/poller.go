package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/ligustah/harvest/internal/notify"
	"github.com/ligustah/harvest/internal/status"
)

// DefaultRequestTimeout is how long a request may stay incomplete before
// its catalog is checked one last time.
const DefaultRequestTimeout = 48 * time.Hour

// Poller checks whether the output of a pending request is complete. One
// call is one check; repeating it is up to the pipeline.
type Poller struct {
	upstream Upstream
	tracker  *notify.Tracker
	commit   *committer
	now      func() time.Time
	timeout  time.Duration
}

// Poll marks the request ready when its completion was announced or the
// result server published status.txt. Past the request timeout the result
// catalog decides: files present count as ready, none fail the request.
func (p *Poller) Poll(ctx context.Context, j *Job) Result {
	res := j.response.Result
	ready := p.tracker != nil && res.RequestID != "" && p.tracker.Completed(res.RequestID)
	if ready {
		j.Logger.Info("completion notification received", "request", res.RequestID)
	} else {
		ok, err := p.upstream.Ready(ctx, res)
		if err != nil {
			return classify(unavailable(err))
		}
		ready = ok
	}
	if ready {
		if err := p.commit.commit(ctx, j, status.PhaseReady, status.Change{}); err != nil {
			return fatal(err)
		}
		return proceed()
	}

	requestedAt, err := res.RequestedAt()
	if err != nil {
		// Without a usable timestamp the request counts as just made.
		requestedAt = p.now()
		if j.Record.RequestedAt != nil {
			requestedAt = *j.Record.RequestedAt
		}
	}
	elapsed := p.now().Sub(requestedAt)
	if elapsed < p.timeout {
		j.Logger.Info("data not ready", "elapsed", elapsed.Round(time.Second))
		return retry(fmt.Errorf("%w: %s since request", ErrNotReady, elapsed.Round(time.Second)))
	}

	files, err := p.upstream.ResultFiles(ctx, res, j.ID.TableName())
	if err == nil && len(files) > 0 {
		j.Logger.Info("request timed out but result files are available", "files", len(files))
		if err := p.commit.commit(ctx, j, status.PhaseReady, status.Change{}); err != nil {
			return fatal(err)
		}
		j.files = files
		return proceed()
	}
	terr := fmt.Errorf("%w: waited %s for %s", ErrRequestTimeout, elapsed.Round(time.Second), res.StatusURL)
	if err != nil {
		terr = fmt.Errorf("%w: %w", terr, err)
	}
	if cerr := p.commit.commit(ctx, j, status.PhaseRequestFailed, status.Change{Error: terr}); cerr != nil {
		return fatal(cerr)
	}
	return fatal(terr)
}
