package harvest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gocloud.dev/blob"

	"github.com/ligustah/harvest/internal/status"
	"github.com/ligustah/harvest/pkg/zarr"
)

// Time coverage attributes of the store.
const (
	AttrTimeCoverageStart = "time_coverage_start"
	AttrTimeCoverageEnd   = "time_coverage_end"
)

// Finalizer publishes a processed store and records its coverage.
type Finalizer struct {
	buckets       *Buckets
	temp          *blob.Bucket
	readyInterval time.Duration
	commit        *committer
	now           func() time.Time
}

// Finalize replaces the canonical store with the one a refresh built,
// stamps the time coverage and marks the record processed. Any failure
// marks it process_failed.
func (f *Finalizer) Finalize(ctx context.Context, j *Job) Result {
	start, end, err := f.finalize(ctx, j)
	if err == nil {
		location := Location(j.Options.Path, j.ID.TableName())
		err = f.commit.commit(ctx, j, status.PhaseProcessed, status.Change{}, func(rec *status.Record) {
			rec.SetCoverage(location, start, end)
			if j.Refresh {
				rec.SetLastRefresh(f.now())
			}
		})
		if err == nil {
			return proceed()
		}
		return fatal(err)
	}
	if ctx.Err() != nil {
		return fatal(err)
	}
	if cerr := f.commit.commit(ctx, j, status.PhaseProcessFailed, status.Change{Error: err}); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return fatal(err)
}

func (f *Finalizer) finalize(ctx context.Context, j *Job) (start, end time.Time, err error) {
	table := j.ID.TableName()
	bucket, err := f.buckets.Open(ctx, j.Options.Path)
	if err != nil {
		return start, end, err
	}
	if j.Refresh {
		if err := f.replace(ctx, j, bucket); err != nil {
			return start, end, fmt.Errorf("replace store: %w", err)
		}
	}

	st, err := zarr.Open(ctx, bucket, table)
	if err != nil {
		return start, end, err
	}
	if start, end, err = st.TimeCoverage(ctx); err != nil {
		return start, end, fmt.Errorf("time coverage: %w", err)
	}
	err = st.SetAttrs(ctx, map[string]any{
		AttrTimeCoverageStart: start.Format(time.RFC3339Nano),
		AttrTimeCoverageEnd:   end.Format(time.RFC3339Nano),
	})
	if err != nil {
		return start, end, err
	}
	if err := st.WaitReady(ctx, f.readyInterval); err != nil {
		return start, end, err
	}
	j.Logger.Info("store finalized", "rows", st.TimeLen(),
		"start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339))
	return start, end, nil
}

// replace drops canonical variables the refreshed store no longer has,
// copies the refreshed store over the canonical one and deletes it.
func (f *Finalizer) replace(ctx context.Context, j *Job, bucket *blob.Bucket) error {
	table, tmpRoot := j.ID.TableName(), TempRoot(j.ID.TableName())
	tmp, err := zarr.Open(ctx, f.temp, tmpRoot)
	if err != nil {
		return err
	}
	exists, err := zarr.Exists(ctx, bucket, table)
	if err != nil {
		return err
	}
	if exists {
		canonical, err := zarr.Open(ctx, bucket, table)
		if err != nil {
			return err
		}
		var stale []string
		for _, name := range canonical.Variables() {
			if !slices.Contains(tmp.Variables(), name) {
				stale = append(stale, name)
			}
		}
		if len(stale) > 0 {
			j.Logger.Info("removing variables absent from refresh", "variables", stale)
			if err := canonical.RemoveVariables(ctx, stale...); err != nil {
				return err
			}
		}
	}
	if err := zarr.Copy(ctx, f.temp, tmpRoot, bucket, table); err != nil {
		return err
	}
	return zarr.Delete(ctx, f.temp, tmpRoot)
}
