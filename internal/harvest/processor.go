package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gocloud.dev/blob"

	"github.com/ligustah/harvest/internal/dataset"
	"github.com/ligustah/harvest/internal/downloader"
	"github.com/ligustah/harvest/internal/m2m"
	"github.com/ligustah/harvest/internal/metrics"
	"github.com/ligustah/harvest/internal/progress"
	"github.com/ligustah/harvest/internal/status"
	"github.com/ligustah/harvest/pkg/zarr"
)

// Fetcher downloads a result file into a directory.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dir string) (*downloader.File, error)
}

// Processor downloads the result files of a ready request and writes them
// to the stream's array store, one file at a time in start time order.
type Processor struct {
	upstream      Upstream
	buckets       *Buckets
	temp          *blob.Bucket
	fetcher       Fetcher
	decoder       dataset.Decoder
	maxChunk      int64
	compressor    zarr.CodecConfig
	readyInterval time.Duration
	metrics       *metrics.Metrics
	progress      *progress.Reporter
	commit        *committer
	now           func() time.Time
}

// Process writes every result file. Any failure marks the record
// process_failed.
func (p *Processor) Process(ctx context.Context, j *Job) Result {
	err := p.process(ctx, j)
	if err == nil {
		return proceed()
	}
	if ctx.Err() != nil {
		return fatal(err)
	}
	if cerr := p.commit.commit(ctx, j, status.PhaseProcessFailed, status.Change{Error: err}); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return fatal(err)
}

// target returns where the job writes: a temporary store for a refresh,
// the canonical store otherwise.
func (p *Processor) target(ctx context.Context, j *Job) (*blob.Bucket, string, error) {
	table := j.ID.TableName()
	if j.Refresh {
		return p.temp, TempRoot(table), nil
	}
	bucket, err := p.buckets.Open(ctx, j.Options.Path)
	return bucket, table, err
}

func (p *Processor) process(ctx context.Context, j *Job) error {
	table := j.ID.TableName()
	files := j.files
	if files == nil {
		var err error
		if files, err = p.upstream.ResultFiles(ctx, j.response.Result, table); err != nil {
			return fmt.Errorf("list result files: %w", err)
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: %s", ErrNoFiles, j.response.Result.ThreddsCatalog)
	}
	m2m.SortByStart(files)

	bucket, root, err := p.target(ctx, j)
	if err != nil {
		return err
	}
	dir, cleanup, err := downloader.TempDir("harvest-" + table + "-*")
	if err != nil {
		return err
	}
	defer cleanup()

	var st *zarr.Store
	for i, f := range files {
		j.Logger.Info("processing dataset", "file", f.Name, "index", i+1, "total", len(files),
			"start", f.StartTS.Format(time.RFC3339), "end", f.EndTS.Format(time.RFC3339))
		if st, err = p.processFile(ctx, j, f, dir, bucket, root, st); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	if st == nil {
		return fmt.Errorf("no data written for %s", table)
	}
	return nil
}

// processFile writes one result file and returns the store it went to. The
// first write of a refresh, and any write without an existing store,
// creates the store; later writes append with the stored encodings.
func (p *Processor) processFile(ctx context.Context, j *Job, f m2m.DatasetFile, dir string, bucket *blob.Bucket, root string, st *zarr.Store) (*zarr.Store, error) {
	if st == nil && !j.Refresh {
		exists, err := zarr.Exists(ctx, bucket, root)
		if err != nil {
			return st, err
		}
		if exists {
			if st, err = zarr.Open(ctx, bucket, root); err != nil {
				return nil, err
			}
		}
	}
	// Files from a run that failed part way may already be stored.
	if st != nil && st.TimeLen() > 0 {
		last, err := st.LastTime(ctx)
		if err != nil {
			return st, err
		}
		if !f.EndTS.After(last) {
			j.Logger.Info("dataset already stored", "file", f.Name, "store_end", last.Format(time.RFC3339Nano))
			p.metrics.RecordSkip("stored")
			return st, nil
		}
	}

	file, err := p.fetcher.Fetch(ctx, f.URL, dir)
	if err != nil {
		return st, err
	}
	defer os.Remove(file.Path)
	downloaded := p.now()

	ds, err := p.decoder.Decode(ctx, file.Path)
	if err != nil {
		return st, err
	}
	dropped, err := dataset.Prepare(ds)
	if err != nil {
		return st, err
	}
	if len(dropped) > 0 {
		j.Logger.Debug("dropped variables", "variables", dropped)
	}
	dataset.Normalize(ds, dataset.Provenance{Downloaded: downloaded, Processed: p.now()})

	if j.Refresh {
		removed, err := dataset.StripEmptyQartod(ds)
		if err != nil {
			return st, err
		}
		if len(removed) > 0 {
			stamps := make([]string, len(removed))
			for i, t := range removed {
				stamps[i] = t.Format(time.RFC3339Nano)
			}
			j.Logger.Warn("removed rows with empty qartod results", "count", len(removed), "timestamps", stamps)
		}
	} else if err := dataset.CheckDuplicates(ds); err != nil {
		return st, err
	}

	if st == nil {
		if ds.TimeLen() == 0 {
			j.Logger.Info("dataset has no rows", "file", f.Name)
			p.metrics.RecordSkip("empty")
			return st, nil
		}
		st, err = zarr.Create(ctx, bucket, root, ds, zarr.ComputeEncodings(ds, p.maxChunk, p.compressor))
		if err != nil {
			return nil, err
		}
		j.Logger.Info("store created", "root", root, "rows", ds.TimeLen())
		return st, p.written(ctx, j, st, ds.TimeLen(), file.Size)
	}

	if err := st.Reconcile(ctx, ds); err != nil {
		var dm *zarr.DimensionMismatchError
		if errors.As(err, &dm) {
			j.Logger.Warn("skipping dataset with mismatched dimensions", "file", f.Name, "error", err)
			p.metrics.RecordSkip("dimension_mismatch")
			return st, nil
		}
		return st, err
	}
	if st.TimeLen() > 0 && ds.TimeLen() > 0 {
		if err := st.EncodeTimeAs(ds); err != nil {
			return st, err
		}
		last, err := st.LastTimeValue(ctx)
		if err != nil {
			return st, err
		}
		if n := ds.DropThrough(last); n > 0 {
			j.Logger.Debug("dropped rows already stored", "file", f.Name, "rows", n)
		}
	}
	if ds.TimeLen() == 0 {
		j.Logger.Info("dataset has no new rows", "file", f.Name)
		p.metrics.RecordSkip("empty")
		return st, nil
	}
	enc := st.Encodings().Merge(zarr.ComputeEncodings(ds, p.maxChunk, p.compressor))
	if err := st.Append(ctx, ds, enc); err != nil {
		return st, err
	}
	j.Logger.Info("dataset appended", "rows", ds.TimeLen(), "total", st.TimeLen())
	return st, p.written(ctx, j, st, ds.TimeLen(), file.Size)
}

// written waits for the store to be consolidated before the next file and
// records the write.
func (p *Processor) written(ctx context.Context, j *Job, st *zarr.Store, rows int, size int64) error {
	if err := st.WaitReady(ctx, p.readyInterval); err != nil {
		return err
	}
	j.datasets++
	j.rows += rows
	j.bytes += size
	p.metrics.RecordDataset(rows, size)
	if p.progress != nil {
		p.progress.DatasetProcessed(size, rows)
	}
	return nil
}
