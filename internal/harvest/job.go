package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocloud.dev/blob"

	"github.com/ligustah/harvest/internal/m2m"
	"github.com/ligustah/harvest/internal/metrics"
	"github.com/ligustah/harvest/internal/status"
)

// Upstream is the part of the M2M client the pipeline uses.
type Upstream interface {
	EndTimer
	FindStream(ctx context.Context, refdes, method, name string) (*m2m.Stream, error)
	Estimate(ctx context.Context, s m2m.Stream, begin, end time.Time) (*m2m.Estimate, error)
	Submit(ctx context.Context, req m2m.Request) (*m2m.Result, error)
	GoldCopy(ctx context.Context, table string) (*m2m.Result, error)
	Ready(ctx context.Context, res *m2m.Result) (bool, error)
	ResultFiles(ctx context.Context, res *m2m.Result, table string) ([]m2m.DatasetFile, error)
}

var _ Upstream = (*m2m.Client)(nil)

// unavailable marks upstream outages as retryable and passes other errors
// through.
func unavailable(err error) error {
	if err == nil || !errors.Is(err, m2m.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}

// Job is the state of one stream run shared by the stages.
type Job struct {
	ID      StreamIdentity
	Options HarvestOptions
	// Refresh rebuilds the store from scratch. It is set when requested
	// and for streams that were never refreshed.
	Refresh bool
	Record  *status.Record
	Logger  *slog.Logger

	stream   *m2m.Stream
	response *Response
	files    []m2m.DatasetFile

	datasets int
	rows     int
	bytes    int64
}

// NewJob prepares the run of t against its current status record.
func NewJob(t Target, rec *status.Record, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		ID:      t.ID,
		Options: t.Options,
		Refresh: t.Options.Refresh || rec.LastRefresh == nil,
		Record:  rec,
		Logger:  logger.With("stream", t.ID.TableName()),
	}
}

// committer persists status transitions.
type committer struct {
	store   *status.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

// commit moves the job's record to phase to, applies the optional edits and
// writes it. The job keeps its previous record when anything fails.
func (c *committer) commit(ctx context.Context, j *Job, to status.Phase, change status.Change, edits ...func(*status.Record)) error {
	from := j.Record.Phase()
	next := j.Record.Clone()
	if err := next.Transition(to, c.now(), change); err != nil {
		return err
	}
	for _, edit := range edits {
		edit(next)
	}
	if err := c.store.Write(ctx, j.ID.TableName(), next); err != nil {
		return err
	}
	j.Record = next
	c.metrics.RecordTransition(string(from), string(to))
	attrs := []any{"from", from, "to", to}
	if change.Error != nil {
		attrs = append(attrs, "error", change.Error)
	}
	j.Logger.Info("status updated", attrs...)
	return nil
}

// BucketOpener opens a bucket URL.
type BucketOpener func(ctx context.Context, url string) (*blob.Bucket, error)

// Buckets opens each destination bucket once and keeps it for reuse.
type Buckets struct {
	open BucketOpener

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// NewBuckets returns a bucket cache. A nil open uses blob.OpenBucket.
func NewBuckets(open BucketOpener) *Buckets {
	if open == nil {
		open = blob.OpenBucket
	}
	return &Buckets{open: open, buckets: make(map[string]*blob.Bucket)}
}

// Open returns the bucket at url.
func (b *Buckets) Open(ctx context.Context, url string) (*blob.Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bucket, ok := b.buckets[url]; ok {
		return bucket, nil
	}
	bucket, err := b.open(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	b.buckets[url] = bucket
	return bucket, nil
}

// Close closes every opened bucket.
func (b *Buckets) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for url, bucket := range b.buckets {
		if err := bucket.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket %s: %w", url, err))
		}
		delete(b.buckets, url)
	}
	return errors.Join(errs...)
}
