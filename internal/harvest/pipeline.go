package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/harvest/internal/config"
	"github.com/ligustah/harvest/internal/dataset"
	"github.com/ligustah/harvest/internal/metrics"
	"github.com/ligustah/harvest/internal/notify"
	"github.com/ligustah/harvest/internal/progress"
	"github.com/ligustah/harvest/internal/status"
	"github.com/ligustah/harvest/pkg/zarr"
)

// RetryPolicy retries stages that report Retry with a fixed delay.
type RetryPolicy struct {
	// Retries is the number of attempts after the first one.
	Retries int
	Delay   time.Duration
}

// Deps are the collaborators of a Pipeline. Upstream, Status, Cache, Temp,
// Buckets and Fetcher are required.
type Deps struct {
	Upstream Upstream
	Status   *status.Store
	// Cache holds the cached request responses.
	Cache *blob.Bucket
	// Temp holds the stores built by refresh runs.
	Temp    *blob.Bucket
	Buckets *Buckets
	Fetcher Fetcher
	// Decoder defaults to dataset.JSONDecoder.
	Decoder dataset.Decoder
	// Tracker, when set, short-circuits readiness polling for requests
	// whose completion was announced.
	Tracker  *notify.Tracker
	Metrics  *metrics.Metrics
	Progress *progress.Reporter
	Logger   *slog.Logger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline runs the harvest stages for streams.
type Pipeline struct {
	status      *status.Store
	checker     *Checker
	requester   *Requester
	poller      *Poller
	processor   *Processor
	finalizer   *Finalizer
	policy      RetryPolicy
	concurrency int
	metrics     *metrics.Metrics
	progress    *progress.Reporter
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds a pipeline from the configuration and its collaborators.
func New(cfg config.Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Upstream == nil:
		return nil, errors.New("harvest: upstream is required")
	case deps.Status == nil:
		return nil, errors.New("harvest: status store is required")
	case deps.Cache == nil || deps.Temp == nil:
		return nil, errors.New("harvest: cache and temp buckets are required")
	case deps.Buckets == nil:
		return nil, errors.New("harvest: bucket opener is required")
	case deps.Fetcher == nil:
		return nil, errors.New("harvest: fetcher is required")
	}
	if deps.Decoder == nil {
		deps.Decoder = dataset.JSONDecoder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Sleep == nil {
		deps.Sleep = sleep
	}
	compressor := zarr.CodecConfig{ID: zarr.CodecZstd, Level: cfg.Level}
	if cfg.Compressor == config.CompressorLZ4 {
		compressor = zarr.CodecConfig{ID: zarr.CodecLZ4, Acceleration: 1}
	}
	maxChunk := cfg.MaxChunk
	if maxChunk <= 0 {
		maxChunk = zarr.DefaultMaxChunkBytes
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	readyInterval := time.Second

	c := &committer{store: deps.Status, metrics: deps.Metrics, now: deps.Now}
	return &Pipeline{
		status:  deps.Status,
		checker: NewChecker(deps.Upstream, deps.Logger),
		requester: &Requester{
			upstream: deps.Upstream,
			cache:    deps.Cache,
			buckets:  deps.Buckets,
			commit:   c,
			now:      deps.Now,
		},
		poller: &Poller{
			upstream: deps.Upstream,
			tracker:  deps.Tracker,
			commit:   c,
			now:      deps.Now,
			timeout:  DefaultRequestTimeout,
		},
		processor: &Processor{
			upstream:      deps.Upstream,
			buckets:       deps.Buckets,
			temp:          deps.Temp,
			fetcher:       deps.Fetcher,
			decoder:       deps.Decoder,
			maxChunk:      maxChunk,
			compressor:    compressor,
			readyInterval: readyInterval,
			metrics:       deps.Metrics,
			progress:      deps.Progress,
			commit:        c,
			now:           deps.Now,
		},
		finalizer: &Finalizer{
			buckets:       deps.Buckets,
			temp:          deps.Temp,
			readyInterval: readyInterval,
			commit:        c,
			now:           deps.Now,
		},
		policy:      RetryPolicy{Retries: cfg.Poll.Attempts, Delay: cfg.Poll.Interval},
		concurrency: concurrency,
		metrics:     deps.Metrics,
		progress:    deps.Progress,
		logger:      deps.Logger,
		sleep:       deps.Sleep,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run harvests one stream and reports how the run ended.
func (p *Pipeline) Run(ctx context.Context, t Target) RunResult {
	started := time.Now()
	if p.progress != nil {
		p.progress.StreamStarted()
	}
	rr := p.run(ctx, t)
	rr.Stream = t.ID
	rr.Duration = time.Since(started)

	p.metrics.RecordRun(string(rr.Outcome), rr.Duration)
	if p.progress != nil {
		p.progress.StreamFinished(string(rr.Outcome))
	}
	attrs := []any{"stream", t.ID.TableName(), "outcome", rr.Outcome, "phase", rr.Phase,
		"datasets", rr.Datasets, "rows", rr.Rows, "duration", rr.Duration.Round(time.Millisecond)}
	switch rr.Outcome {
	case OutcomeFailed:
		p.logger.Error("harvest failed", append(attrs, "error", rr.Err)...)
	case OutcomeSkipped:
		p.logger.Info("harvest skipped", append(attrs, "reason", rr.Err)...)
	default:
		p.logger.Info("harvest finished", attrs...)
	}
	return rr
}

func (p *Pipeline) run(ctx context.Context, t Target) RunResult {
	rec, err := p.status.Read(ctx, t.ID.TableName())
	if err != nil {
		return RunResult{Outcome: OutcomeFailed, Err: err}
	}
	j := NewJob(t, rec, p.logger)
	j.Logger.Info("harvest started", "phase", rec.Phase(), "refresh", j.Refresh)

	var readiness Readiness
	r := p.stage(ctx, j, "check", func() Result {
		var err error
		readiness, err = p.checker.Check(ctx, j.Record, j.ID, j.Refresh)
		return classify(err)
	})
	if r.Kind == Continue {
		switch readiness {
		case Skipped:
			r = skip(ErrUpToDate)
		case NotRequested:
			r = p.stage(ctx, j, "request", func() Result { return p.requester.Request(ctx, j) })
		case Requested:
			r = p.stage(ctx, j, "response", func() Result { return p.requester.Response(ctx, j) })
		}
	}
	if r.Kind == Continue {
		r = p.stage(ctx, j, "poll", func() Result { return p.poller.Poll(ctx, j) })
	}
	if r.Kind == Continue {
		r = p.stage(ctx, j, "process", func() Result { return p.processor.Process(ctx, j) })
	}
	if r.Kind == Continue {
		r = p.stage(ctx, j, "finalize", func() Result { return p.finalizer.Finalize(ctx, j) })
	}
	return p.result(j, r)
}

// stage runs fn until it stops asking for a retry or the retry policy is
// exhausted.
func (p *Pipeline) stage(ctx context.Context, j *Job, name string, fn func() Result) Result {
	for attempt := 0; ; attempt++ {
		r := fn()
		if r.Kind != Retry {
			return r
		}
		if attempt >= p.policy.Retries {
			return fatal(fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt+1, r.Err))
		}
		j.Logger.Info("stage will be retried", "stage", name, "attempt", attempt+1,
			"delay", p.policy.Delay, "reason", r.Err)
		if err := p.sleep(ctx, p.policy.Delay); err != nil {
			return fatal(err)
		}
	}
}

func (p *Pipeline) result(j *Job, r Result) RunResult {
	rr := RunResult{
		Phase:    j.Record.Phase(),
		Err:      r.Err,
		Datasets: j.datasets,
		Rows:     j.rows,
		Bytes:    j.bytes,
	}
	switch r.Kind {
	case Continue:
		rr.Outcome = OutcomeSuccess
	case Skip:
		rr.Outcome = OutcomeSkipped
	default:
		rr.Outcome = OutcomeFailed
	}
	return rr
}

// RunAll harvests the targets concurrently, bounded by the configured
// concurrency. Results are in the order of targets. A failing stream does
// not stop the others.
func (p *Pipeline) RunAll(ctx context.Context, targets []Target) []RunResult {
	results := make([]RunResult, len(targets))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = p.Run(ctx, t)
			return nil
		})
	}
	g.Wait()
	return results
}
