package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sync"

	harvesthttp "github.com/ligustah/harvest/internal/http"
)

// Options configures the downloader.
type Options struct {
	// Workers is the number of parallel range requests per file.
	Workers int

	// ChunkSize is the size of each range request. Files no larger than
	// one chunk are fetched with a single GET.
	ChunkSize int64

	// MaxConsecutiveFailures is the number of consecutive chunk failures
	// before the circuit breaker trips and stops the download.
	// Default: 10
	MaxConsecutiveFailures int
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Workers:                4,
		ChunkSize:              32 * 1024 * 1024,
		MaxConsecutiveFailures: 10,
	}
}

// FailedChunk records information about a chunk that failed to download.
type FailedChunk struct {
	Index int   // Chunk index
	Error error // The error that occurred
}

// CircuitBreakerError is returned when too many consecutive failures occur.
// It contains details about the failures that triggered the circuit breaker.
//
// Use errors.As to extract this error and inspect FailedChunks for details.
type CircuitBreakerError struct {
	ConsecutiveFailures int           // Number of consecutive failures
	FailedChunks        []FailedChunk // Details of failed chunks
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive failures", e.ConsecutiveFailures)
}

// File is a downloaded file on local disk.
type File struct {
	Path string
	Size int64
}

// Downloader fetches result files into local directories.
type Downloader struct {
	client *harvesthttp.Client
	opts   Options
}

// New creates a downloader that issues requests through client.
func New(client *harvesthttp.Client, opts Options) *Downloader {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	return &Downloader{client: client, opts: opts}
}

// TempDir creates a directory for the files of one dataset. The returned
// cleanup removes it with everything in it and is safe to call more than
// once.
func TempDir(pattern string) (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("downloader: create temp dir: %w", err)
	}
	var once sync.Once
	return dir, func() {
		once.Do(func() { os.RemoveAll(dir) })
	}, nil
}

// Fetch downloads rawURL into dir, naming the file after the last element
// of the URL path. Large files are fetched in parallel ranges when the
// server supports them. A partial file is removed on error.
func (d *Downloader) Fetch(ctx context.Context, rawURL, dir string) (*File, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("downloader: parse url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return nil, fmt.Errorf("downloader: no file name in %s", rawURL)
	}
	dest := dir + string(os.PathSeparator) + name

	info, err := d.client.Head(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("downloader: create %s: %w", dest, err)
	}
	var size int64
	if info.AcceptsRanges && info.Size > d.opts.ChunkSize {
		size, err = d.fetchRanges(ctx, rawURL, f, info.Size)
		if errors.Is(err, harvesthttp.ErrRangeNotSupported) {
			size, err = d.fetchWhole(ctx, rawURL, f)
		}
	} else {
		size, err = d.fetchWhole(ctx, rawURL, f)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("downloader: close %s: %w", dest, cerr)
	}
	if err != nil {
		os.Remove(dest)
		return nil, err
	}
	return &File{Path: dest, Size: size}, nil
}

func (d *Downloader) fetchWhole(ctx context.Context, rawURL string, f *os.File) (int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	if err := f.Truncate(0); err != nil {
		return 0, err
	}
	body, err := d.client.Get(ctx, rawURL)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer body.Close()
	n, err := io.Copy(f, body)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	return n, nil
}

type chunk struct {
	index  int
	offset int64
	length int64
}

// fetchRanges downloads size bytes with a pool of workers, each writing its
// ranges at their offsets in f.
func (d *Downloader) fetchRanges(ctx context.Context, rawURL string, f *os.File, size int64) (int64, error) {
	if err := f.Truncate(size); err != nil {
		return 0, fmt.Errorf("downloader: allocate: %w", err)
	}

	// Circuit breaker state
	var (
		cbMu                  sync.Mutex
		consecutiveFailures   int
		failedChunks          []FailedChunk
		circuitBreakerTripped bool
		rangeErr              error
	)

	cbCtx, cbCancel := context.WithCancel(ctx)
	defer cbCancel()

	jobs := make(chan chunk, d.opts.Workers)
	var wg sync.WaitGroup

	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				err := d.fetchChunk(cbCtx, rawURL, f, c)

				cbMu.Lock()
				switch {
				case errors.Is(err, harvesthttp.ErrRangeNotSupported):
					rangeErr = err
					cbCancel()
				case err != nil && cbCtx.Err() == nil:
					consecutiveFailures++
					failedChunks = append(failedChunks, FailedChunk{Index: c.index, Error: err})
					if consecutiveFailures >= d.opts.MaxConsecutiveFailures {
						circuitBreakerTripped = true
						cbCancel()
					}
				case err == nil:
					consecutiveFailures = 0
				}
				stop := circuitBreakerTripped || rangeErr != nil
				cbMu.Unlock()

				if stop {
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, off := 0, int64(0); off < size; i, off = i+1, off+d.opts.ChunkSize {
			c := chunk{index: i, offset: off, length: min(d.opts.ChunkSize, size-off)}
			select {
			case jobs <- c:
			case <-cbCtx.Done():
				return
			}
		}
	}()

	wg.Wait()

	cbMu.Lock()
	defer cbMu.Unlock()
	switch {
	case rangeErr != nil:
		return 0, rangeErr
	case circuitBreakerTripped:
		return 0, &CircuitBreakerError{
			ConsecutiveFailures: consecutiveFailures,
			FailedChunks:        failedChunks,
		}
	case ctx.Err() != nil:
		return 0, ctx.Err()
	case len(failedChunks) > 0:
		return 0, fmt.Errorf("download chunk %d: %w", failedChunks[0].Index, failedChunks[0].Error)
	}
	return size, nil
}

// fetchChunk downloads a single range.
func (d *Downloader) fetchChunk(ctx context.Context, rawURL string, f *os.File, c chunk) error {
	resp, err := d.client.GetRange(ctx, rawURL, c.offset, c.offset+c.length-1)
	if err != nil {
		return fmt.Errorf("download chunk %d: %w", c.index, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.NewOffsetWriter(f, c.offset), io.LimitReader(resp.Body, c.length))
	if err != nil {
		return fmt.Errorf("write chunk %d: %w", c.index, err)
	}
	if n != c.length {
		return fmt.Errorf("write chunk %d: got %d bytes, want %d", c.index, n, c.length)
	}
	return nil
}
