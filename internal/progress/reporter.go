package progress

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// TotalStreams is the number of streams in the run.
	TotalStreams int

	// Workers is the number of streams harvested concurrently.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to print a progress line.
	// Default: 5s
	UpdateInterval time.Duration
}

// Reporter prints periodic progress lines for a harvest run. The counters
// are safe for concurrent use by the stream workers.
type Reporter struct {
	opts Options

	mu        sync.Mutex
	inFlight  atomic.Int32
	succeeded atomic.Int32
	skipped   atomic.Int32
	failed    atomic.Int32
	datasets  atomic.Int64
	rows      atomic.Int64
	bytes     atomic.Int64
	startTime time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	stopped   bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 5 * time.Second
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start prints the header and begins periodic updates.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.startTime = time.Now()

	fmt.Fprintf(r.opts.Output, "[harvest] Streams: %d | Workers: %d\n", r.opts.TotalStreams, r.opts.Workers)

	go r.updateLoop()
}

// Stop prints the summary and stops periodic updates. It is safe to call
// more than once.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// StreamStarted marks a stream as in flight.
func (r *Reporter) StreamStarted() {
	r.inFlight.Add(1)
}

// StreamFinished records the final outcome of a stream: "success",
// "skipped" or "failed".
func (r *Reporter) StreamFinished(outcome string) {
	r.inFlight.Add(-1)
	switch outcome {
	case "success":
		r.succeeded.Add(1)
	case "skipped":
		r.skipped.Add(1)
	default:
		r.failed.Add(1)
	}
}

// DatasetProcessed records a dataset written to a store.
func (r *Reporter) DatasetProcessed(size int64, rows int) {
	r.datasets.Add(1)
	r.bytes.Add(size)
	r.rows.Add(int64(rows))
}

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) finished() int {
	return int(r.succeeded.Load() + r.skipped.Load() + r.failed.Load())
}

func (r *Reporter) printProgress() {
	done := r.finished()
	var percent float64
	if r.opts.TotalStreams > 0 {
		percent = float64(done) / float64(r.opts.TotalStreams) * 100
	}
	pending := max(r.opts.TotalStreams-done-int(r.inFlight.Load()), 0)

	fmt.Fprintf(r.opts.Output, "[harvest] Progress: %.1f%% | %d finished | %d in-flight | %d pending | Elapsed: %s\n",
		percent, done, r.inFlight.Load(), pending, formatDuration(time.Since(r.startTime)))
	fmt.Fprintf(r.opts.Output, "[harvest] Datasets: %d | Rows: %d | Downloaded: %s\n",
		r.datasets.Load(), r.rows.Load(), FormatBytes(r.bytes.Load()))
}

func (r *Reporter) printFinalStatus() {
	fmt.Fprintf(r.opts.Output, "[harvest] Streams: %d success | %d skipped | %d failed\n",
		r.succeeded.Load(), r.skipped.Load(), r.failed.Load())
	fmt.Fprintf(r.opts.Output, "[harvest] Datasets: %d | Rows: %d | Downloaded: %s | Total time: %s\n",
		r.datasets.Load(), r.rows.Load(), FormatBytes(r.bytes.Load()), formatDuration(time.Since(r.startTime)))
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats a byte count with decimal units.
func FormatBytes(b int64) string {
	const (
		KB = 1000
		MB = KB * 1000
		GB = MB * 1000
		TB = GB * 1000
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// byteUnits lists the accepted suffixes, longest first so "KiB" wins
// over "B".
var byteUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"TiB", 1 << 40},
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"TB", 1_000_000_000_000},
	{"GB", 1_000_000_000},
	{"MB", 1_000_000},
	{"KB", 1_000},
	{"B", 1},
}

// ParseBytes parses a human-readable byte string. "MB" and friends are
// decimal ("100MB" is 100,000,000 bytes); "MiB" and friends are binary.
// Units are case-insensitive.
func ParseBytes(s string) (int64, error) {
	in := strings.TrimSpace(s)
	num := in
	var multiplier int64 = 1
	for _, u := range byteUnits {
		if len(num) >= len(u.suffix) && strings.EqualFold(num[len(num)-len(u.suffix):], u.suffix) {
			num = strings.TrimSpace(num[:len(num)-len(u.suffix)])
			multiplier = u.multiplier
			break
		}
	}

	value, err := strconv.ParseFloat(num, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %q", in)
	}

	return int64(value * float64(multiplier)), nil
}
