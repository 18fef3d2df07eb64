package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/ligustah/harvest/internal/config"
	"github.com/ligustah/harvest/internal/downloader"
	"github.com/ligustah/harvest/internal/harvest"
	"github.com/ligustah/harvest/internal/metrics"
	"github.com/ligustah/harvest/internal/notify"
	"github.com/ligustah/harvest/internal/progress"
	"github.com/ligustah/harvest/internal/status"
)

// runHarvest harvests every stream config found under --streams.
func runHarvest(args []string) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)

	configPath := fs.StringP("config", "c", "", "Path to the YAML config file")
	streamsPath := fs.StringP("streams", "s", "", "Stream config file or directory (required)")
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	concurrency := fs.Int("concurrency", 0, "Streams harvested in parallel (overrides config)")
	showProgress := fs.Bool("progress", false, "Show progress output")
	refresh := fs.Bool("refresh", false, "Rebuild every store from the full stream range")
	force := fs.Bool("force", false, "Ignore cached request responses")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: harvest run [options]

Harvest the configured streams into their array stores. Each stream resumes
from its recorded status.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}
	if *streamsPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --streams is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return ExitInvalidArgs
	}
	if *concurrency > 0 {
		cfg.Concurrency = *concurrency
	}
	if *showProgress {
		cfg.Progress = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	targets, err := loadTargets(*streamsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	for i := range targets {
		targets[i].Options.Refresh = targets[i].Options.Refresh || *refresh
		targets[i].Options.ForceHarvest = targets[i].Options.ForceHarvest || *force
	}

	ctx, cancel := signalContext()
	defer cancel()

	buckets, err := openBuckets(ctx, cfg.StatusBucket, cfg.CacheBucket, cfg.TempBucket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer closeBuckets(buckets)
	destinations := harvest.NewBuckets(nil)
	defer destinations.Close()

	client := newClient(cfg)
	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var tracker *notify.Tracker
	if cfg.Notify.URL != "" {
		l, err := notify.Listen(ctx, cfg.Notify.URL, cfg.Notify.Exchange, logger)
		if err != nil {
			logger.Warn("completion notifications disabled", "error", err)
		} else {
			defer l.Close()
			tracker = l.Tracker
		}
	}

	var reporter *progress.Reporter
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			TotalStreams:   len(targets),
			Workers:        cfg.Concurrency,
			UpdateInterval: 5 * time.Second,
		})
		reporter.Start()
		defer reporter.Stop()
	}

	p, err := harvest.New(cfg, harvest.Deps{
		Upstream: client,
		Status:   status.NewStore(buckets[0], ""),
		Cache:    buckets[1],
		Temp:     buckets[2],
		Buckets:  destinations,
		Fetcher:  downloader.New(client.HTTP(), downloader.DefaultOptions()),
		Tracker:  tracker,
		Metrics:  m,
		Progress: reporter,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	results := p.RunAll(ctx, targets)

	var succeeded, skipped, failed int
	for _, r := range results {
		switch r.Outcome {
		case harvest.OutcomeSuccess:
			succeeded++
		case harvest.OutcomeSkipped:
			skipped++
		default:
			failed++
			fmt.Fprintf(os.Stderr, "[harvest] %s failed in phase %s: %v\n", r.Stream, r.Phase, r.Err)
		}
	}
	fmt.Fprintf(os.Stderr, "[harvest] Done: %d succeeded, %d skipped, %d failed\n", succeeded, skipped, failed)

	switch {
	case ctx.Err() != nil:
		fmt.Fprintln(os.Stderr, "[harvest] Run interrupted, streams resume from their recorded status")
		return ExitGeneralError
	case failed > 0:
		return ExitHarvestFailed
	}
	return ExitSuccess
}

// loadTargets reads the stream configs at path.
func loadTargets(path string) ([]harvest.Target, error) {
	configs, err := config.LoadStreamConfigs(path)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no stream configs in %s", path)
	}
	targets := make([]harvest.Target, 0, len(configs))
	for _, sc := range configs {
		t, err := harvest.TargetFromConfig(sc)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}
