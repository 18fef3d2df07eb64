package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/harvest/internal/config"
	harvesthttp "github.com/ligustah/harvest/internal/http"
	"github.com/ligustah/harvest/internal/m2m"
)

// Exit codes
const (
	ExitSuccess          = 0
	ExitGeneralError     = 1
	ExitInvalidArgs      = 2
	ExitUpstreamError    = 3
	ExitStorageError     = 5
	ExitHarvestFailed    = 6
	ExitValidationFailed = 7
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return ExitInvalidArgs
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "run":
		return runHarvest(cmdArgs)
	case "status":
		return runStatus(cmdArgs)
	case "validate":
		return runValidate(cmdArgs)
	case "delete":
		return runDelete(cmdArgs)
	case "help", "-h", "--help":
		printUsage()
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		return ExitInvalidArgs
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: harvest <command> [options]

Commands:
  run       Harvest the configured streams into their array stores
  status    Show the harvest status of streams
  validate  Check the configuration and stream files
  delete    Remove the array store and status of a stream

Run 'harvest <command> -h' for command-specific help.`)
}

// loadConfig reads the optional config file and applies environment
// overrides. The result is not validated.
func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[harvest] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// openBuckets opens each URL in order. On error the buckets opened so far
// are closed.
func openBuckets(ctx context.Context, urls ...string) ([]*blob.Bucket, error) {
	buckets := make([]*blob.Bucket, 0, len(urls))
	for _, u := range urls {
		b, err := blob.OpenBucket(ctx, u)
		if err != nil {
			closeBuckets(buckets)
			return nil, fmt.Errorf("open bucket %s: %w", u, err)
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

func closeBuckets(buckets []*blob.Bucket) {
	for _, b := range buckets {
		b.Close()
	}
}

func newClient(cfg config.Config) *m2m.Client {
	return m2m.NewClient(m2m.Options{
		BaseURL:    cfg.OOI.BaseURL,
		AsyncURL:   cfg.OOI.AsyncURL,
		ThreddsURL: cfg.OOI.ThreddsURL,
		Email:      cfg.OOI.Email,
		HTTP: harvesthttp.Options{
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			Timeout:             cfg.OOI.RequestTimeout,
			RetryAttempts:       cfg.Retry.Attempts - 1,
			RetryBackoff:        cfg.Retry.Backoff,
			RetryMaxBackoff:     cfg.Retry.MaxBackoff,
			Username:            cfg.OOI.Username,
			Token:               cfg.OOI.Token,
			RateLimit:           cfg.OOI.RateLimit,
		},
	})
}

// requireStatusBucket is the validation of commands that only touch the
// status documents.
func requireStatusBucket(cfg config.Config) error {
	if cfg.StatusBucket == "" {
		return errors.New("config: status_bucket is required")
	}
	return nil
}
