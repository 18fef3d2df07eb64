package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/ligustah/harvest/internal/harvest"
	"github.com/ligustah/harvest/internal/m2m"
	"github.com/ligustah/harvest/pkg/zarr"
)

// runValidate checks the config and the stream configs, and optionally
// that every stream is still listed upstream and that the existing stores
// are complete.
func runValidate(args []string) int {
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)

	configPath := fs.StringP("config", "c", "", "Path to the YAML config file")
	streamsPath := fs.StringP("streams", "s", "", "Stream config file or directory (required)")
	upstream := fs.Bool("upstream", false, "Also check that each stream is listed upstream")
	stores := fs.Bool("stores", false, "Also check chunks and time order of existing stores")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: harvest validate [options]

Check the configuration and stream config files without harvesting.

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

	cfg, err := loadConfig(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "[harvest] Invalid config: %v\n", err)
		return ExitValidationFailed
	}
	targets, err := loadTargets(*streamsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[harvest] Invalid stream config: %v\n", err)
		return ExitValidationFailed
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *upstream {
		client := newClient(cfg)

		missing := 0
		for _, t := range targets {
			_, err := client.FindStream(ctx, t.ID.Instrument(), t.ID.Method(), t.ID.Stream())
			switch {
			case errors.Is(err, m2m.ErrStreamNotFound):
				fmt.Fprintf(os.Stderr, "[harvest] %s is not listed upstream\n", t.ID)
				missing++
			case err != nil:
				fmt.Fprintf(os.Stderr, "Error checking %s: %v\n", t.ID, err)
				return ExitUpstreamError
			}
		}
		if missing > 0 {
			fmt.Fprintf(os.Stderr, "[harvest] %d of %d streams are not listed upstream\n", missing, len(targets))
			return ExitValidationFailed
		}
	}

	if *stores {
		if code := validateStores(ctx, targets); code != ExitSuccess {
			return code
		}
	}

	fmt.Fprintf(os.Stderr, "[harvest] %d stream configs valid\n", len(targets))
	return ExitSuccess
}

// validateStores validates the store of each target that has one.
func validateStores(ctx context.Context, targets []harvest.Target) int {
	buckets := harvest.NewBuckets(nil)
	defer buckets.Close()

	invalid := 0
	for _, t := range targets {
		bucket, err := buckets.Open(ctx, t.Options.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		result, err := zarr.Validate(ctx, bucket, t.ID.TableName())
		switch {
		case errors.Is(err, zarr.ErrNotExist):
			fmt.Fprintf(os.Stderr, "[harvest] %s: no store yet\n", t.ID)
			continue
		case err != nil:
			fmt.Fprintf(os.Stderr, "Error validating %s: %v\n", t.ID, err)
			return ExitStorageError
		}
		if result.Valid {
			fmt.Fprintf(os.Stderr, "[harvest] %s: valid (%d variables, %d rows)\n", t.ID, result.Variables, result.TimeLen)
			continue
		}
		invalid++
		fmt.Fprintf(os.Stderr, "[harvest] %s: INVALID\n", t.ID)
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
	}
	if invalid > 0 {
		return ExitValidationFailed
	}
	return ExitSuccess
}
