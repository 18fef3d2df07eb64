package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ligustah/harvest/internal/harvest"
	"github.com/ligustah/harvest/internal/status"
	"github.com/ligustah/harvest/pkg/zarr"
)

// runDelete removes the array store of a stream and resets its status so
// the next run starts with a refresh. Prompts for confirmation unless
// --force is given.
func runDelete(args []string) int {
	fs := pflag.NewFlagSet("delete", pflag.ContinueOnError)

	configPath := fs.StringP("config", "c", "", "Path to the YAML config file")
	path := fs.String("path", "", "Bucket URL holding the store (required)")
	table := fs.String("stream", "", "Table name of the stream (required)")
	force := fs.Bool("force", false, "Skip confirmation prompt")
	keepStatus := fs.Bool("keep-status", false, "Leave the status document in place")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: harvest delete [options]

Remove the array store and status document of a stream.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}
	if *path == "" || *table == "" {
		fmt.Fprintln(os.Stderr, "Error: --path and --stream are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err == nil && !*keepStatus {
		err = requireStatusBucket(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	location := harvest.Location(*path, *table)
	if !*force {
		fmt.Printf("Delete store %s? [y/N]: ", location)
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(os.Stderr, "Cancelled")
			return ExitSuccess
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	urls := []string{*path}
	if !*keepStatus {
		urls = append(urls, cfg.StatusBucket)
	}
	buckets, err := openBuckets(ctx, urls...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer closeBuckets(buckets)

	if err := zarr.Delete(ctx, buckets[0], *table); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	if !*keepStatus {
		if err := status.NewStore(buckets[1], "").Delete(ctx, *table); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitStorageError
		}
	}

	fmt.Fprintf(os.Stderr, "[harvest] Deleted: %s\n", location)
	return ExitSuccess
}
