// Package progress provides human-readable progress reporting for harvest
// runs and the byte-size parsing used by configuration.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalStreams: len(streams),
//	    Workers:      50,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	reporter.StreamStarted()
//	reporter.DatasetProcessed(size, rows)
//	reporter.StreamFinished("success")
//
// # Output Format
//
//	[harvest] Streams: 120 | Workers: 50
//	[harvest] Progress: 45.0% | 54 finished | 50 in-flight | 16 pending | Elapsed: 3m 12s
//	[harvest] Datasets: 310 | Rows: 18220411 | Downloaded: 12.40 GB
//
// # Byte Sizes
//
// ParseBytes accepts decimal units (KB, MB, GB, TB) and binary units (KiB,
// MiB, GiB, TiB). A chunk limit of "100MB" is 100,000,000 bytes.
package progress
