// Package downloader fetches request result files to local disk.
//
// Files are placed in a scoped temporary directory that the caller removes
// once the dataset has been written:
//
//	dir, cleanup, err := downloader.TempDir("harvest-*")
//	if err != nil {
//	    return err
//	}
//	defer cleanup()
//
//	d := downloader.New(client, downloader.Options{Workers: 4})
//	f, err := d.Fetch(ctx, file.URL, dir)
//
// # Worker Pool
//
// Files larger than one chunk are split into ranges. Workers receive range
// assignments from a channel, make HTTP range requests and write each
// response at its offset in the destination file. Servers that do not
// honour ranges are read with a single GET.
//
// # Circuit Breaker
//
// After MaxConsecutiveFailures failed ranges in a row the remaining work is
// cancelled and a *CircuitBreakerError lists the failures.
package downloader
