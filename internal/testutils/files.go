// Package testutils provides shared test infrastructure: a fake upstream
// M2M API, a static file server and, behind the integration build tag, a
// MinIO container.
package testutils

import (
	"bytes"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// GenerateTestData generates test data of the given size.
// For files <= 10MB, uses deterministic pattern. For larger files, uses random data.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 256)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// FileServer serves fixed files by path.
type FileServer struct {
	*httptest.Server

	// Requests counts GET requests, including range requests.
	Requests atomic.Int32
}

// StartFileServer serves files keyed by URL path ("/a.nc"). With ranges
// set, HEAD and Range requests are answered as a static file server would;
// otherwise every GET returns the whole body and ranges are not advertised.
func StartFileServer(t *testing.T, files map[string][]byte, ranges bool) *FileServer {
	t.Helper()
	fs := &FileServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet {
			fs.Requests.Add(1)
		}
		if !ranges {
			if r.Method == http.MethodHead {
				w.Header().Set("Content-Length", strconv.Itoa(len(data)))
				return
			}
			w.Write(data)
			return
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(fs.Close)
	return fs
}
