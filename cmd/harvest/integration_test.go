//go:build integration

package main

import (
	"context"
	"testing"
	"time"

	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/harvest/internal/status"
	"github.com/ligustah/harvest/internal/testutils"
	"github.com/ligustah/harvest/pkg/zarr"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	t.Log("Starting Minio container...")
	minio := testutils.StartMinioContainer(t, ctx, "harvest-cli-test")
	defer func() {
		if err := minio.Close(ctx); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	}()

	statusURL := minio.PrefixURL("status")
	dataURL := minio.PrefixURL("data")
	configPath, streamsDir, fake := setup(t, statusURL, minio.PrefixURL("cache"), minio.PrefixURL("temp"), dataURL)

	t.Run("run", func(t *testing.T) {
		if code := runHarvest([]string{"-c", configPath, "-s", streamsDir}); code != ExitSuccess {
			t.Fatalf("run failed with exit code %d", code)
		}
		if fake.Submits() != 1 {
			t.Fatalf("submits = %d", fake.Submits())
		}
	})

	t.Run("store", func(t *testing.T) {
		bucket, err := openBuckets(ctx, dataURL)
		if err != nil {
			t.Fatalf("open data bucket: %v", err)
		}
		defer closeBuckets(bucket)
		st, err := zarr.Open(ctx, bucket[0], testTable)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		if st.TimeLen() != 100 {
			t.Fatalf("TimeLen = %d", st.TimeLen())
		}
		if _, ok := st.Attrs()["time_coverage_end"]; !ok {
			t.Fatalf("time_coverage_end missing")
		}
	})

	t.Run("status", func(t *testing.T) {
		if code := runStatus([]string{"-c", configPath}); code != ExitSuccess {
			t.Fatalf("status failed with exit code %d", code)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if code := runDelete([]string{"-c", configPath, "--path", dataURL, "--stream", testTable, "--force"}); code != ExitSuccess {
			t.Fatalf("delete failed with exit code %d", code)
		}

		buckets, err := openBuckets(ctx, dataURL, statusURL)
		if err != nil {
			t.Fatalf("open buckets: %v", err)
		}
		defer closeBuckets(buckets)
		if ok, err := zarr.Exists(ctx, buckets[0], testTable); err != nil || ok {
			t.Fatalf("store still exists: %v %v", ok, err)
		}
		rec, err := status.NewStore(buckets[1], "").Read(ctx, testTable)
		if err != nil || rec.Phase() != status.PhaseIdle {
			t.Fatalf("status after delete = %v %v", rec, err)
		}
	})
}
