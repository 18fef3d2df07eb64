package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gocloud.dev/blob"

	"github.com/ligustah/harvest/internal/status"
	"github.com/ligustah/harvest/internal/testutils"
	"github.com/ligustah/harvest/pkg/zarr"
)

const (
	testRefdes = "CE02SHSM-RID27-03-CTDBPC000"
	testMethod = "telemetered"
	testName   = "ctdbp_cdef_dcl_instrument"
	testTable  = testRefdes + "-" + testMethod + "-" + testName
)

func TestRunUsage(t *testing.T) {
	tests := []struct {
		args []string
		want int
	}{
		{nil, ExitInvalidArgs},
		{[]string{"help"}, ExitSuccess},
		{[]string{"bogus"}, ExitInvalidArgs},
		{[]string{"run"}, ExitInvalidArgs},
		{[]string{"run", "--help"}, ExitSuccess},
		{[]string{"validate"}, ExitInvalidArgs},
		{[]string{"delete", "--path", "mem://"}, ExitInvalidArgs},
		{[]string{"run", "--no-such-flag"}, ExitInvalidArgs},
	}
	for _, tt := range tests {
		if got := run(tt.args); got != tt.want {
			t.Errorf("run(%q) = %d, want %d", tt.args, got, tt.want)
		}
	}
}

// writeFile writes content to name under dir and returns its path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func bucketDir(t *testing.T) string {
	t.Helper()
	return "file://" + t.TempDir()
}

// setup starts a fake upstream with one stream of 100 rows and writes a
// config file and a stream directory for it.
func setup(t *testing.T, statusURL, cacheURL, tempURL, dataURL string) (configPath, streamsDir string, fake *testutils.FakeM2M) {
	t.Helper()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fake = testutils.StartFakeM2M(t, "harvest@example.org")
	fake.AddStream(testutils.FakeStream{RefDes: testRefdes, Method: testMethod, Name: testName, Begin: t0, End: t0.Add(99 * time.Minute)})
	times := make([]float64, 100)
	for i := range times {
		times[i] = testutils.Seconds(t0.Add(time.Duration(i) * time.Minute))
	}
	const layout = "20060102T150405.000000"
	name := fmt.Sprintf("deployment0001_%s_%s-%s.nc", testTable, t0.Format(layout), t0.Add(99*time.Minute).Format(layout))
	fake.SetFiles(map[string][]byte{name: testutils.ResultFile{Times: times}.JSON()})

	dir := t.TempDir()
	configPath = writeFile(t, dir, "harvest.yaml", fmt.Sprintf(`status_bucket: %q
cache_bucket: %q
temp_bucket: %q
concurrency: 2
ooi:
  base_url: %q
  async_url: %q
  thredds_url: %q
  username: OOIAPI-TEST
  token: TEST-TOKEN
  email: harvest@example.org
  rate_limit: 1000
poll:
  attempts: 1
  interval: 10ms
`, statusURL, cacheURL, tempURL, fake.BaseURL(), fake.AsyncURL(), fake.ThreddsURL()))

	streamsDir = filepath.Join(dir, "streams")
	if err := os.Mkdir(streamsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, streamsDir, testTable+".yaml", fmt.Sprintf(`instrument: %s
stream:
  method: %s
  name: %s
harvest_options:
  path: %q
`, testRefdes, testMethod, testName, dataURL))
	return configPath, streamsDir, fake
}

func TestHarvestCommands(t *testing.T) {
	ctx := context.Background()
	statusURL, cacheURL, tempURL, dataURL := bucketDir(t), bucketDir(t), bucketDir(t), bucketDir(t)
	configPath, streamsDir, fake := setup(t, statusURL, cacheURL, tempURL, dataURL)

	if code := runValidate([]string{"-c", configPath, "-s", streamsDir, "--upstream"}); code != ExitSuccess {
		t.Fatalf("validate exit code %d", code)
	}
	if code := runHarvest([]string{"-c", configPath, "-s", streamsDir}); code != ExitSuccess {
		t.Fatalf("run exit code %d", code)
	}
	if fake.Submits() != 1 {
		t.Errorf("submits = %d", fake.Submits())
	}

	data, err := blob.OpenBucket(ctx, dataURL)
	if err != nil {
		t.Fatalf("open data bucket: %v", err)
	}
	defer data.Close()
	st, err := zarr.Open(ctx, data, testTable)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if st.TimeLen() != 100 {
		t.Errorf("TimeLen = %d", st.TimeLen())
	}

	statusBucket, err := blob.OpenBucket(ctx, statusURL)
	if err != nil {
		t.Fatalf("open status bucket: %v", err)
	}
	defer statusBucket.Close()
	statuses := status.NewStore(statusBucket, "")
	rec, err := statuses.Read(ctx, testTable)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if rec.Phase() != status.PhaseProcessed {
		t.Errorf("phase = %s", rec.Phase())
	}

	// Nothing new upstream.
	if code := runHarvest([]string{"-c", configPath, "-s", streamsDir}); code != ExitSuccess {
		t.Fatalf("second run exit code %d", code)
	}
	if fake.Submits() != 1 {
		t.Errorf("submits after second run = %d", fake.Submits())
	}

	if code := runValidate([]string{"-c", configPath, "-s", streamsDir, "--stores"}); code != ExitSuccess {
		t.Fatalf("validate --stores exit code %d", code)
	}
	if code := runStatus([]string{"-c", configPath}); code != ExitSuccess {
		t.Fatalf("status exit code %d", code)
	}
	if code := runStatus([]string{"-c", configPath, "--json", "--stream", testTable}); code != ExitSuccess {
		t.Fatalf("status --json exit code %d", code)
	}

	if code := runDelete([]string{"-c", configPath, "--path", dataURL, "--stream", testTable, "--force"}); code != ExitSuccess {
		t.Fatalf("delete exit code %d", code)
	}
	if ok, err := zarr.Exists(ctx, data, testTable); err != nil || ok {
		t.Errorf("store still exists: %v %v", ok, err)
	}
	if rec, err = statuses.Read(ctx, testTable); err != nil || rec.Phase() != status.PhaseIdle {
		t.Errorf("status after delete = %v %v", rec, err)
	}
}

func TestHarvestFailedStreamExitCode(t *testing.T) {
	statusURL, cacheURL, tempURL, dataURL := bucketDir(t), bucketDir(t), bucketDir(t), bucketDir(t)
	configPath, streamsDir, fake := setup(t, statusURL, cacheURL, tempURL, dataURL)
	fake.SetReady(false)

	if code := runHarvest([]string{"-c", configPath, "-s", streamsDir}); code != ExitHarvestFailed {
		t.Fatalf("run exit code %d, want %d", code, ExitHarvestFailed)
	}
}

func TestValidateRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "harvest.yaml", "status_bucket: mem://\n")
	streams := writeFile(t, dir, "stream.yaml", "instrument: X\nstream:\n  method: m\n  name: n\nharvest_options:\n  path: mem://\n")
	t.Setenv("OOI_USERNAME", "")
	t.Setenv("OOI_TOKEN", "")

	if code := runValidate([]string{"-c", configPath, "-s", streams}); code != ExitValidationFailed {
		t.Fatalf("validate exit code %d, want %d", code, ExitValidationFailed)
	}
}
