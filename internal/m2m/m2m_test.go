package m2m

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ligustah/harvest/internal/testutils"
)

const (
	refdes = "CE02SHSM-RID27-03-CTDBPC000"
	table  = "CE02SHSM-RID27-03-CTDBPC000-telemetered-ctdbp_cdef_dcl_instrument"
	email  = "harvest@example.org"
)

var (
	begin = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC)
)

func newFake(t *testing.T) (*Client, *testutils.FakeM2M) {
	t.Helper()
	fake := testutils.StartFakeM2M(t, email)
	fake.AddStream(testutils.FakeStream{RefDes: refdes, Method: "telemetered", Name: "ctdbp_cdef_dcl_instrument", Begin: begin, End: end})
	fake.AddStream(testutils.FakeStream{RefDes: refdes, Method: "recovered_host", Name: "ctdbp_cdef_dcl_instrument_recovered", Begin: begin, End: end})
	c := NewClient(Options{
		BaseURL:    fake.BaseURL(),
		AsyncURL:   fake.AsyncURL(),
		ThreddsURL: fake.ThreddsURL(),
		Email:      email,
	})
	return c, fake
}

func resultFile(table string, dep int, start, end time.Time) string {
	const layout = "20060102T150405.000000"
	return fmt.Sprintf("deployment%04d_%s_%s-%s.nc", dep, table, start.Format(layout), end.Format(layout))
}

func TestFindStream(t *testing.T) {
	c, _ := newFake(t)
	ctx := context.Background()

	s, err := c.FindStream(ctx, refdes, "telemetered", "ctdbp_cdef_dcl_instrument")
	if err != nil {
		t.Fatalf("FindStream: %v", err)
	}
	if s.TableName() != table {
		t.Errorf("TableName = %s", s.TableName())
	}
	if s.Platform != "CE02SHSM" || s.Mooring != "RID27" || s.Instrument != "03-CTDBPC000" {
		t.Errorf("codes = %s/%s/%s", s.Platform, s.Mooring, s.Instrument)
	}
	if !s.BeginTime.Equal(begin) || !s.EndTime.Equal(end) {
		t.Errorf("range = %v .. %v", s.BeginTime, s.EndTime)
	}

	_, err = c.FindStream(ctx, refdes, "streamed", "ctdbp_cdef_dcl_instrument")
	if !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestDiscover(t *testing.T) {
	c, _ := newFake(t)
	streams, err := c.Discover(context.Background(), 4, refdes)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(streams))
	}
	for _, s := range streams {
		if s.StreamType != "Science" || s.StreamContent != "Science Data" {
			t.Errorf("%s: type = %q/%q", s.TableName(), s.StreamType, s.StreamContent)
		}
	}

	none, err := c.Discover(context.Background(), 4, "RS01SBPS-PC01A-4A-CTDPFA103")
	if err != nil || len(none) != 0 {
		t.Errorf("Discover(unknown) = %v, %v", none, err)
	}
}

func TestEndTime(t *testing.T) {
	c, fake := newFake(t)
	later := end.Add(time.Hour)
	fake.SetEnd(refdes, "telemetered", "ctdbp_cdef_dcl_instrument", later)

	got, err := c.EndTime(context.Background(), refdes, "telemetered", "ctdbp_cdef_dcl_instrument")
	if err != nil {
		t.Fatalf("EndTime: %v", err)
	}
	if !got.Equal(later) {
		t.Errorf("EndTime = %v, want %v", got, later)
	}

	if _, err := c.EndTime(context.Background(), "bogus", "m", "n"); err == nil {
		t.Error("expected error for invalid reference designator")
	}
}

func TestMaintenancePage(t *testing.T) {
	c, fake := newFake(t)
	fake.SetMaintenance(true)

	_, err := c.EndTime(context.Background(), refdes, "telemetered", "ctdbp_cdef_dcl_instrument")
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, ErrMaintenance) {
		t.Fatalf("expected maintenance error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Scheduled Maintenance") {
		t.Errorf("error does not carry the page title: %v", err)
	}
}

func TestEstimate(t *testing.T) {
	c, fake := newFake(t)
	ctx := context.Background()
	s, err := c.FindStream(ctx, refdes, "telemetered", "ctdbp_cdef_dcl_instrument")
	if err != nil {
		t.Fatalf("FindStream: %v", err)
	}

	est, err := c.Estimate(ctx, *s, begin, end)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if !est.Available() || est.RequestUUID != "estimate-1" {
		t.Errorf("estimate = %+v", est)
	}
	if est.Request.Params["estimate_only"] != "false" {
		t.Errorf("request for submission should not be estimate-only: %v", est.Request.Params)
	}
	q := fake.Queries()[0]
	for _, want := range []string{"estimate_only=true", "beginDT=2020-01-01T00%3A00%3A00.000000Z", "format=application%2Fnetcdf", "limit=-1", "email=harvest%40example.org"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q missing %q", q, want)
		}
	}

	fake.SetNoData(true)
	est, err = c.Estimate(ctx, *s, begin, end)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if est.Available() || est.StatusCode != 404 {
		t.Errorf("expected unavailable estimate, got %+v", est)
	}
}

func TestSubmitReadyAndFiles(t *testing.T) {
	c, fake := newFake(t)
	ctx := context.Background()

	first := resultFile(table, 1, begin, begin.AddDate(0, 6, 0))
	second := resultFile(table, 2, begin.AddDate(0, 7, 0), begin.AddDate(1, 0, 0))
	fake.SetFiles(map[string][]byte{
		second: []byte("two"),
		first:  []byte("one"),
		resultFile("CE02SHSM-RID27-03-CTDBPC000-telemetered-ancillary", 1, begin, end): []byte("x"),
	})

	s, _ := c.FindStream(ctx, refdes, "telemetered", "ctdbp_cdef_dcl_instrument")
	req := c.NewRequest(*s, begin, end, false)
	res, err := c.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Failed() || res.RequestID != "request-1" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasSuffix(res.StatusURL, "/status.txt") || !strings.Contains(res.StatusURL, "/async_results/") {
		t.Errorf("status url = %s", res.StatusURL)
	}
	if _, err := res.RequestedAt(); err != nil {
		t.Errorf("RequestedAt: %v", err)
	}

	ready, err := c.Ready(ctx, res)
	if err != nil || !ready {
		t.Fatalf("Ready = %v, %v", ready, err)
	}
	fake.SetReady(false)
	ready, err = c.Ready(ctx, res)
	if err != nil || ready {
		t.Fatalf("Ready after SetReady(false) = %v, %v", ready, err)
	}

	files, err := c.ResultFiles(ctx, res, table)
	if err != nil {
		t.Fatalf("ResultFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Name != first || files[1].Name != second || files[1].Deployment != 2 {
		t.Errorf("files out of order: %+v", files)
	}
	if files[0].SizeBytes != 3 {
		t.Errorf("size = %d", files[0].SizeBytes)
	}
	body, err := c.HTTP().Get(ctx, files[0].URL)
	if err != nil {
		t.Fatalf("download %s: %v", files[0].URL, err)
	}
	body.Close()
}

func TestSubmitRejected(t *testing.T) {
	c, _ := newFake(t)
	s := Stream{ReferenceDesignator: refdes, Platform: "CE02SHSM", Mooring: "RID27", Instrument: "03-CTDBPC000", Method: "streamed", Name: "nope"}
	res, err := c.Submit(context.Background(), c.NewRequest(s, begin, end, false))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Failed() || res.StatusCode != 404 || res.Reason != "Not Found" {
		t.Errorf("result = %+v", res)
	}
}

func TestGoldCopy(t *testing.T) {
	c, fake := newFake(t)
	ctx := context.Background()

	res, err := c.GoldCopy(ctx, table)
	if err != nil || res != nil {
		t.Fatalf("GoldCopy with no earlier requests = %v, %v", res, err)
	}

	// A short earlier request is not reused.
	fake.SetFiles(map[string][]byte{resultFile(table, 1, begin, begin.AddDate(0, 1, 0)): []byte("a")})
	s, _ := c.FindStream(ctx, refdes, "telemetered", "ctdbp_cdef_dcl_instrument")
	if _, err := c.Submit(ctx, c.NewRequest(*s, begin, end, false)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res, err := c.GoldCopy(ctx, table); err != nil || res != nil {
		t.Fatalf("GoldCopy with short request = %v, %v", res, err)
	}

	fake.SetFiles(map[string][]byte{
		resultFile(table, 1, begin, begin.AddDate(0, 2, 0)):                  []byte("aa"),
		resultFile(table, 2, begin.AddDate(0, 3, 0), begin.AddDate(1, 0, 0)): []byte("bbb"),
	})
	res, err = c.GoldCopy(ctx, table)
	if err != nil {
		t.Fatalf("GoldCopy: %v", err)
	}
	if res == nil || !strings.HasPrefix(res.RequestID, "cache-") {
		t.Fatalf("expected cached result, got %+v", res)
	}
	if res.DataSize != 5 || !strings.HasSuffix(res.StatusURL, "/status.txt") {
		t.Errorf("result = %+v", res)
	}

	fake.SetReady(false)
	if res, err := c.GoldCopy(ctx, table); err != nil || res != nil {
		t.Errorf("GoldCopy with incomplete requests = %v, %v", res, err)
	}
}

func TestParseFileName(t *testing.T) {
	name := "deployment0003_" + table + "_20160929T181500.157000-20170331T235959.920000.nc"
	got, dep, start, stop, err := ParseFileName(name)
	if err != nil {
		t.Fatalf("ParseFileName: %v", err)
	}
	if got != table || dep != 3 {
		t.Errorf("table/deployment = %s/%d", got, dep)
	}
	if !start.Equal(time.Date(2016, 9, 29, 18, 15, 0, 157_000_000, time.UTC)) {
		t.Errorf("start = %v", start)
	}
	if !stop.Equal(time.Date(2017, 3, 31, 23, 59, 59, 920_000_000, time.UTC)) {
		t.Errorf("end = %v", stop)
	}

	for _, bad := range []string{"status.txt", "deployment0001_x.nc", table + ".nc"} {
		if _, _, _, _, err := ParseFileName(bad); err == nil {
			t.Errorf("ParseFileName(%q): expected error", bad)
		}
	}
}

func TestParseCatalog(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<catalog xmlns="http://www.unidata.ucar.edu/namespaces/thredds/InvCatalog/v1.0" xmlns:xlink="http://www.w3.org/1999/xlink">
  <service name="all" serviceType="Compound" base="">
    <service name="http" serviceType="HTTPServer" base="/thredds/fileServer/"/>
  </service>
  <dataset name="root">
    <dataset name="inner">
      <dataset name="deployment0001_` + table + `_20200101T000000.000000-20200201T000000.000000.nc" urlPath="ooi/x/req/deployment0001_` + table + `_20200101T000000.000000-20200201T000000.000000.nc">
        <dataSize units="Mbytes">1.5</dataSize>
      </dataset>
    </dataset>
    <dataset name="status.txt" urlPath="ooi/x/req/status.txt"/>
    <catalogRef xlink:href="child/catalog.xml" xlink:title="child"/>
  </dataset>
</catalog>`
	cat, err := ParseCatalog("https://opendap.example.org/thredds/catalog/ooi/x/req/catalog.xml", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	if !cat.HasStatus() {
		t.Error("expected status.txt to be found")
	}
	if len(cat.Refs) != 1 || cat.Refs[0].Href != "https://opendap.example.org/thredds/catalog/ooi/x/req/child/catalog.xml" {
		t.Errorf("refs = %+v", cat.Refs)
	}
	files := cat.Files(table)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if files[0].SizeBytes != 1_500_000 {
		t.Errorf("size = %d", files[0].SizeBytes)
	}
	if !strings.HasPrefix(files[0].URL, "https://opendap.example.org/thredds/fileServer/ooi/x/req/deployment0001_") {
		t.Errorf("url = %s", files[0].URL)
	}
}

func TestSortByStart(t *testing.T) {
	files := []DatasetFile{
		{Name: "c", StartTS: begin.Add(2 * time.Hour)},
		{Name: "a", StartTS: begin},
		{Name: "b", StartTS: begin.Add(time.Hour)},
	}
	SortByStart(files)
	if files[0].Name != "a" || files[1].Name != "b" || files[2].Name != "c" {
		t.Errorf("order = %s %s %s", files[0].Name, files[1].Name, files[2].Name)
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2021-06-30T23:59:59.500Z", time.Date(2021, 6, 30, 23, 59, 59, 500_000_000, time.UTC)},
		{"2021-06-30T23:59:59", time.Date(2021, 6, 30, 23, 59, 59, 0, time.UTC)},
		{"2021-06-30 23:59:59.25", time.Date(2021, 6, 30, 23, 59, 59, 250_000_000, time.UTC)},
		{"20210630T235959.000000", time.Date(2021, 6, 30, 23, 59, 59, 0, time.UTC)},
		{"2021-06-30", time.Date(2021, 6, 30, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in)
		if err != nil {
			t.Errorf("ParseTime(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseTime("soon"); err == nil {
		t.Error("expected error")
	}
	if got := FormatTime(time.Date(2021, 6, 30, 1, 2, 3, 4_000, time.UTC)); got != "2021-06-30T01:02:03.000004Z" {
		t.Errorf("FormatTime = %s", got)
	}
}
