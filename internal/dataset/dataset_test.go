package dataset

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ligustah/harvest/internal/testutils"
	"github.com/ligustah/harvest/pkg/zarr"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func times(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = testutils.Seconds(t0.Add(time.Duration(i) * time.Minute))
	}
	return out
}

func decode(t *testing.T, f testutils.ResultFile) *zarr.Dataset {
	t.Helper()
	ds, err := DecodeJSON(bytes.NewReader(f.JSON()))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	return ds
}

func TestDecodeJSON(t *testing.T) {
	ds := decode(t, testutils.ResultFile{Times: times(5), Bins: 3})

	tv := ds.Vars["time"]
	if tv == nil || tv.DType != zarr.Float64 || !slices.Equal(tv.Dims, []string{"obs"}) || tv.Rows() != 5 {
		t.Fatalf("time = %+v", tv)
	}
	if tv.Attrs["units"] != "seconds since 1900-01-01 0:0:0" {
		t.Errorf("time units = %v", tv.Attrs["units"])
	}

	temp := ds.Vars["sea_water_temperature"]
	if temp.FillValue != -9999999.0 {
		t.Errorf("fill value = %v", temp.FillValue)
	}
	if _, ok := temp.Attrs["_FillValue"]; ok {
		t.Error("_FillValue should move out of the attributes")
	}

	flags := ds.Vars["sea_water_temperature_qartod_executed"]
	if flags.DType != zarr.StringDType(4) || !slices.Equal(flags.Dims, []string{"obs"}) || flags.Strings[0] != "1111" {
		t.Errorf("flags = %s %v %v", flags.DType, flags.Dims, flags.Strings)
	}

	vel := ds.Vars["velocity"]
	if vel.DType != zarr.Float32 || !slices.Equal(vel.Shape, []int{5, 3}) || vel.Values[4] != 0.04 {
		t.Errorf("velocity = %s %v %v", vel.DType, vel.Shape, vel.Values[:5])
	}
	if ds.Attrs["Conventions"] != "CF-1.6" {
		t.Errorf("typed attribute not unwrapped: %v", ds.Attrs["Conventions"])
	}
}

func TestDecodeNullUsesFillValue(t *testing.T) {
	doc := `{"dimensions": {"obs": 3}, "variables": {
		"time": {"type": "double", "dimensions": ["obs"], "data": [1, 2, 3]},
		"a": {"type": "float", "dimensions": ["obs"], "attributes": {"_FillValue": -1}, "data": [1, null, 3]},
		"b": {"type": "double", "dimensions": ["obs"], "data": [null, 2, 3]}
	}}`
	ds, err := DecodeJSON(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if got := ds.Vars["a"].Values[1]; got != -1 {
		t.Errorf("a[1] = %v, want fill value", got)
	}
	if got := ds.Vars["b"].Values[0]; !math.IsNaN(got) {
		t.Errorf("b[0] = %v, want NaN", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]string{
		"syntax":        `{"variables": `,
		"unknown dim":   `{"dimensions": {}, "variables": {"x": {"type": "double", "dimensions": ["obs"], "data": [1]}}}`,
		"unknown type":  `{"dimensions": {"obs": 1}, "variables": {"x": {"type": "compound", "dimensions": ["obs"], "data": [1]}}}`,
		"short data":    `{"dimensions": {"obs": 2}, "variables": {"x": {"type": "double", "dimensions": ["obs"], "data": [1]}}}`,
		"string number": `{"dimensions": {"obs": 1}, "variables": {"x": {"type": "double", "dimensions": ["obs"], "data": ["one"]}}}`,
	}
	for name, doc := range tests {
		if _, err := DecodeJSON(strings.NewReader(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestJSONDecoderGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(testutils.ResultFile{Times: times(4)}.JSON())
	zw.Close()

	path := filepath.Join(t.TempDir(), "deployment0001_x.nc")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ds, err := JSONDecoder{}.Decode(context.Background(), path)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ds.TimeLen() != 4 {
		t.Errorf("time length = %d", ds.TimeLen())
	}
}

func TestPrepare(t *testing.T) {
	ds := decode(t, testutils.ResultFile{Times: times(5), Bins: 2})
	dropped, err := Prepare(ds)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if want := []string{"id", "lat", "lon", "obs"}; !slices.Equal(dropped, want) {
		t.Errorf("dropped = %v, want %v", dropped, want)
	}
	want := []string{"bin", "deployment", "sea_water_temperature", "sea_water_temperature_qartod_executed", "time", "velocity"}
	if got := ds.Names(); !slices.Equal(got, want) {
		t.Errorf("names = %v, want %v", got, want)
	}
	for _, name := range ds.Names() {
		if slices.Contains(ds.Vars[name].Dims, ObsDim) {
			t.Errorf("%s still uses obs: %v", name, ds.Vars[name].Dims)
		}
	}
	if !slices.Equal(ds.Vars["velocity"].Dims, []string{"time", "bin"}) {
		t.Errorf("velocity dims = %v", ds.Vars["velocity"].Dims)
	}
	if err := ds.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestPrepareWithoutObs(t *testing.T) {
	ds := zarr.NewDataset()
	ds.Vars["time"] = &zarr.Variable{Dims: []string{"time"}, Shape: []int{2}, DType: zarr.Float64, Values: []float64{1, 2}}
	ds.Vars["label"] = &zarr.Variable{Dims: []string{"time"}, Shape: []int{2}, DType: zarr.StringDType(1), Strings: []string{"a", "b"}}
	dropped, err := Prepare(ds)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !slices.Equal(dropped, []string{"label"}) || ds.Vars["time"] == nil {
		t.Errorf("dropped = %v, names = %v", dropped, ds.Names())
	}
}

func TestPrepareObsWithoutTime(t *testing.T) {
	ds := zarr.NewDataset()
	ds.Vars["x"] = &zarr.Variable{Dims: []string{"obs"}, Shape: []int{1}, DType: zarr.Float64, Values: []float64{1}}
	if _, err := Prepare(ds); !errors.Is(err, ErrNoTime) {
		t.Errorf("expected ErrNoTime, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	ds := decode(t, testutils.ResultFile{Times: times(2)})
	downloaded := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	Normalize(ds, Provenance{
		Downloaded: downloaded,
		Processed:  downloaded.Add(time.Hour),
		Extra:      map[string]any{"Owner": "someone else", "source_request": "r-1"},
	})

	temp := ds.Vars["sea_water_temperature"].Attrs
	if temp["units"] != "degree_C" {
		t.Errorf("units = %v", temp["units"])
	}
	if temp["valid_range"] != "-5,40" {
		t.Errorf("valid_range = %v", temp["valid_range"])
	}
	if temp["ancillary_variables"] != "sea_water_temperature_qartod_executed sea_water_temperature_qc_results" {
		t.Errorf("ancillary_variables = %v", temp["ancillary_variables"])
	}
	if ds.Vars["lat"].Attrs["long_name"] != "Location Latitude" || ds.Vars["deployment"].Attrs["long_name"] != "Deployment Number" {
		t.Errorf("default long names missing")
	}

	for _, k := range []string{"uuid", "requestUUID", "feature_Type"} {
		if _, ok := ds.Attrs[k]; ok {
			t.Errorf("%s should be removed", k)
		}
	}
	if ds.Attrs["Owner"] != "someone else" || ds.Attrs["source_request"] != "r-1" {
		t.Errorf("extra attributes not applied: %v", ds.Attrs)
	}
	if ds.Attrs["Notes"] != AttrNotes || ds.Attrs["date_downloaded"] != "2024-03-01T10:00:00Z" || ds.Attrs["date_processed"] != "2024-03-01T11:00:00Z" {
		t.Errorf("provenance = %v", ds.Attrs)
	}
}

func TestCheckDuplicates(t *testing.T) {
	ts := times(6)
	ds := decode(t, testutils.ResultFile{Times: ts})
	if err := CheckDuplicates(ds); err != nil {
		t.Fatalf("CheckDuplicates: %v", err)
	}

	ts[2], ts[5] = ts[1], ts[4]
	ds = decode(t, testutils.ResultFile{Times: ts})
	err := CheckDuplicates(ds)
	var de *DuplicateTimestampError
	if !errors.As(err, &de) {
		t.Fatalf("expected DuplicateTimestampError, got %v", err)
	}
	if de.Count != 2 || !de.First.Equal(t0.Add(time.Minute)) || !de.Last.Equal(t0.Add(4*time.Minute)) {
		t.Errorf("error = %+v", de)
	}
}

func TestStripEmptyQartod(t *testing.T) {
	ds := decode(t, testutils.ResultFile{Times: times(6), EmptyQartod: []int{1, 4}})
	if _, err := Prepare(ds); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	removed, err := StripEmptyQartod(ds)
	if err != nil {
		t.Fatalf("StripEmptyQartod: %v", err)
	}
	if len(removed) != 2 || !removed[0].Equal(t0.Add(time.Minute)) || !removed[1].Equal(t0.Add(4*time.Minute)) {
		t.Errorf("removed = %v", removed)
	}
	if ds.TimeLen() != 4 || ds.Vars["sea_water_temperature"].Rows() != 4 {
		t.Errorf("rows left = %d", ds.TimeLen())
	}
	if slices.Contains(ds.Vars["sea_water_temperature_qartod_executed"].Strings, "") {
		t.Error("empty flags left in the dataset")
	}

	clean := decode(t, testutils.ResultFile{Times: times(3)})
	Prepare(clean)
	if removed, err := StripEmptyQartod(clean); err != nil || len(removed) != 0 {
		t.Errorf("clean dataset: removed %v, err %v", removed, err)
	}
}
