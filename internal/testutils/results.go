package testutils

import (
	"encoding/json"
	"fmt"
	"time"
)

// OOIEpoch is the reference of upstream time values.
var OOIEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// Seconds returns t as seconds since OOIEpoch.
func Seconds(t time.Time) float64 {
	return t.Sub(OOIEpoch).Seconds()
}

// ResultFile builds the netCDF-JSON rendering of an upstream result file
// laid out like the real ones: an obs record dimension with time, lat and
// lon along it, a temperature variable with its qartod flags and a string
// id variable.
type ResultFile struct {
	Times []float64

	// Bins adds a velocity(obs, bin) variable with this many bins.
	Bins int

	// EmptyQartod lists rows whose qartod_executed flag is empty.
	EmptyQartod []int

	// Extra holds additional variables in netCDF-JSON form.
	Extra map[string]any
}

// JSON renders the file.
func (f ResultFile) JSON() []byte {
	n := len(f.Times)
	obs := make([]any, n)
	lat := make([]any, n)
	lon := make([]any, n)
	temp := make([]any, n)
	flags := make([]any, n)
	ids := make([]any, n)
	for i := range f.Times {
		obs[i] = i
		lat[i] = 44.6
		lon[i] = -124.3
		temp[i] = 10 + float64(i%10)/10
		flags[i] = "1111"
		ids[i] = fmt.Sprintf("%08d-0000-0000-0000-000000000000", i)
	}
	for _, i := range f.EmptyQartod {
		flags[i] = ""
	}

	vars := map[string]any{
		"obs": map[string]any{"type": "int", "dimensions": []string{"obs"}, "data": obs},
		"time": map[string]any{
			"type":       "double",
			"dimensions": []string{"obs"},
			"attributes": map[string]any{"units": "seconds since 1900-01-01 0:0:0", "calendar": "gregorian", "standard_name": "time"},
			"data":       append([]float64{}, f.Times...),
		},
		"lat": map[string]any{"type": "double", "dimensions": []string{"obs"}, "data": lat},
		"lon": map[string]any{"type": "double", "dimensions": []string{"obs"}, "data": lon},
		"sea_water_temperature": map[string]any{
			"type":       "double",
			"dimensions": []string{"obs"},
			"attributes": map[string]any{
				"units":               "ºC",
				"coordinates":         "time lat lon",
				"ancillary_variables": "sea_water_temperature_qartod_executed,sea_water_temperature_qc_results",
				"_FillValue":          -9999999.0,
				"valid_range":         []any{-5.0, 40.0},
			},
			"data": temp,
		},
		"sea_water_temperature_qartod_executed": map[string]any{
			"type":       "char",
			"dimensions": []string{"obs", "string4"},
			"data":       flags,
		},
		"id": map[string]any{"type": "char", "dimensions": []string{"obs", "string36"}, "data": ids},
		"deployment": map[string]any{
			"type":       "int",
			"dimensions": []string{"obs"},
			"data":       constant(n, 1),
		},
	}
	dims := map[string]int{"obs": n, "string4": 4, "string36": 36}
	if f.Bins > 0 {
		dims["bin"] = f.Bins
		vel := make([]any, n)
		for i := range vel {
			row := make([]any, f.Bins)
			for j := range row {
				row[j] = float64(i*f.Bins+j) / 100
			}
			vel[i] = row
		}
		vars["velocity"] = map[string]any{"type": "float", "dimensions": []string{"obs", "bin"}, "data": vel}
		bins := make([]any, f.Bins)
		for j := range bins {
			bins[j] = float64(j)
		}
		vars["bin"] = map[string]any{"type": "double", "dimensions": []string{"bin"}, "data": bins}
	}
	for k, v := range f.Extra {
		vars[k] = v
	}

	doc := map[string]any{
		"attributes": map[string]any{
			"title":        "Data produced by Stream Engine",
			"uuid":         "7a2e4a2c",
			"requestUUID":  "r-1",
			"Conventions":  map[string]any{"type": "char", "data": "CF-1.6"},
			"feature_Type": "timeSeries",
		},
		"dimensions": dims,
		"variables":  vars,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

func constant(n int, v any) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = v
	}
	return out
}
