package dataset

import (
	"errors"
	"slices"
	"strings"

	"github.com/ligustah/harvest/pkg/zarr"
)

// ObsDim is the record dimension of upstream result files.
const ObsDim = "obs"

// ErrNoTime is returned when a dataset indexed by obs has no time
// variable along it.
var ErrNoTime = errors.New("dataset: no time variable along obs")

// Prepare converts a decoded result file into the layout written to the
// store. When the file is indexed by obs, time becomes the leading
// dimension and the obs index and the other coordinate variables are
// dropped. String variables are dropped except qartod_executed flags.
// It returns the names of the dropped variables, sorted.
func Prepare(ds *zarr.Dataset) ([]string, error) {
	var dropped []string
	if usesDim(ds, ObsDim) {
		t := ds.Vars[zarr.TimeDim]
		if t == nil || !slices.Equal(t.Dims, []string{ObsDim}) {
			return nil, ErrNoTime
		}
		coords := coordinateNames(ds)
		for name, v := range ds.Vars {
			if name == ObsDim || (coords[name] && name != zarr.TimeDim) {
				delete(ds.Vars, name)
				dropped = append(dropped, name)
				continue
			}
			for i, d := range v.Dims {
				if d == ObsDim {
					v.Dims[i] = zarr.TimeDim
				}
			}
		}
	}
	for name, v := range ds.Vars {
		if v.DType.IsString() && !strings.Contains(name, "qartod_executed") {
			delete(ds.Vars, name)
			dropped = append(dropped, name)
		}
	}
	slices.Sort(dropped)
	return dropped, nil
}

func usesDim(ds *zarr.Dataset, dim string) bool {
	for _, v := range ds.Vars {
		if slices.Contains(v.Dims, dim) {
			return true
		}
	}
	return false
}

// coordinateNames collects the variables named by CF "coordinates"
// attributes.
func coordinateNames(ds *zarr.Dataset) map[string]bool {
	names := make(map[string]bool)
	for _, v := range ds.Vars {
		s, _ := v.Attrs["coordinates"].(string)
		for _, c := range strings.Fields(s) {
			names[c] = true
		}
	}
	return names
}
