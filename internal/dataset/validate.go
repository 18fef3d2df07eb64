package dataset

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ligustah/harvest/pkg/zarr"
)

// DuplicateTimestampError reports repeated time values in a dataset.
type DuplicateTimestampError struct {
	Count int
	First time.Time
	Last  time.Time
}

func (e *DuplicateTimestampError) Error() string {
	return fmt.Sprintf("there are %d duplicate time stamps between %s and %s",
		e.Count, e.First.Format(time.RFC3339Nano), e.Last.Format(time.RFC3339Nano))
}

// CheckDuplicates fails with a *DuplicateTimestampError when any time value
// occurs more than once.
func CheckDuplicates(ds *zarr.Dataset) error {
	t := ds.Time()
	if t == nil {
		return zarr.ErrNoTime
	}
	sorted := slices.Clone(t.Values)
	slices.Sort(sorted)
	var dups []float64
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			dups = append(dups, sorted[i])
		}
	}
	if len(dups) == 0 {
		return nil
	}
	units, calendar := timeAttrs(t)
	first, err := zarr.DecodeTime(dups[0], units, calendar)
	if err != nil {
		return err
	}
	last, err := zarr.DecodeTime(dups[len(dups)-1], units, calendar)
	if err != nil {
		return err
	}
	return &DuplicateTimestampError{Count: len(dups), First: first, Last: last}
}

// StripEmptyQartod removes the rows in which any qartod string variable
// holds an empty value and returns the timestamps of the removed rows.
func StripEmptyQartod(ds *zarr.Dataset) ([]time.Time, error) {
	t := ds.Time()
	if t == nil {
		return nil, zarr.ErrNoTime
	}
	n := t.Rows()
	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	for name, v := range ds.Vars {
		if !strings.Contains(name, "qartod") || !v.DType.IsString() || !v.HasTime() {
			continue
		}
		row := v.RowSize()
		for i := 0; i < n; i++ {
			if slices.Contains(v.Strings[i*row:(i+1)*row], "") {
				keep[i] = false
			}
		}
	}

	units, calendar := timeAttrs(t)
	var removed []time.Time
	for i, k := range keep {
		if k {
			continue
		}
		ts, err := zarr.DecodeTime(t.Values[i], units, calendar)
		if err != nil {
			return nil, err
		}
		removed = append(removed, ts)
	}
	if len(removed) > 0 {
		ds.KeepRows(keep)
	}
	return removed, nil
}

func timeAttrs(t *zarr.Variable) (units, calendar string) {
	units, _ = t.Attrs["units"].(string)
	calendar, _ = t.Attrs["calendar"].(string)
	return units, calendar
}
