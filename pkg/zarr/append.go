package zarr

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DimensionMismatchError reports a variable whose dimensions cannot be
// aligned with the stored array.
type DimensionMismatchError struct {
	Variable string
	Stored   []string
	Incoming []string
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("zarr: dimension mismatch for %s: stored (%s), incoming (%s)",
		e.Variable, strings.Join(e.Stored, ", "), strings.Join(e.Incoming, ", "))
}

func describeDims(dims []string, shape []int) []string {
	out := make([]string, len(dims))
	for i, d := range dims {
		out[i] = d + "=" + strconv.Itoa(shape[i])
	}
	return out
}

// Append adds the rows of ds to the end of the time axis using the stored
// encodings. Variables new to the store are created with the encoding from
// enc (or a computed default) and back-filled for the existing rows; stored
// variables missing from ds are extended with fill values.
//
// Non-time dimensions must already match, see Reconcile. Incoming times are
// re-encoded with the stored units and calendar. The first time value of ds
// must be greater than the last stored one and ds itself must not go
// backwards in time.
func (s *Store) Append(ctx context.Context, ds *Dataset, enc Encodings) error {
	t := ds.Time()
	if t == nil {
		return ErrNoTime
	}
	if err := ds.Validate(); err != nil {
		return err
	}
	for _, name := range ds.Names() {
		if err := s.checkDims(name, ds.Vars[name], true); err != nil {
			return err
		}
	}
	if err := s.EncodeTimeAs(ds); err != nil {
		return err
	}
	var last *float64
	if s.TimeLen() > 0 {
		v, err := s.LastTimeValue(ctx)
		if err != nil {
			return err
		}
		last = &v
	}
	if err := checkStrictlyIncreasing(t.Values, last); err != nil {
		return err
	}
	n := t.Rows()
	if n == 0 {
		return nil
	}
	enc = enc.Merge(ComputeEncodings(ds, DefaultMaxChunkBytes, DefaultCompressor))

	if err := s.deleteMarker(ctx); err != nil {
		return err
	}
	existing := s.TimeLen()
	for _, name := range writeOrder(ds) {
		v := ds.Vars[name]
		if _, ok := s.arrays[name]; !ok {
			if err := s.createArray(ctx, name, v, enc[name], existing); err != nil {
				return err
			}
		}
		if !s.hasTime(name) {
			continue
		}
		if name == TimeDim {
			// Time commits the append, everything else goes first.
			for _, other := range s.Variables() {
				if _, ok := ds.Vars[other]; ok || !s.hasTime(other) {
					continue
				}
				if err := s.writeRows(ctx, other, s.fillRows(other, n)); err != nil {
					return err
				}
			}
		}
		if err := s.writeRows(ctx, name, v); err != nil {
			return err
		}
	}
	maps.Copy(s.attrs, cleanAttrs(ds.Attrs))
	if err := s.writeJSON(ctx, attrsKey, s.attrs); err != nil {
		return err
	}
	return s.Consolidate(ctx)
}

// createArray adds a variable that the store does not yet hold. Time indexed
// variables are back-filled for the existing rows.
func (s *Store) createArray(ctx context.Context, name string, v *Variable, enc Encoding, existing int) error {
	meta := enc.arrayMeta(v.Shape)
	s.dims[name] = slices.Clone(v.Dims)
	s.vattrs[name] = maps.Clone(v.Attrs)
	if !v.HasTime() {
		if err := meta.validate(); err != nil {
			return fmt.Errorf("zarr: %s: %w", name, err)
		}
		s.arrays[name] = meta
		return s.writeRows(ctx, name, v)
	}
	meta.Shape[0] = 0
	if err := meta.validate(); err != nil {
		return fmt.Errorf("zarr: %s: %w", name, err)
	}
	s.arrays[name] = meta
	if existing == 0 {
		return nil
	}
	return s.writeRows(ctx, name, s.fillRows(name, existing))
}

// checkDims compares a variable with its stored counterpart. When
// sizes is set the non-time extents must match as well.
func (s *Store) checkDims(name string, v *Variable, sizes bool) error {
	m, ok := s.arrays[name]
	if !ok {
		return nil
	}
	stored := s.dims[name]
	mismatch := &DimensionMismatchError{
		Variable: name,
		Stored:   describeDims(stored, m.Shape),
		Incoming: describeDims(v.Dims, v.Shape),
	}
	if !slices.Equal(stored, v.Dims) {
		return mismatch
	}
	if v.DType.IsString() != m.DType.IsString() {
		return fmt.Errorf("zarr: %s has dtype %s, stored as %s", name, v.DType, m.DType)
	}
	if !sizes {
		return nil
	}
	for i := range v.Shape {
		if (i == 0 && v.HasTime()) || v.Shape[i] == m.Shape[i] {
			continue
		}
		return mismatch
	}
	return nil
}

// Reconcile aligns the non-time extents of ds with the store. A dimension
// that is larger in ds grows the stored arrays; one that is smaller is
// padded in ds with the stored fill value. Variables whose dimension names
// or order differ from the stored array yield a *DimensionMismatchError and
// leave both sides untouched.
func (s *Store) Reconcile(ctx context.Context, ds *Dataset) error {
	for _, name := range ds.Names() {
		if err := s.checkDims(name, ds.Vars[name], false); err != nil {
			return err
		}
	}
	incoming, err := ds.DimSizes()
	if err != nil {
		return err
	}
	stored := s.dimSizes()
	for _, dim := range slices.Sorted(maps.Keys(incoming)) {
		have, ok := stored[dim]
		if dim == TimeDim || !ok {
			continue
		}
		want := incoming[dim]
		switch {
		case want > have:
			if err := s.Reindex(ctx, dim, want); err != nil {
				return err
			}
			// Coordinates along the grown dimension come from ds.
			for _, name := range ds.Names() {
				v := ds.Vars[name]
				if _, ok := s.arrays[name]; !ok || v.HasTime() || !slices.Contains(v.Dims, dim) {
					continue
				}
				if !slices.Equal(v.Shape, s.arrays[name].Shape) {
					continue
				}
				if err := s.writeRows(ctx, name, v); err != nil {
					return err
				}
			}
		case want < have:
			for _, name := range ds.Names() {
				v := ds.Vars[name]
				axis := slices.Index(v.Dims, dim)
				if axis < 0 {
					continue
				}
				if m, ok := s.arrays[name]; ok {
					v.FillValue = m.FillValue
				}
				if err := v.Pad(axis, have); err != nil {
					return fmt.Errorf("zarr: pad %s: %w", name, err)
				}
			}
		}
	}
	return nil
}

// Reindex grows dim to size in every stored array, filling new cells with
// each array's fill value. Affected arrays are rewritten.
func (s *Store) Reindex(ctx context.Context, dim string, size int) error {
	if dim == TimeDim {
		return fmt.Errorf("zarr: cannot reindex %s", TimeDim)
	}
	if err := s.deleteMarker(ctx); err != nil {
		return err
	}
	for _, name := range s.Variables() {
		axis := slices.Index(s.dims[name], dim)
		m := s.arrays[name]
		if axis < 0 || m.Shape[axis] >= size {
			continue
		}
		v, err := s.ReadVariable(ctx, name)
		if err != nil {
			return err
		}
		if err := v.Pad(axis, size); err != nil {
			return fmt.Errorf("zarr: reindex %s: %w", name, err)
		}
		m.Shape = slices.Clone(v.Shape)
		m.Chunks[axis] = size
		if s.hasTime(name) {
			m.Shape[0] = 0
		}
		// Chunks are overwritten in place, only leftovers are deleted.
		if err := s.writeRows(ctx, name, v); err != nil {
			return err
		}
		if err := s.deleteStaleChunks(ctx, name); err != nil {
			return err
		}
	}
	return s.Consolidate(ctx)
}

// deleteStaleChunks removes chunk objects of name that the current array
// shape does not cover.
func (s *Store) deleteStaleChunks(ctx context.Context, name string) error {
	m := s.arrays[name]
	want := map[string]bool{s.chunkObject(name, 0): true}
	if len(m.Shape) > 0 {
		for k := 0; k*m.Chunks[0] < m.Shape[0]; k++ {
			want[s.chunkObject(name, k)] = true
		}
	}
	keys, err := listKeys(ctx, s.bucket, s.key(name)+"/")
	if err != nil {
		return fmt.Errorf("zarr: list %s: %w", name, err)
	}
	for _, key := range keys {
		if want[key] || strings.HasSuffix(key, "/"+arrayKey) || strings.HasSuffix(key, "/"+attrsKey) {
			continue
		}
		if err := s.bucket.Delete(ctx, key); err != nil && !isNotExist(err) {
			return fmt.Errorf("zarr: delete %s: %w", key, err)
		}
	}
	return nil
}

// EncodeTimeAs re-encodes the time values of ds with the units and calendar
// of the stored time variable. It is a no-op when both already agree.
func (s *Store) EncodeTimeAs(ds *Dataset) error {
	t := ds.Time()
	if t == nil {
		return ErrNoTime
	}
	units, calendar := timeAttrs(s.vattrs[TimeDim])
	fromUnits, fromCalendar := timeAttrs(t.Attrs)
	if fromUnits == units && strings.EqualFold(fromCalendar, calendar) {
		return nil
	}
	for i, v := range t.Values {
		at, err := DecodeTime(v, fromUnits, fromCalendar)
		if err != nil {
			return fmt.Errorf("zarr: decode incoming time: %w", err)
		}
		if t.Values[i], err = EncodeTime(at, units, calendar); err != nil {
			return fmt.Errorf("zarr: encode incoming time: %w", err)
		}
	}
	if t.Attrs == nil {
		t.Attrs = make(map[string]any)
	}
	t.Attrs["units"] = units
	t.Attrs["calendar"] = calendar
	return nil
}

func (s *Store) dimSizes() map[string]int {
	sizes := make(map[string]int)
	for name, m := range s.arrays {
		for i, d := range s.dims[name] {
			sizes[d] = max(sizes[d], m.Shape[i])
		}
	}
	return sizes
}

// LastTimeValue returns the raw last value of the time array.
func (s *Store) LastTimeValue(ctx context.Context) (float64, error) {
	n := s.TimeLen()
	if n == 0 {
		return 0, ErrNoTime
	}
	v, err := s.readRows(ctx, TimeDim, n-1, n)
	if err != nil {
		return 0, err
	}
	return v.Values[0], nil
}

// TimeCoverage decodes the first and last time values using the units and
// calendar stored on the time variable.
func (s *Store) TimeCoverage(ctx context.Context) (start, end time.Time, err error) {
	n := s.TimeLen()
	if n == 0 {
		return time.Time{}, time.Time{}, ErrNoTime
	}
	units, calendar := timeAttrs(s.vattrs[TimeDim])
	first, err := s.readRows(ctx, TimeDim, 0, 1)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	last, err := s.LastTimeValue(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if start, err = DecodeTime(first.Values[0], units, calendar); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end, err = DecodeTime(last, units, calendar); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// LastTime decodes the last time value.
func (s *Store) LastTime(ctx context.Context) (time.Time, error) {
	_, end, err := s.TimeCoverage(ctx)
	return end, err
}

// checkStrictlyIncreasing verifies that values never decrease and that the
// first value is after last, when given.
func checkStrictlyIncreasing(values []float64, last *float64) error {
	if len(values) > 0 && last != nil && !(values[0] > *last) {
		return fmt.Errorf("%w: first incoming value %v is not after stored %v", ErrNonMonotonicTime, values[0], *last)
	}
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			return fmt.Errorf("%w: value %v at row %d follows %v", ErrNonMonotonicTime, values[i], i, values[i-1])
		}
	}
	return nil
}
