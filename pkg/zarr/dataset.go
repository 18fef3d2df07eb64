package zarr

import (
	"fmt"
	"maps"
	"math"
	"slices"
)

// TimeDim is the name of the append dimension.
const TimeDim = "time"

// Variable is an in-memory n-dimensional array in row-major order.
// Numeric, boolean and time values are held in Values; fixed width
// string variables are held in Strings.
type Variable struct {
	Dims      []string
	Shape     []int
	DType     DType
	Values    []float64
	Strings   []string
	Attrs     map[string]any
	FillValue any
}

// Dataset is a group of named variables sharing dimensions.
type Dataset struct {
	Attrs map[string]any
	Vars  map[string]*Variable
}

// NewDataset returns an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{
		Attrs: make(map[string]any),
		Vars:  make(map[string]*Variable),
	}
}

// HasTime reports whether the variable is indexed along the time dimension.
// Time must be the leading dimension.
func (v *Variable) HasTime() bool {
	return len(v.Dims) > 0 && v.Dims[0] == TimeDim
}

// Len returns the number of elements.
func (v *Variable) Len() int {
	return product(v.Shape)
}

// Rows returns the extent of the leading dimension.
func (v *Variable) Rows() int {
	if len(v.Shape) == 0 {
		return 1
	}
	return v.Shape[0]
}

// RowSize returns the number of elements in one slice along the leading dimension.
func (v *Variable) RowSize() int {
	if len(v.Shape) == 0 {
		return 1
	}
	return product(v.Shape[1:])
}

// Validate checks that dims, shape and data agree.
func (v *Variable) Validate() error {
	if len(v.Dims) != len(v.Shape) {
		return fmt.Errorf("zarr: %d dims but %d shape entries", len(v.Dims), len(v.Shape))
	}
	if !v.DType.Valid() {
		return fmt.Errorf("zarr: unsupported dtype %q", v.DType)
	}
	if slices.Contains(v.Dims[min(1, len(v.Dims)):], TimeDim) {
		return fmt.Errorf("zarr: %s must be the leading dimension", TimeDim)
	}
	n := v.Len()
	if v.DType.IsString() {
		if len(v.Strings) != n {
			return fmt.Errorf("zarr: shape %v needs %d strings, have %d", v.Shape, n, len(v.Strings))
		}
		return nil
	}
	if len(v.Values) != n {
		return fmt.Errorf("zarr: shape %v needs %d values, have %d", v.Shape, n, len(v.Values))
	}
	return nil
}

// Clone returns a deep copy of v.
func (v *Variable) Clone() *Variable {
	return &Variable{
		Dims:      slices.Clone(v.Dims),
		Shape:     slices.Clone(v.Shape),
		DType:     v.DType,
		Values:    slices.Clone(v.Values),
		Strings:   slices.Clone(v.Strings),
		Attrs:     maps.Clone(v.Attrs),
		FillValue: v.FillValue,
	}
}

// SliceRows returns rows [start, end) along the leading dimension.
func (v *Variable) SliceRows(start, end int) *Variable {
	out := v.Clone()
	row := v.RowSize()
	out.Shape[0] = end - start
	if v.DType.IsString() {
		out.Strings = slices.Clone(v.Strings[start*row : end*row])
	} else {
		out.Values = slices.Clone(v.Values[start*row : end*row])
	}
	return out
}

// KeepRows keeps the rows whose index is marked true in keep.
func (v *Variable) KeepRows(keep []bool) {
	row := v.RowSize()
	n := 0
	for i, k := range keep {
		if !k {
			continue
		}
		if v.DType.IsString() {
			copy(v.Strings[n*row:(n+1)*row], v.Strings[i*row:(i+1)*row])
		} else {
			copy(v.Values[n*row:(n+1)*row], v.Values[i*row:(i+1)*row])
		}
		n++
	}
	v.Shape[0] = n
	if v.DType.IsString() {
		v.Strings = v.Strings[:n*row]
	} else {
		v.Values = v.Values[:n*row]
	}
}

// Pad grows the given axis to size, filling new cells with the fill value.
func (v *Variable) Pad(axis, size int) error {
	if axis < 0 || axis >= len(v.Shape) {
		return fmt.Errorf("zarr: axis %d out of range", axis)
	}
	old := v.Shape[axis]
	if size < old {
		return fmt.Errorf("zarr: cannot shrink axis %d from %d to %d", axis, old, size)
	}
	if size == old {
		return nil
	}
	outer := product(v.Shape[:axis])
	inner := product(v.Shape[axis+1:])
	newShape := slices.Clone(v.Shape)
	newShape[axis] = size

	src := v.asBlock()
	dst := newFillBlock(v.DType, v.FillValue, product(newShape))
	for o := 0; o < outer; o++ {
		for i := 0; i < old; i++ {
			from := (o*old + i) * inner
			to := (o*size + i) * inner
			dst.copyFrom(to, src, from, inner)
		}
	}
	v.Shape = newShape
	v.setBlock(dst)
	return nil
}

func (v *Variable) asBlock() *block {
	return &block{f: v.Values, s: v.Strings}
}

func (v *Variable) setBlock(b *block) {
	v.Values = b.f
	v.Strings = b.s
}

// Names returns the variable names in sorted order.
func (d *Dataset) Names() []string {
	return slices.Sorted(maps.Keys(d.Vars))
}

// Time returns the time variable, or nil.
func (d *Dataset) Time() *Variable {
	return d.Vars[TimeDim]
}

// TimeLen returns the number of time steps.
func (d *Dataset) TimeLen() int {
	t := d.Time()
	if t == nil {
		return 0
	}
	return t.Rows()
}

// DimSizes returns the size of every dimension, failing if two variables disagree.
func (d *Dataset) DimSizes() (map[string]int, error) {
	sizes := make(map[string]int)
	for _, name := range d.Names() {
		v := d.Vars[name]
		for i, dim := range v.Dims {
			if n, ok := sizes[dim]; ok && n != v.Shape[i] {
				return nil, fmt.Errorf("zarr: dimension %s has size %d in %s but %d elsewhere", dim, v.Shape[i], name, n)
			}
			sizes[dim] = v.Shape[i]
		}
	}
	return sizes, nil
}

// Validate checks every variable and the dimension sizes.
func (d *Dataset) Validate() error {
	for _, name := range d.Names() {
		if err := d.Vars[name].Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	_, err := d.DimSizes()
	return err
}

// KeepRows filters every time-indexed variable by keep.
func (d *Dataset) KeepRows(keep []bool) {
	for _, v := range d.Vars {
		if v.HasTime() {
			v.KeepRows(keep)
		}
	}
}

// DropFirstRow removes the first time step.
func (d *Dataset) DropFirstRow() {
	n := d.TimeLen()
	if n == 0 {
		return
	}
	keep := make([]bool, n)
	for i := 1; i < n; i++ {
		keep[i] = true
	}
	d.KeepRows(keep)
}

// DropThrough removes the leading time steps whose time value is at or
// before last and returns how many were removed.
func (d *Dataset) DropThrough(last float64) int {
	t := d.Time()
	if t == nil {
		return 0
	}
	n := 0
	for n < len(t.Values) && t.Values[n] <= last {
		n++
	}
	if n == 0 {
		return 0
	}
	keep := make([]bool, t.Rows())
	for i := n; i < len(keep); i++ {
		keep[i] = true
	}
	d.KeepRows(keep)
	return n
}

// block is a flat buffer of either numeric or string elements.
type block struct {
	f []float64
	s []string
}

func (b *block) len() int {
	if b.s != nil {
		return len(b.s)
	}
	return len(b.f)
}

func (b *block) copyFrom(dst int, src *block, from, n int) {
	if b.s != nil {
		copy(b.s[dst:dst+n], src.s[from:from+n])
		return
	}
	copy(b.f[dst:dst+n], src.f[from:from+n])
}

func newFillBlock(d DType, fill any, n int) *block {
	if d.IsString() {
		b := &block{s: make([]string, n)}
		if s, ok := fill.(string); ok && s != "" {
			for i := range b.s {
				b.s[i] = s
			}
		}
		return b
	}
	b := &block{f: make([]float64, n)}
	if f, ok := fillFloat(fill); ok && f != 0 {
		for i := range b.f {
			b.f[i] = f
		}
	}
	return b
}

func fillFloat(fill any) (float64, bool) {
	switch f := fill.(type) {
	case float64:
		return f, true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	case string:
		switch f {
		case "NaN":
			return math.NaN(), true
		case "Infinity":
			return math.Inf(1), true
		case "-Infinity":
			return math.Inf(-1), true
		}
	}
	return 0, false
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}
