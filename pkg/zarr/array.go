package zarr

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// ReadVariable loads a whole variable into memory.
func (s *Store) ReadVariable(ctx context.Context, name string) (*Variable, error) {
	m, ok := s.arrays[name]
	if !ok {
		return nil, fmt.Errorf("zarr: no variable %s", name)
	}
	if len(m.Shape) == 0 {
		return s.readRows(ctx, name, 0, 1)
	}
	return s.readRows(ctx, name, 0, m.Shape[0])
}

// readRows reads rows [start, end) along the leading axis.
func (s *Store) readRows(ctx context.Context, name string, start, end int) (*Variable, error) {
	m := s.arrays[name]
	v := &Variable{
		Dims:      slices.Clone(s.dims[name]),
		Shape:     slices.Clone(m.Shape),
		DType:     m.DType,
		Attrs:     maps.Clone(s.vattrs[name]),
		FillValue: m.FillValue,
	}
	row := m.rowElems()
	out := newFillBlock(m.DType, m.FillValue, (end-start)*row)
	if len(m.Shape) == 0 {
		b, err := s.readChunk(ctx, name, 0)
		if err != nil {
			return nil, err
		}
		out.copyFrom(0, b, 0, 1)
		v.setBlock(out)
		return v, nil
	}
	v.Shape[0] = end - start
	if end <= start || row == 0 {
		v.setBlock(out)
		return v, nil
	}

	c := m.Chunks[0]
	for k := start / c; k*c < end; k++ {
		b, err := s.readChunk(ctx, name, k)
		if err != nil {
			return nil, err
		}
		lo := max(start, k*c)
		hi := min(end, (k+1)*c)
		out.copyFrom((lo-start)*row, b, (lo-k*c)*row, (hi-lo)*row)
	}
	v.setBlock(out)
	return v, nil
}

// writeRows appends v to a time indexed array, or overwrites any other array.
// The array metadata is updated and written.
func (s *Store) writeRows(ctx context.Context, name string, v *Variable) error {
	m := s.arrays[name]
	if len(v.Shape) != len(m.Shape) {
		return fmt.Errorf("zarr: %s: rank %d does not match stored rank %d", name, len(v.Shape), len(m.Shape))
	}
	if !slices.Equal(v.Shape[min(1, len(v.Shape)):], m.Shape[min(1, len(m.Shape)):]) {
		return fmt.Errorf("zarr: %s: shape %v does not match stored shape %v", name, v.Shape, m.Shape)
	}

	start := 0
	if s.hasTime(name) {
		start = m.Shape[0]
	}
	if len(m.Shape) == 0 {
		b := newFillBlock(m.DType, m.FillValue, 1)
		b.copyFrom(0, v.asBlock(), 0, 1)
		if err := s.writeChunk(ctx, name, 0, b); err != nil {
			return err
		}
		return s.writeArrayMeta(ctx, name)
	}

	src := v.asBlock()
	row := m.rowElems()
	c := m.Chunks[0]
	n := v.Rows()
	if v.Len() > 0 {
		for at := start; at < start+n; {
			k := at / c
			var b *block
			if at > k*c {
				var err error
				if b, err = s.readChunk(ctx, name, k); err != nil {
					return err
				}
			} else {
				b = newFillBlock(m.DType, m.FillValue, c*row)
			}
			count := min((k+1)*c, start+n) - at
			b.copyFrom((at-k*c)*row, src, (at-start)*row, count*row)
			if err := s.writeChunk(ctx, name, k, b); err != nil {
				return err
			}
			at += count
		}
	}
	m.Shape[0] = start + n
	return s.writeArrayMeta(ctx, name)
}

func (s *Store) chunkObject(name string, k int) string {
	return s.key(name + "/" + chunkKey(len(s.arrays[name].Shape), k))
}

// readChunk returns the decoded elements of chunk k. A missing chunk reads
// as fill values.
func (s *Store) readChunk(ctx context.Context, name string, k int) (*block, error) {
	m := s.arrays[name]
	n := m.chunkElems()
	data, err := s.bucket.ReadAll(ctx, s.chunkObject(name, k))
	if err != nil {
		if isNotExist(err) {
			return newFillBlock(m.DType, m.FillValue, n), nil
		}
		return nil, fmt.Errorf("zarr: read %s chunk %d: %w", name, k, err)
	}
	raw, err := decompress(data, m.Filters, m.Compressor, n*m.DType.Itemsize())
	if err != nil {
		return nil, fmt.Errorf("zarr: %s chunk %d: %w", name, k, err)
	}
	return decodeValues(m.DType, raw, n)
}

func (s *Store) writeChunk(ctx context.Context, name string, k int, b *block) error {
	m := s.arrays[name]
	raw, err := encodeValues(m.DType, b)
	if err != nil {
		return err
	}
	data, err := compress(raw, m.Filters, m.Compressor)
	if err != nil {
		return fmt.Errorf("zarr: %s chunk %d: %w", name, k, err)
	}
	if err := s.bucket.WriteAll(ctx, s.chunkObject(name, k), data, nil); err != nil {
		return fmt.Errorf("zarr: write %s chunk %d: %w", name, k, err)
	}
	return nil
}

// fillRows returns n rows of fill values shaped like the stored array.
func (s *Store) fillRows(name string, n int) *Variable {
	m := s.arrays[name]
	shape := slices.Clone(m.Shape)
	shape[0] = n
	v := &Variable{
		Dims:      slices.Clone(s.dims[name]),
		Shape:     shape,
		DType:     m.DType,
		FillValue: m.FillValue,
	}
	v.setBlock(newFillBlock(m.DType, m.FillValue, product(shape)))
	return v
}
