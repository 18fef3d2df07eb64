package zarr

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Well-known object names.
const (
	groupKey        = ".zgroup"
	attrsKey        = ".zattrs"
	arrayKey        = ".zarray"
	consolidatedKey = ".zmetadata"

	// dimsAttr lists the dimension names of an array, as xarray writes them.
	dimsAttr = "_ARRAY_DIMENSIONS"
)

// ArrayMeta is the content of a .zarray document.
type ArrayMeta struct {
	ZarrFormat int           `json:"zarr_format"`
	Shape      []int         `json:"shape"`
	Chunks     []int         `json:"chunks"`
	DType      DType         `json:"dtype"`
	Compressor *CodecConfig  `json:"compressor"`
	FillValue  any           `json:"fill_value"`
	Order      string        `json:"order"`
	Filters    []CodecConfig `json:"filters"`
}

// Encoding is the on-disk layout of one variable.
type Encoding struct {
	DType      DType
	Chunks     []int
	Compressor *CodecConfig
	Filters    []CodecConfig
	FillValue  any
}

// Encodings maps variable names to their encoding.
type Encodings map[string]Encoding

func (e Encoding) arrayMeta(shape []int) *ArrayMeta {
	return &ArrayMeta{
		ZarrFormat: 2,
		Shape:      slices.Clone(shape),
		Chunks:     slices.Clone(e.Chunks),
		DType:      e.DType,
		Compressor: e.Compressor,
		FillValue:  jsonFill(e.FillValue),
		Order:      "C",
		Filters:    slices.Clone(e.Filters),
	}
}

func (m *ArrayMeta) encoding() Encoding {
	return Encoding{
		DType:      m.DType,
		Chunks:     slices.Clone(m.Chunks),
		Compressor: m.Compressor,
		Filters:    slices.Clone(m.Filters),
		FillValue:  m.FillValue,
	}
}

func (m *ArrayMeta) validate() error {
	if m.ZarrFormat != 2 {
		return fmt.Errorf("zarr: unsupported zarr_format %d", m.ZarrFormat)
	}
	if len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("zarr: shape %v and chunks %v differ in rank", m.Shape, m.Chunks)
	}
	if m.Order != "C" {
		return fmt.Errorf("zarr: unsupported order %q", m.Order)
	}
	if !m.DType.Valid() {
		return fmt.Errorf("zarr: unsupported dtype %q", m.DType)
	}
	for i, c := range m.Chunks {
		if c < 1 {
			return fmt.Errorf("zarr: chunk length %d on axis %d", c, i)
		}
		if i > 0 && c != max(1, m.Shape[i]) {
			return fmt.Errorf("zarr: axis %d has chunk length %d for extent %d, only the leading axis may be chunked", i, c, m.Shape[i])
		}
	}
	return nil
}

// chunkCount returns the number of chunks along the leading axis.
func (m *ArrayMeta) chunkCount() int {
	if len(m.Shape) == 0 {
		return 1
	}
	return (m.Shape[0] + m.Chunks[0] - 1) / m.Chunks[0]
}

// chunkElems returns the number of elements stored in one chunk.
func (m *ArrayMeta) chunkElems() int {
	return product(m.Chunks)
}

// rowElems returns the number of elements in one leading-axis row of a chunk.
func (m *ArrayMeta) rowElems() int {
	if len(m.Chunks) == 0 {
		return 1
	}
	return product(m.Chunks[1:])
}

// chunkKey returns the object name of chunk k along the leading axis.
func chunkKey(rank, k int) string {
	if rank == 0 {
		return "0"
	}
	return strconv.Itoa(k) + strings.Repeat(".0", rank-1)
}

// consolidated is the content of .zmetadata.
type consolidated struct {
	Metadata map[string]json.RawMessage `json:"metadata"`
	Format   int                        `json:"zarr_consolidated_format"`
}

// jsonFill converts a fill value to something encoding/json accepts.
func jsonFill(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return f
}

// cleanAttrs returns a copy of attrs that encoding/json can marshal.
func cleanAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = jsonFill(v)
	}
	return out
}

// splitDims extracts the dimension names from stored array attributes.
func splitDims(attrs map[string]any) ([]string, map[string]any) {
	rest := maps.Clone(attrs)
	if rest == nil {
		rest = make(map[string]any)
	}
	raw, ok := rest[dimsAttr]
	delete(rest, dimsAttr)
	if !ok {
		return nil, rest
	}
	var dims []string
	switch d := raw.(type) {
	case []string:
		dims = slices.Clone(d)
	case []any:
		for _, x := range d {
			if s, ok := x.(string); ok {
				dims = append(dims, s)
			}
		}
	}
	return dims, rest
}
