package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/ligustah/harvest/pkg/zarr"
)

// Decoder turns a downloaded result file into a dataset.
type Decoder interface {
	Decode(ctx context.Context, path string) (*zarr.Dataset, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ctx context.Context, path string) (*zarr.Dataset, error)

// Decode calls f.
func (f DecoderFunc) Decode(ctx context.Context, path string) (*zarr.Dataset, error) {
	return f(ctx, path)
}

// JSONDecoder reads the netCDF-JSON rendering written by `ncks --json`,
// plain or gzip compressed.
type JSONDecoder struct{}

// Decode reads the file at path.
func (JSONDecoder) Decode(ctx context.Context, path string) (*zarr.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	defer f.Close()
	ds, err := DecodeJSON(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

type ncoDocument struct {
	Attributes map[string]any         `json:"attributes"`
	Dimensions map[string]int         `json:"dimensions"`
	Variables  map[string]ncoVariable `json:"variables"`
}

type ncoVariable struct {
	Type       string         `json:"type"`
	Dimensions []string       `json:"dimensions"`
	Attributes map[string]any `json:"attributes"`
	Data       any            `json:"data"`
}

var ncoTypes = map[string]zarr.DType{
	"double": zarr.Float64,
	"float":  zarr.Float32,
	"int64":  zarr.Int64,
	"uint64": zarr.Int64,
	"uint":   zarr.Int64,
	"int":    zarr.Int32,
	"ushort": zarr.Int32,
	"short":  zarr.Int16,
	"byte":   zarr.Int8,
	"ubyte":  zarr.Uint8,
}

// DecodeJSON decodes a netCDF-JSON document. Gzip input is detected by its
// magic number.
func DecodeJSON(r io.Reader) (*zarr.Dataset, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("dataset: gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	} else {
		r = br
	}

	var doc ncoDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("dataset: decode: %w", err)
	}
	ds := zarr.NewDataset()
	ds.Attrs = unwrapAttrs(doc.Attributes)
	for name, nv := range doc.Variables {
		v, err := decodeVariable(nv, doc.Dimensions)
		if err != nil {
			return nil, fmt.Errorf("dataset: variable %s: %w", name, err)
		}
		ds.Vars[name] = v
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	return ds, nil
}

// unwrapAttrs accepts both the terse ("units": "m") and the typed
// ("units": {"type": "char", "data": "m"}) attribute forms.
func unwrapAttrs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]any); ok {
			if data, ok := m["data"]; ok {
				v = data
			}
		}
		out[k] = v
	}
	return out
}

func decodeVariable(nv ncoVariable, dimSizes map[string]int) (*zarr.Variable, error) {
	v := &zarr.Variable{Attrs: unwrapAttrs(nv.Attributes)}
	if fill, ok := v.Attrs["_FillValue"]; ok {
		v.FillValue = fill
		delete(v.Attrs, "_FillValue")
	}

	dims := append([]string(nil), nv.Dimensions...)
	shape := make([]int, len(dims))
	for i, d := range dims {
		n, ok := dimSizes[d]
		if !ok {
			return nil, fmt.Errorf("unknown dimension %q", d)
		}
		shape[i] = n
	}
	data := flatten(nv.Data, nil)

	switch nv.Type {
	case "char", "string":
		width := 1
		if nv.Type == "char" && len(dims) > 0 {
			// The last dimension of a char array is the string length.
			width = shape[len(shape)-1]
			dims, shape = dims[:len(dims)-1], shape[:len(shape)-1]
		}
		strs := make([]string, len(data))
		for i, d := range data {
			switch s := d.(type) {
			case string:
				strs[i] = s
			case nil:
			default:
				return nil, fmt.Errorf("expected strings, found %T", d)
			}
			width = max(width, len(strs[i]))
		}
		v.DType = zarr.StringDType(width)
		v.Strings = strs
		v.FillValue = nil
	default:
		dt, ok := ncoTypes[nv.Type]
		if !ok {
			return nil, fmt.Errorf("unsupported type %q", nv.Type)
		}
		missing := math.NaN()
		if f, ok := v.FillValue.(float64); ok {
			missing = f
		}
		values := make([]float64, len(data))
		for i, d := range data {
			switch x := d.(type) {
			case float64:
				values[i] = x
			case nil:
				values[i] = missing
			case string:
				f, err := strconv.ParseFloat(x, 64)
				if err != nil {
					return nil, fmt.Errorf("value %q at %d: %w", x, i, err)
				}
				values[i] = f
			default:
				return nil, fmt.Errorf("expected numbers, found %T", d)
			}
		}
		v.DType = dt
		v.Values = values
	}
	v.Dims, v.Shape = dims, shape
	return v, nil
}

// flatten appends the leaves of nested JSON arrays to out in row-major
// order. A scalar is a single leaf.
func flatten(data any, out []any) []any {
	arr, ok := data.([]any)
	if !ok {
		return append(out, data)
	}
	for _, d := range arr {
		out = flatten(d, out)
	}
	return out
}
