package zarr

import (
	"maps"
	"slices"
)

// DefaultMaxChunkBytes is the target uncompressed chunk size.
const DefaultMaxChunkBytes = 100_000_000

// DefaultCompressor is zstd at level 3.
var DefaultCompressor = CodecConfig{ID: CodecZstd, Level: 3}

// RoundDown truncates n to its two most significant decimal digits.
// Values below 100 are returned unchanged.
//
//	RoundDown(1234)      == 1200
//	RoundDown(999)       == 990
//	RoundDown(1_250_000) == 1_200_000
func RoundDown(n int) int {
	if n < 100 {
		return n
	}
	p := 1
	for n/p >= 100 {
		p *= 10
	}
	return n / p * p
}

// TimeChunkLength returns the number of time steps per chunk for a variable
// whose rows hold rowElems elements of itemsize bytes each.
func TimeChunkLength(maxBytes int64, rowElems, itemsize int) int {
	if rowElems < 1 {
		rowElems = 1
	}
	if itemsize < 1 {
		itemsize = 1
	}
	n := int(maxBytes / int64(rowElems) / int64(itemsize))
	return max(1, RoundDown(n))
}

// ComputeEncodings derives the chunk layout and codecs for every variable in
// ds. Time is chunked by TimeChunkLength; all other dimensions are stored
// whole.
func ComputeEncodings(ds *Dataset, maxBytes int64, compressor CodecConfig) Encodings {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}
	enc := make(Encodings, len(ds.Vars))
	for name, v := range ds.Vars {
		enc[name] = computeEncoding(v, maxBytes, compressor)
	}
	return enc
}

func computeEncoding(v *Variable, maxBytes int64, compressor CodecConfig) Encoding {
	chunks := make([]int, len(v.Shape))
	for i, n := range v.Shape {
		chunks[i] = max(1, n)
	}
	if v.HasTime() {
		chunks[0] = TimeChunkLength(maxBytes, v.RowSize(), v.DType.Itemsize())
	}
	c := compressor
	e := Encoding{
		DType:      v.DType,
		Chunks:     chunks,
		Compressor: &c,
		FillValue:  v.FillValue,
	}
	if size := v.DType.Itemsize(); size > 1 && !v.DType.IsString() {
		e.Filters = []CodecConfig{{ID: FilterShuffle, ElementSize: size}}
	}
	if e.FillValue == nil && (v.DType == Float64 || v.DType == Float32) {
		e.FillValue = "NaN"
	}
	return e
}

// Merge returns e with entries from other added where e has none.
func (e Encodings) Merge(other Encodings) Encodings {
	out := maps.Clone(e)
	if out == nil {
		out = make(Encodings)
	}
	for name, enc := range other {
		if _, ok := out[name]; !ok {
			enc.Chunks = slices.Clone(enc.Chunks)
			out[name] = enc
		}
	}
	return out
}
