package zarr

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DType is a zarr v2 dtype string such as "<f8" or "|S16".
type DType string

// Supported dtypes. Strings use fixed width byte strings, see StringDType.
const (
	Float64 DType = "<f8"
	Float32 DType = "<f4"
	Int64   DType = "<i8"
	Int32   DType = "<i4"
	Int16   DType = "<i2"
	Int8    DType = "|i1"
	Uint8   DType = "|u1"
	Bool    DType = "|b1"
)

// StringDType returns the fixed width byte string dtype for width n.
func StringDType(n int) DType {
	if n < 1 {
		n = 1
	}
	return DType("|S" + strconv.Itoa(n))
}

// IsString reports whether d is a fixed width byte string dtype.
func (d DType) IsString() bool {
	return strings.HasPrefix(string(d), "|S")
}

// Itemsize returns the size in bytes of one element.
func (d DType) Itemsize() int {
	switch d {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	case Int16:
		return 2
	case Int8, Uint8, Bool:
		return 1
	}
	if d.IsString() {
		n, err := strconv.Atoi(string(d[2:]))
		if err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// Valid reports whether d is one of the supported dtypes.
func (d DType) Valid() bool {
	return d.Itemsize() > 0
}

// encodeValues serializes n elements of b as little endian bytes.
func encodeValues(d DType, b *block) ([]byte, error) {
	size := d.Itemsize()
	if size == 0 {
		return nil, fmt.Errorf("zarr: unsupported dtype %q", d)
	}
	n := b.len()
	out := make([]byte, n*size)
	if d.IsString() {
		for i, s := range b.s {
			copy(out[i*size:(i+1)*size], s)
		}
		return out, nil
	}
	for i, v := range b.f {
		p := out[i*size : (i+1)*size]
		switch d {
		case Float64:
			binary.LittleEndian.PutUint64(p, math.Float64bits(v))
		case Float32:
			binary.LittleEndian.PutUint32(p, math.Float32bits(float32(v)))
		case Int64:
			binary.LittleEndian.PutUint64(p, uint64(int64(v)))
		case Int32:
			binary.LittleEndian.PutUint32(p, uint32(int32(v)))
		case Int16:
			binary.LittleEndian.PutUint16(p, uint16(int16(v)))
		case Int8:
			p[0] = byte(int8(v))
		case Uint8:
			p[0] = byte(uint8(v))
		case Bool:
			if v != 0 {
				p[0] = 1
			}
		}
	}
	return out, nil
}

// decodeValues is the inverse of encodeValues for n elements.
func decodeValues(d DType, data []byte, n int) (*block, error) {
	size := d.Itemsize()
	if size == 0 {
		return nil, fmt.Errorf("zarr: unsupported dtype %q", d)
	}
	if len(data) != n*size {
		return nil, fmt.Errorf("zarr: chunk holds %d bytes, expected %d", len(data), n*size)
	}
	if d.IsString() {
		b := &block{s: make([]string, n)}
		for i := range b.s {
			b.s[i] = strings.TrimRight(string(data[i*size:(i+1)*size]), "\x00")
		}
		return b, nil
	}
	b := &block{f: make([]float64, n)}
	for i := range b.f {
		p := data[i*size : (i+1)*size]
		switch d {
		case Float64:
			b.f[i] = math.Float64frombits(binary.LittleEndian.Uint64(p))
		case Float32:
			b.f[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(p)))
		case Int64:
			b.f[i] = float64(int64(binary.LittleEndian.Uint64(p)))
		case Int32:
			b.f[i] = float64(int32(binary.LittleEndian.Uint32(p)))
		case Int16:
			b.f[i] = float64(int16(binary.LittleEndian.Uint16(p)))
		case Int8:
			b.f[i] = float64(int8(p[0]))
		case Uint8, Bool:
			b.f[i] = float64(p[0])
		}
	}
	return b, nil
}
