package zarr

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec ids as written to .zarray.
const (
	CodecZstd     = "zstd"
	CodecLZ4      = "lz4"
	FilterShuffle = "shuffle"
)

// CodecConfig is a numcodecs-style compressor or filter description.
type CodecConfig struct {
	ID           string `json:"id"`
	Level        int    `json:"level,omitempty"`
	Acceleration int    `json:"acceleration,omitempty"`
	ElementSize  int    `json:"elementsize,omitempty"`
}

var (
	zstdDecoder  *zstd.Decoder
	zstdEncoders sync.Map // level -> *zstd.Encoder
)

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("zarr: zstd decoder initialization failed: " + err.Error())
	}
}

func zstdEncoder(level int) (*zstd.Encoder, error) {
	if enc, ok := zstdEncoders.Load(level); ok {
		return enc.(*zstd.Encoder), nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	actual, _ := zstdEncoders.LoadOrStore(level, enc)
	return actual.(*zstd.Encoder), nil
}

// compress applies filters then the compressor to raw chunk bytes.
func compress(raw []byte, filters []CodecConfig, c *CodecConfig) ([]byte, error) {
	data := raw
	for _, f := range filters {
		switch f.ID {
		case FilterShuffle:
			data = shuffle(data, f.ElementSize)
		default:
			return nil, fmt.Errorf("zarr: unsupported filter %q", f.ID)
		}
	}
	if c == nil {
		return data, nil
	}
	switch c.ID {
	case CodecZstd:
		enc, err := zstdEncoder(c.Level)
		if err != nil {
			return nil, fmt.Errorf("zarr: zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, nil), nil
	case CodecLZ4:
		return compressLZ4(data)
	}
	return nil, fmt.Errorf("zarr: unsupported compressor %q", c.ID)
}

// decompress reverses compress; size is the expected raw length.
func decompress(data []byte, filters []CodecConfig, c *CodecConfig, size int) ([]byte, error) {
	out := data
	if c != nil {
		var err error
		switch c.ID {
		case CodecZstd:
			out, err = zstdDecoder.DecodeAll(data, make([]byte, 0, size))
			if err != nil {
				return nil, fmt.Errorf("zarr: zstd decode: %w", err)
			}
		case CodecLZ4:
			out, err = decompressLZ4(data)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("zarr: unsupported compressor %q", c.ID)
		}
	}
	if len(out) != size {
		return nil, fmt.Errorf("zarr: chunk decoded to %d bytes, expected %d", len(out), size)
	}
	for i := len(filters) - 1; i >= 0; i-- {
		switch filters[i].ID {
		case FilterShuffle:
			out = unshuffle(out, filters[i].ElementSize)
		default:
			return nil, fmt.Errorf("zarr: unsupported filter %q", filters[i].ID)
		}
	}
	return out, nil
}

// LZ4 chunks carry a 4 byte little endian uncompressed size header
// followed by one LZ4 block.
func compressLZ4(data []byte) ([]byte, error) {
	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(out, uint32(len(data)))
	if len(data) == 0 {
		return out[:4], nil
	}
	n, err := lz4.CompressBlock(data, out[4:], nil)
	if err != nil {
		return nil, fmt.Errorf("zarr: lz4 compress: %w", err)
	}
	if n == 0 {
		// Incompressible input; emit a literal-only block.
		return append(out[:4], literalBlock(data)...), nil
	}
	return out[:4+n], nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("zarr: lz4 chunk too short")
	}
	size := int(binary.LittleEndian.Uint32(data))
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("zarr: lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("zarr: lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return out, nil
}

func literalBlock(data []byte) []byte {
	n := len(data)
	out := make([]byte, 0, n+n/255+2)
	if n < 15 {
		out = append(out, byte(n<<4))
	} else {
		out = append(out, 0xF0)
		rest := n - 15
		for rest >= 255 {
			out = append(out, 255)
			rest -= 255
		}
		out = append(out, byte(rest))
	}
	return append(out, data...)
}

// shuffle groups the i-th byte of every element together.
func shuffle(data []byte, size int) []byte {
	if size <= 1 || len(data)%size != 0 {
		return data
	}
	count := len(data) / size
	out := make([]byte, len(data))
	for i := 0; i < count; i++ {
		for j := 0; j < size; j++ {
			out[j*count+i] = data[i*size+j]
		}
	}
	return out
}

func unshuffle(data []byte, size int) []byte {
	if size <= 1 || len(data)%size != 0 {
		return data
	}
	count := len(data) / size
	out := make([]byte, len(data))
	for i := 0; i < count; i++ {
		for j := 0; j < size; j++ {
			out[i*size+j] = data[j*count+i]
		}
	}
	return out
}
