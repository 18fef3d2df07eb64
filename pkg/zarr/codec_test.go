package zarr

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	random := make([]byte, 4096)
	rng.Read(random)
	repetitive := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 512)

	codecs := []struct {
		name       string
		compressor *CodecConfig
		filters    []CodecConfig
	}{
		{"none", nil, nil},
		{"zstd", &CodecConfig{ID: CodecZstd, Level: 3}, nil},
		{"zstd shuffle", &CodecConfig{ID: CodecZstd, Level: 3}, []CodecConfig{{ID: FilterShuffle, ElementSize: 8}}},
		{"lz4", &CodecConfig{ID: CodecLZ4}, nil},
		{"lz4 shuffle", &CodecConfig{ID: CodecLZ4}, []CodecConfig{{ID: FilterShuffle, ElementSize: 4}}},
	}
	inputs := map[string][]byte{
		"random":     random,
		"repetitive": repetitive,
		"short":      []byte("abc"),
		"long run":   bytes.Repeat([]byte{0}, 300),
	}
	for _, c := range codecs {
		for name, in := range inputs {
			t.Run(c.name+"/"+name, func(t *testing.T) {
				filters := c.filters
				if len(in)%8 != 0 {
					filters = nil
				}
				enc, err := compress(in, filters, c.compressor)
				if err != nil {
					t.Fatalf("compress: %v", err)
				}
				out, err := decompress(enc, filters, c.compressor, len(in))
				if err != nil {
					t.Fatalf("decompress: %v", err)
				}
				if !bytes.Equal(out, in) {
					t.Fatalf("round trip mismatch")
				}
			})
		}
	}
}

func TestLZ4LiteralBlock(t *testing.T) {
	for _, n := range []int{1, 14, 15, 16, 269, 270, 271, 1000} {
		in := make([]byte, n)
		for i := range in {
			in[i] = byte(i * 7)
		}
		chunk := append([]byte{byte(n), byte(n >> 8), 0, 0}, literalBlock(in)...)
		out, err := decompressLZ4(chunk)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if !bytes.Equal(out, in) {
			t.Fatalf("n=%d: mismatch", n)
		}
	}
}

func TestShuffle(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	got := shuffle(in, 4)
	if want := []byte{1, 5, 2, 6, 3, 7, 4, 8}; !bytes.Equal(got, want) {
		t.Fatalf("shuffle = %v, want %v", got, want)
	}
	if back := unshuffle(got, 4); !bytes.Equal(back, in) {
		t.Fatalf("unshuffle = %v", back)
	}
}

func TestUnsupportedCodec(t *testing.T) {
	if _, err := compress([]byte{1}, nil, &CodecConfig{ID: "blosc"}); err == nil {
		t.Fatalf("expected an error for an unknown compressor")
	}
	if _, err := compress([]byte{1}, []CodecConfig{{ID: "delta"}}, nil); err == nil {
		t.Fatalf("expected an error for an unknown filter")
	}
}
