// Package compression provides per-block compression for SSTable data blocks.
//
// Each data block is stored with a 1-byte compression type indicator in its
// trailer followed by the checksum; decompression is transparent to the read
// path. The algorithm is chosen per column family.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"compress/zlib"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = 0x0

	// Snappy uses Google Snappy block compression.
	Snappy Type = 0x1

	// Zlib uses zlib (DEFLATE with header) compression.
	Zlib Type = 0x2

	// LZ4 uses LZ4 frame compression at the fast level.
	LZ4 Type = 0x3

	// Zstd uses Zstandard compression at the default level.
	Zstd Type = 0x4
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zlib:
		return "zlib"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Parse returns the compression type named by s.
func Parse(s string) (Type, error) {
	switch s {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zlib":
		return Zlib, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression algorithm %q", s)
	}
}

// IsSupported returns true if the compression type is supported.
func (t Type) IsSupported() bool {
	switch t {
	case None, Snappy, Zlib, LZ4, Zstd:
		return true
	default:
		return false
	}
}

// Compress compresses data using the specified compression type.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		return snappy.Encode(nil, data), nil

	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil

	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			return nil, fmt.Errorf("lz4 apply level: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil

	case Zstd:
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		defer func() { _ = encoder.Close() }()
		return encoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// Decompress decompresses data using the specified compression type.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		return snappy.Decode(nil, data)

	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)

	case LZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)

	case Zstd:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer decoder.Close()
		return decoder.DecodeAll(data, nil)

	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}
