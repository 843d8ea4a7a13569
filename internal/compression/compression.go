// Package compression implements the block compression codecs RocksDB
// embeds in its SST format. Every data block is stored as a 1-byte
// type tag followed by the (possibly identity) compressed payload, so
// decoding one block never needs more context than that single byte.
//
// Reference: util/compression.h, util/compression.cc
package compression

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type is the 1-byte compression tag stored with each block. Values
// are part of the on-disk format and MUST NOT change.
type Type uint8

const (
	NoCompression     Type = 0x0
	SnappyCompression Type = 0x1
	ZlibCompression   Type = 0x2
	BZip2Compression  Type = 0x3 // not implemented; rarely used upstream
	LZ4Compression    Type = 0x4
	LZ4HCCompression  Type = 0x5
	XpressCompression Type = 0x6 // Windows-specific; not implemented
	ZstdCompression   Type = 0x7
)

var typeNames = map[Type]string{
	NoCompression:     "NoCompression",
	SnappyCompression: "Snappy",
	ZlibCompression:   "Zlib",
	BZip2Compression:  "BZip2",
	LZ4Compression:    "LZ4",
	LZ4HCCompression:  "LZ4HC",
	XpressCompression: "Xpress",
	ZstdCompression:   "ZSTD",
}

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", t)
}

// supportedTypes lists the codecs this package actually implements,
// as opposed to tags it merely recognizes (BZip2, Xpress).
var supportedTypes = map[Type]bool{
	NoCompression:     true,
	SnappyCompression: true,
	ZlibCompression:   true,
	LZ4Compression:    true,
	LZ4HCCompression:  true,
	ZstdCompression:   true,
}

// IsSupported returns true if the compression type is supported.
func (t Type) IsSupported() bool { return supportedTypes[t] }

// codec pairs the compress/decompress functions for one Type so
// Compress/Decompress can dispatch through a table instead of
// parallel switch statements.
type codec struct {
	compress   func(data []byte) ([]byte, error)
	decompress func(data []byte, expectedSize int) ([]byte, error)
}

var codecs = map[Type]codec{
	NoCompression: {
		compress:   func(data []byte) ([]byte, error) { return data, nil },
		decompress: func(data []byte, _ int) ([]byte, error) { return data, nil },
	},
	SnappyCompression: {
		compress:   func(data []byte) ([]byte, error) { return snappy.Encode(nil, data), nil },
		decompress: func(data []byte, _ int) ([]byte, error) { return snappy.Decode(nil, data) },
	},
	ZlibCompression: {
		compress:   compressZlib,
		decompress: func(data []byte, _ int) ([]byte, error) { return decompressZlib(data) },
	},
	LZ4Compression: {
		compress:   func(data []byte) ([]byte, error) { return compressLZ4(data, false) },
		decompress: decompressLZ4,
	},
	LZ4HCCompression: {
		compress:   func(data []byte) ([]byte, error) { return compressLZ4(data, true) },
		decompress: decompressLZ4,
	},
	ZstdCompression: {
		compress:   func(data []byte) ([]byte, error) { return compressZstd(data, zstd.SpeedDefault) },
		decompress: func(data []byte, _ int) ([]byte, error) { return decompressZstd(data) },
	},
}

// Compress compresses data using the specified compression type.
func Compress(t Type, data []byte) ([]byte, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	return c.compress(data)
}

// Decompress decompresses data using the specified compression type.
// For LZ4/LZ4HC, use DecompressWithSize if the uncompressed size is known.
func Decompress(t Type, data []byte) ([]byte, error) {
	return DecompressWithSize(t, data, 0)
}

// DecompressWithSize decompresses data with a known uncompressed size.
// LZ4's raw block format needs expectedSize to decompress efficiently;
// other codecs ignore it. A zero expectedSize falls back to a
// grow-and-retry strategy for LZ4.
func DecompressWithSize(t Type, data []byte, expectedSize int) ([]byte, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	return c.decompress(data, expectedSize)
}

// compressZlib compresses with raw DEFLATE (no zlib header), matching
// RocksDB's zlib codec which configures windowBits = -14.
func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("raw deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("raw deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("raw deflate close: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressZlib tries raw DEFLATE first (RocksDB's actual wire
// format) and falls back to a zlib-headered stream for data produced
// by a standard zlib encoder.
func decompressZlib(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = r.Close() }()
	if out, err := io.ReadAll(r); err == nil {
		return out, nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: raw deflate failed and zlib header invalid: %w", err)
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

// compressLZ4 produces LZ4's raw block format (the bytes LZ4_compress_fast
// writes), not the LZ4 frame format with its magic number and headers.
// highCompression selects the slower, better-ratio LZ4HC encoder.
func compressLZ4(data []byte, highCompression bool) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var hashTable [1 << 16]int

	var n int
	var err error
	if highCompression {
		n, err = lz4.CompressBlockHC(data, dst, lz4.CompressionLevel(9), hashTable[:], nil)
	} else {
		n, err = lz4.CompressBlock(data, dst, hashTable[:])
	}
	if err != nil {
		return nil, fmt.Errorf("lz4 compress block: %w", err)
	}
	if n == 0 {
		return nil, nil // incompressible; caller stores the block raw
	}
	return dst[:n], nil
}

// decompressLZ4 reverses compressLZ4's raw block format. Given the
// uncompressed size it decodes in one shot; otherwise it grows the
// output buffer geometrically until one fits.
func decompressLZ4(data []byte, expectedSize int) ([]byte, error) {
	if expectedSize > 0 {
		dst := make([]byte, expectedSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 uncompress block: %w", err)
		}
		return dst[:n], nil
	}

	bufSize := max(len(data)*4, 256)
	for range 10 {
		dst := make([]byte, bufSize)
		if n, err := lz4.UncompressBlock(data, dst); err == nil {
			return dst[:n], nil
		}
		bufSize *= 2
	}
	return nil, fmt.Errorf("lz4 uncompress block: buffer too small after retries")
}

func compressZstd(data []byte, level zstd.EncoderLevel) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
