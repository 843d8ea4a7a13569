// options.go implements database configuration options.
//
// Reference: RocksDB v10.7.5
//   - include/rocksdb/options.h
package db

import (
	"bytes"

	"github.com/aalhour/rockyardkv/internal/checksum"
	"github.com/aalhour/rockyardkv/internal/compression"
	"github.com/aalhour/rockyardkv/internal/logging"
	"github.com/aalhour/rockyardkv/internal/vfs"
)

// Logger is an alias for the logging.Logger interface, letting callers
// plug in their own sink for database diagnostics.
type Logger = logging.Logger

// CompressionType is an alias for the block compression algorithm.
type CompressionType = compression.Type

// Compression type constants.
const (
	NoCompression     = compression.NoCompression
	SnappyCompression = compression.SnappyCompression
	ZlibCompression   = compression.ZlibCompression
	LZ4Compression    = compression.LZ4Compression
	LZ4HCCompression  = compression.LZ4HCCompression
	ZstdCompression   = compression.ZstdCompression
)

// ChecksumType is an alias for the per-block checksum algorithm.
type ChecksumType = checksum.Type

// Checksum type constants.
const (
	ChecksumTypeNoChecksum = checksum.TypeNoChecksum
	ChecksumTypeCRC32C     = checksum.TypeCRC32C
	ChecksumTypeXXHash     = checksum.TypeXXHash
	ChecksumTypeXXHash64   = checksum.TypeXXHash64
	ChecksumTypeXXH3       = checksum.TypeXXH3
)

// Comparator defines a total ordering over keys.
type Comparator interface {
	// Compare returns a value < 0 if a < b, 0 if a == b, > 0 if a > b.
	Compare(a, b []byte) int

	// Name returns the name of the comparator. It is persisted in the
	// MANIFEST and validated on every subsequent Open.
	Name() string
}

// BytewiseComparator is the default comparator: plain lexicographic order.
type BytewiseComparator struct{}

// Compare compares two keys lexicographically.
func (BytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// Name returns the comparator name stored in the MANIFEST.
func (BytewiseComparator) Name() string { return "leveldb.BytewiseComparator" }

// DefaultComparator returns the default bytewise comparator.
func DefaultComparator() Comparator { return BytewiseComparator{} }

// Options configures how a database is opened.
type Options struct {
	// CreateIfMissing causes Open to create the database if it does not exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail if the database already exists.
	ErrorIfExists bool

	// ParanoidChecks is accepted for compatibility but is not consulted:
	// recovery behaves the same whether or not it is set.
	ParanoidChecks bool

	// FS is the filesystem implementation to use. If nil, the OS filesystem
	// is used.
	FS vfs.FS

	// Comparator defines the order of keys in the database. If nil, the
	// default bytewise comparator is used.
	Comparator Comparator

	// WriteBufferSize is the nominal memtable size in bytes. It is not
	// consulted by the write path: a memtable is flushed to an SST file
	// only by an explicit Flush call, whatever its size. Default: 64MB.
	WriteBufferSize int

	// BlockSize is the approximate size of uncompressed data blocks within
	// SST files. Default: 4KB.
	BlockSize int

	// BlockRestartInterval is how often prefix-compression restart points
	// are emitted within a data block. Default: 16.
	BlockRestartInterval int

	// ChecksumType is the checksum algorithm stored alongside each SST
	// block. Default: CRC32C.
	ChecksumType ChecksumType

	// FormatVersion is the SST file format version to write. Default: 3.
	FormatVersion uint32

	// BloomFilterBitsPerKey is the number of bits per key used for the
	// per-file bloom filter. 0 disables filters. Default: 10.
	BloomFilterBitsPerKey int

	// Compression specifies the compression algorithm applied to SST data
	// blocks. Default: NoCompression.
	Compression CompressionType

	// MaxOpenFiles bounds how many SST file readers are kept open by the
	// table cache. Default: 1000.
	MaxOpenFiles int

	// PrefixExtractor, if set, is used to derive key prefixes for
	// prefix-restricted iteration (ReadOptions.PrefixSameAsStart). SST bloom
	// filters are built over whole keys regardless.
	PrefixExtractor PrefixExtractor

	// MaxWriteBufferNumber bounds how many memtables (one active, the rest
	// immutable and awaiting flush) may exist before writes are stalled.
	// Default: 2.
	MaxWriteBufferNumber int

	// Level0SlowdownWritesTrigger is the number of L0 files at which writes
	// are throttled. Default: 20.
	Level0SlowdownWritesTrigger int

	// Level0StopWritesTrigger is the number of L0 files at which writes are
	// stopped until the count drops. Default: 36.
	Level0StopWritesTrigger int

	// DisableAutoCompactions suppresses the L0-file-count write stall that
	// exists to keep writers from outrunning compaction.
	DisableAutoCompactions bool

	// Logger receives diagnostic messages. If nil, a default logger
	// writing to stderr is used.
	Logger Logger

	// MergeOperator, if set, enables the Merge/MergeCF write path.
	// Merge operands are resolved against it at read time.
	MergeOperator MergeOperator
}

// DefaultOptions returns Options populated with RocksDB-compatible defaults.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing:       false,
		ErrorIfExists:         false,
		ParanoidChecks:        false,
		FS:                    nil, // Will use vfs.Default()
		Comparator:            nil, // Will use BytewiseComparator
		WriteBufferSize:       64 * 1024 * 1024,
		BlockSize:             4096,
		BlockRestartInterval:  16,
		ChecksumType:          ChecksumTypeCRC32C,
		FormatVersion:         3,
		BloomFilterBitsPerKey:       10,
		Compression:                 NoCompression,
		MaxOpenFiles:                1000,
		MaxWriteBufferNumber:        2,
		Level0SlowdownWritesTrigger: 20,
		Level0StopWritesTrigger:     36,
		DisableAutoCompactions:      false,
		Logger:                      nil, // Will use logging.NewDefaultLogger
	}
}

// ReadOptions configures a single read or iterator creation.
type ReadOptions struct {
	// VerifyChecksums is not consulted per read: SST block checksums are
	// verified according to the table cache's setting, which is on.
	VerifyChecksums bool

	// FillCache is not consulted: every SST file a read opens is added to
	// the table cache.
	FillCache bool

	// IterateUpperBound sets an exclusive upper bound for iteration: the
	// iterator reports no key >= this bound.
	IterateUpperBound []byte

	// IterateLowerBound sets an inclusive lower bound for iteration: the
	// iterator reports no key < this bound.
	IterateLowerBound []byte

	// Snapshot pins reads to a prior point-in-time view. If nil, reads
	// observe the latest committed sequence number.
	Snapshot *Snapshot

	// PrefixSameAsStart restricts iteration to keys sharing the seek
	// target's prefix, as determined by Options.PrefixExtractor.
	PrefixSameAsStart bool

	// TotalOrderSeek is recorded on the iterator but has no effect: seeks
	// never use prefix bloom filters, so every seek is already a
	// full-keyspace seek.
	TotalOrderSeek bool
}

// DefaultReadOptions returns ReadOptions with default values.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{
		VerifyChecksums: true,
		FillCache:       true,
	}
}

// WriteOptions configures a single write.
type WriteOptions struct {
	// Sync causes the write to be fsynced to the WAL before returning.
	// This is the strongest durability guarantee but reduces throughput.
	Sync bool

	// DisableWAL skips the write-ahead log for this write.
	//
	// WARNING: with DisableWAL=true, the write goes directly to the
	// memtable. If the process crashes before Flush is called, the data
	// is lost. This matches C++ RocksDB behavior exactly.
	DisableWAL bool
}

// DefaultWriteOptions returns WriteOptions with default values.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{
		Sync:       false,
		DisableWAL: false,
	}
}

// FlushOptions configures a manual Flush call.
type FlushOptions struct {
	// Wait indicates whether Flush blocks until the memtable has been
	// fully written to an SST file and the MANIFEST updated.
	Wait bool
}

// DefaultFlushOptions returns FlushOptions with default values.
func DefaultFlushOptions() *FlushOptions {
	return &FlushOptions{Wait: true}
}

// Range describes a half-open user-key range [Start, Limit) used by
// GetApproximateSizes.
type Range struct {
	Start []byte
	Limit []byte
}

// SizeApproximationFlags selects which data GetApproximateSizes accounts for.
type SizeApproximationFlags int

const (
	// SizeApproximateFiles includes SST file sizes in the estimate.
	SizeApproximateFiles SizeApproximationFlags = 1 << iota
	// SizeApproximateMemtable is accepted but ignored: GetApproximateSizes
	// never includes memtable contents in its estimate.
	SizeApproximateMemtable
)

// WaitForCompactOptions configures WaitForCompact.
type WaitForCompactOptions struct {
	// Timeout bounds how long to wait; zero means wait indefinitely.
	Timeout int64
}
