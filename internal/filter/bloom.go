// Package filter implements the cache-local Bloom filter RocksDB
// stores alongside each SST file's data blocks (FastLocalBloom,
// format_version=5). Every probe for a key touches exactly one
// 64-byte cache line, trading a small accuracy cost for avoiding a
// second cache miss per lookup.
//
// A filter block ends with a 5-byte trailer:
//
//	data[:n-5]  bloom bits, grouped into cache-line-sized chunks
//	data[n-5]   0xFF  (marks the "new" Bloom family, not the legacy one)
//	data[n-4]   0x00  (selects the FastLocalBloom sub-implementation)
//	data[n-3]   num_probes
//	data[n-2]   0x00  (block size indicator: 0 means 64 bytes)
//	data[n-1]   0x00  (reserved)
//
// Reference: RocksDB v10.7.5
//   - util/bloom_impl.h (FastLocalBloomImpl)
//   - table/block_based/filter_policy.cc (FastLocalBloomBitsBuilder)
package filter

import (
	"github.com/aalhour/rockyardkv/internal/checksum"
)

const (
	cacheLineSize = 64
	cacheLineBits = cacheLineSize * 8

	trailerLen = 5

	newBloomMarker       = byte(0xFF)
	fastLocalBloomMarker = byte(0x00)
)

// probeTable maps millibits-per-key (bits-per-key * 1000) to the
// number of hash probes FastLocalBloomImpl::ChooseNumProbes would
// pick, expressed as ascending thresholds rather than a long switch.
var probeThresholds = []struct {
	maxMillibits int
	probes       int
}{
	{2080, 1}, {3580, 2}, {5100, 3}, {6640, 4}, {8300, 5},
	{10070, 6}, {11720, 7}, {14001, 8}, {16050, 9}, {18300, 10},
	{22001, 11}, {25501, 12},
}

// chooseNumProbes returns the number of hash probes FastLocalBloom
// uses at the given bits-per-key density (expressed in millibits, i.e.
// bits-per-key * 1000).
func chooseNumProbes(millibitsPerKey int) int {
	if millibitsPerKey > 50000 {
		return 24
	}
	for _, th := range probeThresholds {
		if millibitsPerKey <= th.maxMillibits {
			return th.probes
		}
	}
	return (millibitsPerKey-1)/2000 - 1
}

// Builder accumulates key hashes and produces a FastLocalBloom filter
// block sized for a target false-positive rate.
type Builder struct {
	bitsPerKey int
	hashes     []uint64
}

// NewBloomFilterBuilder creates a Builder. bitsPerKey controls the
// accuracy/size tradeoff (10 bits/key is RocksDB's usual default, for
// roughly a 1% false-positive rate).
func NewBloomFilterBuilder(bitsPerKey int) *Builder {
	return &Builder{
		bitsPerKey: max(bitsPerKey, 1),
		hashes:     make([]uint64, 0, 256),
	}
}

// BloomFilterBuilder is an alias kept for callers written against the
// original exported type name.
type BloomFilterBuilder = Builder

// AddKey hashes key with XXH3 (matching RocksDB's key hashing) and
// records it for the next Finish.
func (b *Builder) AddKey(key []byte) {
	b.hashes = append(b.hashes, checksum.XXH3_64bits(key))
}

// EstimatedSize returns the filter block size Finish would currently
// produce, including the trailer.
func (b *Builder) EstimatedSize() int {
	if len(b.hashes) == 0 {
		return 0
	}
	return filterBlockSize(len(b.hashes), b.bitsPerKey)
}

// Finish builds the filter block for the keys added so far (including
// the trailer) and clears the builder for reuse.
func (b *Builder) Finish() []byte {
	if len(b.hashes) == 0 {
		return []byte{newBloomMarker, fastLocalBloomMarker, 0, 0, 0}
	}

	total := filterBlockSize(len(b.hashes), b.bitsPerKey)
	bitsLen := total - trailerLen
	data := make([]byte, total)

	numProbes := chooseNumProbes(b.bitsPerKey * 1000)
	for _, h := range b.hashes {
		setProbes(h, uint32(bitsLen), numProbes, data)
	}

	data[bitsLen+0] = newBloomMarker
	data[bitsLen+1] = fastLocalBloomMarker
	data[bitsLen+2] = byte(numProbes)
	data[bitsLen+3] = 0
	data[bitsLen+4] = 0

	b.hashes = b.hashes[:0]
	return data
}

// Reset clears the builder for reuse without producing output.
func (b *Builder) Reset() { b.hashes = b.hashes[:0] }

// NumKeys returns the number of keys added since the last Finish/Reset.
func (b *Builder) NumKeys() int { return len(b.hashes) }

// filterBlockSize returns the size, including trailer, of a filter
// holding numEntries keys at bitsPerKey density, rounded up to a whole
// number of cache lines.
func filterBlockSize(numEntries, bitsPerKey int) int {
	totalBits := numEntries * bitsPerKey
	lines := (totalBits + cacheLineBits - 1) / cacheLineBits
	if lines == 0 {
		lines = 1
	}
	return lines*cacheLineSize + trailerLen
}

// Reader answers membership queries against a previously built filter
// block.
type Reader struct {
	bits      []byte
	numBits   uint32
	numProbes int
}

// BloomFilterReader is an alias kept for callers written against the
// original exported type name.
type BloomFilterReader = Reader

// NewBloomFilterReader parses a filter block produced by Builder.Finish.
// It returns nil if the trailer is missing, truncated, or names a
// sub-implementation this package doesn't understand (e.g. a legacy,
// non-FastLocalBloom filter).
func NewBloomFilterReader(data []byte) *Reader {
	if len(data) < trailerLen {
		return nil
	}
	bitsLen := len(data) - trailerLen
	if data[bitsLen] != newBloomMarker || data[bitsLen+1] != fastLocalBloomMarker {
		return nil
	}

	numProbes := int(data[bitsLen+2])
	if numProbes == 0 {
		return &Reader{} // always-false filter
	}
	return &Reader{bits: data, numBits: uint32(bitsLen), numProbes: numProbes}
}

// MayContain returns false only if key is definitely absent from the
// set the filter was built from; a true result may be a false
// positive.
func (r *Reader) MayContain(key []byte) bool {
	if r == nil || r.numBits == 0 || r.numProbes == 0 {
		return false
	}
	return probesMatch(checksum.XXH3_64bits(key), r.numBits, r.numProbes, r.bits)
}

// splitHash derives the cache-line selector and per-line probe seed
// from a 64-bit key hash, mirroring FastLocalBloomImpl's split of the
// hash into two independent 32-bit halves.
func splitHash(hash uint64) (lineSelector, probeSeed uint32) {
	return uint32(hash), uint32(hash >> 32)
}

// cacheLineFor locates the 64-byte window within data that a given
// lineSelector hashes to.
func cacheLineFor(lineSelector uint32, numBits uint32, data []byte) []byte {
	numLines := numBits >> 6
	offset := fastRange32(lineSelector, numLines) << 6
	return data[offset : offset+cacheLineSize]
}

// fastRange32 maps h uniformly into [0, n) via a multiply-and-shift,
// avoiding the modulo bias and cost of h % n.
func fastRange32(h, n uint32) uint32 {
	return uint32((uint64(h) * uint64(n)) >> 32)
}

// setProbes sets numProbes bits for hash within data's cache-line-local
// filter, per FastLocalBloomImpl::AddHash.
func setProbes(hash uint64, numBits uint32, numProbes int, data []byte) {
	lineSelector, seed := splitHash(hash)
	line := cacheLineFor(lineSelector, numBits, data)
	for range numProbes {
		bit := seed >> (32 - 9) // 9-bit address within a 512-bit line
		line[bit>>3] |= 1 << (bit & 7)
		seed *= 0x9e3779b9 // golden-ratio step to the next probe
	}
}

// probesMatch reports whether every one of hash's numProbes bits is
// set in data, per FastLocalBloomImpl::HashMayMatch.
func probesMatch(hash uint64, numBits uint32, numProbes int, data []byte) bool {
	lineSelector, seed := splitHash(hash)
	line := cacheLineFor(lineSelector, numBits, data)
	for range numProbes {
		bit := seed >> (32 - 9)
		if line[bit>>3]&(1<<(bit&7)) == 0 {
			return false
		}
		seed *= 0x9e3779b9
	}
	return true
}
