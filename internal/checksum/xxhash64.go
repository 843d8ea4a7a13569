// xxhash64.go implements 64-bit xxHash, used by the older (pre-XXH3)
// RocksDB block checksum format.
//
// Reference: https://github.com/Cyan4973/xxHash/blob/dev/doc/xxhash_spec.md
package checksum

import "encoding/binary"

const (
	xxh64Prime1 uint64 = 0x9E3779B185EBCA87
	xxh64Prime2 uint64 = 0xC2B2AE3D27D4EB4F
	xxh64Prime3 uint64 = 0x165667B19E3779F9
	xxh64Prime4 uint64 = 0x85EBCA77C2B2AE63
	xxh64Prime5 uint64 = 0x27D4EB2F165667C5
)

// XXHash64 computes the 64-bit xxHash of data with seed 0.
func XXHash64(data []byte) uint64 {
	return XXHash64WithSeed(data, 0)
}

// XXHash64WithSeed computes the 64-bit xxHash of data with the given seed.
func XXHash64WithSeed(data []byte, seed uint64) uint64 {
	h, rest := xxh64Stripes(data, seed)
	h += uint64(len(data))
	h = xxh64ConsumeTail(h, rest)
	return xxh64Avalanche(h)
}

// xxh64Stripes processes data in 32-byte stripes through four parallel
// accumulators when there's enough of it, or seeds a single
// accumulator directly for short inputs. It returns the running hash
// along with whatever tail (under 32 bytes) xxh64ConsumeTail still
// needs to fold in.
func xxh64Stripes(data []byte, seed uint64) (h uint64, rest []byte) {
	if len(data) < 32 {
		return seed + xxh64Prime5, data
	}

	v1 := seed + xxh64Prime1 + xxh64Prime2
	v2 := seed + xxh64Prime2
	v3 := seed
	v4 := seed - xxh64Prime1

	for len(data) >= 32 {
		v1 = xxh64Round(v1, binary.LittleEndian.Uint64(data[0:8]))
		v2 = xxh64Round(v2, binary.LittleEndian.Uint64(data[8:16]))
		v3 = xxh64Round(v3, binary.LittleEndian.Uint64(data[16:24]))
		v4 = xxh64Round(v4, binary.LittleEndian.Uint64(data[24:32]))
		data = data[32:]
	}

	h = xxh64RotateLeft(v1, 1) + xxh64RotateLeft(v2, 7) +
		xxh64RotateLeft(v3, 12) + xxh64RotateLeft(v4, 18)
	h = xxh64MergeRound(h, v1)
	h = xxh64MergeRound(h, v2)
	h = xxh64MergeRound(h, v3)
	h = xxh64MergeRound(h, v4)
	return h, data
}

// xxh64ConsumeTail folds in whatever's left after xxh64Stripes (always
// under 32 bytes), narrowing from 8-byte lanes down to single bytes.
func xxh64ConsumeTail(h uint64, data []byte) uint64 {
	for len(data) >= 8 {
		h ^= xxh64Round(0, binary.LittleEndian.Uint64(data[:8]))
		h = xxh64RotateLeft(h, 27)*xxh64Prime1 + xxh64Prime4
		data = data[8:]
	}
	for len(data) >= 4 {
		h ^= uint64(binary.LittleEndian.Uint32(data[:4])) * xxh64Prime1
		h = xxh64RotateLeft(h, 23)*xxh64Prime2 + xxh64Prime3
		data = data[4:]
	}
	for len(data) > 0 {
		h ^= uint64(data[0]) * xxh64Prime5
		h = xxh64RotateLeft(h, 11) * xxh64Prime1
		data = data[1:]
	}
	return h
}

func xxh64Round(acc, input uint64) uint64 {
	acc += input * xxh64Prime2
	acc = xxh64RotateLeft(acc, 31)
	acc *= xxh64Prime1
	return acc
}

func xxh64MergeRound(acc, val uint64) uint64 {
	val = xxh64Round(0, val)
	acc ^= val
	return acc*xxh64Prime1 + xxh64Prime4
}

func xxh64RotateLeft(x uint64, n uint) uint64 {
	return (x << n) | (x >> (64 - n))
}

func xxh64Avalanche(h uint64) uint64 {
	h ^= h >> 33
	h *= xxh64Prime2
	h ^= h >> 29
	h *= xxh64Prime3
	h ^= h >> 32
	return h
}

// XXHash64ChecksumWithLastByte computes XXHash64 over data followed by
// a separately-supplied trailing byte, returning the low 32 bits as
// RocksDB's block checksum format requires.
func XXHash64ChecksumWithLastByte(data []byte, lastByte byte) uint32 {
	buf := make([]byte, len(data)+1)
	copy(buf, data)
	buf[len(data)] = lastByte
	return uint32(XXHash64(buf))
}
