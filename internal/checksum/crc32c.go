// Package checksum implements the checksum algorithms RocksDB stamps
// onto WAL records and SST blocks: CRC32C with RocksDB's mask/unmask
// transform, XXHash32/64, and (in xxh3.go) XXH3.
//
// Reference: RocksDB v10.7.5
//   - util/crc32c.h
//   - util/crc32c.cc
package checksum

import "hash/crc32"

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// maskDelta is RocksDB's masking constant (kMaskDelta in crc32c.cc).
const maskDelta = 0xa282ead8

// maskRotateBits is how far Mask/Unmask rotate the CRC before/after
// adding maskDelta.
const maskRotateBits = 15

// Value computes the CRC32C of data, equivalent to RocksDB's
// crc32c::Value().
func Value(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// Extend computes the CRC32C of concat(a, data) given initCRC, the
// CRC32C of a, equivalent to RocksDB's crc32c::Extend().
func Extend(initCRC uint32, data []byte) uint32 {
	return crc32.Update(initCRC, castagnoliTable, data)
}

// Mask obscures crc so that embedding it in the very data it
// checksums doesn't make the checksum self-referential: a stored
// masked CRC no longer looks like a small, easily-corrupted-in-place
// value to whatever happens to scan the bytes around it.
//
// Equivalent to RocksDB's crc32c::Mask().
func Mask(crc uint32) uint32 {
	return rotateRight32(crc, maskRotateBits) + maskDelta
}

// Unmask reverses Mask, equivalent to RocksDB's crc32c::Unmask().
func Unmask(maskedCRC uint32) uint32 {
	return rotateLeft32(maskedCRC-maskDelta, maskRotateBits)
}

func rotateRight32(x uint32, bits uint) uint32 {
	return (x >> bits) | (x << (32 - bits))
}

func rotateLeft32(x uint32, bits uint) uint32 {
	return (x << bits) | (x >> (32 - bits))
}

// MaskedValue is Mask(Value(data)).
func MaskedValue(data []byte) uint32 {
	return Mask(Value(data))
}

// MaskedExtend is Mask(Extend(initCRC, data)).
func MaskedExtend(initCRC uint32, data []byte) uint32 {
	return Mask(Extend(initCRC, data))
}
