// Footer parsing and encoding: the fixed-size trailer every SST file
// carries, pointing at the metaindex block and (for format_version < 6)
// the top-level index block.
//
// Reference: RocksDB v10.7.5 table/format.h, table/format.cc
package block

import (
	"encoding/binary"

	"github.com/aalhour/rockyardkv/internal/checksum"
)

// Magic numbers identifying an SST file's table format.
const (
	LegacyBlockBasedTableMagicNumber uint64 = 0xdb4775248b80fb57
	BlockBasedTableMagicNumber       uint64 = 0x88e241b785f4cff7
	LegacyPlainTableMagicNumber      uint64 = 0x4f3418eb7a8f13b8
	PlainTableMagicNumber            uint64 = 0x8242229663bf9564

	// CuckooTableMagicNumber: table/cuckoo/cuckoo_table_builder.cc
	CuckooTableMagicNumber uint64 = 0x926789d0c5f17873
)

const MagicNumberLengthByte = 8

// ChecksumType is the block-trailer checksum algorithm a file was
// written with.
type ChecksumType uint8

const (
	ChecksumTypeNone     ChecksumType = 0
	ChecksumTypeCRC32C   ChecksumType = 1
	ChecksumTypeXXHash   ChecksumType = 2
	ChecksumTypeXXHash64 ChecksumType = 3
	ChecksumTypeXXH3     ChecksumType = 4
)

func ToChecksumType(t uint8) ChecksumType { return ChecksumType(t) }

const (
	LatestFormatVersion uint32 = 7

	// BlockTrailerSize is compression-type byte (1) + checksum (4).
	BlockTrailerSize = 5
)

// CompressionType is the per-block compression codec byte.
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionZlib   CompressionType = 2
	CompressionBZip2  CompressionType = 3
	CompressionLZ4    CompressionType = 4
	CompressionLZ4HC  CompressionType = 5
	CompressionXpress CompressionType = 6
	CompressionZstd   CompressionType = 7
)

// Type names the role a meta/data block plays, for block-specific
// handling at write time (e.g. which ones get a bloom filter check).
type Type int

const (
	TypeData Type = iota
	TypeIndex
	TypeMetaIndex
	TypeProperties
	TypeFilter
	TypeRangeDeletion
	TypeCompressionDict
)

// Footer is the fixed-layout trailer at the end of every SST file.
type Footer struct {
	TableMagicNumber    uint64
	FormatVersion       uint32
	BaseContextChecksum uint32 // format_version >= 6 only
	MetaindexHandle     Handle
	IndexHandle         Handle // only populated for format_version < 6
	ChecksumType        ChecksumType
	BlockTrailerSize    uint8
}

const (
	Version0EncodedLength    = 2*MaxEncodedLength + MagicNumberLengthByte
	NewVersionsEncodedLength = 1 + 2*MaxEncodedLength + 4 + MagicNumberLengthByte
	MinEncodedLength         = Version0EncodedLength
	MaxEncodedFooterLength   = NewVersionsEncodedLength
)

// extendedMagic opens the format_version >= 6 layout of footer Part 2,
// distinguishing it from the varint-handle layout of versions 1-5.
var extendedMagic = [4]byte{0x3e, 0x00, 0x7a, 0x00}

// DecodeFooter parses a footer from the trailing bytes of an SST file.
// inputOffset is data's absolute offset in the file (needed to recover
// format_version >= 6's metaindex handle, which isn't stored directly).
// A nonzero enforceMagicNumber rejects any other magic.
func DecodeFooter(data []byte, inputOffset uint64, enforceMagicNumber uint64) (*Footer, error) {
	if len(data) < MinEncodedLength {
		return nil, ErrBadBlockFooter
	}

	f := &Footer{}
	f.TableMagicNumber = binary.LittleEndian.Uint64(data[len(data)-MagicNumberLengthByte:])
	if enforceMagicNumber != 0 && f.TableMagicNumber != enforceMagicNumber {
		return nil, ErrBadBlockFooter
	}

	if f.TableMagicNumber == BlockBasedTableMagicNumber || f.TableMagicNumber == LegacyBlockBasedTableMagicNumber {
		f.BlockTrailerSize = BlockTrailerSize
	}

	if f.TableMagicNumber == LegacyBlockBasedTableMagicNumber || f.TableMagicNumber == LegacyPlainTableMagicNumber {
		return decodeLegacyFooter(f, data)
	}
	return decodeModernFooter(f, data, inputOffset)
}

// decodeLegacyFooter handles format_version 0: two varint-encoded block
// handles, zero padding, then the magic number.
func decodeLegacyFooter(f *Footer, data []byte) (*Footer, error) {
	f.FormatVersion = 0
	f.ChecksumType = ChecksumTypeCRC32C

	meta, rest, err := DecodeHandle(data)
	if err != nil {
		return nil, err
	}
	idx, _, err := DecodeHandle(rest)
	if err != nil {
		return nil, err
	}
	f.MetaindexHandle, f.IndexHandle = meta, idx
	return f, nil
}

// decodeModernFooter handles format_version 1+: one checksum-type byte,
// a 40-byte Part 2 whose shape depends on the version, then
// format_version and the magic number.
func decodeModernFooter(f *Footer, data []byte, inputOffset uint64) (*Footer, error) {
	if len(data) < NewVersionsEncodedLength {
		return nil, ErrBadBlockFooter
	}

	versionOffset := len(data) - MagicNumberLengthByte - 4
	f.FormatVersion = binary.LittleEndian.Uint32(data[versionOffset:])
	if f.FormatVersion > LatestFormatVersion {
		return nil, ErrBadBlockFooter
	}
	f.ChecksumType = ChecksumType(data[0])

	if f.FormatVersion >= 6 {
		return decodeContextChecksumPart2(f, data[1:], inputOffset)
	}

	meta, rest, err := DecodeHandle(data[1:])
	if err != nil {
		return nil, err
	}
	idx, _, err := DecodeHandle(rest)
	if err != nil {
		return nil, err
	}
	f.MetaindexHandle, f.IndexHandle = meta, idx
	return f, nil
}

// decodeContextChecksumPart2 reads format_version >= 6's Part 2 layout:
//
//	extended_magic(4) footer_checksum(4) base_context_checksum(4) metaindex_size(4) zero_pad(24)
//
// The metaindex block's offset isn't stored directly — it's derived from
// this footer's own file offset and its size, since the metaindex block
// always sits immediately before the footer.
func decodeContextChecksumPart2(f *Footer, part2 []byte, footerOffset uint64) (*Footer, error) {
	if part2[0] != extendedMagic[0] || part2[1] != extendedMagic[1] ||
		part2[2] != extendedMagic[2] || part2[3] != extendedMagic[3] {
		return nil, ErrBadBlockFooter
	}
	f.BaseContextChecksum = binary.LittleEndian.Uint32(part2[8:12])
	metaindexSize := binary.LittleEndian.Uint32(part2[12:16])

	metaindexEnd := footerOffset - uint64(f.BlockTrailerSize)
	f.MetaindexHandle = Handle{Offset: metaindexEnd - uint64(metaindexSize), Size: uint64(metaindexSize)}
	f.IndexHandle = Handle{} // carried in the metaindex block under "rocksdb.index" instead

	return f, nil
}

// EncodeTo encodes the footer assuming footer offset 0. Format_version
// >= 6's context checksum depends on the real file offset, so callers
// writing such a footer must use EncodeToAt instead.
func (f *Footer) EncodeTo() []byte { return f.EncodeToAt(0) }

// EncodeToAt encodes the footer as it would be written at footerOffset
// in the file, which format_version >= 6 folds into its checksum.
func (f *Footer) EncodeToAt(footerOffset uint64) []byte {
	if f.FormatVersion == 0 {
		return f.encodeLegacy()
	}
	return f.encodeModern(footerOffset)
}

func (f *Footer) encodeLegacy() []byte {
	buf := make([]byte, Version0EncodedLength)
	n := copy(buf, f.MetaindexHandle.EncodeTo(nil))
	n += copy(buf[n:], f.IndexHandle.EncodeTo(nil))
	for i := n; i < Version0EncodedLength-MagicNumberLengthByte; i++ {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[Version0EncodedLength-MagicNumberLengthByte:], f.TableMagicNumber)
	return buf
}

func (f *Footer) encodeModern(footerOffset uint64) []byte {
	buf := make([]byte, NewVersionsEncodedLength)
	buf[0] = byte(f.ChecksumType)

	const part2Start = 1
	part3Start := part2Start + 2*MaxEncodedLength

	if f.FormatVersion >= 6 {
		f.encodeContextChecksumPart2(buf, part2Start, part3Start, footerOffset)
	} else {
		cur := part2Start
		cur += copy(buf[cur:], f.MetaindexHandle.EncodeTo(nil))
		cur += copy(buf[cur:], f.IndexHandle.EncodeTo(nil))
		for i := cur; i < part3Start; i++ {
			buf[i] = 0
		}
	}

	binary.LittleEndian.PutUint32(buf[part3Start:], f.FormatVersion)
	binary.LittleEndian.PutUint64(buf[part3Start+4:], f.TableMagicNumber)
	return buf
}

// encodeContextChecksumPart2 writes Part 2 for format_version >= 6 and
// back-fills the footer checksum once every other field is in place.
func (f *Footer) encodeContextChecksumPart2(buf []byte, part2Start, part3Start int, footerOffset uint64) {
	cur := part2Start
	cur += copy(buf[cur:], extendedMagic[:])

	checksumOffset := cur
	binary.LittleEndian.PutUint32(buf[cur:], 0) // placeholder until the rest is written
	cur += 4

	binary.LittleEndian.PutUint32(buf[cur:], f.BaseContextChecksum)
	cur += 4
	binary.LittleEndian.PutUint32(buf[cur:], uint32(f.MetaindexHandle.Size))
	cur += 4
	for i := cur; i < part3Start; i++ {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf[part3Start:], f.FormatVersion)
	binary.LittleEndian.PutUint64(buf[part3Start+4:], f.TableMagicNumber)

	sum := footerChecksum(f.ChecksumType, buf) + checksumModifierForContext(f.BaseContextChecksum, footerOffset)
	binary.LittleEndian.PutUint32(buf[checksumOffset:], sum)
}

// footerChecksum computes a footer's self-checksum over the whole
// buffer with the checksum field still zeroed.
func footerChecksum(t ChecksumType, buf []byte) uint32 {
	switch t {
	case ChecksumTypeCRC32C:
		return checksum.Mask(checksum.Value(buf))
	case ChecksumTypeXXHash64:
		return uint32(checksum.XXHash64(buf))
	case ChecksumTypeXXH3:
		return xxh3LastByteChecksum(buf)
	default:
		return 0
	}
}

// xxh3LastByteChecksum hashes everything but the final byte, then folds
// that byte in separately — matching ComputeXXH3ChecksumWithLastByte's
// treatment of the compression-type byte for block trailers, here
// applied to the footer's own trailing magic byte.
func xxh3LastByteChecksum(data []byte) uint32 {
	if len(data) == 0 {
		return 0
	}
	h := uint32(checksum.XXH3_64bits(data[:len(data)-1]))
	const randomPrime = 0x6b9083d9
	return h ^ (uint32(data[len(data)-1]) * randomPrime)
}

// checksumModifierForContext folds a footer's file offset into its base
// context checksum (format_version >= 6). Matches
// RocksDB's ChecksumModifierForContext in table/format.h.
func checksumModifierForContext(base uint32, offset uint64) uint32 {
	var mask uint32
	if base != 0 {
		mask = 0xFFFFFFFF
	}
	return (base ^ (uint32(offset) + uint32(offset>>32))) & mask
}

func IsSupportedFormatVersion(version uint32) bool { return version <= LatestFormatVersion }

func FormatVersionUsesContextChecksum(version uint32) bool { return version >= 6 }

func FormatVersionUsesIndexHandleInFooter(version uint32) bool { return version < 6 }
