// Package wal provides Write-Ahead Log (WAL) reader and writer
// implementations bit-compatible with RocksDB's log format.
//
// A log file is a sequence of fixed-size blocks. Logical records are
// fragmented across block boundaries as needed; each physical fragment
// carries its own header (checksum, length, type) so a reader can
// resynchronize after a torn or corrupted block without losing the
// whole file.
//
// Legacy header:
//
//	+----------+---------+------+---------+
//	| CRC (4B) | Len(2B) | Type | Payload |
//	+----------+---------+------+---------+
//
// Recyclable header adds a 4-byte log number so a reader can tell a
// stale fragment left over from a recycled file from a fresh one:
//
//	+----------+---------+------+----------+---------+
//	| CRC (4B) | Len(2B) | Type | LogNo(4B)| Payload |
//	+----------+---------+------+----------+---------+
//
// The CRC covers Type + [LogNo] + Payload and is stored masked via
// checksum.Mask.
//
// Reference: RocksDB v10.7.5, db/log_format.h
package wal

// Block and header geometry. These sizes are part of the on-disk
// format and must not change.
const (
	// BlockSize is the size of each block in the log file.
	BlockSize = 32768

	// HeaderSize is checksum(4) + length(2) + type(1).
	HeaderSize = 7

	// RecyclableHeaderSize is HeaderSize plus a 4-byte log number.
	RecyclableHeaderSize = 11

	// MaxRecordPayload is the largest payload a single legacy fragment
	// can carry.
	MaxRecordPayload = BlockSize - HeaderSize

	// MaxRecyclableRecordPayload is the largest payload a single
	// recyclable fragment can carry.
	MaxRecyclableRecordPayload = BlockSize - RecyclableHeaderSize
)

// RecordType identifies the role a physical fragment plays in
// reassembling a logical record. Values are part of the on-disk
// format and MUST NOT change.
type RecordType uint8

const (
	ZeroType RecordType = 0 // preallocated, all-zero space

	FullType   RecordType = 1
	FirstType  RecordType = 2
	MiddleType RecordType = 3
	LastType   RecordType = 4

	RecyclableFullType   RecordType = 5
	RecyclableFirstType  RecordType = 6
	RecyclableMiddleType RecordType = 7
	RecyclableLastType   RecordType = 8

	SetCompressionType           RecordType = 9
	UserDefinedTimestampSizeType RecordType = 10

	RecyclableUserDefinedTimestampSizeType RecordType = 11

	PredecessorWALInfoType        RecordType = 130
	RecyclePredecessorWALInfoType RecordType = 131

	// MaxRecordType bounds the typeCRC lookup table a Writer precomputes.
	MaxRecordType = RecyclePredecessorWALInfoType
)

// RecordTypeSafeIgnoreMask marks record types that an older reader may
// safely skip rather than treat as corruption: bit 7 set means "new,
// but ignorable if you don't understand it."
const RecordTypeSafeIgnoreMask = 1 << 7

// legacyToRecyclable and its inverse map the four fragment roles
// between the legacy and recyclable type spaces; the inverse also maps
// RecyclePredecessorWALInfoType to PredecessorWALInfoType. Anything
// else passes through unchanged.
var (
	legacyToRecyclable = map[RecordType]RecordType{
		FullType:   RecyclableFullType,
		FirstType:  RecyclableFirstType,
		MiddleType: RecyclableMiddleType,
		LastType:   RecyclableLastType,
	}
	recyclableToLegacy = map[RecordType]RecordType{
		RecyclableFullType:   FullType,
		RecyclableFirstType:  FirstType,
		RecyclableMiddleType: MiddleType,
		RecyclableLastType:   LastType,

		RecyclePredecessorWALInfoType: PredecessorWALInfoType,
	}
	recordTypeNames = map[RecordType]string{
		ZeroType:                               "ZeroType",
		FullType:                               "FullType",
		FirstType:                              "FirstType",
		MiddleType:                             "MiddleType",
		LastType:                               "LastType",
		RecyclableFullType:                     "RecyclableFullType",
		RecyclableFirstType:                    "RecyclableFirstType",
		RecyclableMiddleType:                   "RecyclableMiddleType",
		RecyclableLastType:                     "RecyclableLastType",
		SetCompressionType:                     "SetCompressionType",
		UserDefinedTimestampSizeType:           "UserDefinedTimestampSizeType",
		RecyclableUserDefinedTimestampSizeType: "RecyclableUserDefinedTimestampSizeType",
		PredecessorWALInfoType:                 "PredecessorWALInfoType",
		RecyclePredecessorWALInfoType:           "RecyclePredecessorWALInfoType",
	}
)

// IsRecyclableType reports whether t belongs to the recyclable variant
// of the format (fragment types 5-8, or either recyclable sentinel
// record).
func IsRecyclableType(t RecordType) bool {
	if t >= RecyclableFullType && t <= RecyclableLastType {
		return true
	}
	return t == RecyclableUserDefinedTimestampSizeType || t == RecyclePredecessorWALInfoType
}

// IsFragmentType reports whether t is one of the eight record types
// used to carry logical-record payload (as opposed to a standalone
// marker record like SetCompressionType).
func IsFragmentType(t RecordType) bool {
	return (t >= FullType && t <= LastType) || (t >= RecyclableFullType && t <= RecyclableLastType)
}

// ToRecyclable returns the recyclable fragment type corresponding to
// t, or t unchanged if it isn't a legacy fragment type.
func ToRecyclable(t RecordType) RecordType {
	if rt, ok := legacyToRecyclable[t]; ok {
		return rt
	}
	return t
}

// IsPredecessorWALInfoType reports whether t is the legacy or the
// recyclable predecessor-WAL-info record type.
func IsPredecessorWALInfoType(t RecordType) bool {
	return t == PredecessorWALInfoType || t == RecyclePredecessorWALInfoType
}

// ToLegacy returns the legacy type corresponding to t (for the four
// recyclable fragment types and RecyclePredecessorWALInfoType), or t
// unchanged otherwise.
func ToLegacy(t RecordType) RecordType {
	if lt, ok := recyclableToLegacy[t]; ok {
		return lt
	}
	return t
}

// String implements fmt.Stringer for diagnostics and test failure
// messages.
func (t RecordType) String() string {
	if name, ok := recordTypeNames[t]; ok {
		return name
	}
	return "UnknownType"
}
