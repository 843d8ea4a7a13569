// Package table provides SST file reading and writing functionality.
// This file implements TableProperties parsing.
//
// Reference: RocksDB v10.7.5
//   - table/table_properties.cc
//   - table/meta_blocks.cc (ParsePropertiesBlock)
//   - include/rocksdb/table_properties.h

package table

import (
	"github.com/aalhour/rockyardkv/internal/block"
	"github.com/aalhour/rockyardkv/internal/encoding"
)

// Property name constants from RocksDB.
// Reference: include/rocksdb/table_properties.h
const (
	PropDBID                           = "rocksdb.creating.db.identity"
	PropDBSessionID                    = "rocksdb.creating.session.identity"
	PropDBHostID                       = "rocksdb.creating.host.identity"
	PropOriginalFileNumber             = "rocksdb.original.file.number"
	PropDataSize                       = "rocksdb.data.size"
	PropIndexSize                      = "rocksdb.index.size"
	PropIndexPartitions                = "rocksdb.index.partitions"
	PropTopLevelIndexSize              = "rocksdb.top-level.index.size"
	PropIndexKeyIsUserKey              = "rocksdb.index.key.is.user.key"
	PropIndexValueIsDeltaEncoded       = "rocksdb.index.value.is.delta.encoded"
	PropFilterSize                     = "rocksdb.filter.size"
	PropRawKeySize                     = "rocksdb.raw.key.size"
	PropRawValueSize                   = "rocksdb.raw.value.size"
	PropNumDataBlocks                  = "rocksdb.num.data.blocks"
	PropNumEntries                     = "rocksdb.num.entries"
	PropNumFilterEntries               = "rocksdb.num.filter.entries"
	PropDeletedKeys                    = "rocksdb.deleted.keys"
	PropMergeOperands                  = "rocksdb.merge.operands"
	PropNumRangeDeletions              = "rocksdb.num.range-deletions"
	PropFormatVersion                  = "rocksdb.format.version"
	PropFixedKeyLen                    = "rocksdb.fixed.key.length"
	PropFilterPolicy                   = "rocksdb.filter.policy"
	PropColumnFamilyName               = "rocksdb.column.family.name"
	PropColumnFamilyID                 = "rocksdb.column.family.id"
	PropComparator                     = "rocksdb.comparator"
	PropMergeOperator                  = "rocksdb.merge.operator"
	PropPrefixExtractorName            = "rocksdb.prefix.extractor.name"
	PropPropertyCollectors             = "rocksdb.property.collectors"
	PropCompression                    = "rocksdb.compression"
	PropCompressionOptions             = "rocksdb.compression_options"
	PropCreationTime                   = "rocksdb.creation.time"
	PropOldestKeyTime                  = "rocksdb.oldest.key.time"
	PropNewestKeyTime                  = "rocksdb.newest.key.time"
	PropFileCreationTime               = "rocksdb.file.creation.time"
	PropSlowCompressionEstimatedSize   = "rocksdb.sample_for_compression"
	PropFastCompressionEstimatedSize   = "rocksdb.sample_for_compression.2"
	PropTailStartOffset                = "rocksdb.tail.start.offset"
	PropUserDefinedTimestampsPersisted = "rocksdb.user.defined.timestamps.persisted"
	PropKeyLargestSeqno                = "rocksdb.key.largest.seqno"
	PropKeySmallestSeqno               = "rocksdb.key.smallest.seqno"
)

// TableProperties contains metadata about an SST file.
type TableProperties struct {
	// Basic statistics
	DataSize          uint64
	IndexSize         uint64
	IndexPartitions   uint64
	TopLevelIndexSize uint64
	FilterSize        uint64
	RawKeySize        uint64
	RawValueSize      uint64
	NumDataBlocks     uint64
	NumEntries        uint64
	NumFilterEntries  uint64
	NumDeletions      uint64
	NumMergeOperands  uint64
	NumRangeDeletions uint64
	FormatVersion     uint64
	FixedKeyLen       uint64
	ColumnFamilyID    uint64
	CreationTime      uint64
	OldestKeyTime     uint64
	NewestKeyTime     uint64
	FileCreationTime  uint64
	OrigFileNumber    uint64
	TailStartOffset   uint64
	KeyLargestSeqno   uint64
	KeySmallestSeqno  uint64

	// Boolean-like properties (stored as uint64)
	IndexKeyIsUserKey              uint64
	IndexValueIsDeltaEncoded       uint64
	UserDefinedTimestampsPersisted uint64
	SlowCompressionEstimatedSize   uint64
	FastCompressionEstimatedSize   uint64

	// String properties
	DBID                    string
	DBSessionID             string
	DBHostID                string
	FilterPolicyName        string
	ColumnFamilyName        string
	ComparatorName          string
	MergeOperatorName       string
	PrefixExtractorName     string
	PropertyCollectorsNames string
	CompressionName         string
	CompressionOptions      string

	// User-collected properties
	UserCollectedProperties map[string]string
}

// uint64Field returns a pointer to the TableProperties field that
// backs the given uint64 property key, or nil if key names a string
// property or isn't a known property at all.
func uint64Field(props *TableProperties, key string) *uint64 {
	switch key {
	case PropOriginalFileNumber:
		return &props.OrigFileNumber
	case PropDataSize:
		return &props.DataSize
	case PropIndexSize:
		return &props.IndexSize
	case PropIndexPartitions:
		return &props.IndexPartitions
	case PropTopLevelIndexSize:
		return &props.TopLevelIndexSize
	case PropIndexKeyIsUserKey:
		return &props.IndexKeyIsUserKey
	case PropIndexValueIsDeltaEncoded:
		return &props.IndexValueIsDeltaEncoded
	case PropFilterSize:
		return &props.FilterSize
	case PropRawKeySize:
		return &props.RawKeySize
	case PropRawValueSize:
		return &props.RawValueSize
	case PropNumDataBlocks:
		return &props.NumDataBlocks
	case PropNumEntries:
		return &props.NumEntries
	case PropNumFilterEntries:
		return &props.NumFilterEntries
	case PropDeletedKeys:
		return &props.NumDeletions
	case PropMergeOperands:
		return &props.NumMergeOperands
	case PropNumRangeDeletions:
		return &props.NumRangeDeletions
	case PropFormatVersion:
		return &props.FormatVersion
	case PropFixedKeyLen:
		return &props.FixedKeyLen
	case PropColumnFamilyID:
		return &props.ColumnFamilyID
	case PropCreationTime:
		return &props.CreationTime
	case PropOldestKeyTime:
		return &props.OldestKeyTime
	case PropNewestKeyTime:
		return &props.NewestKeyTime
	case PropFileCreationTime:
		return &props.FileCreationTime
	case PropTailStartOffset:
		return &props.TailStartOffset
	case PropUserDefinedTimestampsPersisted:
		return &props.UserDefinedTimestampsPersisted
	case PropKeyLargestSeqno:
		return &props.KeyLargestSeqno
	case PropKeySmallestSeqno:
		return &props.KeySmallestSeqno
	case PropSlowCompressionEstimatedSize:
		return &props.SlowCompressionEstimatedSize
	case PropFastCompressionEstimatedSize:
		return &props.FastCompressionEstimatedSize
	default:
		return nil
	}
}

// stringSetters maps a string property's key to the closure that
// stores it, built once rather than re-switched on every block entry.
var stringSetters = map[string]func(props *TableProperties, value string){
	PropDBID:                func(p *TableProperties, v string) { p.DBID = v },
	PropDBSessionID:         func(p *TableProperties, v string) { p.DBSessionID = v },
	PropDBHostID:            func(p *TableProperties, v string) { p.DBHostID = v },
	PropFilterPolicy:        func(p *TableProperties, v string) { p.FilterPolicyName = v },
	PropColumnFamilyName:    func(p *TableProperties, v string) { p.ColumnFamilyName = v },
	PropComparator:          func(p *TableProperties, v string) { p.ComparatorName = v },
	PropMergeOperator:       func(p *TableProperties, v string) { p.MergeOperatorName = v },
	PropPrefixExtractorName: func(p *TableProperties, v string) { p.PrefixExtractorName = v },
	PropPropertyCollectors:  func(p *TableProperties, v string) { p.PropertyCollectorsNames = v },
	PropCompression:         func(p *TableProperties, v string) { p.CompressionName = v },
	PropCompressionOptions:  func(p *TableProperties, v string) { p.CompressionOptions = v },
}

// ParsePropertiesBlock parses a properties block into TableProperties.
// The block is an ordinary key/value block; each entry is routed to
// its backing field by key, and anything the reader doesn't recognize
// falls through to UserCollectedProperties rather than being dropped.
func ParsePropertiesBlock(data []byte) (*TableProperties, error) {
	blk, err := block.NewBlock(data)
	if err != nil {
		return nil, err
	}

	props := &TableProperties{
		UserCollectedProperties: make(map[string]string),
	}

	iter := blk.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		value := iter.Value()

		if target := uint64Field(props, key); target != nil {
			if v, _, err := encoding.DecodeVarint64(value); err == nil {
				*target = v
				continue
			}
			// Malformed varint for a recognized key: fall through and
			// keep the raw bytes rather than silently losing the entry.
		}

		if setter, ok := stringSetters[key]; ok {
			setter(props, string(value))
			continue
		}

		props.UserCollectedProperties[key] = string(value)
	}

	return props, nil
}
