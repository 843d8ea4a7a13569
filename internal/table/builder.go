// Package table reads and writes SST files in RocksDB's block-based table
// format.
//
// Reference: RocksDB v10.7.5
//   - table/block_based/block_based_table_builder.h
//   - table/block_based/block_based_table_builder.cc
//   - table/table_builder.h
//
// # Whitebox Testing Hooks
//
// Kill points below only fire under -tags crashtest; in production builds
// they compile away to nothing. See docs/testing.md.
package table

import (
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"sort"

	"github.com/aalhour/rockyardkv/internal/block"
	"github.com/aalhour/rockyardkv/internal/checksum"
	"github.com/aalhour/rockyardkv/internal/compression"
	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/encoding"
	"github.com/aalhour/rockyardkv/internal/filter"
	"github.com/aalhour/rockyardkv/internal/rangedel"
	"github.com/aalhour/rockyardkv/internal/testutil"
)

// BuilderOptions configures a TableBuilder.
type BuilderOptions struct {
	BlockSize            int // target uncompressed data block size; default 4096
	BlockRestartInterval int // keys per prefix-compression restart; default 16
	FormatVersion        uint32
	ChecksumType         checksum.Type
	ComparatorName       string
	ColumnFamilyID       uint32
	ColumnFamilyName     string
	FilterBitsPerKey     int // 0 disables the bloom filter
	FilterPolicy         string
	Compression          compression.Type
}

// DefaultBuilderOptions returns the options used when a caller supplies none.
func DefaultBuilderOptions() BuilderOptions {
	return BuilderOptions{
		BlockSize:            4096,
		BlockRestartInterval: 16,
		FormatVersion:        3,
		ChecksumType:         checksum.TypeCRC32C,
		ComparatorName:       "leveldb.BytewiseComparator",
		ColumnFamilyID:       0,
		ColumnFamilyName:     "default",
		FilterBitsPerKey:     10,
		FilterPolicy:         "rocksdb.BuiltinBloomFilter",
		Compression:          compression.NoCompression,
	}
}

// buildStats accumulates the counters that end up in the properties block.
type buildStats struct {
	numEntries        uint64
	numDataBlocks     uint64
	rawKeySize        uint64
	rawValueSize      uint64
	dataSize          uint64
	indexSize         uint64
	filterSize        uint64
	numRangeDeletions uint64
}

// TableBuilder assembles an SST file one sorted key/value pair at a time.
type TableBuilder struct {
	dst  io.Writer
	opts BuilderOptions

	data       *block.Builder
	index      *block.Builder
	rangeDels  *block.Builder
	filterGen  *filter.BloomFilterBuilder

	// The index entry for a finished data block is only emitted once the
	// next key arrives, so its separator can be the shortest key that is
	// still >= the last key of that block.
	deferredHandle block.Handle
	haveDeferred   bool
	lastKey        []byte

	offset uint64
	stats  buildStats

	finished bool
	err      error

	// contextSeed salts the checksum of every block with its file offset,
	// under format_version >= 6.
	contextSeed uint32
}

// NewTableBuilder returns a TableBuilder that writes SST bytes to w.
func NewTableBuilder(w io.Writer, opts BuilderOptions) *TableBuilder {
	opts = fillBuilderDefaults(opts)

	tb := &TableBuilder{
		dst:       w,
		opts:      opts,
		data:      block.NewBuilder(opts.BlockRestartInterval),
		index:     block.NewBuilder(1),
		rangeDels: block.NewBuilder(1),
	}
	if opts.FormatVersion >= 6 {
		for tb.contextSeed == 0 {
			tb.contextSeed = rand.Uint32()
		}
	}
	if opts.FilterBitsPerKey > 0 {
		tb.filterGen = filter.NewBloomFilterBuilder(opts.FilterBitsPerKey)
	}
	return tb
}

func fillBuilderDefaults(opts BuilderOptions) BuilderOptions {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	if opts.BlockRestartInterval <= 0 {
		opts.BlockRestartInterval = 16
	}
	if opts.FormatVersion == 0 {
		opts.FormatVersion = 6
	}
	if opts.ChecksumType == 0 {
		opts.ChecksumType = checksum.TypeXXH3
	}
	if opts.ComparatorName == "" {
		opts.ComparatorName = "leveldb.BytewiseComparator"
	}
	return opts
}

// AddRangeTombstone records that [startKey, endKey) was deleted as of
// seqNum. Range tombstones go to a dedicated meta block, not the data
// blocks.
func (tb *TableBuilder) AddRangeTombstone(startKey, endKey []byte, seqNum dbformat.SequenceNumber) error {
	if err := tb.checkWritable(); err != nil {
		return err
	}
	key := dbformat.NewInternalKey(startKey, seqNum, dbformat.TypeRangeDeletion)
	tb.rangeDels.Add(key, endKey)
	tb.stats.numRangeDeletions++
	return nil
}

// AddRangeTombstones adds every tombstone in an unfragmented list.
func (tb *TableBuilder) AddRangeTombstones(list *rangedel.TombstoneList) error {
	if list == nil {
		return nil
	}
	for _, t := range list.All() {
		if err := tb.AddRangeTombstone(t.StartKey, t.EndKey, t.SequenceNum); err != nil {
			return err
		}
	}
	return nil
}

// AddFragmentedRangeTombstones adds every fragment in a fragmented list.
func (tb *TableBuilder) AddFragmentedRangeTombstones(list *rangedel.FragmentedRangeTombstoneList) error {
	if list == nil {
		return nil
	}
	for _, f := range list.All() {
		if err := tb.AddRangeTombstone(f.StartKey, f.EndKey, f.SequenceNum); err != nil {
			return err
		}
	}
	return nil
}

// HasRangeTombstones reports whether any tombstone has been added.
func (tb *TableBuilder) HasRangeTombstones() bool { return tb.stats.numRangeDeletions > 0 }

func (tb *TableBuilder) checkWritable() error {
	if tb.finished {
		return errors.New("table: builder already finished")
	}
	return tb.err
}

// Add appends a key/value pair. Keys must arrive in ascending order.
func (tb *TableBuilder) Add(key, value []byte) error {
	if err := tb.checkWritable(); err != nil {
		return err
	}

	tb.flushDeferredIndexEntry()

	tb.data.Add(key, value)
	tb.stats.numEntries++
	tb.stats.rawKeySize += uint64(len(key))
	tb.stats.rawValueSize += uint64(len(value))

	if tb.filterGen != nil {
		tb.filterGen.AddKey(userKeyOf(key))
	}
	tb.lastKey = append(tb.lastKey[:0], key...)

	if tb.data.EstimatedSize() >= tb.opts.BlockSize {
		if err := tb.flushDataBlock(); err != nil {
			tb.err = err
			return err
		}
	}
	return nil
}

// userKeyOf strips the 8-byte sequence/type trailer from an internal key,
// for keys long enough to carry one.
func userKeyOf(internalKey []byte) []byte {
	if len(internalKey) <= 8 {
		return internalKey
	}
	return internalKey[:len(internalKey)-8]
}

// flushDeferredIndexEntry emits the index entry for the most recently
// closed data block, now that the next block's first key is known and can
// be used to pick the shortest valid separator.
func (tb *TableBuilder) flushDeferredIndexEntry() {
	if !tb.haveDeferred {
		return
	}
	tb.index.Add(tb.lastKey, tb.deferredHandle.EncodeToSlice())
	tb.haveDeferred = false
}

func (tb *TableBuilder) flushDataBlock() error {
	if tb.data.Empty() {
		return nil
	}
	handle, err := tb.writeBlock(tb.data.Finish(), block.TypeData)
	if err != nil {
		return err
	}
	tb.stats.dataSize += handle.Size
	tb.stats.numDataBlocks++

	tb.deferredHandle = handle
	tb.haveDeferred = true
	tb.data.Reset()
	return nil
}

// writeBlock compresses (if configured and beneficial), writes, and trailers
// a single block, returning its handle.
func (tb *TableBuilder) writeBlock(contents []byte, kind block.Type) (block.Handle, error) {
	payload, usedCompression := tb.maybeCompress(contents, kind)
	handle := block.Handle{Offset: tb.offset, Size: uint64(len(payload))}

	if err := tb.writeRaw(payload); err != nil {
		return block.Handle{}, err
	}
	if err := tb.writeTrailer(payload, usedCompression, handle.Offset); err != nil {
		return block.Handle{}, err
	}
	return handle, nil
}

// maybeCompress compresses data block contents when compression is
// configured and actually shrinks the block; every other block type is
// always stored uncompressed.
func (tb *TableBuilder) maybeCompress(contents []byte, kind block.Type) (payload []byte, used block.CompressionType) {
	if tb.opts.Compression == compression.NoCompression || kind != block.TypeData {
		return contents, block.CompressionNone
	}
	compressed, err := compression.Compress(tb.opts.Compression, contents)
	if err != nil || compressed == nil || len(compressed) >= len(contents) {
		return contents, block.CompressionNone
	}
	if tb.opts.FormatVersion >= 2 && !embedsUncompressedSize(tb.opts.Compression) {
		prefixed := encoding.AppendVarint32(nil, uint32(len(contents)))
		return append(prefixed, compressed...), block.CompressionType(tb.opts.Compression)
	}
	return compressed, block.CompressionType(tb.opts.Compression)
}

func (tb *TableBuilder) writeRaw(p []byte) error {
	n, err := tb.dst.Write(p)
	tb.offset += uint64(n)
	return err
}

// writeTrailer writes the 1-byte compression tag and 4-byte checksum that
// follow every block's payload.
func (tb *TableBuilder) writeTrailer(payload []byte, compType block.CompressionType, blockOffset uint64) error {
	trailer := make([]byte, block.BlockTrailerSize)
	trailer[0] = byte(compType)
	binary.LittleEndian.PutUint32(trailer[1:], tb.blockChecksum(payload, trailer[0], blockOffset))
	return tb.writeRaw(trailer)
}

// blockChecksum computes a block's trailer checksum, folding in a
// position-dependent modifier for format_version >= 6.
func (tb *TableBuilder) blockChecksum(payload []byte, compressionTag byte, blockOffset uint64) uint32 {
	var sum uint32
	switch tb.opts.ChecksumType {
	case checksum.TypeCRC32C:
		sum = checksum.ComputeCRC32CChecksumWithLastByte(payload, compressionTag)
	case checksum.TypeXXH3:
		sum = checksum.ComputeXXH3ChecksumWithLastByte(payload, compressionTag)
	}
	if tb.opts.FormatVersion >= 6 && tb.contextSeed != 0 {
		sum += checksum.ChecksumModifierForContext(tb.contextSeed, blockOffset)
	}
	return sum
}

// metaBlockEntry is one row of the metaindex block: a well-known name
// mapped to the handle of the meta block it identifies.
type metaBlockEntry struct {
	name   string
	handle []byte
}

// Finish flushes any buffered data, writes every meta block, the index
// block, the metaindex block and the footer, and seals the builder.
func (tb *TableBuilder) Finish() error {
	testutil.MaybeKill(testutil.KPSSTClose0)

	if err := tb.checkWritable(); err != nil {
		return err
	}
	tb.finished = true

	if err := tb.flushDataBlock(); err != nil {
		tb.err = err
		return err
	}
	tb.flushDeferredIndexEntry()

	var metaEntries []metaBlockEntry
	metaEntries, err := tb.appendFilterMeta(metaEntries)
	if err != nil {
		tb.err = err
		return err
	}
	metaEntries, err = tb.appendRangeDelMeta(metaEntries)
	if err != nil {
		tb.err = err
		return err
	}
	metaEntries, err = tb.appendPropertiesMeta(metaEntries)
	if err != nil {
		tb.err = err
		return err
	}

	indexHandle, err := tb.writeBlock(tb.index.Finish(), block.TypeIndex)
	if err != nil {
		tb.err = err
		return err
	}
	tb.stats.indexSize = indexHandle.Size
	if !block.FormatVersionUsesIndexHandleInFooter(tb.opts.FormatVersion) {
		metaEntries = append(metaEntries, metaBlockEntry{"rocksdb.index", indexHandle.EncodeToSlice()})
	}

	metaindexHandle, err := tb.writeMetaindex(metaEntries)
	if err != nil {
		tb.err = err
		return err
	}

	if err := tb.writeFooter(metaindexHandle, indexHandle); err != nil {
		tb.err = err
		return err
	}

	testutil.MaybeKill(testutil.KPSSTClose1)
	return nil
}

func (tb *TableBuilder) appendFilterMeta(metaEntries []metaBlockEntry) ([]metaBlockEntry, error) {
	if tb.filterGen == nil || tb.filterGen.NumKeys() == 0 {
		return metaEntries, nil
	}
	handle, err := tb.writeUncompressedMeta(tb.filterGen.Finish())
	if err != nil {
		return nil, err
	}
	tb.stats.filterSize = handle.Size
	return append(metaEntries, metaBlockEntry{"fullfilter." + tb.opts.FilterPolicy, handle.EncodeToSlice()}), nil
}

func (tb *TableBuilder) appendRangeDelMeta(metaEntries []metaBlockEntry) ([]metaBlockEntry, error) {
	if tb.stats.numRangeDeletions == 0 {
		return metaEntries, nil
	}
	testutil.MaybeKill(testutil.KPSSTClose0)
	handle, err := tb.writeBlock(tb.rangeDels.Finish(), block.TypeData)
	if err != nil {
		return nil, err
	}
	return append(metaEntries, metaBlockEntry{"rocksdb.range_del", handle.EncodeToSlice()}), nil
}

func (tb *TableBuilder) appendPropertiesMeta(metaEntries []metaBlockEntry) ([]metaBlockEntry, error) {
	handle, err := tb.writeBlock(tb.buildPropertiesBlock(), block.TypeProperties)
	if err != nil {
		return nil, err
	}
	return append(metaEntries, metaBlockEntry{"rocksdb.properties", handle.EncodeToSlice()}), nil
}

// writeUncompressedMeta writes a meta block (such as the filter block) that
// is never compressed but still carries the standard trailer.
func (tb *TableBuilder) writeUncompressedMeta(contents []byte) (block.Handle, error) {
	handle := block.Handle{Offset: tb.offset, Size: uint64(len(contents))}
	if err := tb.writeRaw(contents); err != nil {
		return block.Handle{}, err
	}
	if err := tb.writeTrailer(contents, block.CompressionNone, handle.Offset); err != nil {
		return block.Handle{}, err
	}
	return handle, nil
}

func (tb *TableBuilder) writeMetaindex(entries []metaBlockEntry) (block.Handle, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	b := block.NewBuilder(1)
	for _, e := range entries {
		b.Add([]byte(e.name), e.handle)
	}
	return tb.writeBlock(b.Finish(), block.TypeMetaIndex)
}

// propField is one row of the properties block, keyed by its RocksDB
// property name.
type propField struct {
	name  string
	value []byte
}

// buildPropertiesBlock assembles the rocksdb.properties meta block from the
// counters accumulated over the table's lifetime.
func (tb *TableBuilder) buildPropertiesBlock() []byte {
	var fields []propField
	addUint := func(name string, v uint64) {
		buf := make([]byte, encoding.MaxVarintLen64)
		n := encoding.PutVarint64(buf, v)
		fields = append(fields, propField{name, buf[:n]})
	}
	addStr := func(name, v string) { fields = append(fields, propField{name, []byte(v)}) }

	addUint("rocksdb.column.family.id", uint64(tb.opts.ColumnFamilyID))
	addStr("rocksdb.column.family.name", tb.opts.ColumnFamilyName)
	addStr("rocksdb.comparator", tb.opts.ComparatorName)
	addStr("rocksdb.compression", tb.opts.Compression.String())
	addUint("rocksdb.data.size", tb.stats.dataSize)
	if tb.opts.FilterPolicy != "" && tb.stats.filterSize > 0 {
		addStr("rocksdb.filter.policy", tb.opts.FilterPolicy)
	}
	addUint("rocksdb.filter.size", tb.stats.filterSize)
	addUint("rocksdb.format.version", uint64(tb.opts.FormatVersion))
	addUint("rocksdb.index.size", tb.stats.indexSize)
	addUint("rocksdb.num.data.blocks", tb.stats.numDataBlocks)
	addUint("rocksdb.num.entries", tb.stats.numEntries)
	if tb.stats.numRangeDeletions > 0 {
		addUint("rocksdb.num.range-deletions", tb.stats.numRangeDeletions)
	}
	addUint("rocksdb.raw.key.size", tb.stats.rawKeySize)
	addUint("rocksdb.raw.value.size", tb.stats.rawValueSize)

	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	b := block.NewBuilder(1)
	for _, f := range fields {
		b.Add([]byte(f.name), f.value)
	}
	return b.Finish()
}

func (tb *TableBuilder) writeFooter(metaindexHandle, indexHandle block.Handle) error {
	footer := &block.Footer{
		TableMagicNumber:    block.BlockBasedTableMagicNumber,
		FormatVersion:       tb.opts.FormatVersion,
		ChecksumType:        block.ToChecksumType(uint8(tb.opts.ChecksumType)),
		MetaindexHandle:     metaindexHandle,
		IndexHandle:         indexHandle,
		BlockTrailerSize:    block.BlockTrailerSize,
		BaseContextChecksum: tb.contextSeed,
	}
	encoded := footer.EncodeToAt(tb.offset)
	return tb.writeRaw(encoded)
}

// Abandon marks the builder finished without writing a footer. The
// underlying file, if any, is left for the caller to discard.
func (tb *TableBuilder) Abandon() { tb.finished = true }

// NumEntries returns the count of key/value pairs added so far.
func (tb *TableBuilder) NumEntries() uint64 { return tb.stats.numEntries }

// FileSize returns the number of bytes written so far.
func (tb *TableBuilder) FileSize() uint64 { return tb.offset }

// Status returns the first error encountered, if any.
func (tb *TableBuilder) Status() error { return tb.err }
