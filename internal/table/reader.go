// Package table reads SST files in RocksDB's block-based table format
// (format_version 0-7).
//
// On-disk layout:
//
//	[data block 1]
//	[data block 2]
//	...
//	[data block N]
//	[meta block: filter]       (optional)
//	[meta block: index]
//	[meta block: compression dictionary] (optional)
//	[meta block: range deletions]        (optional)
//	[meta block: properties]
//	[metaindex block]
//	[footer]                   (fixed size, at end of file)
//
// Reference: RocksDB v10.7.5
//   - table/block_based/block_based_table_reader.h
//   - table/format.h / table/format.cc
package table

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aalhour/rockyardkv/internal/block"
	"github.com/aalhour/rockyardkv/internal/checksum"
	"github.com/aalhour/rockyardkv/internal/compression"
	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/encoding"
	"github.com/aalhour/rockyardkv/internal/filter"
	"github.com/aalhour/rockyardkv/internal/rangedel"
)

var (
	ErrInvalidSST          = errors.New("table: invalid SST file")
	ErrUnsupportedVersion  = errors.New("table: unsupported format version")
	ErrChecksumMismatch    = errors.New("table: checksum mismatch")
	ErrBlockNotFound       = errors.New("table: block not found")

	// ErrUnsupportedPartitionedIndex is returned for an SST whose index is
	// split across multiple blocks; this reader always treats the index as
	// one block and would otherwise silently read a partial index.
	ErrUnsupportedPartitionedIndex = errors.New("table: partitioned index not supported")
)

// ReadableFile is the file abstraction a Reader needs.
type ReadableFile interface {
	io.Closer
	ReadAt(p []byte, off int64) (n int, err error)
	Size() int64
}

// ReaderOptions controls Reader behavior.
type ReaderOptions struct {
	VerifyChecksums bool
	CacheBlocks     bool // reserved for future block-cache integration
}

// metaBlocks holds the handles discovered in the metaindex block, keyed by
// their well-known RocksDB meta-block role rather than by raw name.
type metaBlocks struct {
	index      block.Handle
	properties block.Handle
	filter     block.Handle
	rangeDel   block.Handle
}

// Reader provides random access to the contents of one SST file.
type Reader struct {
	file ReadableFile
	size int64
	opts ReaderOptions

	footer *block.Footer
	meta   metaBlocks

	index      *block.Block
	properties *TableProperties
	filter     *filter.BloomFilterReader

	// indexDeltaEncoded is true when the index block uses C++ RocksDB's
	// value_delta_encoding (format_version >= 4); false for the plain block
	// format this implementation's own builder also accepts.
	indexDeltaEncoded bool
}

// Open parses footer, metaindex, index and (if present) filter blocks and
// returns a Reader ready to serve lookups.
func Open(file ReadableFile, opts ReaderOptions) (*Reader, error) {
	if file.Size() < int64(block.MinEncodedLength) {
		return nil, ErrInvalidSST
	}

	r := &Reader{file: file, size: file.Size(), opts: opts}

	if err := r.loadFooter(); err != nil {
		return nil, err
	}
	if err := r.loadMetaindex(); err != nil {
		return nil, err
	}
	if err := r.rejectUnsupportedFeatures(); err != nil {
		return nil, err
	}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	if err := r.loadFilter(); err != nil {
		r.filter = nil // a broken filter just disables filtering, not the open
	}
	return r, nil
}

func (r *Reader) loadFooter() error {
	footerSize := block.MaxEncodedFooterLength
	if r.size < int64(footerSize) {
		footerSize = int(r.size)
	}

	buf := make([]byte, footerSize)
	offset := r.size - int64(footerSize)
	if _, err := r.file.ReadAt(buf, offset); err != nil {
		return err
	}

	footer, err := block.DecodeFooter(buf, uint64(offset), 0)
	if err != nil {
		return err
	}
	if footer.TableMagicNumber != block.BlockBasedTableMagicNumber &&
		footer.TableMagicNumber != block.LegacyBlockBasedTableMagicNumber {
		return ErrInvalidSST
	}
	r.footer = footer
	return nil
}

func (r *Reader) loadMetaindex() error {
	if r.footer.MetaindexHandle.IsNull() {
		return nil
	}
	b, err := r.readBlock(r.footer.MetaindexHandle)
	if err != nil {
		return err
	}

	it := b.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		name := string(it.Key())
		handle, _, err := block.DecodeHandle(it.Value())
		if err != nil {
			continue
		}
		switch {
		case name == "rocksdb.index":
			r.meta.index = handle
		case name == "rocksdb.properties":
			r.meta.properties = handle
		case name == "rocksdb.filter" || strings.HasPrefix(name, "fullfilter."):
			r.meta.filter = handle
		case name == "rocksdb.range_del":
			r.meta.rangeDel = handle
		}
	}
	return nil
}

// rejectUnsupportedFeatures reads properties (best-effort) early enough to
// reject a partitioned index before it could be misread as a flat one.
func (r *Reader) rejectUnsupportedFeatures() error {
	if r.meta.properties.IsNull() {
		return nil
	}
	props, err := r.Properties()
	if err != nil {
		return nil //nolint:nilerr // malformed properties shouldn't block reading data blocks
	}
	if props.IndexPartitions > 0 {
		return ErrUnsupportedPartitionedIndex
	}
	// IndexKeyIsUserKey > 0 only means index keys omit the 8-byte trailer,
	// not that a hash index is in use; indexCursor handles both.
	return nil
}

func (r *Reader) loadIndex() error {
	handle := r.meta.index
	if r.footer.FormatVersion < 6 {
		handle = r.footer.IndexHandle
	}
	if handle.IsNull() {
		return ErrBlockNotFound
	}

	idx, err := r.readBlock(handle)
	if err != nil {
		return err
	}
	r.index = idx
	if r.footer.FormatVersion >= 4 {
		r.indexDeltaEncoded = r.looksDeltaEncoded()
	}
	return nil
}

// looksDeltaEncoded probes the index block's first entry to tell C++
// RocksDB's value_delta_encoding apart from the plain block format, by
// checking whether the decoded value parses as a plausible block handle.
func (r *Reader) looksDeltaEncoded() bool {
	data, end := r.index.Data(), r.index.DataEnd()
	if end == 0 {
		return false
	}

	it := newIndexBlockIterator(data, end)
	it.SeekToFirst()
	if !it.Valid() || it.err != nil {
		return false
	}

	value := it.Value()
	offset, n1 := decodeVarint32FromBytes(value)
	if n1 == 0 {
		return false
	}
	size, n2 := decodeVarint32FromBytes(value[n1:])
	if n2 == 0 || size == 0 {
		return false
	}
	if uint64(offset)+uint64(size) > uint64(r.size) || uint64(size) > uint64(r.size)/2 {
		return false
	}
	return true
}

func (r *Reader) loadFilter() error {
	if r.meta.filter.IsNull() {
		return nil
	}
	trailerSize := int(r.footer.BlockTrailerSize)
	buf := make([]byte, int(r.meta.filter.Size)+trailerSize)
	if _, err := r.file.ReadAt(buf, int64(r.meta.filter.Offset)); err != nil {
		return err
	}
	r.filter = filter.NewBloomFilterReader(buf[:r.meta.filter.Size])
	return nil
}

// KeyMayMatch reports whether key could be present in this table: true
// when there is no filter or the filter doesn't rule it out.
func (r *Reader) KeyMayMatch(key []byte) bool {
	return r.filter == nil || r.filter.MayContain(key)
}

// HasFilter reports whether this table carries a bloom filter.
func (r *Reader) HasFilter() bool { return r.filter != nil }

// maxBlockSize bounds a single block allocation so a corrupted handle can't
// be used to exhaust memory.
const maxBlockSize = 256 * 1024 * 1024

// readBlock reads the block named by handle, verifies its checksum (if
// requested) and decompresses it.
func (r *Reader) readBlock(handle block.Handle) (*block.Block, error) {
	trailerSize := int(r.footer.BlockTrailerSize)

	const maxInt64AsUint64 = ^uint64(0) >> 1
	if handle.Offset > maxInt64AsUint64 {
		return nil, fmt.Errorf("block offset %d exceeds maximum %d: %w", handle.Offset, maxInt64AsUint64, ErrInvalidSST)
	}
	if handle.Size > maxBlockSize {
		return nil, fmt.Errorf("block size %d exceeds maximum %d: %w", handle.Size, maxBlockSize, ErrInvalidSST)
	}

	totalSize := int(handle.Size) + trailerSize
	if end := handle.Offset + uint64(totalSize); end < handle.Offset || end > uint64(r.size) {
		return nil, fmt.Errorf("block at offset %d size %d exceeds file size %d: %w",
			handle.Offset, totalSize, r.size, ErrInvalidSST)
	}

	buf := make([]byte, totalSize)
	n, err := r.file.ReadAt(buf, int64(handle.Offset))
	if err != nil {
		return nil, err
	}
	if n < totalSize {
		return nil, ErrInvalidSST
	}

	payload, compressionTag := buf[:handle.Size], compression.NoCompression
	if trailerSize > 0 {
		compressionTag = compression.Type(buf[len(buf)-trailerSize])
	}

	if r.opts.VerifyChecksums && trailerSize > 0 {
		if err := r.verifyBlockChecksum(buf, handle.Offset); err != nil {
			return nil, err
		}
	}

	rawData, err := r.decompressPayload(payload, compressionTag)
	if err != nil {
		return nil, err
	}
	return block.NewBlock(rawData)
}

// verifyBlockChecksum recomputes a block's trailer checksum and compares it
// to the stored value.
func (r *Reader) verifyBlockChecksum(buf []byte, blockOffset uint64) error {
	trailerSize := int(r.footer.BlockTrailerSize)
	payload := buf[:len(buf)-trailerSize]
	compressionTag := buf[len(buf)-trailerSize]
	stored := encoding.DecodeFixed32(buf[len(buf)-4:])

	var computed uint32
	switch r.footer.ChecksumType {
	case block.ChecksumTypeCRC32C:
		computed = checksum.Mask(checksum.Extend(checksum.Value(payload), []byte{compressionTag}))
	case block.ChecksumTypeXXHash64:
		computed = checksum.XXHash64ChecksumWithLastByte(payload, compressionTag)
	case block.ChecksumTypeXXH3:
		computed = checksum.XXH3ChecksumWithLastByte(payload, compressionTag)
	default:
		return nil // kNoChecksum / kxxHash: nothing to verify
	}
	if r.footer.FormatVersion >= 6 && r.footer.BaseContextChecksum != 0 {
		computed += checksumModifierForContext(r.footer.BaseContextChecksum, blockOffset)
	}
	if computed != stored {
		return ErrChecksumMismatch
	}
	return nil
}

// embedsUncompressedSize reports whether a codec's compressed stream
// carries its own uncompressed-size header, making the block-format
// varint32 size prefix (added for every other codec since
// format_version 2) redundant.
func embedsUncompressedSize(t compression.Type) bool {
	return t == compression.SnappyCompression
}

// decompressPayload undoes block-level compression, recognizing the
// varint32 size prefix most codecs (but not Snappy) carry for
// format_version >= 2.
func (r *Reader) decompressPayload(payload []byte, tag compression.Type) ([]byte, error) {
	if tag == compression.NoCompression {
		return payload, nil
	}
	expectedSize := 0
	if r.footer.FormatVersion >= 2 && !embedsUncompressedSize(tag) {
		size, prefixLen, err := encoding.DecodeVarint32(payload)
		if err != nil {
			return nil, fmt.Errorf("decode compressed block size prefix: %w", err)
		}
		expectedSize = int(size)
		payload = payload[prefixLen:]
	}
	decoded, err := compression.DecompressWithSize(tag, payload, expectedSize)
	if err != nil {
		return nil, fmt.Errorf("decompress block: %w", err)
	}
	return decoded, nil
}

// checksumModifierForContext folds a block's file offset into the base
// context checksum (format_version >= 6), matching RocksDB's
// ChecksumModifierForContext.
func checksumModifierForContext(base uint32, offset uint64) uint32 {
	if base == 0 {
		return 0
	}
	return base ^ (uint32(offset) + uint32(offset>>32))
}

// NewIterator returns an unpositioned iterator over the table's entries.
func (r *Reader) NewIterator() *TableIterator {
	var idx indexCursor
	if r.indexDeltaEncoded {
		idx = newIndexBlockIterator(r.index.Data(), r.index.DataEnd())
	} else {
		idx = r.index.NewIterator()
	}
	return &TableIterator{reader: r, index: idx}
}

// Close releases the underlying file.
func (r *Reader) Close() error { return r.file.Close() }

// Footer returns the table's parsed footer.
func (r *Reader) Footer() *block.Footer { return r.footer }

// Properties returns (loading on first call) the table's properties block.
func (r *Reader) Properties() (*TableProperties, error) {
	if r.properties != nil {
		return r.properties, nil
	}
	if r.meta.properties.IsNull() {
		return nil, ErrBlockNotFound
	}
	b, err := r.readBlock(r.meta.properties)
	if err != nil {
		return nil, err
	}
	props, err := ParsePropertiesBlock(b.Data())
	if err != nil {
		return nil, err
	}
	r.properties = props
	return props, nil
}

// HasRangeTombstones reports whether the table carries a range-deletion
// meta block.
func (r *Reader) HasRangeTombstones() bool { return !r.meta.rangeDel.IsNull() }

// GetRangeTombstones reads the table's range tombstones and returns them
// fragmented for point-lookup use.
func (r *Reader) GetRangeTombstones() (*rangedel.FragmentedRangeTombstoneList, error) {
	raw, err := r.GetRangeTombstoneList()
	if err != nil {
		return nil, err
	}
	f := rangedel.NewFragmenter()
	for _, t := range raw.All() {
		f.AddTombstone(t)
	}
	return f.Finish(), nil
}

// GetRangeTombstoneList reads the table's range tombstones without
// fragmenting them.
func (r *Reader) GetRangeTombstoneList() (*rangedel.TombstoneList, error) {
	out := rangedel.NewTombstoneList()
	if r.meta.rangeDel.IsNull() {
		return out, nil
	}

	b, err := r.readBlock(r.meta.rangeDel)
	if err != nil {
		return nil, fmt.Errorf("failed to read range del block: %w", err)
	}

	it := b.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		internalKey := it.Key()
		if len(internalKey) < dbformat.NumInternalBytes {
			continue
		}
		parsed, err := dbformat.ParseInternalKey(internalKey)
		if err != nil {
			continue
		}
		out.AddRange(parsed.UserKey, it.Value(), parsed.Sequence)
	}
	if it.Error() != nil {
		return nil, fmt.Errorf("error iterating range del block: %w", it.Error())
	}
	return out, nil
}

// indexCursor is the common surface IndexBlockIterator (C++-style
// value_delta_encoding) and block.Iterator (this implementation's own
// index block encoding) both satisfy, letting TableIterator stay agnostic
// to which one a given file uses.
type indexCursor interface {
	SeekToFirst()
	SeekToLast()
	Seek(target []byte)
	Next()
	Prev()
	Valid() bool
	Value() []byte
}

// TableIterator walks an SST file's point entries in key order, paging
// data blocks in through the index as it goes.
type TableIterator struct {
	reader *Reader
	index  indexCursor

	dataBlock *block.Block
	data      *block.Iterator
	err       error
}

// Valid reports whether the iterator is positioned at a decoded entry.
func (it *TableIterator) Valid() bool { return it.err == nil && it.data != nil && it.data.Valid() }

// SeekToFirst positions the iterator at the table's first entry.
func (it *TableIterator) SeekToFirst() {
	it.index.SeekToFirst()
	it.loadDataBlock()
	if it.data != nil {
		it.data.SeekToFirst()
	}
}

// SeekToLast positions the iterator at the table's last entry.
func (it *TableIterator) SeekToLast() {
	it.index.SeekToLast()
	it.loadDataBlock()
	if it.data != nil {
		it.data.SeekToLast()
	}
}

// Seek positions the iterator at the first entry with key >= target.
func (it *TableIterator) Seek(target []byte) {
	it.index.Seek(target)
	if !it.index.Valid() {
		it.data = nil
		return
	}
	it.loadDataBlock()
	if it.data != nil {
		it.data.Seek(target)
	}
}

// Next advances to the entry after the current one, crossing into the next
// data block if necessary.
func (it *TableIterator) Next() {
	if it.data == nil {
		return
	}
	it.data.Next()
	if !it.data.Valid() {
		it.index.Next()
		it.loadDataBlock()
		if it.data != nil {
			it.data.SeekToFirst()
		}
	}
}

// Prev moves to the entry before the current one, crossing into the
// previous data block if necessary.
func (it *TableIterator) Prev() {
	if it.data == nil {
		return
	}
	it.data.Prev()
	if !it.data.Valid() {
		it.index.Prev()
		it.loadDataBlock()
		if it.data != nil {
			it.data.SeekToLast()
		}
	}
}

// Key returns the current entry's internal key.
func (it *TableIterator) Key() []byte {
	if it.data == nil {
		return nil
	}
	return it.data.Key()
}

// Value returns the current entry's value.
func (it *TableIterator) Value() []byte {
	if it.data == nil {
		return nil
	}
	return it.data.Value()
}

// Error returns the first error encountered while iterating.
func (it *TableIterator) Error() error { return it.err }

// loadDataBlock decodes the block handle the index cursor currently points
// to and reads that data block.
func (it *TableIterator) loadDataBlock() {
	if !it.index.Valid() {
		it.dataBlock, it.data = nil, nil
		return
	}
	handle, _, err := block.DecodeHandle(it.index.Value())
	if err != nil {
		it.err, it.dataBlock, it.data = err, nil, nil
		return
	}
	db, err := it.reader.readBlock(handle)
	if err != nil {
		it.err, it.dataBlock, it.data = err, nil, nil
		return
	}
	it.dataBlock, it.data = db, db.NewIterator()
}

// IndexBlockIterator walks an index block encoded with C++ RocksDB's
// value_delta_encoding (format_version >= 4): entries carry no explicit
// value length because the value is always a fixed-shape block handle
// (two varints) immediately following the key delta.
type IndexBlockIterator struct {
	data    []byte
	dataEnd int

	entryStart  int
	cursor      int
	key         []byte
	valueOffset int
	valueEnd    int
	valid       bool
	err         error
}

func newIndexBlockIterator(data []byte, dataEnd int) *IndexBlockIterator {
	return &IndexBlockIterator{data: data, dataEnd: dataEnd}
}

// NewIndexBlockIterator is the exported constructor for IndexBlockIterator.
func NewIndexBlockIterator(data []byte, dataEnd int) *IndexBlockIterator {
	return newIndexBlockIterator(data, dataEnd)
}

func (it *IndexBlockIterator) Valid() bool { return it.valid && it.err == nil }
func (it *IndexBlockIterator) Error() error { return it.err }
func (it *IndexBlockIterator) Key() []byte  { return it.key }

func (it *IndexBlockIterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.data[it.valueOffset:it.valueEnd]
}

func (it *IndexBlockIterator) SeekToFirst() {
	it.key = it.key[:0]
	it.cursor = 0
	it.parseEntryAtCursor()
}

func (it *IndexBlockIterator) Next() {
	if it.cursor >= it.dataEnd {
		it.valid = false
		return
	}
	it.parseEntryAtCursor()
}

// Prev rescans from the start, since entries only carry forward deltas.
func (it *IndexBlockIterator) Prev() {
	if it.entryStart == 0 {
		it.valid = false
		return
	}
	target := it.entryStart
	it.SeekToFirst()

	var found bool
	var snap IndexBlockIterator
	for it.Valid() && it.entryStart < target {
		snap = *it
		snap.key = append([]byte(nil), it.key...) // Next reuses it.key's buffer
		found = true
		it.Next()
	}
	if !found {
		it.valid = false
		return
	}
	*it = snap
	it.cursor = it.valueEnd
	it.valid = true
}

func (it *IndexBlockIterator) SeekToLast() {
	it.SeekToFirst()
	if !it.Valid() {
		return
	}
	var last IndexBlockIterator
	for it.Valid() {
		last = *it
		it.Next()
	}
	*it = last
	it.cursor = last.valueEnd
	it.valid = true
	it.err = nil
}

func (it *IndexBlockIterator) Seek(target []byte) {
	it.SeekToFirst()
	for it.Valid() {
		if block.CompareInternalKeys(it.key, target) >= 0 {
			return
		}
		it.Next()
	}
}

// parseEntryAtCursor decodes the <shared><non_shared><key_delta><handle>
// entry starting at it.cursor.
func (it *IndexBlockIterator) parseEntryAtCursor() {
	if it.cursor >= it.dataEnd {
		it.valid = false
		return
	}
	it.entryStart = it.cursor

	shared, n := decodeVarint32FromBytes(it.data[it.cursor:it.dataEnd])
	if n == 0 {
		it.fail()
		return
	}
	it.cursor += n

	nonShared, n := decodeVarint32FromBytes(it.data[it.cursor:it.dataEnd])
	if n == 0 {
		it.fail()
		return
	}
	it.cursor += n

	if it.cursor+int(nonShared) > it.dataEnd || int(shared) > len(it.key) {
		it.fail()
		return
	}
	it.key = append(it.key[:shared], it.data[it.cursor:it.cursor+int(nonShared)]...)
	it.cursor += int(nonShared)

	it.valueOffset = it.cursor
	if _, n = decodeVarint32FromBytes(it.data[it.cursor:it.dataEnd]); n == 0 {
		it.fail()
		return
	}
	it.cursor += n
	if _, n = decodeVarint32FromBytes(it.data[it.cursor:it.dataEnd]); n == 0 {
		it.fail()
		return
	}
	it.cursor += n
	it.valueEnd = it.cursor
	it.valid = true
}

func (it *IndexBlockIterator) fail() {
	it.err = ErrInvalidSST
	it.valid = false
}

// decodeVarint32FromBytes decodes a varint32 at the start of data,
// returning the value and the number of bytes consumed, or 0 on error.
func decodeVarint32FromBytes(data []byte) (uint32, int) {
	var result uint32
	var shift uint
	for i := 0; i < len(data) && i < 5; i++ {
		b := data[i]
		result |= uint32(b&0x7F) << shift
		if b < 128 {
			return result, i + 1
		}
		shift += 7
	}
	return 0, 0
}
