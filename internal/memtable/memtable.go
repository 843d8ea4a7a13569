package memtable

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/rangedel"
)

// entryOverhead is the number of bytes NewMemTable's skip list node costs on
// top of the encoded entry, used only to estimate ApproximateMemoryUsage.
const entryOverhead = 64

// MemTable buffers writes in key order ahead of an SST flush. Internally it
// is a skip list keyed on a length-prefixed internal key (user key plus an
// 8-byte sequence/type trailer) followed by a length-prefixed value:
//
//	varint32(len(internalKey)) internalKey varint32(len(value)) value
//
// Range deletions are not point entries and live in a side list instead of
// the skip list.
//
// Reference: RocksDB v10.7.5 db/memtable.cc
type MemTable struct {
	entries *SkipList
	userCmp Comparator

	tombstones *rangedel.TombstoneList

	bytesUsed atomic.Int64

	maxSeq dbformat.SequenceNumber
	minSeq dbformat.SequenceNumber

	refs atomic.Int32

	// logNumber is the number of the log file writes after this memtable
	// became immutable were redirected to; WAL segments below it are safe
	// to delete once this table is flushed.
	logNumber atomic.Uint64

	mu sync.Mutex
}

// NewMemTable creates an empty MemTable ordered by cmp (BytewiseComparator
// if nil).
func NewMemTable(cmp Comparator) *MemTable {
	if cmp == nil {
		cmp = BytewiseComparator
	}
	mt := &MemTable{
		entries:    NewSkipList(func(a, b []byte) int { return compareEncodedEntries(a, b, cmp) }),
		userCmp:    cmp,
		tombstones: rangedel.NewTombstoneList(),
		minSeq:     ^dbformat.SequenceNumber(0),
	}
	mt.refs.Store(1)
	return mt
}

// compareEncodedEntries orders two encoded skip-list entries by internal
// key: user key ascending, then sequence descending, then type descending
// (so the newest version of a user key always sorts first).
func compareEncodedEntries(a, b []byte, userCmp Comparator) int {
	aKey, bKey := entryInternalKey(a), entryInternalKey(b)
	if aKey == nil || bKey == nil {
		return userCmp(a, b)
	}
	if len(aKey) < 8 || len(bKey) < 8 {
		return userCmp(aKey, bKey)
	}

	if c := userCmp(aKey[:len(aKey)-8], bKey[:len(bKey)-8]); c != 0 {
		return c
	}

	aTrailer := binary.LittleEndian.Uint64(aKey[len(aKey)-8:])
	bTrailer := binary.LittleEndian.Uint64(bKey[len(bKey)-8:])
	switch {
	case aTrailer > bTrailer:
		return -1
	case aTrailer < bTrailer:
		return 1
	default:
		return 0
	}
}

// entryInternalKey extracts the internal key portion of an encoded entry.
func entryInternalKey(entry []byte) []byte {
	if len(entry) < 2 {
		return nil
	}
	n, sz := decodeVarint32(entry)
	if sz <= 0 || int(n) > len(entry)-sz {
		return nil
	}
	return entry[sz : sz+int(n)]
}

// Ref increments the table's reference count.
func (mt *MemTable) Ref() { mt.refs.Add(1) }

// Unref decrements the reference count and reports whether it reached zero.
func (mt *MemTable) Unref() bool { return mt.refs.Add(-1) == 0 }

// Add records a Put or Delete for key at sequence seq.
func (mt *MemTable) Add(seq dbformat.SequenceNumber, typ dbformat.ValueType, key, value []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	entry := encodeEntry(key, dbformat.PackSequenceAndType(seq, typ), value)
	mt.entries.Insert(entry)
	mt.bytesUsed.Add(int64(len(entry) + entryOverhead))
	mt.touchSeq(seq)
}

// encodeEntry packs a key, trailer and value into the skip-list wire shape.
func encodeEntry(key []byte, trailer uint64, value []byte) []byte {
	keyLen := len(key) + 8
	entry := make([]byte, 0, keyLen+len(value)+10)
	entry = appendVarint32(entry, uint32(keyLen))
	entry = append(entry, key...)
	var trailerBuf [8]byte
	binary.LittleEndian.PutUint64(trailerBuf[:], trailer)
	entry = append(entry, trailerBuf[:]...)
	entry = appendVarint32(entry, uint32(len(value)))
	entry = append(entry, value...)
	return entry
}

// touchSeq widens [minSeq, maxSeq] to include seq. Callers must hold mt.mu.
func (mt *MemTable) touchSeq(seq dbformat.SequenceNumber) {
	if seq < mt.minSeq {
		mt.minSeq = seq
	}
	if seq > mt.maxSeq {
		mt.maxSeq = seq
	}
}

// AddRangeTombstone records a DeleteRange covering [startKey, endKey) as of
// sequence seq.
func (mt *MemTable) AddRangeTombstone(seq dbformat.SequenceNumber, startKey, endKey []byte) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.tombstones.AddRange(startKey, endKey, seq)
	mt.bytesUsed.Add(int64(len(startKey) + len(endKey) + 16))
	mt.touchSeq(seq)
}

// GetRangeTombstones returns the table's unfragmented range tombstone list.
func (mt *MemTable) GetRangeTombstones() *rangedel.TombstoneList { return mt.tombstones }

// GetFragmentedRangeTombstones returns the table's range tombstones
// fragmented at their overlap boundaries for efficient point lookups.
func (mt *MemTable) GetFragmentedRangeTombstones() *rangedel.FragmentedRangeTombstoneList {
	if mt.tombstones.IsEmpty() {
		return rangedel.NewFragmentedRangeTombstoneList()
	}
	f := rangedel.NewFragmenter()
	for _, t := range mt.tombstones.All() {
		f.AddTombstone(t)
	}
	return f.Finish()
}

// HasRangeTombstones reports whether any DeleteRange has been recorded.
func (mt *MemTable) HasRangeTombstones() bool { return !mt.tombstones.IsEmpty() }

// RangeTombstoneCount returns the number of recorded range tombstones.
func (mt *MemTable) RangeTombstoneCount() int { return mt.tombstones.Len() }

// lookupCursor positions a skip-list iterator at the newest visible entry
// (if any) for key as of seq, and separately computes the highest sequence
// number of any range tombstone covering key that is also visible at seq.
// It is the shared core of Get, GetWithMerge, and CollectMergeOperands.
func (mt *MemTable) lookupCursor(key []byte, seq dbformat.SequenceNumber) (*MemTableIterator, dbformat.SequenceNumber) {
	seekKey := make([]byte, len(key)+8)
	copy(seekKey, key)
	binary.LittleEndian.PutUint64(seekKey[len(key):], dbformat.PackSequenceAndType(seq, dbformat.ValueTypeForSeek))

	it := mt.NewIterator()
	it.Seek(seekKey)

	var coveringSeq dbformat.SequenceNumber
	if !mt.tombstones.IsEmpty() {
		coveringSeq = mt.maxCoveringTombstoneSeq(key, seq)
	}
	return it, coveringSeq
}

// Get resolves key as of seq. found is true whenever either a point entry
// or a range tombstone is visible for key; deleted distinguishes a
// tombstone/DeleteRange result from a live value.
func (mt *MemTable) Get(key []byte, seq dbformat.SequenceNumber) (value []byte, found bool, deleted bool) {
	it, coveringSeq := mt.lookupCursor(key, seq)

	if !it.Valid() || mt.userCmp(key, it.UserKey()) != 0 || it.Sequence() > seq {
		return nil, coveringSeq > 0, coveringSeq > 0
	}
	if coveringSeq > it.Sequence() {
		return nil, true, true
	}

	switch it.Type() {
	case dbformat.TypeValue, dbformat.TypeMerge:
		return it.Value(), true, false
	case dbformat.TypeDeletion, dbformat.TypeSingleDeletion:
		return nil, true, true
	default:
		return nil, false, false
	}
}

// GetWithMerge is Get, additionally reporting whether the resolved entry is
// an unresolved merge operand the caller must combine with older versions.
func (mt *MemTable) GetWithMerge(key []byte, seq dbformat.SequenceNumber) (value []byte, found bool, deleted bool, isMerge bool) {
	it, coveringSeq := mt.lookupCursor(key, seq)

	if !it.Valid() || mt.userCmp(key, it.UserKey()) != 0 || it.Sequence() > seq {
		return nil, coveringSeq > 0, coveringSeq > 0, false
	}
	if coveringSeq > it.Sequence() {
		return nil, true, true, false
	}

	switch it.Type() {
	case dbformat.TypeValue:
		return it.Value(), true, false, false
	case dbformat.TypeDeletion, dbformat.TypeSingleDeletion:
		return nil, true, true, false
	case dbformat.TypeMerge:
		return it.Value(), true, false, true
	default:
		return nil, false, false, false
	}
}

// CollectMergeOperands walks every version of key visible at seq, newest
// first, accumulating merge operands until it hits a Put (foundBase),
// a deletion (deleted), or runs out of versions.
func (mt *MemTable) CollectMergeOperands(key []byte, seq dbformat.SequenceNumber) (baseValue []byte, mergeOperands [][]byte, foundBase bool, deleted bool) {
	it, coveringSeq := mt.lookupCursor(key, seq)

	for it.Valid() && mt.userCmp(key, it.UserKey()) == 0 {
		if it.Sequence() > seq {
			it.Next()
			continue
		}
		if coveringSeq > it.Sequence() {
			return nil, mergeOperands, false, true
		}

		switch it.Type() {
		case dbformat.TypeValue:
			return it.Value(), mergeOperands, true, false
		case dbformat.TypeDeletion, dbformat.TypeSingleDeletion:
			return nil, mergeOperands, false, true
		case dbformat.TypeMerge:
			mergeOperands = append(mergeOperands, it.Value())
		}
		it.Next()
	}

	if coveringSeq > 0 && len(mergeOperands) == 0 {
		return nil, nil, false, true
	}
	return nil, mergeOperands, false, false
}

// maxCoveringTombstoneSeq returns the highest sequence number of any range
// tombstone that covers key and is visible at visibleSeq, or 0 if none.
func (mt *MemTable) maxCoveringTombstoneSeq(key []byte, visibleSeq dbformat.SequenceNumber) dbformat.SequenceNumber {
	var best dbformat.SequenceNumber
	for _, t := range mt.tombstones.All() {
		if t.SequenceNum > visibleSeq || t.SequenceNum <= best {
			continue
		}
		if t.Contains(key) {
			best = t.SequenceNum
		}
	}
	return best
}

// parseEntry decodes an encoded skip-list entry into its user key, value,
// sequence number and type.
func parseEntry(entry []byte) (key, value []byte, seq dbformat.SequenceNumber, typ dbformat.ValueType, ok bool) {
	if len(entry) < 2 {
		return nil, nil, 0, 0, false
	}
	internalKeyLen, sz := decodeVarint32(entry)
	if sz <= 0 || int(internalKeyLen) > len(entry)-sz || internalKeyLen < 8 {
		return nil, nil, 0, 0, false
	}
	rest := entry[sz:]
	internalKey, rest := rest[:internalKeyLen], rest[internalKeyLen:]

	key = internalKey[:internalKeyLen-8]
	seq, typ = dbformat.UnpackSequenceAndType(binary.LittleEndian.Uint64(internalKey[internalKeyLen-8:]))

	if len(rest) == 0 {
		return key, nil, seq, typ, true
	}
	valueLen, sz := decodeVarint32(rest)
	if sz <= 0 || int(valueLen) > len(rest)-sz {
		return nil, nil, 0, 0, false
	}
	return key, rest[sz : sz+int(valueLen)], seq, typ, true
}

// ApproximateMemoryUsage estimates the table's footprint in bytes.
func (mt *MemTable) ApproximateMemoryUsage() int64 { return mt.bytesUsed.Load() }

// NextLogNumber returns the WAL segment number below which files are safe
// to delete once this (now-immutable) table is flushed, or 0 if unset.
func (mt *MemTable) NextLogNumber() uint64 { return mt.logNumber.Load() }

// SetNextLogNumber records the WAL rollover point for a table being made
// immutable.
func (mt *MemTable) SetNextLogNumber(num uint64) { mt.logNumber.Store(num) }

// Count returns the number of point entries in the table.
func (mt *MemTable) Count() int64 { return mt.entries.Count() }

// Empty reports whether the table holds no point entries.
func (mt *MemTable) Empty() bool { return mt.Count() == 0 }

// NewIterator returns an iterator over the table's point entries.
func (mt *MemTable) NewIterator() *MemTableIterator {
	return &MemTableIterator{cursor: mt.entries.NewIterator(), userCmp: mt.userCmp}
}

// MemTableIterator walks a MemTable's point entries in internal-key order,
// decoding each entry lazily as the cursor moves.
type MemTableIterator struct {
	cursor  *Iterator
	userCmp Comparator

	key   []byte
	value []byte
	seq   dbformat.SequenceNumber
	typ   dbformat.ValueType
	ok    bool
}

// Valid reports whether the iterator is positioned at a decodable entry.
func (it *MemTableIterator) Valid() bool { return it.ok && it.cursor.Valid() }

// SeekToFirst positions the iterator at the oldest internal key.
func (it *MemTableIterator) SeekToFirst() { it.cursor.SeekToFirst(); it.decode() }

// SeekToLast positions the iterator at the newest internal key.
func (it *MemTableIterator) SeekToLast() { it.cursor.SeekToLast(); it.decode() }

// Seek positions the iterator at the first internal key >= target.
func (it *MemTableIterator) Seek(target []byte) {
	it.cursor.Seek(lookupKeyEntry(target))
	it.decode()
}

// Next advances the iterator by one entry.
func (it *MemTableIterator) Next() { it.cursor.Next(); it.decode() }

// Prev moves the iterator back by one entry.
func (it *MemTableIterator) Prev() { it.cursor.Prev(); it.decode() }

// UserKey returns the current entry's user key, excluding the trailer.
func (it *MemTableIterator) UserKey() []byte { return it.key }

// Key reconstructs the full internal key (user key plus 8-byte trailer)
// for the current entry.
func (it *MemTableIterator) Key() []byte {
	out := make([]byte, len(it.key)+8)
	copy(out, it.key)
	binary.LittleEndian.PutUint64(out[len(it.key):], dbformat.PackSequenceAndType(it.seq, it.typ))
	return out
}

// Value returns the current entry's value.
func (it *MemTableIterator) Value() []byte { return it.value }

// Error always returns nil: decoding failures simply invalidate the
// iterator rather than surfacing as an I/O error.
func (it *MemTableIterator) Error() error { return nil }

// Sequence returns the current entry's sequence number.
func (it *MemTableIterator) Sequence() dbformat.SequenceNumber { return it.seq }

// Type returns the current entry's value type.
func (it *MemTableIterator) Type() dbformat.ValueType { return it.typ }

// decode refreshes the cached key/value/seq/typ fields from the cursor's
// current raw entry.
func (it *MemTableIterator) decode() {
	if !it.cursor.Valid() {
		it.ok, it.key, it.value = false, nil, nil
		return
	}
	it.key, it.value, it.seq, it.typ, it.ok = parseEntry(it.cursor.Key())
}

// lookupKeyEntry wraps a raw internal key in the length-prefix shape the
// skip list's comparator expects, so it can be used as a Seek target.
func lookupKeyEntry(internalKey []byte) []byte {
	out := make([]byte, 0, len(internalKey)+5)
	out = appendVarint32(out, uint32(len(internalKey)))
	return append(out, internalKey...)
}

func appendVarint32(buf []byte, v uint32) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func decodeVarint32(data []byte) (uint32, int) {
	var v uint32
	for i := 0; i < 5 && i < len(data); i++ {
		v |= uint32(data[i]&0x7F) << (7 * i)
		if data[i] < 0x80 {
			return v, i + 1
		}
	}
	return 0, 0
}
