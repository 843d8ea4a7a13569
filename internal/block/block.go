package block

import (
	"encoding/binary"

	"github.com/aalhour/rockyardkv/internal/encoding"
)

// Block is a parsed, read-only view over one decoded data/index/meta
// block. It does not own its backing array: the caller decides when the
// bytes it was built from may be reused.
//
// Layout (see Builder for the producing side):
//
//	entry*
//	restart_offset: uint32 (one per restart point)
//	footer:         uint32
type Block struct {
	raw         []byte
	restartsAt  int // offset in raw where the restart array begins
	numRestarts int
	globalSeqno uint64
}

// kDisableGlobalSequenceNumber marks that a block carries no global
// sequence number override.
const kDisableGlobalSequenceNumber = ^uint64(0)

// DataBlockIndexType distinguishes the binary-search-only restart index
// from the variant augmented with a hash index for exact-key probes.
type DataBlockIndexType uint8

const (
	DataBlockBinarySearch  DataBlockIndexType = 0
	DataBlockBinaryAndHash DataBlockIndexType = 1
)

const (
	indexTypeBit     = 31
	numRestartsMask  = (1 << indexTypeBit) - 1
)

// PackIndexTypeAndNumRestarts combines a data block's index type and
// restart count into the single footer word RocksDB stores.
//
// Reference: table/block_based/data_block_footer.cc
func PackIndexTypeAndNumRestarts(indexType DataBlockIndexType, numRestarts uint32) uint32 {
	word := numRestarts
	if indexType == DataBlockBinaryAndHash {
		word |= 1 << indexTypeBit
	}
	return word
}

// UnpackIndexTypeAndNumRestarts is the inverse of
// PackIndexTypeAndNumRestarts.
func UnpackIndexTypeAndNumRestarts(word uint32) (DataBlockIndexType, uint32) {
	indexType := DataBlockBinarySearch
	if word&(1<<indexTypeBit) != 0 {
		indexType = DataBlockBinaryAndHash
	}
	return indexType, word & numRestartsMask
}

// NewBlock parses raw as a block footer + restart array and wraps it. The
// slice is retained, not copied.
func NewBlock(raw []byte) (*Block, error) {
	if len(raw) < 4 {
		return nil, ErrBadBlock
	}

	footer := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	_, numRestarts := UnpackIndexTypeAndNumRestarts(footer)
	if numRestarts == 0 {
		return nil, ErrBadBlock
	}

	trailerLen := int(numRestarts+1) * 4 // restart offsets plus the footer word
	if trailerLen > len(raw) {
		return nil, ErrBadBlock
	}

	return &Block{
		raw:         raw,
		restartsAt:  len(raw) - trailerLen,
		numRestarts: int(numRestarts),
		globalSeqno: kDisableGlobalSequenceNumber,
	}, nil
}

func (b *Block) Size() int         { return len(b.raw) }
func (b *Block) Data() []byte      { return b.raw }
func (b *Block) NumRestarts() int  { return b.numRestarts }
func (b *Block) DataEnd() int      { return b.restartsAt }

// GetRestartPoint returns the byte offset of the i-th restart point, or
// -1 if i is out of range.
func (b *Block) GetRestartPoint(i int) int {
	if i < 0 || i >= b.numRestarts {
		return -1
	}
	return int(binary.LittleEndian.Uint32(b.raw[b.restartsAt+i*4:]))
}

// SetGlobalSeqno overrides every entry's encoded sequence number with
// seqno, used when an ingested file's keys need to be reassigned a
// sequence number at open time.
func (b *Block) SetGlobalSeqno(seqno uint64) { b.globalSeqno = seqno }

// GlobalSeqno returns the override set by SetGlobalSeqno, or
// kDisableGlobalSequenceNumber if none was set.
func (b *Block) GlobalSeqno() uint64 { return b.globalSeqno }

// Entry is one decoded key-value pair, used by callers that want a plain
// struct rather than driving an Iterator.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iterator walks a Block's entries in key order. The zero value returned
// by NewIterator is unpositioned.
type Iterator struct {
	owner    *Block
	raw      []byte
	dataEnd  int
	pos      int // start offset of the current entry
	nextPos  int // start offset of the following entry
	key      []byte
	value    []byte
	ok       bool
	err      error
}

// NewIterator returns an unpositioned iterator over b.
func (b *Block) NewIterator() *Iterator {
	return &Iterator{owner: b, raw: b.raw, dataEnd: b.restartsAt}
}

func (it *Iterator) Valid() bool   { return it.ok && it.err == nil }
func (it *Iterator) Key() []byte   { return it.key }
func (it *Iterator) Value() []byte { return it.value }
func (it *Iterator) Error() error  { return it.err }

// SeekToFirst positions at the block's first entry. Entries can precede
// the first restart point, so this always starts the scan at offset 0
// rather than jumping to restart[0].
func (it *Iterator) SeekToFirst() {
	it.key, it.value, it.ok = it.key[:0], nil, false
	it.pos, it.nextPos = 0, 0
	it.Next()
}

// SeekToLast positions at the block's last entry by scanning forward
// from the final restart point, since entries only link forward.
func (it *Iterator) SeekToLast() {
	it.jumpToRestart(it.owner.numRestarts - 1)

	var last Iterator
	var haveLast bool
	for {
		it.Next()
		if !it.Valid() {
			break
		}
		last = snapshot(it)
		haveLast = true
	}
	if haveLast {
		restore(it, last)
	}
}

// Next advances to the entry immediately after the current one.
func (it *Iterator) Next() {
	if it.err != nil {
		it.ok = false
		return
	}
	if it.nextPos >= it.dataEnd {
		it.ok = false
		return
	}
	it.pos = it.nextPos
	it.decodeAt(it.pos)
}

// Prev moves to the entry immediately before the current one. Because
// entries only carry a forward delta from their restart point, finding
// the predecessor means restarting the nearest prior restart point and
// scanning forward until just short of the current position.
func (it *Iterator) Prev() {
	if it.err != nil {
		it.ok = false
		return
	}

	target := it.pos
	restart := it.restartAtOrBefore(target)
	if it.owner.GetRestartPoint(restart) == target && restart > 0 {
		restart--
	}
	it.jumpToRestart(restart)

	var prev Iterator
	var found bool
	for {
		it.Next()
		if !it.Valid() || it.pos >= target {
			break
		}
		prev = snapshot(it)
		found = true
	}
	if found {
		restore(it, prev)
	} else {
		it.ok = false
	}
}

// restartAtOrBefore returns the largest restart index whose offset is
// <= target, via binary search over the restart array.
func (it *Iterator) restartAtOrBefore(target int) int {
	lo, hi := 0, it.owner.numRestarts-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if it.owner.GetRestartPoint(mid) <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// jumpToRestart repositions the cursor at restart point index without
// decoding an entry.
func (it *Iterator) jumpToRestart(index int) {
	it.key, it.value, it.ok = it.key[:0], nil, false
	offset := max(it.owner.GetRestartPoint(index), 0)
	it.pos, it.nextPos = offset, offset
}

// Seek positions at the first entry whose key is >= target, using binary
// search across restart points followed by a linear scan within the
// winning block of entries.
func (it *Iterator) Seek(target []byte) {
	lo, hi := 0, it.owner.numRestarts-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		it.jumpToRestart(mid)
		it.Next()
		if !it.Valid() || it.compareTo(target) > 0 {
			hi = mid - 1
		} else {
			lo = mid
		}
	}

	it.jumpToRestart(lo)
	for {
		it.Next()
		if !it.Valid() || it.compareTo(target) >= 0 {
			return
		}
	}
}

func (it *Iterator) compareTo(target []byte) int { return CompareInternalKeys(it.key, target) }

// decodeAt parses the <shared><unshared><value_len><key_delta><value>
// entry starting at offset, updating it.key (by extending the retained
// shared prefix) and it.value.
func (it *Iterator) decodeAt(offset int) {
	if offset >= it.dataEnd {
		it.ok = false
		return
	}
	cursor := it.raw[offset:]

	shared, n1, err := encoding.DecodeVarint32(cursor)
	if err != nil {
		it.fail()
		return
	}
	cursor = cursor[n1:]

	unshared, n2, err := encoding.DecodeVarint32(cursor)
	if err != nil {
		it.fail()
		return
	}
	cursor = cursor[n2:]

	valueLen, n3, err := encoding.DecodeVarint32(cursor)
	if err != nil {
		it.fail()
		return
	}
	cursor = cursor[n3:]

	if int(shared) > len(it.key) || len(cursor) < int(unshared)+int(valueLen) {
		it.fail()
		return
	}

	it.key = append(it.key[:shared], cursor[:unshared]...)
	cursor = cursor[unshared:]
	it.value = cursor[:valueLen]

	consumed := n1 + n2 + n3 + int(unshared) + int(valueLen)
	it.nextPos = offset + consumed
	it.ok = true
}

func (it *Iterator) fail() {
	it.err = ErrBadBlock
	it.ok = false
}

// snapshot/restore save and reinstate the fields of an Iterator that
// identify its current entry, used by SeekToLast/Prev which must walk
// past the target position to find it.
func snapshot(it *Iterator) Iterator {
	return Iterator{
		key:     append([]byte(nil), it.key...),
		value:   it.value,
		pos:     it.pos,
		nextPos: it.nextPos,
	}
}

func restore(it *Iterator, s Iterator) {
	it.key, it.value, it.pos, it.nextPos, it.ok = s.key, s.value, s.pos, s.nextPos, true
}

// CompareInternalKeys orders two internal keys: ascending by user key,
// then descending by the 8-byte (sequence<<8|type) trailer so that for
// equal user keys the highest sequence number sorts first.
func CompareInternalKeys(a, b []byte) int {
	const trailerSize = 8

	userA, trailerA := splitTrailer(a, trailerSize)
	userB, trailerB := splitTrailer(b, trailerSize)

	if cmp := compareBytes(userA, userB); cmp != 0 {
		return cmp
	}
	switch {
	case trailerA > trailerB:
		return -1
	case trailerA < trailerB:
		return 1
	default:
		return 0
	}
}

func splitTrailer(key []byte, trailerSize int) (userKey []byte, trailer uint64) {
	if len(key) < trailerSize {
		return key, 0
	}
	n := len(key) - trailerSize
	return key[:n], decodeTrailer(key[n:])
}

func decodeTrailer(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func compareBytes(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
