// Prefix-compressed block assembly.
//
// Reference: RocksDB v10.7.5
//   - table/block_based/block_builder.h
//   - table/block_based/block_builder.cc
package block

import (
	"github.com/aalhour/rockyardkv/internal/encoding"
)

// Builder accumulates entries for one block, dropping the prefix each key
// shares with its predecessor and periodically inserting a "restart
// point" that stores a key in full so binary search has somewhere to
// land without replaying every delta from the start.
//
// Wire layout of one entry:
//
//	shared_bytes:   varint32
//	unshared_bytes: varint32
//	value_length:   varint32
//	key_delta:      char[unshared_bytes]
//	value:          char[value_length]
//
// Wire layout of the whole block:
//
//	entry*
//	restart_offset: uint32 (one per restart point)
//	footer:         uint32  // PackIndexTypeAndNumRestarts(type, numRestarts)
type Builder struct {
	out      []byte
	restarts []uint32
	sinceRestart int
	restartEvery int
	prevKey  []byte
	deltaOK  bool
	sealed   bool
}

// NewBuilder returns a Builder that inserts a restart point every
// restartEvery entries. A value below 1 is treated as 1 (every entry
// stores its full key).
func NewBuilder(restartEvery int) *Builder {
	return NewBuilderWithOptions(restartEvery, true)
}

// NewBuilderWithOptions is NewBuilder with prefix compression optionally
// disabled (every key stored in full, restarts notwithstanding).
func NewBuilderWithOptions(restartEvery int, deltaOK bool) *Builder {
	if restartEvery < 1 {
		restartEvery = 1
	}
	return &Builder{
		out:          make([]byte, 0, 4096),
		restartEvery: restartEvery,
		deltaOK:      deltaOK,
		restarts:     []uint32{0},
	}
}

// Reset clears the builder so it can be reused for another block.
func (b *Builder) Reset() {
	b.out = b.out[:0]
	b.restarts = b.restarts[:1]
	b.restarts[0] = 0
	b.sinceRestart = 0
	b.prevKey = b.prevKey[:0]
	b.sealed = false
}

// Add appends a key-value pair. key must sort after every key already
// added. Calling Add after Finish without an intervening Reset panics.
func (b *Builder) Add(key, value []byte) {
	if b.sealed {
		panic("block: Add called after Finish") //nolint:forbidigo
	}

	atRestart := b.sinceRestart >= b.restartEvery
	shared := 0
	if b.deltaOK && !atRestart {
		shared = commonPrefixLen(b.prevKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.out)))
		b.sinceRestart = 0
	}

	b.out = encoding.AppendVarint32(b.out, uint32(shared))
	b.out = encoding.AppendVarint32(b.out, uint32(len(key)-shared))
	b.out = encoding.AppendVarint32(b.out, uint32(len(value)))
	b.out = append(b.out, key[shared:]...)
	b.out = append(b.out, value...)

	b.prevKey = append(b.prevKey[:0], key...)
	b.sinceRestart++
}

// EstimatedSize returns an approximation of the block's size if Finish
// were called right now: the entries written so far plus the restart
// array and footer that Finish will append.
func (b *Builder) EstimatedSize() int {
	return len(b.out) + len(b.restarts)*4 + 4
}

// CurrentSizeEstimate is a longer-named alias for EstimatedSize, kept for
// call sites written against RocksDB's BlockBuilder naming.
func (b *Builder) CurrentSizeEstimate() int { return b.EstimatedSize() }

// EstimateSizeAfterKV projects EstimatedSize as it would read immediately
// after adding the given key-value pair.
func (b *Builder) EstimateSizeAfterKV(key, value []byte) int {
	size := b.EstimatedSize() + len(key) + len(value) + 3*5 // 3 varint headers, <=5 bytes each
	if b.sinceRestart >= b.restartEvery {
		size += 4
	}
	return size
}

// Empty reports whether Add has never been called since construction or
// the last Reset.
func (b *Builder) Empty() bool { return len(b.out) == 0 }

// Finish appends the restart array and footer and returns the completed
// block. The returned slice aliases the builder's internal buffer and is
// only valid until the next Reset.
func (b *Builder) Finish() []byte {
	for _, r := range b.restarts {
		b.out = encoding.AppendFixed32(b.out, r)
	}
	b.out = encoding.AppendFixed32(b.out, PackIndexTypeAndNumRestarts(DataBlockBinarySearch, uint32(len(b.restarts))))
	b.sealed = true
	return b.out
}

// commonPrefixLen returns how many leading bytes a and b share.
func commonPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
