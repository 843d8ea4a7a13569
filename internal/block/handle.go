// Package block implements RocksDB's block-based SST block format: data,
// index and meta blocks are all the same prefix-compressed entry stream
// with a restart-point trailer (see Builder/Iterator in block.go and
// builder.go), addressed within a file by the Handle/Footer types here.
//
// Reference: RocksDB v10.7.5 table/format.h, table/format.cc
package block

import (
	"errors"

	"github.com/aalhour/rockyardkv/internal/encoding"
)

// MaxVarint64Length bounds a single varint64's encoded size.
const MaxVarint64Length = 10

var (
	ErrBadBlockHandle = errors.New("block: bad block handle")
	ErrBadBlockFooter = errors.New("block: bad block footer")
	ErrBadBlock       = errors.New("block: corrupted block")
)

// Handle locates a block within a file: a byte offset and length. The
// struct layout is bit-compatible with RocksDB's BlockHandle — two
// varint64s on the wire, in that order, with no other valid encoding.
type Handle struct {
	Offset uint64
	Size   uint64
}

// NullHandle represents the absence of a block.
var NullHandle = Handle{}

// MaxEncodedLength is the worst-case size of an encoded Handle: two
// maximally-long varint64s.
const MaxEncodedLength = 2 * MaxVarint64Length

func (h Handle) IsNull() bool { return h.Offset == 0 && h.Size == 0 }

// EncodeTo appends h's varint64 offset and size to dst.
func (h Handle) EncodeTo(dst []byte) []byte {
	dst = encoding.AppendVarint64(dst, h.Offset)
	return encoding.AppendVarint64(dst, h.Size)
}

func (h Handle) EncodeToSlice() []byte { return h.EncodeTo(nil) }

func (h Handle) EncodedLength() int {
	return encoding.VarintLength(h.Offset) + encoding.VarintLength(h.Size)
}

// DecodeHandle reads a Handle from the front of data and returns the
// bytes following it.
func DecodeHandle(data []byte) (Handle, []byte, error) {
	offset, n, err := encoding.DecodeVarint64(data)
	if err != nil {
		return Handle{}, nil, ErrBadBlockHandle
	}
	data = data[n:]

	size, n, err := encoding.DecodeVarint64(data)
	if err != nil {
		return Handle{}, nil, ErrBadBlockHandle
	}
	return Handle{Offset: offset, Size: size}, data[n:], nil
}

// DecodeHandleFrom decodes a Handle without exposing the trailing bytes.
func DecodeHandleFrom(data []byte) (Handle, error) {
	h, _, err := DecodeHandle(data)
	return h, err
}
