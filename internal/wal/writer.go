// writer.go implements WAL log file writing.
//
// Writer is an append-only log stream writer: logical records that
// don't fit in the space remaining in the current block are split
// into FirstType/MiddleType/LastType fragments, each with its own
// checksum, rather than ever spanning a block boundary unframed.
//
// Reference: RocksDB v10.7.5
//   - db/log_writer.h
//   - db/log_writer.cc
package wal

import (
	"io"

	"github.com/aalhour/rockyardkv/internal/checksum"
	"github.com/aalhour/rockyardkv/internal/encoding"
	"github.com/aalhour/rockyardkv/internal/testutil"
)

// Writer fragments and writes logical records to a WAL file in
// RocksDB's log format.
type Writer struct {
	dest io.Writer

	offset     int    // bytes written into the current block
	fileNum    uint64 // log file number, stamped into recyclable headers
	recyclable bool
	headerLen  int // HeaderSize or RecyclableHeaderSize

	// crcByType[t] is the CRC32C of a single byte of value t, so each
	// physical record only needs to extend it over the log number (if
	// any) and the payload instead of hashing the type byte every time.
	crcByType [MaxRecordType + 1]uint32

	header [RecyclableHeaderSize]byte
}

// NewWriter creates a Writer that appends to dest using fileNum as the
// log file number (only meaningful for the recyclable format) and
// recyclable selecting which of the two on-disk header shapes to use.
func NewWriter(dest io.Writer, fileNum uint64, recyclable bool) *Writer {
	w := &Writer{
		dest:       dest,
		fileNum:    fileNum,
		recyclable: recyclable,
		headerLen:  HeaderSize,
	}
	if recyclable {
		w.headerLen = RecyclableHeaderSize
	}
	for t := 0; t <= int(MaxRecordType); t++ {
		w.crcByType[t] = checksum.Value([]byte{byte(t)})
	}
	return w
}

// AddRecord appends one logical record, fragmenting it across block
// boundaries as needed, and returns the total bytes written including
// all fragment headers. An empty record still produces one zero-length
// fragment so readers see it at all.
func (w *Writer) AddRecord(data []byte) (int, error) {
	testutil.MaybeKill(testutil.KPWALAppend0) // crash before any WAL append write

	remaining := data
	written := 0
	first := true

	for {
		n, err := w.padToFragmentBoundary()
		written += n
		if err != nil {
			return written, err
		}

		space := BlockSize - w.offset - w.headerLen
		chunk := min(len(remaining), space)
		last := chunk == len(remaining)

		n, err = w.writeFragment(fragmentType(first, last, w.recyclable), remaining[:chunk])
		written += n
		if err != nil {
			return written, err
		}

		remaining = remaining[chunk:]
		first = false
		if len(remaining) == 0 {
			return written, nil
		}
	}
}

// padToFragmentBoundary zero-fills the rest of the current block and
// rolls the offset over to a fresh one, but only if there isn't even
// room for another fragment header in what's left.
func (w *Writer) padToFragmentBoundary() (int, error) {
	leftover := BlockSize - w.offset
	if leftover >= w.headerLen {
		return 0, nil
	}
	n, err := w.dest.Write(make([]byte, leftover))
	w.offset = 0
	return n, err
}

// fragmentType classifies a chunk of a logical record given whether it
// is the first and/or last chunk, converting to the recyclable type
// space when the writer is in recyclable mode.
func fragmentType(first, last, recyclable bool) RecordType {
	var t RecordType
	switch {
	case first && last:
		t = FullType
	case first:
		t = FirstType
	case last:
		t = LastType
	default:
		t = MiddleType
	}
	if recyclable {
		return ToRecyclable(t)
	}
	return t
}

// writeFragment emits one physical record: header followed by payload.
func (w *Writer) writeFragment(t RecordType, payload []byte) (int, error) {
	if len(payload) > 0xFFFF {
		panic("wal: record payload too large") //nolint:forbidigo // precondition violation, not a runtime error
	}

	headerLen := HeaderSize
	crc := w.crcByType[t]
	w.header[4] = byte(len(payload))
	w.header[5] = byte(len(payload) >> 8)
	w.header[6] = byte(t)

	if IsRecyclableType(t) {
		headerLen = RecyclableHeaderSize
		encoding.EncodeFixed32(w.header[7:], uint32(w.fileNum))
		crc = checksum.Extend(crc, w.header[7:11])
	}
	crc = checksum.Mask(checksum.Extend(crc, payload))
	encoding.EncodeFixed32(w.header[:], crc)

	total := 0
	n, err := w.dest.Write(w.header[:headerLen])
	total += n
	if err != nil {
		return total, err
	}
	n, err = w.dest.Write(payload)
	total += n
	if err != nil {
		return total, err
	}

	w.offset += headerLen + len(payload)
	return total, nil
}

// BlockOffset returns the current offset within the current block.
func (w *Writer) BlockOffset() int { return w.offset }

// LogNumber returns the log file number passed to NewWriter.
func (w *Writer) LogNumber() uint64 { return w.fileNum }

// IsRecyclable returns whether this writer uses the recyclable header
// format.
func (w *Writer) IsRecyclable() bool { return w.recyclable }

// Sync flushes the underlying writer if it supports it.
func (w *Writer) Sync() error {
	testutil.MaybeKill(testutil.KPWALSync0) // crash before WAL sync

	if syncer, ok := w.dest.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return err
		}
	}

	testutil.MaybeKill(testutil.KPWALSync1) // crash after WAL sync, data now durable
	return nil
}
