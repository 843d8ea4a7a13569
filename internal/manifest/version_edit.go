// version_edit.go implements VersionEdit encoding and decoding.
//
// A VersionEdit describes one atomic change to a Version: files added
// to or removed from a level, an updated log number, a new sequence
// number high-water mark. Edits are appended to the MANIFEST as they
// happen and replayed in order to reconstruct the live Version at
// startup.
//
// Reference: RocksDB v10.7.5
//   - db/version_edit.h
//   - db/version_edit.cc
package manifest

import (
	"errors"

	"github.com/aalhour/rockyardkv/internal/encoding"
)

var (
	ErrInvalidTag           = errors.New("manifest: invalid tag")
	ErrUnexpectedEndOfInput = errors.New("manifest: unexpected end of input")
	ErrInvalidFileMetadata  = errors.New("manifest: invalid file metadata")
	ErrUnknownRequiredTag   = errors.New("manifest: unknown required tag")
)

type SequenceNumber uint64

const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

type Temperature uint8

const (
	TemperatureUnknown Temperature = iota
	TemperatureHot
	TemperatureWarm
	TemperatureCold
)

// UnknownTag preserves a record or custom-tag field this package
// doesn't recognize, verbatim, so that decoding an edit written by a
// newer writer and re-encoding it doesn't silently drop data a reader
// of that newer format would have needed.
type UnknownTag struct {
	Tag   uint32
	Value []byte
}

// FileDescriptor is a file's identity (packed number + path ID) plus
// the sequence-number span and byte size needed to place it in a level
// without opening it.
type FileDescriptor struct {
	PackedNumberAndPathID uint64
	FileSize              uint64
	SmallestSeqno         SequenceNumber
	LargestSeqno          SequenceNumber
}

func NewFileDescriptor(number uint64, pathID uint32, fileSize uint64) FileDescriptor {
	return FileDescriptor{
		PackedNumberAndPathID: PackFileNumberAndPathID(number, uint64(pathID)),
		FileSize:              fileSize,
		SmallestSeqno:         MaxSequenceNumber,
		LargestSeqno:          0,
	}
}

func (fd *FileDescriptor) GetNumber() uint64 { return fd.PackedNumberAndPathID & FileNumberMask }

func (fd *FileDescriptor) GetPathID() uint32 {
	return uint32(fd.PackedNumberAndPathID / (FileNumberMask + 1))
}

// FileMetaData is everything a Version needs to know about one SST
// file: its identity, key range, and the bookkeeping fields compaction
// picking and file-checksum verification depend on.
type FileMetaData struct {
	FD       FileDescriptor
	Smallest []byte
	Largest  []byte

	OldestAncestorTime             uint64
	FileCreationTime               uint64
	EpochNumber                    uint64
	FileChecksum                   string
	FileChecksumFuncName           string
	Temperature                    Temperature
	MarkedForCompaction            bool
	OldestBlobFileNumber           uint64
	CompensatedRangeDeletionSize   uint64
	TailSize                       uint64
	UserDefinedTimestampsPersisted bool

	// UnknownCustomTags holds any NewFile4 sub-fields this package
	// didn't recognize at decode time, for lossless re-encoding.
	UnknownCustomTags []UnknownTag

	// BeingCompacted is runtime-only bookkeeping; it is never persisted.
	BeingCompacted bool

	// ColumnFamilyID is the column family the file belongs to, set when
	// a version is built from edits; it is never persisted.
	ColumnFamilyID uint32
}

func NewFileMetaData() *FileMetaData {
	return &FileMetaData{
		OldestAncestorTime:             UnknownOldestAncestorTime,
		FileCreationTime:               UnknownFileCreationTime,
		EpochNumber:                    UnknownEpochNumber,
		FileChecksumFuncName:           UnknownFileChecksumFuncName,
		Temperature:                    TemperatureUnknown,
		OldestBlobFileNumber:           InvalidBlobFileNumber,
		UserDefinedTimestampsPersisted: true,
	}
}

type DeletedFileEntry struct {
	Level      int
	FileNumber uint64
}

type NewFileEntry struct {
	Level int
	Meta  *FileMetaData
}

// VersionEdit is a single change to apply to a Version. Each optional
// field is paired with a Has* flag rather than using a pointer or
// zero-value sentinel, matching the wire format where a field's
// presence is signaled by whether its tag appears at all.
type VersionEdit struct {
	DBId    string
	HasDBId bool

	Comparator    string
	HasComparator bool

	LogNumber             uint64
	HasLogNumber          bool
	PrevLogNumber         uint64
	HasPrevLogNumber      bool
	MinLogNumberToKeep    uint64
	HasMinLogNumberToKeep bool

	NextFileNumber    uint64
	HasNextFileNumber bool

	LastSequence    SequenceNumber
	HasLastSequence bool

	ColumnFamily       uint32
	HasColumnFamily    bool
	ColumnFamilyName   string
	IsColumnFamilyAdd  bool
	IsColumnFamilyDrop bool
	MaxColumnFamily    uint32
	HasMaxColumnFamily bool

	IsInAtomicGroup  bool
	RemainingEntries uint32

	DeletedFiles []DeletedFileEntry
	NewFiles     []NewFileEntry

	CompactCursors []struct {
		Level int
		Key   []byte
	}

	FullHistoryTSLow                []byte
	HasFullHistoryTSLow             bool
	PersistUserDefinedTimestamps    bool
	HasPersistUserDefinedTimestamps bool

	// UnknownTags holds any top-level record tags this package didn't
	// recognize at decode time, for lossless re-encoding.
	UnknownTags []UnknownTag
}

func NewVersionEdit() *VersionEdit { return &VersionEdit{} }

func (ve *VersionEdit) Clear() { *ve = VersionEdit{} }

func (ve *VersionEdit) SetDBId(dbID string) { ve.DBId, ve.HasDBId = dbID, true }

func (ve *VersionEdit) SetComparatorName(name string) { ve.Comparator, ve.HasComparator = name, true }

func (ve *VersionEdit) SetLogNumber(num uint64) { ve.LogNumber, ve.HasLogNumber = num, true }

func (ve *VersionEdit) SetPrevLogNumber(num uint64) {
	ve.PrevLogNumber, ve.HasPrevLogNumber = num, true
}

func (ve *VersionEdit) SetNextFileNumber(num uint64) {
	ve.NextFileNumber, ve.HasNextFileNumber = num, true
}

func (ve *VersionEdit) SetLastSequence(seq SequenceNumber) {
	ve.LastSequence, ve.HasLastSequence = seq, true
}

func (ve *VersionEdit) SetMinLogNumberToKeep(num uint64) {
	ve.MinLogNumberToKeep, ve.HasMinLogNumberToKeep = num, true
}

func (ve *VersionEdit) SetMaxColumnFamily(cf uint32) {
	ve.MaxColumnFamily, ve.HasMaxColumnFamily = cf, true
}

func (ve *VersionEdit) SetColumnFamily(cf uint32) { ve.ColumnFamily, ve.HasColumnFamily = cf, true }

func (ve *VersionEdit) AddColumnFamily(name string) {
	ve.ColumnFamilyName, ve.IsColumnFamilyAdd = name, true
}

func (ve *VersionEdit) DropColumnFamily() { ve.IsColumnFamilyDrop = true }

func (ve *VersionEdit) DeleteFile(level int, fileNumber uint64) {
	ve.DeletedFiles = append(ve.DeletedFiles, DeletedFileEntry{Level: level, FileNumber: fileNumber})
}

func (ve *VersionEdit) AddFile(level int, meta *FileMetaData) {
	ve.NewFiles = append(ve.NewFiles, NewFileEntry{Level: level, Meta: meta})
}

func (ve *VersionEdit) SetAtomicGroup(remainingEntries uint32) {
	ve.IsInAtomicGroup, ve.RemainingEntries = true, remainingEntries
}

// --- encoding -----------------------------------------------------------

func appendTag(dst []byte, tag Tag) []byte { return encoding.AppendVarint32(dst, uint32(tag)) }

func appendTagVarint32(dst []byte, tag Tag, v uint32) []byte {
	return encoding.AppendVarint32(appendTag(dst, tag), v)
}

func appendTagVarint64(dst []byte, tag Tag, v uint64) []byte {
	return encoding.AppendVarint64(appendTag(dst, tag), v)
}

func appendTagBytes(dst []byte, tag Tag, v []byte) []byte {
	return encoding.AppendLengthPrefixedSlice(appendTag(dst, tag), v)
}

// EncodeTo serializes the edit in RocksDB's MANIFEST record format.
func (ve *VersionEdit) EncodeTo() []byte {
	var dst []byte

	if ve.HasDBId {
		dst = appendTagBytes(dst, TagDBID, []byte(ve.DBId))
	}
	if ve.HasComparator {
		dst = appendTagBytes(dst, TagComparator, []byte(ve.Comparator))
	}
	if ve.HasLogNumber {
		dst = appendTagVarint64(dst, TagLogNumber, ve.LogNumber)
	}
	if ve.HasPrevLogNumber {
		dst = appendTagVarint64(dst, TagPrevLogNumber, ve.PrevLogNumber)
	}
	if ve.HasNextFileNumber {
		dst = appendTagVarint64(dst, TagNextFileNumber, ve.NextFileNumber)
	}
	if ve.HasMaxColumnFamily {
		dst = appendTagVarint32(dst, TagMaxColumnFamily, ve.MaxColumnFamily)
	}
	if ve.HasMinLogNumberToKeep {
		dst = appendTagVarint64(dst, TagMinLogNumberToKeep, ve.MinLogNumberToKeep)
	}
	if ve.HasLastSequence {
		dst = appendTagVarint64(dst, TagLastSequence, uint64(ve.LastSequence))
	}

	for _, cc := range ve.CompactCursors {
		dst = appendTagVarint32(dst, TagCompactCursor, uint32(cc.Level))
		dst = encoding.AppendLengthPrefixedSlice(dst, cc.Key)
	}

	for _, df := range ve.DeletedFiles {
		dst = appendTagVarint32(dst, TagDeletedFile, uint32(df.Level))
		dst = encoding.AppendVarint64(dst, df.FileNumber)
	}

	for _, nf := range ve.NewFiles {
		dst = encodeNewFile4(dst, nf)
	}

	if ve.HasColumnFamily && ve.ColumnFamily != 0 {
		dst = appendTagVarint32(dst, TagColumnFamily, ve.ColumnFamily)
	}
	if ve.IsColumnFamilyAdd {
		dst = appendTagBytes(dst, TagColumnFamilyAdd, []byte(ve.ColumnFamilyName))
	}
	if ve.IsColumnFamilyDrop {
		dst = appendTag(dst, TagColumnFamilyDrop)
	}
	if ve.IsInAtomicGroup {
		dst = appendTagVarint32(dst, TagInAtomicGroup, ve.RemainingEntries)
	}
	if ve.HasFullHistoryTSLow {
		dst = appendTagBytes(dst, TagFullHistoryTSLow, ve.FullHistoryTSLow)
	}
	if ve.HasPersistUserDefinedTimestamps && ve.HasComparator {
		val := byte(0)
		if ve.PersistUserDefinedTimestamps {
			val = 1
		}
		dst = appendTagBytes(dst, TagPersistUserDefinedTimestamps, []byte{val})
	}

	for _, ut := range ve.UnknownTags {
		dst = encoding.AppendVarint32(dst, ut.Tag)
		dst = encoding.AppendLengthPrefixedSlice(dst, ut.Value)
	}

	return dst
}

func appendCustomVarint(dst []byte, tag NewFileCustomTag, v uint64) []byte {
	var payload []byte
	payload = encoding.AppendVarint64(payload, v)
	return encoding.AppendLengthPrefixedSlice(encoding.AppendVarint32(dst, uint32(tag)), payload)
}

func appendCustomBytes(dst []byte, tag NewFileCustomTag, v []byte) []byte {
	return encoding.AppendLengthPrefixedSlice(encoding.AppendVarint32(dst, uint32(tag)), v)
}

// encodeNewFile4 writes one NewFile entry in the NewFile4 format: a
// fixed header followed by a sequence of optional tagged sub-fields,
// each written only when it differs from its default, terminated by
// NewFileTagTerminate.
func encodeNewFile4(dst []byte, nf NewFileEntry) []byte {
	f := nf.Meta

	dst = appendTagVarint32(dst, TagNewFile4, uint32(nf.Level))
	dst = encoding.AppendVarint64(dst, f.FD.GetNumber())
	dst = encoding.AppendVarint64(dst, f.FD.FileSize)
	dst = encoding.AppendLengthPrefixedSlice(dst, f.Smallest)
	dst = encoding.AppendLengthPrefixedSlice(dst, f.Largest)
	dst = encoding.AppendVarint64(dst, uint64(f.FD.SmallestSeqno))
	dst = encoding.AppendVarint64(dst, uint64(f.FD.LargestSeqno))

	dst = appendCustomVarint(dst, NewFileTagOldestAncestorTime, f.OldestAncestorTime)
	dst = appendCustomVarint(dst, NewFileTagFileCreationTime, f.FileCreationTime)
	dst = appendCustomVarint(dst, NewFileTagEpochNumber, f.EpochNumber)

	if f.FileChecksumFuncName != UnknownFileChecksumFuncName {
		dst = appendCustomBytes(dst, NewFileTagFileChecksum, []byte(f.FileChecksum))
		dst = appendCustomBytes(dst, NewFileTagFileChecksumFuncName, []byte(f.FileChecksumFuncName))
	}
	if pathID := f.FD.GetPathID(); pathID != 0 {
		dst = appendCustomBytes(dst, NewFileTagPathID, []byte{byte(pathID)})
	}
	if f.Temperature != TemperatureUnknown {
		dst = appendCustomBytes(dst, NewFileTagTemperature, []byte{byte(f.Temperature)})
	}
	if f.MarkedForCompaction {
		dst = appendCustomBytes(dst, NewFileTagNeedCompaction, []byte{1})
	}
	if f.OldestBlobFileNumber != InvalidBlobFileNumber {
		dst = appendCustomVarint(dst, NewFileTagOldestBlobFileNumber, f.OldestBlobFileNumber)
	}
	if f.CompensatedRangeDeletionSize != 0 {
		dst = appendCustomVarint(dst, NewFileTagCompensatedRangeDeletionSize, f.CompensatedRangeDeletionSize)
	}
	if f.TailSize != 0 {
		dst = appendCustomVarint(dst, NewFileTagTailSize, f.TailSize)
	}
	if !f.UserDefinedTimestampsPersisted {
		dst = appendCustomBytes(dst, NewFileTagUserDefinedTimestampsPersisted, []byte{0})
	}
	for _, ut := range f.UnknownCustomTags {
		dst = encoding.AppendVarint32(dst, ut.Tag)
		dst = encoding.AppendLengthPrefixedSlice(dst, ut.Value)
	}

	return encoding.AppendVarint32(dst, uint32(NewFileTagTerminate))
}

// --- decoding -------------------------------------------------------------

func takeVarint32(data []byte) (uint32, []byte, error) {
	v, n, err := encoding.DecodeVarint32(data)
	if err != nil {
		return 0, nil, ErrUnexpectedEndOfInput
	}
	return v, data[n:], nil
}

func takeVarint64(data []byte) (uint64, []byte, error) {
	v, n, err := encoding.DecodeVarint64(data)
	if err != nil {
		return 0, nil, ErrUnexpectedEndOfInput
	}
	return v, data[n:], nil
}

func takeBytes(data []byte) ([]byte, []byte, error) {
	v, n, err := encoding.DecodeLengthPrefixedSlice(data)
	if err != nil {
		return nil, nil, ErrUnexpectedEndOfInput
	}
	return v, data[n:], nil
}

// tagHandler decodes one record's value from data (the tag itself
// already consumed) and returns the remaining input.
type tagHandler func(ve *VersionEdit, data []byte) ([]byte, error)

var tagHandlers = map[Tag]tagHandler{
	TagDBID: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeBytes(data)
		if err != nil {
			return nil, err
		}
		ve.DBId, ve.HasDBId = string(val), true
		return rest, nil
	},
	TagComparator: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeBytes(data)
		if err != nil {
			return nil, err
		}
		ve.Comparator, ve.HasComparator = string(val), true
		return rest, nil
	},
	TagLogNumber: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeVarint64(data)
		if err != nil {
			return nil, err
		}
		ve.LogNumber, ve.HasLogNumber = val, true
		return rest, nil
	},
	TagPrevLogNumber: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeVarint64(data)
		if err != nil {
			return nil, err
		}
		ve.PrevLogNumber, ve.HasPrevLogNumber = val, true
		return rest, nil
	},
	TagNextFileNumber: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeVarint64(data)
		if err != nil {
			return nil, err
		}
		ve.NextFileNumber, ve.HasNextFileNumber = val, true
		return rest, nil
	},
	TagLastSequence: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeVarint64(data)
		if err != nil {
			return nil, err
		}
		ve.LastSequence, ve.HasLastSequence = SequenceNumber(val), true
		return rest, nil
	},
	TagMaxColumnFamily: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeVarint32(data)
		if err != nil {
			return nil, err
		}
		ve.MaxColumnFamily, ve.HasMaxColumnFamily = val, true
		return rest, nil
	},
	TagMinLogNumberToKeep: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeVarint64(data)
		if err != nil {
			return nil, err
		}
		ve.MinLogNumberToKeep, ve.HasMinLogNumberToKeep = val, true
		return rest, nil
	},
	TagCompactCursor: func(ve *VersionEdit, data []byte) ([]byte, error) {
		level, rest, err := takeVarint32(data)
		if err != nil {
			return nil, err
		}
		key, rest, err := takeBytes(rest)
		if err != nil {
			return nil, err
		}
		ve.CompactCursors = append(ve.CompactCursors, struct {
			Level int
			Key   []byte
		}{Level: int(level), Key: key})
		return rest, nil
	},
	TagDeletedFile: func(ve *VersionEdit, data []byte) ([]byte, error) {
		level, rest, err := takeVarint32(data)
		if err != nil {
			return nil, err
		}
		fileNum, rest, err := takeVarint64(rest)
		if err != nil {
			return nil, err
		}
		ve.DeleteFile(int(level), fileNum)
		return rest, nil
	},
	TagNewFile4: func(ve *VersionEdit, data []byte) ([]byte, error) {
		return ve.decodeNewFile4(data)
	},
	TagColumnFamily: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeVarint32(data)
		if err != nil {
			return nil, err
		}
		ve.ColumnFamily, ve.HasColumnFamily = val, true
		return rest, nil
	},
	TagColumnFamilyAdd: func(ve *VersionEdit, data []byte) ([]byte, error) {
		name, rest, err := takeBytes(data)
		if err != nil {
			return nil, err
		}
		ve.ColumnFamilyName, ve.IsColumnFamilyAdd = string(name), true
		return rest, nil
	},
	TagColumnFamilyDrop: func(ve *VersionEdit, data []byte) ([]byte, error) {
		ve.IsColumnFamilyDrop = true
		return data, nil
	},
	TagInAtomicGroup: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeVarint32(data)
		if err != nil {
			return nil, err
		}
		ve.IsInAtomicGroup, ve.RemainingEntries = true, val
		return rest, nil
	},
	TagFullHistoryTSLow: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeBytes(data)
		if err != nil {
			return nil, err
		}
		ve.FullHistoryTSLow, ve.HasFullHistoryTSLow = val, true
		return rest, nil
	},
	TagPersistUserDefinedTimestamps: func(ve *VersionEdit, data []byte) ([]byte, error) {
		val, rest, err := takeBytes(data)
		if err != nil {
			return nil, err
		}
		ve.PersistUserDefinedTimestamps = len(val) > 0 && val[0] != 0
		ve.HasPersistUserDefinedTimestamps = true
		return rest, nil
	},
}

// DecodeFrom parses a MANIFEST record into ve, replacing its contents.
// An unrecognized tag with TagSafeIgnoreMask set is kept verbatim in
// UnknownTags rather than discarded; one without the bit set is a
// format version this package cannot safely skip over.
func (ve *VersionEdit) DecodeFrom(data []byte) error {
	ve.Clear()

	for len(data) > 0 {
		tagVal, rest, err := takeVarint32(data)
		if err != nil {
			return err
		}
		data = rest
		tag := Tag(tagVal)

		handler, known := tagHandlers[tag]
		if !known {
			if !tag.IsSafeToIgnore() {
				return ErrUnknownRequiredTag
			}
			val, rest, err := takeBytes(data)
			if err != nil {
				return err
			}
			ve.UnknownTags = append(ve.UnknownTags, UnknownTag{Tag: tagVal, Value: append([]byte(nil), val...)})
			data = rest
			continue
		}

		data, err = handler(ve, data)
		if err != nil {
			return err
		}
	}

	return nil
}

// customTagHandler applies one decoded NewFile4 sub-field to meta.
type customTagHandler func(meta *FileMetaData, val []byte)

var customTagHandlers = map[NewFileCustomTag]customTagHandler{
	NewFileTagNeedCompaction: func(meta *FileMetaData, val []byte) {
		meta.MarkedForCompaction = len(val) > 0 && val[0] == 1
	},
	NewFileTagPathID: func(meta *FileMetaData, val []byte) {
		if len(val) > 0 {
			meta.FD.PackedNumberAndPathID = PackFileNumberAndPathID(meta.FD.GetNumber(), uint64(val[0]))
		}
	},
	NewFileTagOldestBlobFileNumber: func(meta *FileMetaData, val []byte) {
		if num, _, err := encoding.DecodeVarint64(val); err == nil {
			meta.OldestBlobFileNumber = num
		}
	},
	NewFileTagOldestAncestorTime: func(meta *FileMetaData, val []byte) {
		if t, _, err := encoding.DecodeVarint64(val); err == nil {
			meta.OldestAncestorTime = t
		}
	},
	NewFileTagFileCreationTime: func(meta *FileMetaData, val []byte) {
		if t, _, err := encoding.DecodeVarint64(val); err == nil {
			meta.FileCreationTime = t
		}
	},
	NewFileTagFileChecksum: func(meta *FileMetaData, val []byte) {
		meta.FileChecksum = string(val)
	},
	NewFileTagFileChecksumFuncName: func(meta *FileMetaData, val []byte) {
		meta.FileChecksumFuncName = string(val)
	},
	NewFileTagTemperature: func(meta *FileMetaData, val []byte) {
		if len(val) > 0 {
			meta.Temperature = Temperature(val[0])
		}
	},
	NewFileTagEpochNumber: func(meta *FileMetaData, val []byte) {
		if num, _, err := encoding.DecodeVarint64(val); err == nil {
			meta.EpochNumber = num
		}
	},
	NewFileTagCompensatedRangeDeletionSize: func(meta *FileMetaData, val []byte) {
		if num, _, err := encoding.DecodeVarint64(val); err == nil {
			meta.CompensatedRangeDeletionSize = num
		}
	},
	NewFileTagTailSize: func(meta *FileMetaData, val []byte) {
		if num, _, err := encoding.DecodeVarint64(val); err == nil {
			meta.TailSize = num
		}
	},
	NewFileTagUserDefinedTimestampsPersisted: func(meta *FileMetaData, val []byte) {
		if len(val) > 0 && val[0] == 0 {
			meta.UserDefinedTimestampsPersisted = false
		}
	},
}

// decodeNewFile4 parses one NewFile4 entry: the fixed header, then
// tag-prefixed optional sub-fields until NewFileTagTerminate.
func (ve *VersionEdit) decodeNewFile4(data []byte) ([]byte, error) {
	meta := NewFileMetaData()

	level, data, err := takeVarint32(data)
	if err != nil {
		return nil, err
	}
	fileNum, data, err := takeVarint64(data)
	if err != nil {
		return nil, err
	}
	fileSize, data, err := takeVarint64(data)
	if err != nil {
		return nil, err
	}
	meta.FD = NewFileDescriptor(fileNum, 0, fileSize)

	meta.Smallest, data, err = takeBytes(data)
	if err != nil {
		return nil, err
	}
	meta.Largest, data, err = takeBytes(data)
	if err != nil {
		return nil, err
	}

	smallestSeqno, data, err := takeVarint64(data)
	if err != nil {
		return nil, err
	}
	meta.FD.SmallestSeqno = SequenceNumber(smallestSeqno)

	largestSeqno, data, err := takeVarint64(data)
	if err != nil {
		return nil, err
	}
	meta.FD.LargestSeqno = SequenceNumber(largestSeqno)

	for {
		tagVal, rest, err := takeVarint32(data)
		if err != nil {
			return nil, err
		}
		data = rest
		ct := NewFileCustomTag(tagVal)
		if ct == NewFileTagTerminate {
			break
		}

		val, rest, err := takeBytes(data)
		if err != nil {
			return nil, err
		}
		data = rest

		if handler, known := customTagHandlers[ct]; known {
			handler(meta, val)
			continue
		}
		if !ct.IsSafeToIgnore() {
			return nil, ErrUnknownRequiredTag
		}
		meta.UnknownCustomTags = append(meta.UnknownCustomTags, UnknownTag{Tag: tagVal, Value: append([]byte(nil), val...)})
	}

	ve.AddFile(int(level), meta)
	return data, nil
}
