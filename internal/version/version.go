// Package version manages database versions and the LSM-tree structure.
//
// A Version is an immutable snapshot of which SST files belong to which
// level at a point in time. Versions form a reference-counted doubly
// linked list owned by a VersionSet: as long as a snapshot, iterator, or
// in-flight compaction holds a Ref, the files it names stay on disk even
// after a later VersionEdit moves on.
//
// Reference: RocksDB v10.7.5
//   - db/version_set.h (Version class)
//   - db/version_set.cc
package version

import (
	"sync/atomic"

	"github.com/aalhour/rockyardkv/internal/manifest"
)

// MaxNumLevels is the maximum number of levels in the LSM-tree.
const MaxNumLevels = 7

// Version is an immutable point-in-time view of the LSM-tree: the set of
// SST files live at each level. New Versions are produced by applying a
// VersionEdit to the current one via VersionBuilder; nothing ever mutates
// levels in place.
type Version struct {
	files [MaxNumLevels][]*manifest.FileMetaData

	refs atomic.Int32

	owner *VersionSet
	num   uint64

	// prev/next thread this Version into owner's live-version list;
	// guarded by owner.listMu, not by the Version itself.
	prev *Version
	next *Version

	// Populated once by VersionSet.finalize; neither field is read yet.
	compactionScore []float64 //nolint:unused // Reserved for future compaction scheduling
	compactionLevel []int     //nolint:unused // Reserved for future compaction scheduling
}

// NewVersion creates a new empty Version with zero references, owned by
// vset and identified by num for debugging.
func NewVersion(vset *VersionSet, num uint64) *Version {
	return &Version{owner: vset, num: num}
}

// Ref records a new holder of this Version.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref drops the caller's hold on this Version. Once the count reaches
// zero the Version unlinks itself from its owner's live list; there is
// nothing left referencing it afterward, so it is simply left for the
// garbage collector.
func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	if v.owner != nil {
		v.owner.listMu.Lock()
		defer v.owner.listMu.Unlock()
	}
	v.unlink()
}

// unlink splices v out of its owner's doubly linked version list. Callers
// holding owner.listMu (or an owner-less Version, used only in tests).
func (v *Version) unlink() {
	if v.prev != nil {
		v.prev.next = v.next
	}
	if v.next != nil {
		v.next.prev = v.prev
	}
	v.prev, v.next = nil, nil
}

// NumLevels returns the number of levels in use.
func (v *Version) NumLevels() int { return MaxNumLevels }

// NumFiles returns the number of files at the given level.
func (v *Version) NumFiles(level int) int {
	if !validLevel(level) {
		return 0
	}
	return len(v.files[level])
}

// Files returns the files at the given level.
func (v *Version) Files(level int) []*manifest.FileMetaData {
	if !validLevel(level) {
		return nil
	}
	return v.files[level]
}

// TotalFiles returns the total number of files across all levels.
func (v *Version) TotalFiles() int {
	n := 0
	for level := range MaxNumLevels {
		n += len(v.files[level])
	}
	return n
}

// NumLevelBytes returns the total size of files at the given level.
func (v *Version) NumLevelBytes(level int) uint64 {
	if !validLevel(level) {
		return 0
	}
	var total uint64
	for _, f := range v.files[level] {
		total += f.FD.FileSize
	}
	return total
}

// VersionNumber returns the version number for debugging.
func (v *Version) VersionNumber() uint64 { return v.num }

// OverlappingInputs returns the files at level whose key range intersects
// [begin, end]. A nil begin or end bound means "unbounded" on that side.
func (v *Version) OverlappingInputs(level int, begin, end []byte) []*manifest.FileMetaData {
	if !validLevel(level) {
		return nil
	}

	var out []*manifest.FileMetaData
	for _, f := range v.files[level] {
		if begin != nil && len(f.Largest) > 0 && compareInternalKey(f.Largest, begin) < 0 {
			continue // file ends before the range starts
		}
		if end != nil && len(f.Smallest) > 0 && compareInternalKey(f.Smallest, end) > 0 {
			continue // file starts after the range ends
		}
		out = append(out, f)
	}
	return out
}

func validLevel(level int) bool { return level >= 0 && level < MaxNumLevels }

// compareInternalKey orders two internal keys (user key plus an 8-byte
// little-endian sequence/type trailer): user key ascending, then sequence
// number descending so that the newest version of a key sorts first.
func compareInternalKey(a, b []byte) int {
	if len(a) < 8 || len(b) < 8 {
		return compareBytes(a, b)
	}

	if c := compareBytes(a[:len(a)-8], b[:len(b)-8]); c != 0 {
		return c
	}

	seqA, seqB := littleEndianUint64(a[len(a)-8:]), littleEndianUint64(b[len(b)-8:])
	switch {
	case seqA > seqB:
		return -1
	case seqA < seqB:
		return 1
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
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

func littleEndianUint64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
