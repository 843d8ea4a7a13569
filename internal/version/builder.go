// builder.go implements VersionBuilder for applying edits to versions.
//
// Builder accumulates a batch of VersionEdits against one base Version
// and materializes the result as a single new Version, rather than
// allocating an intermediate Version per edit.
//
// Reference: RocksDB v10.7.5
//   - db/version_builder.h
//   - db/version_builder.cc
package version

import (
	"sort"

	"github.com/aalhour/rockyardkv/internal/manifest"
)

// levelDelta tracks the file adds/removes accumulated for one level,
// keyed by file number so repeated add/delete/add sequences within the
// same batch collapse correctly.
type levelDelta struct {
	added   map[uint64]*manifest.FileMetaData
	removed map[uint64]struct{}
}

func newLevelDelta() levelDelta {
	return levelDelta{added: make(map[uint64]*manifest.FileMetaData), removed: make(map[uint64]struct{})}
}

// Builder accumulates changes to a Version and produces a new Version.
//
// Usage:
//
//	builder := NewBuilder(vset, baseVersion)
//	builder.Apply(edit1)
//	builder.Apply(edit2)
//	newVersion := builder.SaveTo(vset)
type Builder struct {
	base   *Version
	deltas [MaxNumLevels]levelDelta
}

// NewBuilder creates a new Builder based on the given Version. vset is
// accepted for symmetry with SaveTo but unused: the builder only needs a
// VersionSet when allocating the resulting Version's number.
func NewBuilder(vset *VersionSet, base *Version) *Builder {
	b := &Builder{base: base}
	for i := range b.deltas {
		b.deltas[i] = newLevelDelta()
	}
	return b
}

// Apply folds one VersionEdit's file adds and deletes into the batch.
func (b *Builder) Apply(edit *manifest.VersionEdit) error {
	cfID := uint32(0)
	if edit.HasColumnFamily {
		cfID = edit.ColumnFamily
	}

	for _, df := range edit.DeletedFiles {
		b.deleteFile(df.Level, df.FileNumber)
	}
	for _, nf := range edit.NewFiles {
		if nf.Level < 0 || nf.Level >= MaxNumLevels {
			continue
		}
		// Queries must only ever see files belonging to the edit's
		// column family, so the CF id travels with the metadata.
		nf.Meta.ColumnFamilyID = cfID
		b.addFile(nf.Level, nf.Meta)
	}
	return nil
}

// deleteFile records that fileNum is gone from level. An add earlier in
// the same batch is simply retracted; a delete of a file absent from
// both the batch and the base version is a silent no-op — compaction
// selection can race with LogAndApply and hand back a file number
// that's already gone, and RocksDB tolerates that rather than erroring.
func (b *Builder) deleteFile(level int, fileNum uint64) {
	if level < 0 || level >= MaxNumLevels {
		return
	}
	delta := &b.deltas[level]
	if _, wasAdded := delta.added[fileNum]; wasAdded {
		delete(delta.added, fileNum)
		return
	}
	if _, alreadyDeleted := delta.removed[fileNum]; alreadyDeleted {
		return
	}
	if !b.baseHasFile(level, fileNum) {
		return
	}
	delta.removed[fileNum] = struct{}{}
}

func (b *Builder) addFile(level int, meta *manifest.FileMetaData) {
	delta := &b.deltas[level]
	fileNum := meta.FD.GetNumber()
	delete(delta.removed, fileNum)
	delta.added[fileNum] = meta
}

func (b *Builder) baseHasFile(level int, fileNum uint64) bool {
	if b.base == nil {
		return false
	}
	for _, f := range b.base.files[level] {
		if f.FD.GetNumber() == fileNum {
			return true
		}
	}
	return false
}

// SaveTo materializes the accumulated batch as a new Version: base files
// survive unless deleted, batch-added files are appended, and each
// level is re-sorted in its own order (L0 by file number since its
// files may overlap, L1+ by smallest key since they never do).
func (b *Builder) SaveTo(vset *VersionSet) *Version {
	v := NewVersion(vset, vset.NextVersionNumber())

	for level := range MaxNumLevels {
		delta := &b.deltas[level]

		var files []*manifest.FileMetaData
		if b.base != nil {
			for _, f := range b.base.files[level] {
				if _, deleted := delta.removed[f.FD.GetNumber()]; deleted {
					continue
				}
				files = append(files, f)
			}
		}
		for _, f := range delta.added {
			files = append(files, f)
		}

		if level == 0 {
			sortByFileNumber(files)
		} else {
			sortBySmallestKey(files)
		}
		v.files[level] = files
	}

	return v
}

func sortByFileNumber(files []*manifest.FileMetaData) {
	sort.Slice(files, func(i, j int) bool {
		return files[i].FD.GetNumber() < files[j].FD.GetNumber()
	})
}

func sortBySmallestKey(files []*manifest.FileMetaData) {
	sort.Slice(files, func(i, j int) bool {
		return compareInternalKey(files[i].Smallest, files[j].Smallest) < 0
	})
}
