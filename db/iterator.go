// iterator.go implements the database iterator.
//
// DBIterator provides a way to iterate over all keys in the database,
// merging data from memtables and SST files at each level.
//
// Reference: RocksDB v10.7.5
//   - db/db_iter.h
//   - db/db_iter.cc
package db

import (
	"bytes"
	"errors"

	"github.com/aalhour/rockyardkv/internal/dbformat"
	"github.com/aalhour/rockyardkv/internal/encoding"
	"github.com/aalhour/rockyardkv/internal/manifest"
	"github.com/aalhour/rockyardkv/internal/memtable"
	"github.com/aalhour/rockyardkv/internal/rangedel"
	"github.com/aalhour/rockyardkv/internal/table"
	"github.com/aalhour/rockyardkv/internal/version"
)

// ErrIteratorInvalid indicates an operation was attempted on an invalid iterator.
var ErrIteratorInvalid = errors.New("db: iterator is not valid")

// Iterator provides a way to iterate over keys in the database.
type Iterator interface {
	// Valid returns true if the iterator is positioned at a valid entry.
	Valid() bool

	// SeekToFirst positions the iterator at the first key.
	SeekToFirst()

	// SeekToLast positions the iterator at the last key.
	SeekToLast()

	// Seek positions the iterator at the first key >= target.
	Seek(target []byte)

	// SeekForPrev positions the iterator at the last key <= target.
	SeekForPrev(target []byte)

	// Next moves the iterator to the next key.
	Next()

	// Prev moves the iterator to the previous key.
	Prev()

	// Key returns the key at the current position.
	// REQUIRES: Valid()
	Key() []byte

	// Value returns the value at the current position.
	// REQUIRES: Valid()
	Value() []byte

	// Error returns any error that has occurred.
	Error() error

	// Close releases resources associated with the iterator.
	Close() error
}

// errorIterator is an iterator that always returns an error.
type errorIterator struct {
	err error
}

func (it *errorIterator) Valid() bool               { return false }
func (it *errorIterator) SeekToFirst()              {}
func (it *errorIterator) SeekToLast()               {}
func (it *errorIterator) Seek(target []byte)        {}
func (it *errorIterator) SeekForPrev(target []byte) {}
func (it *errorIterator) Next()                     {}
func (it *errorIterator) Prev()                     {}
func (it *errorIterator) Key() []byte               { return nil }
func (it *errorIterator) Value() []byte             { return nil }
func (it *errorIterator) Error() error              { return it.err }
func (it *errorIterator) Close() error              { return nil }

const (
	dirForward  = 1
	dirBackward = -1
)

// internalIterator wraps different iterator types with a common interface.
type internalIterator interface {
	Valid() bool
	Key() []byte   // Returns internal key
	Value() []byte // Returns value
	SeekToFirst()
	SeekToLast()
	Seek(target []byte)
	Next()
	Prev()
	UserKey() []byte
	SeqNum() uint64
	Type() dbformat.ValueType
	Error() error
}

// dbIterator merges memtable and SST file iterators into a single view of
// the database, deduplicating keys by sequence number and skipping
// deletions and range-tombstone-covered entries.
type dbIterator struct {
	db       *DBImpl
	cfd      *columnFamilyData // Column family (nil = use default via db.mem)
	snapshot *Snapshot
	err      error
	valid    bool

	// Internal iterators
	memIter  *memtable.MemTableIterator
	immIter  *memtable.MemTableIterator // Immutable memtable iterator
	sstIters []*sstIterWrapper          // SST file iterators

	// Version reference (to keep SST files alive)
	version *version.Version

	// Range deletion aggregator for checking if keys are covered by tombstones
	rangeDelAgg *rangedel.RangeDelAggregator

	// Merged iterator state
	iterators   []internalIterator
	currentIter int // Index of current best iterator

	// savedKey is the current user key we're positioned at
	savedKey []byte
	// savedValue is the current value
	savedValue []byte

	// direction indicates whether we're moving forward or backward
	direction int // 1 = forward, -1 = backward, 0 = not moving

	// Prefix seek support
	prefixExtractor   PrefixExtractor
	iterateUpperBound []byte
	iterateLowerBound []byte
	prefixSameAsStart bool
	totalOrderSeek    bool
	seekPrefix        []byte // Prefix from the initial Seek call

	// Comparator for key comparison (nil means use bytewise)
	comparator Comparator
}

// compareKeys compares two user keys using the configured comparator,
// falling back to lexicographic byte comparison.
func (it *dbIterator) compareKeys(a, b []byte) int {
	if it.comparator != nil {
		return it.comparator.Compare(a, b)
	}
	return bytes.Compare(a, b)
}

// keysEqual checks if two user keys are equal using the configured comparator.
func (it *dbIterator) keysEqual(a, b []byte) bool {
	return it.compareKeys(a, b) == 0
}

// stepPast advances iter past every entry whose user key equals key,
// moving forward or backward depending on the iteration direction.
func (it *dbIterator) stepPast(iter internalIterator, key []byte, forward bool) {
	for iter.Valid() && it.keysEqual(iter.UserKey(), key) {
		if forward {
			iter.Next()
		} else {
			iter.Prev()
		}
	}
}

// memtableIterWrapper wraps a memtable iterator.
type memtableIterWrapper struct {
	iter *memtable.MemTableIterator
}

func (w *memtableIterWrapper) Valid() bool              { return w.iter.Valid() }
func (w *memtableIterWrapper) Key() []byte              { return w.iter.Key() }
func (w *memtableIterWrapper) Value() []byte            { return w.iter.Value() }
func (w *memtableIterWrapper) SeekToFirst()             { w.iter.SeekToFirst() }
func (w *memtableIterWrapper) SeekToLast()              { w.iter.SeekToLast() }
func (w *memtableIterWrapper) Seek(target []byte)       { w.iter.Seek(target) }
func (w *memtableIterWrapper) Next()                    { w.iter.Next() }
func (w *memtableIterWrapper) Prev()                    { w.iter.Prev() }
func (w *memtableIterWrapper) UserKey() []byte          { return w.iter.UserKey() }
func (w *memtableIterWrapper) SeqNum() uint64           { return uint64(w.iter.Sequence()) }
func (w *memtableIterWrapper) Type() dbformat.ValueType { return w.iter.Type() }
func (w *memtableIterWrapper) Error() error             { return w.iter.Error() }

// sstIterWrapper wraps an SST table iterator and decodes the trailing
// sequence-number/type tag packed into each internal key.
type sstIterWrapper struct {
	iter     *table.TableIterator
	fileNum  uint64
	reader   *table.Reader
	released bool
}

func (w *sstIterWrapper) Valid() bool        { return w.iter != nil && w.iter.Valid() }
func (w *sstIterWrapper) Key() []byte        { return w.iter.Key() }
func (w *sstIterWrapper) Value() []byte      { return w.iter.Value() }
func (w *sstIterWrapper) SeekToFirst()       { w.iter.SeekToFirst() }
func (w *sstIterWrapper) SeekToLast()        { w.iter.SeekToLast() }
func (w *sstIterWrapper) Seek(target []byte) { w.iter.Seek(target) }
func (w *sstIterWrapper) Next()              { w.iter.Next() }
func (w *sstIterWrapper) Prev()              { w.iter.Prev() }
func (w *sstIterWrapper) Error() error       { return w.iter.Error() }

func (w *sstIterWrapper) UserKey() []byte {
	key := w.iter.Key()
	if len(key) < 8 {
		return key
	}
	return key[:len(key)-8]
}

// tag returns the packed sequence/type suffix of the current internal key,
// or zero if the key is too short to carry one.
func (w *sstIterWrapper) tag() uint64 {
	key := w.iter.Key()
	if len(key) < 8 {
		return 0
	}
	return encoding.DecodeFixed64(key[len(key)-8:])
}

func (w *sstIterWrapper) SeqNum() uint64 { return w.tag() >> 8 }

func (w *sstIterWrapper) Type() dbformat.ValueType {
	key := w.iter.Key()
	if len(key) < 8 {
		return dbformat.TypeValue
	}
	return dbformat.ValueType(w.tag() & 0xff)
}

// newDBIterator creates a new database iterator for the default column family.
// Reserved - currently NewIterator uses newDBIteratorCF directly.
func newDBIterator(db *DBImpl, snapshot *Snapshot) *dbIterator { //nolint:unused // reserved for future use
	return newDBIteratorCF(db, nil, snapshot)
}

// newDBIteratorCF creates a new database iterator for a specific column family.
func newDBIteratorCF(db *DBImpl, cfd *columnFamilyData, snapshot *Snapshot) *dbIterator {
	// Determine snapshot sequence number for range deletion visibility
	var snapshotSeq dbformat.SequenceNumber
	if snapshot != nil {
		snapshotSeq = dbformat.SequenceNumber(snapshot.Sequence())
	} else {
		snapshotSeq = dbformat.MaxSequenceNumber
	}

	iter := &dbIterator{
		db:          db,
		cfd:         cfd,
		snapshot:    snapshot,
		rangeDelAgg: rangedel.NewRangeDelAggregator(snapshotSeq),
		comparator:  db.comparator,
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	// Get memtable iterators
	var mem, imm *memtable.MemTable
	if cfd == nil || cfd.id == DefaultColumnFamilyID {
		mem = db.mem
		imm = db.imm
	} else {
		cfd.memMu.RLock()
		mem = cfd.mem
		if len(cfd.imm) > 0 {
			imm = cfd.imm[0]
		}
		cfd.memMu.RUnlock()
	}

	iter.attachMemtable(mem)
	iter.attachMemtable(imm)

	// Get SST iterators from the current version
	v := db.versions.Current()
	if v != nil {
		v.Ref()
		iter.version = v

		// Add iterators for all SST files
		for level := range v.NumLevels() {
			files := v.Files(level)
			for _, f := range files {
				sstIter := iter.createSSTIterator(f)
				if sstIter != nil {
					iter.sstIters = append(iter.sstIters, sstIter)
					iter.iterators = append(iter.iterators, sstIter)

					// Add range tombstones from this SST file to aggregator
					if sstIter.reader != nil {
						tombstoneList, err := sstIter.reader.GetRangeTombstoneList()
						if err == nil && !tombstoneList.IsEmpty() {
							iter.rangeDelAgg.AddTombstoneList(level, tombstoneList)
						}
					}
				}
			}
		}
	}

	return iter
}

// attachMemtable wraps mem (if non-nil) into the merge set and folds its
// range tombstones into the aggregator at level -1.
func (it *dbIterator) attachMemtable(mem *memtable.MemTable) {
	if mem == nil {
		return
	}
	mem.Ref()
	wrapped := mem.NewIterator()
	it.iterators = append(it.iterators, &memtableIterWrapper{iter: wrapped})
	if it.memIter == nil {
		it.memIter = wrapped
	} else {
		it.immIter = wrapped
	}

	if mem.HasRangeTombstones() {
		it.rangeDelAgg.AddTombstones(-1, mem.GetFragmentedRangeTombstones())
	}
}

// createSSTIterator creates an iterator for an SST file.
func (it *dbIterator) createSSTIterator(f *manifest.FileMetaData) *sstIterWrapper {
	fileNum := f.FD.GetNumber()
	path := it.db.sstFilePath(fileNum)

	reader, err := it.db.tableCache.Get(fileNum, path)
	if err != nil {
		it.err = err
		return nil
	}

	return &sstIterWrapper{
		iter:    reader.NewIterator(),
		fileNum: fileNum,
		reader:  reader,
	}
}

// Valid returns true if the iterator is positioned at a valid entry.
func (it *dbIterator) Valid() bool {
	return it.valid && it.err == nil
}

// SeekToFirst positions the iterator at the first key.
func (it *dbIterator) SeekToFirst() {
	it.direction = dirForward
	it.err = nil
	it.seekPrefix = nil // Clear prefix on SeekToFirst

	// If we have a lower bound, seek to it instead
	if len(it.iterateLowerBound) > 0 {
		it.Seek(it.iterateLowerBound)
		return
	}

	// Seek all iterators to first
	for _, iter := range it.iterators {
		iter.SeekToFirst()
	}

	it.findNextValidEntry()
}

// SeekToLast positions the iterator at the last key.
func (it *dbIterator) SeekToLast() {
	it.direction = dirBackward
	it.err = nil

	// Seek all iterators to last
	for _, iter := range it.iterators {
		iter.SeekToLast()
	}

	// If we have an upper bound, move each iterator backward until it's
	// before the upper bound.
	if len(it.iterateUpperBound) > 0 {
		for _, iter := range it.iterators {
			for iter.Valid() && it.compareKeys(iter.UserKey(), it.iterateUpperBound) >= 0 {
				iter.Prev()
			}
		}
	}

	it.findPrevValidEntry()
}

// Seek positions the iterator at the first key >= target.
func (it *dbIterator) Seek(target []byte) {
	it.direction = dirForward
	it.err = nil

	// Check lower bound
	if len(it.iterateLowerBound) > 0 && bytes.Compare(target, it.iterateLowerBound) < 0 {
		target = it.iterateLowerBound
	}

	// Capture the prefix for prefix_same_as_start optimization
	if it.prefixSameAsStart && it.prefixExtractor != nil && it.prefixExtractor.InDomain(target) {
		prefix := it.prefixExtractor.Transform(target)
		it.seekPrefix = append([]byte(nil), prefix...)
	} else {
		it.seekPrefix = nil
	}

	// Create an internal key for seeking (target + max sequence number)
	seekKey := makeInternalKey(target, uint64(dbformat.MaxSequenceNumber), dbformat.ValueTypeForSeek)

	// Seek all iterators
	for _, iter := range it.iterators {
		iter.Seek(seekKey)
	}

	it.findNextValidEntry()
}

// SeekForPrev positions the iterator at the last key <= target.
func (it *dbIterator) SeekForPrev(target []byte) {
	it.direction = dirBackward
	// First seek to target
	it.Seek(target)
	if !it.Valid() {
		it.SeekToLast()
	} else if bytes.Compare(it.Key(), target) > 0 {
		it.Prev()
	}
}

// Next moves the iterator to the next key.
func (it *dbIterator) Next() {
	it.advance(dirForward, it.resyncIteratorsForward, it.findNextValidEntry)
}

// Prev moves the iterator to the previous key.
func (it *dbIterator) Prev() {
	it.advance(dirBackward, it.resyncIteratorsBackward, it.findPrevValidEntry)
}

// advance implements the shared shape of Next/Prev: bail out if invalid,
// resync every sub-iterator if the direction just flipped, otherwise step
// each one past the current key and re-run the merge scan.
func (it *dbIterator) advance(dir int, resync, findValid func()) {
	if !it.valid {
		return
	}

	prevDirection := it.direction
	it.direction = dir

	// Reference: RocksDB DBIter::ReverseToForward()/ReverseToBackward()
	if prevDirection != 0 && prevDirection != dir {
		resync()
		return
	}

	forward := dir == dirForward
	for _, iter := range it.iterators {
		it.stepPast(iter, it.savedKey, forward)
	}

	findValid()
}

// resyncIteratorsForward repositions all iterators for forward iteration
// after a direction change from backward to forward.
// This ensures all iterators are positioned at keys > savedKey.
func (it *dbIterator) resyncIteratorsForward() {
	seekKey := makeInternalKey(it.savedKey, 0, dbformat.TypeValue)

	for _, iter := range it.iterators {
		iter.Seek(seekKey)
		// After seeking we might land exactly on savedKey with seq 0.
		it.stepPast(iter, it.savedKey, true)
	}

	it.findNextValidEntry()
}

// resyncIteratorsBackward repositions all iterators for backward iteration
// after a direction change from forward to backward.
// This ensures all iterators are positioned at keys < savedKey.
// Reference: RocksDB DBIter::ReverseToBackward()
func (it *dbIterator) resyncIteratorsBackward() {
	seekKey := makeInternalKey(it.savedKey, uint64(dbformat.MaxSequenceNumber), dbformat.ValueTypeForSeek)

	for _, iter := range it.iterators {
		iter.Seek(seekKey)

		if !iter.Valid() {
			// Seek went past all keys in this iterator; start from the end.
			iter.SeekToLast()
			it.stepPast(iter, it.savedKey, false)
			continue
		}

		if it.compareKeys(iter.UserKey(), it.savedKey) > 0 {
			// Landed after savedKey: one Prev() gets us before it.
			iter.Prev()
		} else {
			// Landed on savedKey (or earlier): skip past all its versions.
			it.stepPast(iter, it.savedKey, false)
		}
	}

	it.findPrevValidEntry()
}

// findNextValidEntry finds the smallest key across all iterators, skipping
// older versions and deletions.
func (it *dbIterator) findNextValidEntry() {
	it.findValidEntry(true)
}

// findPrevValidEntry finds the largest key across all iterators, skipping
// older versions and deletions.
func (it *dbIterator) findPrevValidEntry() {
	it.findValidEntry(false)
}

// findValidEntry drives the merge scan in either direction: forward picks
// the smallest remaining key, backward picks the largest. Both directions
// share identical deletion, tombstone, bound, and prefix handling, mirrored
// across their respective comparison sense and step direction.
func (it *dbIterator) findValidEntry(forward bool) {
outerLoop:
	for {
		bestIdx := -1
		var bestKey []byte
		var bestSeq uint64

		for i, iter := range it.iterators {
			if !iter.Valid() {
				continue
			}
			if err := iter.Error(); err != nil {
				it.err = err
				it.valid = false
				return
			}

			// Versions of a user key run newest-first, so a backward step
			// lands on the oldest one; move to the newest visible version.
			for !forward {
				cur := append([]byte(nil), iter.UserKey()...)
				iter.Prev()
				if !iter.Valid() {
					iter.SeekToFirst()
					break
				}
				if !it.keysEqual(iter.UserKey(), cur) || (it.snapshot != nil && iter.SeqNum() > it.snapshot.Sequence()) {
					iter.Next()
					break
				}
			}

			userKey := iter.UserKey()
			seq := iter.SeqNum()

			// Check snapshot visibility.
			if it.snapshot != nil && seq > it.snapshot.Sequence() {
				// Not visible to the snapshot: advance this entry once and
				// restart the whole scan.
				if forward {
					iter.Next()
				} else {
					iter.Prev()
				}
				continue outerLoop
			}

			if bestIdx == -1 {
				bestIdx, bestKey, bestSeq = i, userKey, seq
				continue
			}

			cmp := it.compareKeys(userKey, bestKey)
			isBetter := cmp < 0
			if !forward {
				isBetter = cmp > 0
			}
			switch {
			case isBetter:
				bestIdx, bestKey, bestSeq = i, userKey, seq
			case cmp == 0 && seq > bestSeq:
				bestIdx, bestSeq = i, seq
			}
		}

		if bestIdx == -1 {
			it.valid = false
			return
		}

		valueType := it.iterators[bestIdx].Type()
		if valueType == dbformat.TypeDeletion || valueType == dbformat.TypeSingleDeletion {
			it.skipKeyAcrossIterators(bestKey, forward)
			continue
		}

		if it.rangeDelAgg != nil && it.rangeDelAgg.ShouldDelete(bestKey, dbformat.SequenceNumber(bestSeq)) {
			it.skipKeyAcrossIterators(bestKey, forward)
			continue
		}

		if !it.withinBounds(bestKey, forward) {
			it.valid = false
			return
		}

		if !it.withinSeekPrefix(bestKey) {
			it.valid = false
			return
		}

		it.savedKey = append([]byte(nil), bestKey...)
		it.savedValue = append([]byte(nil), it.iterators[bestIdx].Value()...)
		it.currentIter = bestIdx
		it.valid = true
		return
	}
}

// skipKeyAcrossIterators steps every sub-iterator past all versions of key.
func (it *dbIterator) skipKeyAcrossIterators(key []byte, forward bool) {
	keyToSkip := append([]byte(nil), key...)
	for _, iter := range it.iterators {
		it.stepPast(iter, keyToSkip, forward)
	}
}

// withinBounds checks key against the upper bound (forward) or lower bound
// (backward).
func (it *dbIterator) withinBounds(key []byte, forward bool) bool {
	if forward {
		return len(it.iterateUpperBound) == 0 || it.compareKeys(key, it.iterateUpperBound) < 0
	}
	return len(it.iterateLowerBound) == 0 || it.compareKeys(key, it.iterateLowerBound) >= 0
}

// withinSeekPrefix checks key against the prefix captured by a preceding
// Seek when prefix_same_as_start is enabled.
func (it *dbIterator) withinSeekPrefix(key []byte) bool {
	if !it.prefixSameAsStart || len(it.seekPrefix) == 0 || it.prefixExtractor == nil {
		return true
	}
	if !it.prefixExtractor.InDomain(key) {
		return true
	}
	return bytes.Equal(it.prefixExtractor.Transform(key), it.seekPrefix)
}

// Key returns the key at the current position.
func (it *dbIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.savedKey
}

// Value returns the value at the current position.
func (it *dbIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.savedValue
}

// Error returns any error that has occurred.
func (it *dbIterator) Error() error {
	return it.err
}

// Close releases resources associated with the iterator.
func (it *dbIterator) Close() error {
	// Release SST file references
	for _, sstIter := range it.sstIters {
		if !sstIter.released {
			it.db.tableCache.Release(sstIter.fileNum)
			sstIter.released = true
		}
	}

	// Release version reference
	if it.version != nil {
		it.version.Unref()
		it.version = nil
	}

	it.memIter = nil
	it.immIter = nil
	it.sstIters = nil
	it.iterators = nil

	return nil
}
