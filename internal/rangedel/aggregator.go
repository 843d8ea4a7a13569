package rangedel

import (
	"github.com/aalhour/rockyardkv/internal/dbformat"
)

// MaxLevels bounds the per-level tombstone slots an aggregator keeps:
// one for the memtable plus one per SST level.
const MaxLevels = 8

// RangeDelAggregator merges fragmented tombstone lists from the
// memtable and every SST level a read touches, so a single
// ShouldDelete call can answer "is this key covered by any of them"
// without the caller tracking per-source state itself.
//
// Reference: RocksDB db/range_del_aggregator.h
type RangeDelAggregator struct {
	// perLevel[0] holds memtable tombstones (level -1); perLevel[i+1]
	// holds level i's, for i in [0, MaxLevels-2).
	perLevel []*FragmentedRangeTombstoneList

	// upperBound is the read's snapshot sequence number: tombstones
	// created after it are not yet visible to this read.
	upperBound dbformat.SequenceNumber
}

// NewRangeDelAggregator creates an aggregator that hides tombstones
// newer than upperBound (for snapshot isolation).
func NewRangeDelAggregator(upperBound dbformat.SequenceNumber) *RangeDelAggregator {
	return &RangeDelAggregator{
		perLevel:   make([]*FragmentedRangeTombstoneList, MaxLevels),
		upperBound: upperBound,
	}
}

// levelSlot maps a level number (-1 for memtable, 0-6 for SST levels)
// to its index in perLevel.
func levelSlot(level int) int { return level + 1 }

// AddTombstones installs or merges a fragmented tombstone list for the
// given level. Level -1 means memtable; 0-6 are SST levels. A point
// lookup may add tombstones from several L0 files for the same level,
// so an existing list is merged rather than overwritten — overwriting
// would drop earlier tombstones and could incorrectly resurrect a key
// they cover.
func (a *RangeDelAggregator) AddTombstones(level int, list *FragmentedRangeTombstoneList) {
	if list == nil || list.IsEmpty() {
		return
	}
	slot := levelSlot(level)
	if slot < 0 || slot >= len(a.perLevel) {
		return
	}

	existing := a.perLevel[slot]
	if existing == nil || existing.IsEmpty() {
		a.perLevel[slot] = list
		return
	}

	merged := NewFragmenter()
	for _, t := range existing.All() {
		merged.AddTombstone(t)
	}
	for _, t := range list.All() {
		merged.AddTombstone(t)
	}
	a.perLevel[slot] = merged.Finish()
}

// AddTombstoneList fragments an unfragmented list and installs it for
// the given level.
func (a *RangeDelAggregator) AddTombstoneList(level int, list *TombstoneList) {
	if list == nil || list.IsEmpty() {
		return
	}
	f := NewFragmenter()
	for _, t := range list.All() {
		f.AddTombstone(t)
	}
	a.AddTombstones(level, f.Finish())
}

// visibleCoveringFragment returns the fragment across every level that
// covers userKey and is visible at a.upperBound, or nil.
func (a *RangeDelAggregator) visibleCoveringFragment(userKey []byte) *RangeTombstone {
	for _, list := range a.perLevel {
		if list == nil || list.IsEmpty() {
			continue
		}
		frag := list.fragmentAt(userKey)
		if frag == nil || !frag.Contains(userKey) || frag.SequenceNum > a.upperBound {
			continue
		}
		return frag
	}
	return nil
}

// ShouldDelete reports whether userKey at keySeqNum is hidden by a
// visible tombstone on any level.
func (a *RangeDelAggregator) ShouldDelete(userKey []byte, keySeqNum dbformat.SequenceNumber) bool {
	for _, list := range a.perLevel {
		if list == nil || list.IsEmpty() {
			continue
		}
		frag := list.fragmentAt(userKey)
		if frag == nil || frag.SequenceNum > a.upperBound {
			continue
		}
		if frag.Contains(userKey) && keySeqNum < frag.SequenceNum {
			return true
		}
	}
	return false
}

// ShouldDeleteKey extracts the user key and sequence number from an
// internal key and applies ShouldDelete.
func (a *RangeDelAggregator) ShouldDeleteKey(internalKey []byte) bool {
	if len(internalKey) < dbformat.NumInternalBytes {
		return false
	}
	return a.ShouldDelete(dbformat.ExtractUserKey(internalKey), dbformat.ExtractSequenceNumber(internalKey))
}

// GetMaxCoveringTombstoneSeqNum returns the sequence number of the
// highest visible tombstone covering userKey, or 0 if none covers it.
func (a *RangeDelAggregator) GetMaxCoveringTombstoneSeqNum(userKey []byte) dbformat.SequenceNumber {
	if frag := a.visibleCoveringFragment(userKey); frag != nil {
		return frag.SequenceNum
	}
	return 0
}

// IsEmpty reports whether no tombstones have been added on any level.
func (a *RangeDelAggregator) IsEmpty() bool {
	for _, list := range a.perLevel {
		if list != nil && !list.IsEmpty() {
			return false
		}
	}
	return true
}

// NumTombstones returns the total number of fragments across all levels.
func (a *RangeDelAggregator) NumTombstones() int {
	count := 0
	for _, list := range a.perLevel {
		if list != nil {
			count += list.Len()
		}
	}
	return count
}

// Clear removes every level's tombstones.
func (a *RangeDelAggregator) Clear() {
	for i := range a.perLevel {
		a.perLevel[i] = nil
	}
}

// UpperBound returns the snapshot sequence number tombstones are
// checked against.
func (a *RangeDelAggregator) UpperBound() dbformat.SequenceNumber { return a.upperBound }

// SetUpperBound updates the snapshot sequence number.
func (a *RangeDelAggregator) SetUpperBound(seq dbformat.SequenceNumber) { a.upperBound = seq }

// ReadRangeDelAggregator specializes RangeDelAggregator for the read
// path. It currently adds no behavior of its own beyond the embedded
// type, but gives read call sites a distinct type to construct.
type ReadRangeDelAggregator struct {
	*RangeDelAggregator
}

// NewReadRangeDelAggregator creates a read-path aggregator bounded by
// the given snapshot sequence number.
func NewReadRangeDelAggregator(upperBound dbformat.SequenceNumber) *ReadRangeDelAggregator {
	return &ReadRangeDelAggregator{RangeDelAggregator: NewRangeDelAggregator(upperBound)}
}

// CompactionRangeDelAggregator specializes RangeDelAggregator for
// compaction, where a tombstone can be dropped once no active snapshot
// could still need the keys it covers.
type CompactionRangeDelAggregator struct {
	*RangeDelAggregator

	// earliestSnapshot is the oldest snapshot sequence number still
	// held open; tombstones and keys both older than it are invisible
	// to every live snapshot.
	earliestSnapshot dbformat.SequenceNumber
}

// NewCompactionRangeDelAggregator creates a compaction-path aggregator.
// It has no upper bound of its own (compaction must see every
// tombstone regardless of snapshot), only the earliestSnapshot cutoff
// used by ShouldDropKey.
func NewCompactionRangeDelAggregator(earliestSnapshot dbformat.SequenceNumber) *CompactionRangeDelAggregator {
	return &CompactionRangeDelAggregator{
		RangeDelAggregator: NewRangeDelAggregator(dbformat.MaxSequenceNumber),
		earliestSnapshot:   earliestSnapshot,
	}
}

// ShouldDropKey reports whether a key can be discarded during
// compaction: it must be covered by a tombstone, older than that
// tombstone, and both must predate the earliest live snapshot (so no
// snapshot read could observe either the key or the deletion gap).
func (c *CompactionRangeDelAggregator) ShouldDropKey(userKey []byte, keySeqNum dbformat.SequenceNumber) bool {
	coveringSeq := c.GetMaxCoveringTombstoneSeqNum(userKey)
	if coveringSeq == 0 || keySeqNum >= coveringSeq {
		return false
	}
	return keySeqNum < c.earliestSnapshot && coveringSeq <= c.earliestSnapshot
}
