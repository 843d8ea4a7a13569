// fragmenter.go converts a batch of possibly-overlapping range
// tombstones into a sorted, non-overlapping fragment list: every
// boundary where a tombstone starts or ends becomes a cut point, and
// each resulting sub-range is stamped with the highest sequence
// number among the tombstones that fully cover it.
//
// Reference: RocksDB v10.7.5
//   - db/range_tombstone_fragmenter.h
//   - db/range_tombstone_fragmenter.cc
package rangedel

import (
	"bytes"
	"sort"

	"github.com/aalhour/rockyardkv/internal/dbformat"
)

// FragmentedRangeTombstoneList holds non-overlapping tombstones sorted
// by start key, enabling a single binary search per lookup rather than
// a scan over every tombstone that might cover a key.
type FragmentedRangeTombstoneList struct {
	fragments []*RangeTombstone
}

// NewFragmentedRangeTombstoneList creates an empty fragment list.
func NewFragmentedRangeTombstoneList() *FragmentedRangeTombstoneList {
	return &FragmentedRangeTombstoneList{fragments: make([]*RangeTombstone, 0)}
}

// Len returns the number of fragments.
func (f *FragmentedRangeTombstoneList) Len() int { return len(f.fragments) }

// IsEmpty reports whether the list has no fragments.
func (f *FragmentedRangeTombstoneList) IsEmpty() bool { return len(f.fragments) == 0 }

// Get returns the fragment at index i, or nil if out of range.
func (f *FragmentedRangeTombstoneList) Get(i int) *RangeTombstone {
	if i < 0 || i >= len(f.fragments) {
		return nil
	}
	return f.fragments[i]
}

// All returns the fragments in start-key order.
func (f *FragmentedRangeTombstoneList) All() []*RangeTombstone { return f.fragments }

// ShouldDelete reports whether a fragment covers userKey at keySeqNum.
func (f *FragmentedRangeTombstoneList) ShouldDelete(userKey []byte, keySeqNum dbformat.SequenceNumber) bool {
	frag := f.fragmentAt(userKey)
	return frag != nil && frag.Covers(userKey, keySeqNum)
}

// searchForKey returns the index of the candidate fragment for userKey
// (the rightmost fragment whose start key is <= userKey), or -1 if
// userKey precedes every fragment.
func (f *FragmentedRangeTombstoneList) searchForKey(userKey []byte) int {
	if len(f.fragments) == 0 {
		return -1
	}
	// idx is the first fragment with StartKey > userKey; the fragment
	// that might actually cover userKey, if any, is the one before it.
	idx := sort.Search(len(f.fragments), func(i int) bool {
		return bytes.Compare(f.fragments[i].StartKey, userKey) > 0
	})
	return idx - 1
}

// fragmentAt resolves the candidate fragment for userKey via
// searchForKey and confirms it actually contains the key (since
// fragments don't span the whole keyspace, the candidate may have a
// gap after its end key).
func (f *FragmentedRangeTombstoneList) fragmentAt(userKey []byte) *RangeTombstone {
	idx := f.searchForKey(userKey)
	if idx < 0 || idx >= len(f.fragments) {
		return nil
	}
	return f.fragments[idx]
}

// MaxSequenceNum returns the highest sequence number among the list's
// fragments, or 0 if it's empty.
func (f *FragmentedRangeTombstoneList) MaxSequenceNum() dbformat.SequenceNumber {
	var maxSeq dbformat.SequenceNumber
	for _, frag := range f.fragments {
		if frag.SequenceNum > maxSeq {
			maxSeq = frag.SequenceNum
		}
	}
	return maxSeq
}

// ContainsRange reports whether any fragment intersects [startKey, endKey),
// e.g. to check whether a compaction's input range needs tombstone handling.
func (f *FragmentedRangeTombstoneList) ContainsRange(startKey, endKey []byte) bool {
	for _, frag := range f.fragments {
		if bytes.Compare(frag.StartKey, endKey) < 0 && bytes.Compare(startKey, frag.EndKey) < 0 {
			return true
		}
	}
	return false
}

// Fragmenter accumulates tombstones and fragments them on Finish.
type Fragmenter struct {
	tombstones []*RangeTombstone
}

// NewFragmenter creates an empty fragmenter.
func NewFragmenter() *Fragmenter {
	return &Fragmenter{tombstones: make([]*RangeTombstone, 0)}
}

// Add appends a new tombstone covering [startKey, endKey) at seqNum;
// a degenerate range (start >= end) is silently dropped.
func (f *Fragmenter) Add(startKey, endKey []byte, seqNum dbformat.SequenceNumber) {
	if bytes.Compare(startKey, endKey) >= 0 {
		return
	}
	f.tombstones = append(f.tombstones, NewRangeTombstone(startKey, endKey, seqNum))
}

// AddTombstone appends a clone of an existing tombstone, dropping it
// if it's degenerate.
func (f *Fragmenter) AddTombstone(t *RangeTombstone) {
	if t.IsEmpty() {
		return
	}
	f.tombstones = append(f.tombstones, t.Clone())
}

// Clear discards all accumulated tombstones.
func (f *Fragmenter) Clear() { f.tombstones = f.tombstones[:0] }

// Len returns the number of tombstones accumulated so far.
func (f *Fragmenter) Len() int { return len(f.tombstones) }

// Finish fragments the accumulated tombstones into a sorted,
// non-overlapping list. The accumulated tombstones are left in place;
// callers that want to reuse the Fragmenter should call Clear.
func (f *Fragmenter) Finish() *FragmentedRangeTombstoneList {
	result := NewFragmentedRangeTombstoneList()
	if len(f.tombstones) == 0 {
		return result
	}

	boundaries := f.sortedBoundaries()
	for i := 0; i < len(boundaries)-1; i++ {
		start, end := boundaries[i], boundaries[i+1]
		if seq := f.coveringSeqNum(start, end); seq > 0 {
			result.fragments = append(result.fragments, NewRangeTombstone(start, end, seq))
		}
	}
	return result
}

// sortedBoundaries returns every distinct start/end key among the
// accumulated tombstones, sorted ascending: these are the cut points
// between fragments.
func (f *Fragmenter) sortedBoundaries() [][]byte {
	seen := make(map[string]struct{}, len(f.tombstones)*2)
	boundaries := make([][]byte, 0, len(f.tombstones)*2)
	for _, t := range f.tombstones {
		for _, key := range [2][]byte{t.StartKey, t.EndKey} {
			if _, dup := seen[string(key)]; dup {
				continue
			}
			seen[string(key)] = struct{}{}
			boundaries = append(boundaries, key)
		}
	}
	sort.Slice(boundaries, func(i, j int) bool {
		return bytes.Compare(boundaries[i], boundaries[j]) < 0
	})
	return boundaries
}

// coveringSeqNum returns the highest sequence number among tombstones
// that fully contain [start, end) — i.e. whichever deletion was most
// recent over that whole sub-range.
func (f *Fragmenter) coveringSeqNum(start, end []byte) dbformat.SequenceNumber {
	var maxSeq dbformat.SequenceNumber
	for _, t := range f.tombstones {
		if bytes.Compare(t.StartKey, start) <= 0 && bytes.Compare(t.EndKey, end) >= 0 && t.SequenceNum > maxSeq {
			maxSeq = t.SequenceNum
		}
	}
	return maxSeq
}
