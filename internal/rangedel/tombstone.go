// Package rangedel implements DeleteRange support: tombstones marking
// a half-open key range as deleted, fragmentation of overlapping
// tombstones into a non-overlapping set, and an aggregator that
// merges tombstones from the memtable and every SST level a read or
// compaction touches.
//
// Reference: RocksDB db/range_del_aggregator.h, db/range_tombstone_fragmenter.h
package rangedel

import (
	"bytes"

	"github.com/aalhour/rockyardkv/internal/dbformat"
)

// RangeTombstone marks [StartKey, EndKey) as deleted as of SequenceNum:
// any key in that range with a lower sequence number is hidden.
type RangeTombstone struct {
	StartKey    []byte
	EndKey      []byte
	SequenceNum dbformat.SequenceNumber
}

// NewRangeTombstone copies startKey/endKey so the tombstone owns its
// bounds independently of the caller's buffers.
func NewRangeTombstone(startKey, endKey []byte, seqNum dbformat.SequenceNumber) *RangeTombstone {
	return &RangeTombstone{
		StartKey:    bytes.Clone(startKey),
		EndKey:      bytes.Clone(endKey),
		SequenceNum: seqNum,
	}
}

// Contains reports whether userKey falls in [StartKey, EndKey).
func (t *RangeTombstone) Contains(userKey []byte) bool {
	return bytes.Compare(userKey, t.StartKey) >= 0 && bytes.Compare(userKey, t.EndKey) < 0
}

// Covers reports whether this tombstone hides userKey at keySeqNum:
// the key must lie in range and be older than the deletion.
func (t *RangeTombstone) Covers(userKey []byte, keySeqNum dbformat.SequenceNumber) bool {
	return keySeqNum < t.SequenceNum && t.Contains(userKey)
}

// IsEmpty reports whether the range is degenerate (start >= end).
func (t *RangeTombstone) IsEmpty() bool {
	return bytes.Compare(t.StartKey, t.EndKey) >= 0
}

// Overlaps reports whether t and other's ranges intersect.
func (t *RangeTombstone) Overlaps(other *RangeTombstone) bool {
	return bytes.Compare(t.StartKey, other.EndKey) < 0 && bytes.Compare(other.StartKey, t.EndKey) < 0
}

// Clone returns an independent deep copy.
func (t *RangeTombstone) Clone() *RangeTombstone {
	return NewRangeTombstone(t.StartKey, t.EndKey, t.SequenceNum)
}

// Compare orders tombstones by start key ascending, then by sequence
// number descending (newest deletion first) — the order fragmentation
// relies on.
func (t *RangeTombstone) Compare(other *RangeTombstone) int {
	if c := bytes.Compare(t.StartKey, other.StartKey); c != 0 {
		return c
	}
	switch {
	case t.SequenceNum > other.SequenceNum:
		return -1
	case t.SequenceNum < other.SequenceNum:
		return 1
	default:
		return 0
	}
}

// InternalKey returns the tombstone's start key encoded as an
// internal key of type TypeRangeDeletion, as stored in an SST's range
// deletion block.
func (t *RangeTombstone) InternalKey() dbformat.InternalKey {
	return dbformat.NewInternalKey(t.StartKey, t.SequenceNum, dbformat.TypeRangeDeletion)
}

// TombstoneList accumulates range tombstones in insertion order,
// before fragmentation. A memtable keeps one of these for the
// DeleteRange calls it has absorbed.
type TombstoneList struct {
	entries []*RangeTombstone
}

// NewTombstoneList creates an empty list.
func NewTombstoneList() *TombstoneList {
	return &TombstoneList{entries: make([]*RangeTombstone, 0)}
}

// Add appends an existing tombstone.
func (l *TombstoneList) Add(t *RangeTombstone) { l.entries = append(l.entries, t) }

// AddRange appends a new tombstone covering [startKey, endKey) at seqNum.
func (l *TombstoneList) AddRange(startKey, endKey []byte, seqNum dbformat.SequenceNumber) {
	l.Add(NewRangeTombstone(startKey, endKey, seqNum))
}

// Len returns the number of tombstones in the list.
func (l *TombstoneList) Len() int { return len(l.entries) }

// Get returns the tombstone at index i, or nil if out of range.
func (l *TombstoneList) Get(i int) *RangeTombstone {
	if i < 0 || i >= len(l.entries) {
		return nil
	}
	return l.entries[i]
}

// IsEmpty reports whether the list holds no tombstones.
func (l *TombstoneList) IsEmpty() bool { return len(l.entries) == 0 }

// Clear removes every tombstone, keeping the underlying array.
func (l *TombstoneList) Clear() { l.entries = l.entries[:0] }

// All returns the list's tombstones in insertion order.
func (l *TombstoneList) All() []*RangeTombstone { return l.entries }

// ContainsKey does a linear scan for any tombstone covering userKey.
// Callers on a hot path should fragment first and use
// FragmentedRangeTombstoneList.ShouldDelete instead.
func (l *TombstoneList) ContainsKey(userKey []byte) bool {
	for _, t := range l.entries {
		if t.Contains(userKey) {
			return true
		}
	}
	return false
}

// MaxSequenceNum returns the highest sequence number among the list's
// tombstones, or 0 if it's empty.
func (l *TombstoneList) MaxSequenceNum() dbformat.SequenceNumber {
	var maxSeq dbformat.SequenceNumber
	for _, t := range l.entries {
		if t.SequenceNum > maxSeq {
			maxSeq = t.SequenceNum
		}
	}
	return maxSeq
}
